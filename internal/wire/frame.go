package wire

import (
	"errors"
	"fmt"
	"io"
)

// ErrFrameTooLarge 帧长度前缀超过上限
var ErrFrameTooLarge = errors.New("wire: frame too large")

// ReadFrame 读取一个 u32 长度前缀帧，返回帧负载
// 长度为 0 的帧返回空切片
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	n := UnpackU32(hdr[:], 0)
	if uint64(n) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxSize)
	}
	if n == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// AppendFrame 追加长度前缀和负载
func AppendFrame(dst, payload []byte) []byte {
	dst = AppendU32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// WriteFrame 以单次写入发送一个长度前缀帧
func WriteFrame(w io.Writer, payload []byte) error {
	buf := AppendFrame(make([]byte, 0, 4+len(payload)), payload)
	_, err := w.Write(buf)
	return err
}
