// Package wire 实现中继协议的定长整数、长度前缀字符串和帧格式
//
// 所有整数均为 4 字节大端序。
package wire

import (
	"encoding/binary"
	"errors"
)

// ErrShortBuffer 剩余数据不足以解析字段
var ErrShortBuffer = errors.New("wire: short buffer")

// PackU32 将 v 编码为 4 字节大端序
func PackU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// UnpackU32 从 off 处读取 4 字节大端序整数，越界返回 0
func UnpackU32(b []byte, off int) uint32 {
	if off < 0 || off+4 > len(b) {
		return 0
	}
	return binary.BigEndian.Uint32(b[off:])
}

// AppendU32 追加 4 字节大端序整数
func AppendU32(dst []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(dst, v)
}

// AppendString 追加长度前缀字符串
func AppendString(dst []byte, s string) []byte {
	dst = AppendU32(dst, uint32(len(s)))
	return append(dst, s...)
}

// Reader 顺序读取字段，越界时返回 ErrShortBuffer
type Reader struct {
	buf []byte
	off int
}

// NewReader 创建读取器
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// U32 读取一个大端序整数
func (r *Reader) U32() (uint32, error) {
	if r.Len() < 4 {
		return 0, ErrShortBuffer
	}
	v := UnpackU32(r.buf, r.off)
	r.off += 4
	return v, nil
}

// String 读取长度前缀字符串
func (r *Reader) String() (string, error) {
	n, err := r.U32()
	if err != nil {
		return "", err
	}
	if uint64(n) > uint64(r.Len()) {
		r.off -= 4
		return "", ErrShortBuffer
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	return s, nil
}

// Byte 读取单个字节
func (r *Reader) Byte() (byte, error) {
	if r.Len() < 1 {
		return 0, ErrShortBuffer
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

// Rest 返回剩余未读数据（不复制）
func (r *Reader) Rest() []byte {
	return r.buf[r.off:]
}

// Len 剩余字节数
func (r *Reader) Len() int {
	return len(r.buf) - r.off
}
