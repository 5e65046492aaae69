package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestU32(t *testing.T) {
	b := PackU32(0xDEADBEEF)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, b)
	assert.Equal(t, uint32(0xDEADBEEF), UnpackU32(b, 0))

	// 越界返回 0
	assert.Zero(t, UnpackU32(b, 1))
	assert.Zero(t, UnpackU32(b, -1))
	assert.Zero(t, UnpackU32(nil, 0))
}

func TestReaderShortBuffer(t *testing.T) {
	// 声明长度 10，实际只有 3 字节
	b := AppendU32(nil, 10)
	b = append(b, "abc"...)

	r := NewReader(b)
	_, err := r.String()
	require.ErrorIs(t, err, ErrShortBuffer)
	// 失败的读取不消耗长度字段
	assert.Equal(t, 7, r.Len())

	_, err = NewReader([]byte{0, 0}).U32()
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello")))
	require.NoError(t, WriteFrame(&buf, nil))

	got, err := ReadFrame(&buf, 64)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	got, err = ReadFrame(&buf, 64)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ReadFrame(&buf, 64)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, 100)))

	_, err := ReadFrame(&buf, 99)
	assert.True(t, errors.Is(err, ErrFrameTooLarge))
}

func TestFrameTruncated(t *testing.T) {
	b := AppendU32(nil, 8)
	b = append(b, 1, 2, 3)

	_, err := ReadFrame(bytes.NewReader(b), 64)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestPeerList(t *testing.T) {
	peers := []Peer{{OnlineID: "AAAAAAAA", NumericID: 1}, {OnlineID: "BBBBBBBB", NumericID: 2}}

	typ, body, err := SplitPacket(EncodePeerList(peers))
	require.NoError(t, err)
	assert.Equal(t, PacketPeerList, typ)

	got, err := DecodePeerList(body)
	require.NoError(t, err)
	assert.Equal(t, peers, got)

	// 计数大于实际数据
	_, err = DecodePeerList(AppendU32(nil, 1000))
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestConnectResponse(t *testing.T) {
	_, body, err := SplitPacket(EncodeConnectResponse("ABCD1234", "tok", true))
	require.NoError(t, err)
	oid, token, err := DecodeConnectResponse(body)
	require.NoError(t, err)
	assert.Equal(t, "ABCD1234", oid)
	assert.Equal(t, "tok", token)

	_, body, err = SplitPacket(EncodeConnectResponse("ABCD1234", "tok", false))
	require.NoError(t, err)
	oid, token, err = DecodeConnectResponse(body)
	require.NoError(t, err)
	assert.Equal(t, "ABCD1234", oid)
	assert.Empty(t, token)
}

func TestJoinRequestLayout(t *testing.T) {
	typ, body, err := SplitPacket(EncodeJoinRequest("BBBBBBBB", "AAAAAAAA"))
	require.NoError(t, err)
	assert.Equal(t, PacketJoin, typ)

	r := NewReader(body)
	oid, err := r.String()
	require.NoError(t, err)
	host, err := r.String()
	require.NoError(t, err)
	assert.Equal(t, "BBBBBBBB", oid)
	assert.Equal(t, "AAAAAAAA", host)
	assert.Zero(t, r.Len())
}

func TestPromoteResponse(t *testing.T) {
	assert.Equal(t, []byte{0, 0, 0, 5, 1}, EncodePromoteResponse(true))
	assert.Equal(t, []byte{0, 0, 0, 5, 0}, EncodePromoteResponse(false))
}

func TestDatagram(t *testing.T) {
	b := EncodeDatagram("AAAAAAAA", TargetBroadcast, []byte("ping"))
	dg, err := DecodeDatagram(b)
	require.NoError(t, err)
	assert.Equal(t, "AAAAAAAA", dg.Sender)
	assert.Equal(t, TargetBroadcast, dg.Target)
	assert.Equal(t, []byte("ping"), dg.Payload)

	// 缺少目标字段
	_, err = DecodeDatagram(AppendString(nil, "AAAAAAAA"))
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestPacketTypeString(t *testing.T) {
	assert.Equal(t, "promote_to_host", PacketPromoteToHost.String())
	assert.Equal(t, "unknown(42)", PacketType(42).String())
}
