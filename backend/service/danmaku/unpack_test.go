package danmaku

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeVersion(op Operation, version uint16, body []byte) []byte {
	buf := Encode(op, body)
	binary.BigEndian.PutUint16(buf[6:8], version)
	return buf
}

func zlibBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	writer := zlib.NewWriter(&buf)
	_, err := writer.Write(data)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return buf.Bytes()
}

func brotliBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	writer := brotli.NewWriter(&buf)
	_, err := writer.Write(data)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return buf.Bytes()
}

func commands(frames []Frame) []string {
	out := make([]string, 0, len(frames))
	for _, frame := range frames {
		if frame.Kind == FrameCommand {
			out = append(out, string(frame.Command))
		}
	}
	return out
}

func TestUnpackRawCommand(t *testing.T) {
	frames := NewUnpacker(nil).Unpack(Encode(OpSendMsgReply, []byte(`{"cmd":"DANMU_MSG"}`)))
	assert.Equal(t, []string{`{"cmd":"DANMU_MSG"}`}, commands(frames))
}

func TestUnpackHeartbeatReply(t *testing.T) {
	frames := NewUnpacker(nil).Unpack(Encode(OpHeartbeatReply, []byte{0, 0, 0x30, 0x39}))
	require.Len(t, frames, 1)
	assert.Equal(t, FramePopularity, frames[0].Kind)
	assert.Equal(t, uint32(12345), frames[0].Popularity)
}

func TestUnpackAuthReply(t *testing.T) {
	frames := NewUnpacker(nil).Unpack(Encode(OpAuthReply, []byte(`{"code":0}`)))
	require.Len(t, frames, 1)
	assert.Equal(t, FrameAuthReply, frames[0].Kind)
	assert.Equal(t, 0, frames[0].AuthCode)

	frames = NewUnpacker(nil).Unpack(Encode(OpAuthReply, []byte(`{"code":-101}`)))
	require.Len(t, frames, 1)
	assert.Equal(t, -101, frames[0].AuthCode)
}

func TestUnpackZlibNested(t *testing.T) {
	inner := append(
		Encode(OpSendMsgReply, []byte(`{"cmd":"A"}`)),
		Encode(OpSendMsgReply, []byte(`{"cmd":"B"}`))...,
	)
	buf := encodeVersion(OpSendMsgReply, ProtoZlib, zlibBytes(t, inner))
	assert.Equal(t, []string{`{"cmd":"A"}`, `{"cmd":"B"}`}, commands(NewUnpacker(nil).Unpack(buf)))
}

func TestUnpackBrotliNestedKeepsOrder(t *testing.T) {
	inner := append(
		append(
			Encode(OpSendMsgReply, []byte(`{"cmd":"A"}`)),
			Encode(OpSendMsgReply, []byte(`{"cmd":"B"}`))...,
		),
		Encode(OpSendMsgReply, []byte(`{"cmd":"C"}`))...,
	)
	buf := encodeVersion(OpSendMsgReply, ProtoBrotli, brotliBytes(t, inner))
	assert.Equal(t, []string{`{"cmd":"A"}`, `{"cmd":"B"}`, `{"cmd":"C"}`}, commands(NewUnpacker(nil).Unpack(buf)))
}

func TestUnpackCompressedDirectJSON(t *testing.T) {
	buf := encodeVersion(OpSendMsgReply, ProtoZlib, zlibBytes(t, []byte(`{"cmd":"DIRECT"}`)))
	assert.Equal(t, []string{`{"cmd":"DIRECT"}`}, commands(NewUnpacker(nil).Unpack(buf)))
}

func TestUnpackCorruptCompressedBodyIsConfined(t *testing.T) {
	bad := encodeVersion(OpSendMsgReply, ProtoZlib, []byte("not zlib at all"))
	good := Encode(OpSendMsgReply, []byte(`{"cmd":"OK"}`))
	frames := NewUnpacker(nil).Unpack(append(bad, good...))
	assert.Equal(t, []string{`{"cmd":"OK"}`}, commands(frames))
}

func TestUnpackInvalidRawJSONDropped(t *testing.T) {
	frames := NewUnpacker(nil).Unpack(Encode(OpSendMsgReply, []byte(`{"cmd":`)))
	assert.Empty(t, frames)
}

func TestUnpackIgnoresOtherOperations(t *testing.T) {
	frames := NewUnpacker(nil).Unpack(Encode(OpHandshakeReply, []byte(`{}`)))
	assert.Empty(t, frames)
}

func TestUnpackUnknownVersionDropped(t *testing.T) {
	frames := NewUnpacker(nil).Unpack(encodeVersion(OpSendMsgReply, 9, []byte(`{"cmd":"X"}`)))
	assert.Empty(t, frames)
}

func TestUnpackBrotliUnavailable(t *testing.T) {
	original := loadBrotli
	calls := 0
	loadBrotli = func() (func(io.Reader) io.Reader, error) {
		calls++
		return nil, errors.New("not installed")
	}
	t.Cleanup(func() { loadBrotli = original })

	unpacker := NewUnpacker(nil)
	packet := encodeVersion(OpSendMsgReply, ProtoBrotli, brotliBytes(t, []byte(`{"cmd":"A"}`)))
	raw := Encode(OpSendMsgReply, []byte(`{"cmd":"B"}`))
	assert.Equal(t, []string{`{"cmd":"B"}`}, commands(unpacker.Unpack(append(packet, raw...))))
	assert.Empty(t, unpacker.Unpack(packet))
	assert.Equal(t, 1, calls)

	_, err := unpacker.brotliReader()
	assert.ErrorIs(t, err, ErrBrotliUnavailable)
}
