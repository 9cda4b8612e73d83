package danmaku

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/andybalholm/brotli"
	"go.uber.org/zap"

	"bilibililivetools/livetts/backend/metrics"
)

const (
	maxInflatedSize = 8 << 20
	maxNestingDepth = 4
)

var ErrBrotliUnavailable = errors.New("brotli decompressor unavailable")

// loadBrotli is resolved once, on the first brotli packet.
var loadBrotli = func() (func(io.Reader) io.Reader, error) {
	return func(r io.Reader) io.Reader { return brotli.NewReader(r) }, nil
}

type FrameKind int

const (
	FrameCommand FrameKind = iota
	FramePopularity
	FrameAuthReply
)

// Frame is one decoded unit handed to the classifier.
type Frame struct {
	Kind       FrameKind
	Command    json.RawMessage
	Popularity uint32
	AuthCode   int
}

// Unpacker turns transport messages into frames, expanding compressed bodies.
type Unpacker struct {
	logger *zap.SugaredLogger

	brotliOnce sync.Once
	brotliNew  func(io.Reader) io.Reader
	brotliErr  error
}

func NewUnpacker(logger *zap.SugaredLogger) *Unpacker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Unpacker{logger: logger}
}

// Unpack decodes every packet in buf, in order. Failures are confined to the
// packet that caused them.
func (u *Unpacker) Unpack(buf []byte) []Frame {
	packets, err := Decode(buf)
	if err != nil {
		metrics.FramesDropped.WithLabelValues("framing").Inc()
		u.logger.Warnf("decode transport message (%d bytes): %v", len(buf), err)
	}
	frames := make([]Frame, 0, len(packets))
	for _, packet := range packets {
		frames = u.expand(packet, 0, frames)
	}
	return frames
}

func (u *Unpacker) expand(packet Packet, depth int, out []Frame) []Frame {
	metrics.PacketsDecoded.WithLabelValues(packet.Operation.String()).Inc()
	switch packet.Operation {
	case OpHeartbeatReply:
		return append(out, Frame{Kind: FramePopularity, Popularity: parsePopularity(packet.Body)})
	case OpAuthReply:
		return append(out, Frame{Kind: FrameAuthReply, AuthCode: parseAuthCode(packet.Body)})
	case OpSendMsgReply:
	default:
		u.logger.Debugf("ignore packet op=%s version=%d len=%d", packet.Operation, packet.ProtocolVersion, len(packet.Body))
		return out
	}

	switch packet.ProtocolVersion {
	case ProtoRaw, ProtoHeartbeat:
		body := bytes.TrimSpace(packet.Body)
		if !json.Valid(body) {
			metrics.FramesDropped.WithLabelValues("invalid_json").Inc()
			u.logger.Warnf("drop raw packet: body is not valid json (%d bytes)", len(body))
			return out
		}
		return append(out, Frame{Kind: FrameCommand, Command: json.RawMessage(body)})
	case ProtoZlib, ProtoBrotli:
		inflated, err := u.inflate(packet.ProtocolVersion, packet.Body)
		if err != nil {
			metrics.FramesDropped.WithLabelValues("decompress").Inc()
			u.logger.Warnf("drop packet version=%d: %v", packet.ProtocolVersion, err)
			return out
		}
		return u.expandInflated(inflated, depth, out)
	default:
		metrics.FramesDropped.WithLabelValues("unknown_version").Inc()
		u.logger.Warnf("drop packet with unknown protocol version %d", packet.ProtocolVersion)
		return out
	}
}

func (u *Unpacker) expandInflated(inflated []byte, depth int, out []Frame) []Frame {
	trimmed := bytes.TrimSpace(inflated)
	if len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed) {
		return append(out, Frame{Kind: FrameCommand, Command: json.RawMessage(trimmed)})
	}
	if depth >= maxNestingDepth {
		metrics.FramesDropped.WithLabelValues("nesting").Inc()
		u.logger.Warnf("drop nested packets: depth %d exceeds limit", depth)
		return out
	}
	nested, err := Decode(inflated)
	if err != nil {
		metrics.FramesDropped.WithLabelValues("framing").Inc()
		u.logger.Warnf("decode nested packets: %v", err)
	}
	for _, packet := range nested {
		out = u.expand(packet, depth+1, out)
	}
	return out
}

func (u *Unpacker) inflate(version uint16, body []byte) ([]byte, error) {
	switch version {
	case ProtoZlib:
		reader, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("zlib: %w", err)
		}
		defer reader.Close()
		return readLimited(reader)
	case ProtoBrotli:
		newReader, err := u.brotliReader()
		if err != nil {
			return nil, err
		}
		return readLimited(newReader(bytes.NewReader(body)))
	default:
		return nil, fmt.Errorf("unsupported compression version %d", version)
	}
}

func (u *Unpacker) brotliReader() (func(io.Reader) io.Reader, error) {
	u.brotliOnce.Do(func() {
		newReader, err := loadBrotli()
		if err == nil && newReader == nil {
			err = ErrBrotliUnavailable
		}
		if err != nil && !errors.Is(err, ErrBrotliUnavailable) {
			err = fmt.Errorf("%w: %v", ErrBrotliUnavailable, err)
		}
		u.brotliNew = newReader
		u.brotliErr = err
	})
	return u.brotliNew, u.brotliErr
}

func readLimited(reader io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(reader, maxInflatedSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxInflatedSize {
		return nil, fmt.Errorf("inflated body exceeds %d bytes", maxInflatedSize)
	}
	return data, nil
}

func parsePopularity(body []byte) uint32 {
	if len(body) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(body[:4])
}

func parseAuthCode(body []byte) int {
	value := map[string]any{}
	if err := json.Unmarshal(body, &value); err != nil {
		return -1
	}
	return int(asInt64(value["code"]))
}
