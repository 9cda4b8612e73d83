package danmaku

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
)

// Operation is the op code carried in every packet header.
type Operation uint32

const (
	OpHandshake       Operation = 0
	OpHandshakeReply  Operation = 1
	OpHeartbeat       Operation = 2
	OpHeartbeatReply  Operation = 3
	OpSendMsg         Operation = 4
	OpSendMsgReply    Operation = 5
	OpDisconnectReply Operation = 6
	OpAuth            Operation = 7
	OpAuthReply       Operation = 8
)

func (op Operation) String() string {
	switch op {
	case OpHandshake:
		return "handshake"
	case OpHandshakeReply:
		return "handshake_reply"
	case OpHeartbeat:
		return "heartbeat"
	case OpHeartbeatReply:
		return "heartbeat_reply"
	case OpSendMsg:
		return "send_msg"
	case OpSendMsgReply:
		return "send_msg_reply"
	case OpDisconnectReply:
		return "disconnect_reply"
	case OpAuth:
		return "auth"
	case OpAuthReply:
		return "auth_reply"
	default:
		return "op_" + strconv.FormatUint(uint64(op), 10)
	}
}

// Protocol versions found in the header's version field.
const (
	ProtoRaw       uint16 = 0
	ProtoHeartbeat uint16 = 1
	ProtoZlib      uint16 = 2
	ProtoBrotli    uint16 = 3
)

const HeaderLength = 16

const defaultSequence = 1

var ErrMalformedFrame = errors.New("malformed frame")

type Packet struct {
	TotalLength     uint32
	HeaderLength    uint16
	ProtocolVersion uint16
	Operation       Operation
	Sequence        uint32
	Body            []byte
}

// Encode builds one packet. Heartbeats carry version 1, everything else 0.
func Encode(op Operation, body []byte) []byte {
	version := ProtoRaw
	if op == OpHeartbeat {
		version = ProtoHeartbeat
	}
	packetSize := HeaderLength + len(body)
	buf := make([]byte, packetSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(packetSize))
	binary.BigEndian.PutUint16(buf[4:6], HeaderLength)
	binary.BigEndian.PutUint16(buf[6:8], version)
	binary.BigEndian.PutUint32(buf[8:12], uint32(op))
	binary.BigEndian.PutUint32(buf[12:16], defaultSequence)
	copy(buf[HeaderLength:], body)
	return buf
}

// Decode splits buf into consecutive packets. On a framing problem it stops and
// returns the packets read so far together with an error wrapping ErrMalformedFrame.
func Decode(buf []byte) ([]Packet, error) {
	offset := 0
	packets := make([]Packet, 0, 4)
	for offset < len(buf) {
		remaining := len(buf) - offset
		if remaining < HeaderLength {
			return packets, fmt.Errorf("%w: %d trailing bytes at offset %d", ErrMalformedFrame, remaining, offset)
		}
		totalLength := binary.BigEndian.Uint32(buf[offset : offset+4])
		headerLength := binary.BigEndian.Uint16(buf[offset+4 : offset+6])
		version := binary.BigEndian.Uint16(buf[offset+6 : offset+8])
		operation := binary.BigEndian.Uint32(buf[offset+8 : offset+12])
		sequence := binary.BigEndian.Uint32(buf[offset+12 : offset+16])

		bodyLength := int64(totalLength) - int64(headerLength)
		if bodyLength < 0 {
			return packets, fmt.Errorf("%w: total length %d below header length %d", ErrMalformedFrame, totalLength, headerLength)
		}
		if headerLength < HeaderLength {
			return packets, fmt.Errorf("%w: header length %d", ErrMalformedFrame, headerLength)
		}
		if int64(remaining) < int64(totalLength) {
			return packets, fmt.Errorf("%w: packet of %d bytes truncated to %d", ErrMalformedFrame, totalLength, remaining)
		}
		start := offset + int(headerLength)
		end := offset + int(totalLength)
		packets = append(packets, Packet{
			TotalLength:     totalLength,
			HeaderLength:    headerLength,
			ProtocolVersion: version,
			Operation:       Operation(operation),
			Sequence:        sequence,
			Body:            bytes.Clone(buf[start:end]),
		})
		offset = end
	}
	return packets, nil
}
