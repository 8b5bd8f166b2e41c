// Package packet implements the wire format for midimesh UDP frames.
//
// Every frame carries a fixed 43-byte header followed by an opaque payload.
// All multi-byte fields are big-endian. The integrity code is CRC-16/CCITT-FALSE
// computed over the header with the checksum field zeroed, followed by the
// payload; the wire format leaves the polynomial to the implementation, so the
// choice is fixed here and every node must agree on it.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sigurn/crc16"
)

// ProtocolVersion is the wire format version this implementation speaks.
const ProtocolVersion = 1

const (
	// HeaderSize is the fixed size of the packet header in bytes.
	// The header format is:
	// - Version (1 byte)
	// - Kind (1 byte)
	// - Flags (1 byte)
	// - Sequence (2 bytes)
	// - Source node (16 bytes)
	// - Destination node (16 bytes)
	// - Device ID (2 bytes)
	// - Payload length (2 bytes)
	// - Checksum (2 bytes): CRC-16 over header (checksum zeroed) + payload
	HeaderSize = 43

	// MaxPacketSize is the largest datagram we will emit. It is set
	// conservatively to avoid fragmentation at the IP layer.
	MaxPacketSize = 1400

	// MaxPayloadSize is the largest payload that fits in a single datagram.
	MaxPayloadSize = MaxPacketSize - HeaderSize
)

// Kind identifies the semantic type of a packet.
type Kind byte

const (
	// KindData carries MIDI bytes for delivery.
	KindData Kind = iota

	// KindAck acknowledges a previously received sequence.
	KindAck

	// KindNak reports a missing sequence so the sender can retransmit early.
	KindNak

	// KindHeartbeat keeps a peer's liveness fresh. Never reliable, never reordered.
	KindHeartbeat

	// KindHandshake is reserved for session negotiation overlays.
	KindHandshake
)

// String returns the conventional name of the packet kind.
func (k Kind) String() string {
	switch k {
	case KindData:
		return "DATA"
	case KindAck:
		return "ACK"
	case KindNak:
		return "NAK"
	case KindHeartbeat:
		return "HEARTBEAT"
	case KindHandshake:
		return "HANDSHAKE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(k))
	}
}

// Flag values for the packet header.
const (
	FlagReliable     = 0x01 // Request reliable delivery
	FlagFragmented   = 0x02 // Reserved: part of a fragmented message
	FlagLastFragment = 0x04 // Reserved: last fragment of a message
	FlagCompressed   = 0x08 // Reserved: payload is compressed
)

// NodeID is the 128-bit process-lifetime identifier of a mesh participant.
type NodeID = uuid.UUID

// Broadcast is the destination sentinel used by discovery traffic.
var Broadcast = NodeID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadSize.
var ErrPayloadTooLarge = errors.New("payload too large")

// ErrMalformedHeader is returned when a datagram is too short for the header
// or its payload length field disagrees with the actual byte count.
var ErrMalformedHeader = errors.New("malformed header")

// ErrUnsupportedVersion is returned when the version byte is not ours.
var ErrUnsupportedVersion = errors.New("unsupported protocol version")

// ErrChecksumMismatch is returned when the integrity code does not validate.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// crcTable is the fixed CRC-16/CCITT-FALSE table shared by all nodes.
var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// Packet is the in-memory form of a wire frame. Packets are value types;
// construct them with the named constructors below.
type Packet struct {
	Version  byte
	Kind     Kind
	Flags    byte
	Sequence uint16
	Source   NodeID
	Dest     NodeID
	DeviceID uint16
	Payload  []byte
}

// Reliable reports whether the packet requests reliable delivery.
func (p *Packet) Reliable() bool {
	return p.Flags&FlagReliable != 0
}

// NewData constructs a DATA packet carrying MIDI bytes.
func NewData(source, dest NodeID, deviceID, sequence uint16, payload []byte, reliable bool) *Packet {
	p := &Packet{
		Version:  ProtocolVersion,
		Kind:     KindData,
		Sequence: sequence,
		Source:   source,
		Dest:     dest,
		DeviceID: deviceID,
		Payload:  payload,
	}
	if reliable {
		p.Flags |= FlagReliable
	}
	return p
}

// NewAck constructs an ACK for a received sequence. The sequence field carries
// the acknowledged sequence; Source is the acknowledging node.
func NewAck(source, dest NodeID, ackedSequence uint16) *Packet {
	return &Packet{
		Version:  ProtocolVersion,
		Kind:     KindAck,
		Sequence: ackedSequence,
		Source:   source,
		Dest:     dest,
	}
}

// NewNak constructs a NAK reporting a sequence as missing so the sender can
// retransmit without waiting for its retry deadline.
func NewNak(source, dest NodeID, missingSequence uint16) *Packet {
	return &Packet{
		Version:  ProtocolVersion,
		Kind:     KindNak,
		Sequence: missingSequence,
		Source:   source,
		Dest:     dest,
	}
}

// NewHeartbeat constructs a HEARTBEAT packet. Heartbeats carry no payload and
// are never marked reliable.
func NewHeartbeat(source, dest NodeID) *Packet {
	return &Packet{
		Version: ProtocolVersion,
		Kind:    KindHeartbeat,
		Source:  source,
		Dest:    dest,
	}
}

// NewHandshake constructs a HANDSHAKE packet. The handshake protocol itself is
// an overlay; the core only reserves the kind.
func NewHandshake(source, dest NodeID, payload []byte) *Packet {
	return &Packet{
		Version: ProtocolVersion,
		Kind:    KindHandshake,
		Source:  source,
		Dest:    dest,
		Payload: payload,
	}
}

// Marshal serializes the packet to wire bytes.
func (p *Packet) Marshal() ([]byte, error) {
	if len(p.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(p.Payload))
	}

	buf := make([]byte, HeaderSize+len(p.Payload))
	buf[0] = p.Version
	buf[1] = byte(p.Kind)
	buf[2] = p.Flags
	binary.BigEndian.PutUint16(buf[3:5], p.Sequence)
	copy(buf[5:21], p.Source[:])
	copy(buf[21:37], p.Dest[:])
	binary.BigEndian.PutUint16(buf[37:39], p.DeviceID)
	binary.BigEndian.PutUint16(buf[39:41], uint16(len(p.Payload)))
	// Checksum field left zero while the CRC is computed.
	copy(buf[HeaderSize:], p.Payload)

	sum := crc16.Checksum(buf, crcTable)
	binary.BigEndian.PutUint16(buf[41:43], sum)
	return buf, nil
}

// Unmarshal parses wire bytes into a packet.
func Unmarshal(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedHeader, len(data))
	}

	if data[0] != ProtocolVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, data[0])
	}

	payloadLen := binary.BigEndian.Uint16(data[39:41])
	if int(payloadLen) != len(data)-HeaderSize {
		return nil, fmt.Errorf("%w: length field %d, actual %d",
			ErrMalformedHeader, payloadLen, len(data)-HeaderSize)
	}

	wireSum := binary.BigEndian.Uint16(data[41:43])
	scratch := make([]byte, len(data))
	copy(scratch, data)
	scratch[41], scratch[42] = 0, 0
	if crc16.Checksum(scratch, crcTable) != wireSum {
		return nil, ErrChecksumMismatch
	}

	p := &Packet{
		Version:  data[0],
		Kind:     Kind(data[1]),
		Flags:    data[2],
		Sequence: binary.BigEndian.Uint16(data[3:5]),
		DeviceID: binary.BigEndian.Uint16(data[37:39]),
	}
	copy(p.Source[:], data[5:21])
	copy(p.Dest[:], data[21:37])
	if payloadLen > 0 {
		p.Payload = make([]byte, payloadLen)
		copy(p.Payload, data[HeaderSize:])
	}
	return p, nil
}

// SeqDistance returns the signed shorter-arc distance from a to b on the
// 16-bit sequence circle. The result is in [-32768, 32767], so for example
// SeqDistance(65530, 3) = 9: a forward step across the wrap, not a backward
// one.
func SeqDistance(a, b uint16) int {
	return int(int16(b - a))
}
