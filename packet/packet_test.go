package packet

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalRoundTrip(t *testing.T) {
	src := uuid.New()
	dst := uuid.New()

	cases := []*Packet{
		NewData(src, dst, 1, 0, []byte{0x90, 0x3C, 0x64}, false),
		NewData(src, dst, 7, 42, []byte{0x80, 0x3C, 0x00}, true),
		NewAck(dst, src, 42),
		NewNak(dst, src, 43),
		NewHeartbeat(src, dst),
		NewHandshake(src, dst, []byte("hello")),
		NewData(src, Broadcast, 0, 65535, make([]byte, MaxPayloadSize), false),
	}

	for _, p := range cases {
		data, err := p.Marshal()
		require.NoError(t, err, "marshal %s", p.Kind)

		got, err := Unmarshal(data)
		require.NoError(t, err, "unmarshal %s", p.Kind)
		assert.Equal(t, p.Version, got.Version)
		assert.Equal(t, p.Kind, got.Kind)
		assert.Equal(t, p.Flags, got.Flags)
		assert.Equal(t, p.Sequence, got.Sequence)
		assert.Equal(t, p.Source, got.Source)
		assert.Equal(t, p.Dest, got.Dest)
		assert.Equal(t, p.DeviceID, got.DeviceID)
		assert.Equal(t, p.Payload, got.Payload)
	}
}

func TestMarshalPayloadTooLarge(t *testing.T) {
	p := NewData(uuid.New(), uuid.New(), 1, 0, make([]byte, MaxPayloadSize+1), false)
	_, err := p.Marshal()
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestUnmarshalShortDatagram(t *testing.T) {
	_, err := Unmarshal(make([]byte, HeaderSize-1))
	assert.ErrorIs(t, err, ErrMalformedHeader)

	_, err = Unmarshal(nil)
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestUnmarshalVersionMismatch(t *testing.T) {
	p := NewHeartbeat(uuid.New(), uuid.New())
	data, err := p.Marshal()
	require.NoError(t, err)

	data[0] = ProtocolVersion + 1
	_, err = Unmarshal(data)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestUnmarshalChecksumMismatch(t *testing.T) {
	p := NewData(uuid.New(), uuid.New(), 1, 5, []byte{0x90, 0x3C, 0x64}, false)
	data, err := p.Marshal()
	require.NoError(t, err)

	// Corrupt one payload byte; the CRC must catch it.
	data[HeaderSize] ^= 0xFF
	_, err = Unmarshal(data)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestUnmarshalLengthFieldMismatch(t *testing.T) {
	p := NewData(uuid.New(), uuid.New(), 1, 5, []byte{0x90, 0x3C, 0x64}, false)
	data, err := p.Marshal()
	require.NoError(t, err)

	// A length field that disagrees with the actual byte count is malformed,
	// checked before the checksum is even consulted.
	data[40] = 7
	_, err = Unmarshal(data)
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestChecksumCoversHeader(t *testing.T) {
	p := NewData(uuid.New(), uuid.New(), 1, 5, []byte{0x90}, false)
	data, err := p.Marshal()
	require.NoError(t, err)

	// Flip a header bit (device id) without touching the payload.
	data[38] ^= 0x01
	_, err = Unmarshal(data)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestSeqDistance(t *testing.T) {
	cases := []struct {
		a, b uint16
		want int
	}{
		{0, 0, 0},
		{0, 1, 1},
		{1, 0, -1},
		{65530, 3, 9},
		{3, 65530, -9},
		{0, 32767, 32767},
		{0, 32768, -32768},
		{65535, 0, 1},
		{0, 65535, -1},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, SeqDistance(c.a, c.b), "SeqDistance(%d, %d)", c.a, c.b)
	}
}

func TestSeqDistanceMatchesIntegerArithmetic(t *testing.T) {
	// For |b-a| < 2^15 the shorter-arc distance equals plain integer
	// subtraction; sample the space rather than sweeping all pairs.
	for a := 0; a < 65536; a += 257 {
		for d := -32767; d < 32768; d += 1013 {
			b := uint16(a + d)
			got := SeqDistance(uint16(a), b)
			if got != d {
				t.Fatalf("SeqDistance(%d, %d) = %d, want %d", a, b, got, d)
			}
		}
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "DATA", KindData.String())
	assert.Equal(t, "ACK", KindAck.String())
	assert.Equal(t, "NAK", KindNak.String())
	assert.Equal(t, "HEARTBEAT", KindHeartbeat.String())
	assert.Equal(t, "HANDSHAKE", KindHandshake.String())
	assert.Equal(t, "UNKNOWN(99)", Kind(99).String())
}
