package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_WireLayout(t *testing.T) {
	got := Encode(Packet{ID: 5, Type: Auth, Body: "hi"})

	want := []byte{
		0x0C, 0x00, 0x00, 0x00, // size = 2 + 10
		0x05, 0x00, 0x00, 0x00, // id
		0x03, 0x00, 0x00, 0x00, // type code Auth
		'h', 'i',
		0x00, 0x00, // body terminator, packet terminator
	}
	assert.Equal(t, want, got)
}

func TestEncode_EmptyBody(t *testing.T) {
	got := Encode(Packet{ID: 2, Type: Exec})

	require.Len(t, got, 14)
	assert.Equal(t, int32(BaseSize), int32(binary.LittleEndian.Uint32(got[0:4])))
	assert.Equal(t, []byte{0x00, 0x00}, got[12:14])
}

func TestEncode_SizeInvariant(t *testing.T) {
	bodies := []string{"", "a", "status", "köttbullar", "line1\nline2\n", string(make([]byte, 1000))}

	for _, body := range bodies {
		encoded := Encode(Packet{ID: 101, Type: Exec, Body: body})
		size := int32(binary.LittleEndian.Uint32(encoded[0:4]))
		assert.Equal(t, int32(len(body)+BaseSize), size, "body %q", body)
		assert.Len(t, encoded, int(size)+4, "body %q", body)
	}
}

func TestDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		packet   Packet
		wantType PacketType
	}{
		{"auth", Packet{ID: 1, Type: Auth, Body: "secret"}, Auth},
		{"response with body", Packet{ID: 101, Type: Response, Body: "hostname: srv01\n"}, Response},
		{"response empty", Packet{ID: 102, Type: Response}, Response},
		{"negative id", Packet{ID: -1, Type: Response}, Response},
		{"utf8 body", Packet{ID: 7, Type: Response, Body: "naïve — ☃"}, Response},
		// Exec shares its wire code with AuthResponse, so it comes back
		// as AuthResponse. That is the decoder's documented preference.
		{"exec decodes as auth response", Packet{ID: 2, Type: Exec, Body: "say hi"}, AuthResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded, err := Decode(Encode(tt.packet))
			require.NoError(t, err)
			assert.Equal(t, tt.packet.ID, decoded.ID)
			assert.Equal(t, tt.wantType, decoded.Type)
			assert.Equal(t, tt.packet.Body, decoded.Body)
		})
	}
}

func TestDecode_CodeTwoAlwaysAuthResponse(t *testing.T) {
	for _, src := range []PacketType{Exec, AuthResponse} {
		decoded, err := Decode(Encode(Packet{ID: 9, Type: src, Body: "x"}))
		require.NoError(t, err)
		assert.Equal(t, AuthResponse, decoded.Type)
		assert.NotEqual(t, Exec, decoded.Type)
	}
}

func TestDecode_ShortBuffer(t *testing.T) {
	for n := 0; n < HeaderSize; n++ {
		_, err := Decode(make([]byte, n))
		assert.ErrorIs(t, err, ErrMalformedHeader, "buffer length %d", n)
	}
}

func TestDecode_SizeFieldMismatch(t *testing.T) {
	// Declared size promises a body the buffer does not hold.
	buf := Encode(Packet{ID: 3, Type: Response, Body: "abc"})
	binary.LittleEndian.PutUint32(buf[0:4], uint32(500))
	_, err := Decode(buf)
	assert.ErrorIs(t, err, ErrMalformedHeader)

	// Negative size.
	binary.LittleEndian.PutUint32(buf[0:4], uint32(0xFFFFFFFF))
	_, err = Decode(buf)
	assert.ErrorIs(t, err, ErrMalformedHeader)

	// Size below BaseSize.
	binary.LittleEndian.PutUint32(buf[0:4], uint32(4))
	_, err = Decode(buf)
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestDecode_InvalidUTF8Body(t *testing.T) {
	buf := Encode(Packet{ID: 4, Type: Response, Body: "zzzz"})
	copy(buf[HeaderSize:], []byte{0xFF, 0xFE, 0xFD, 0xFC})

	decoded, err := Decode(buf)
	assert.ErrorIs(t, err, ErrMalformedBody)
	assert.Empty(t, decoded.Body)
}

func TestDecode_UnknownTypeCode(t *testing.T) {
	buf := Encode(Packet{ID: 4, Type: Response, Body: "ok"})
	binary.LittleEndian.PutUint32(buf[8:12], uint32(7))

	_, err := Decode(buf)
	assert.ErrorIs(t, err, ErrUnknownType)
	assert.Contains(t, err.Error(), "7")
}

func TestDecode_IgnoresTrailingBytes(t *testing.T) {
	// A fixed receive buffer hands Decode far more bytes than the
	// packet occupies; the unused tail is not part of the packet.
	buf := make([]byte, MaxPacketSize)
	for i := range buf {
		buf[i] = 0xAB
	}
	copy(buf, Encode(Packet{ID: 101, Type: Response, Body: "players: 3"}))

	decoded, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, int32(101), decoded.ID)
	assert.Equal(t, "players: 3", decoded.Body)
}

func TestPacketType_String(t *testing.T) {
	assert.Equal(t, "Auth", Auth.String())
	assert.Equal(t, "AuthResponse", AuthResponse.String())
	assert.Equal(t, "Exec", Exec.String())
	assert.Equal(t, "Response", Response.String())
	assert.Equal(t, "PacketType(42)", PacketType(42).String())
}

func TestPacketType_WireCodes(t *testing.T) {
	assert.Equal(t, int32(3), Auth.Code())
	assert.Equal(t, int32(2), Exec.Code())
	assert.Equal(t, int32(2), AuthResponse.Code())
	assert.Equal(t, int32(0), Response.Code())
}
