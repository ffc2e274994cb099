package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// Encode serializes p into its exact wire representation:
// [size:4][id:4][type:4][body...][0x00 0x00], all integers
// little-endian. The terminator pair is a binding wire requirement,
// not padding.
func Encode(p Packet) []byte {
	body := []byte(p.Body)
	buf := bytes.NewBuffer(make([]byte, 0, 4+BaseSize+len(body)))

	binary.Write(buf, binary.LittleEndian, int32(len(body)+BaseSize))
	binary.Write(buf, binary.LittleEndian, p.ID)
	binary.Write(buf, binary.LittleEndian, p.Type.Code())
	buf.Write(body)
	buf.WriteByte(0)
	buf.WriteByte(0)

	return buf.Bytes()
}

// Decode parses one packet from the front of buf. The buffer is treated
// as fixed capacity: bytes beyond the declared body (including the two
// terminators) are ignored, so an oversized read buffer decodes cleanly.
// Every failure path returns a typed error; Decode never panics.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < HeaderSize {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrMalformedHeader, len(buf))
	}

	size := int32(binary.LittleEndian.Uint32(buf[0:4]))
	bodyLen := int(size) - BaseSize
	if bodyLen < 0 || HeaderSize+bodyLen > len(buf) {
		return Packet{}, fmt.Errorf("%w: size %d does not fit %d-byte buffer", ErrMalformedHeader, size, len(buf))
	}

	id := int32(binary.LittleEndian.Uint32(buf[4:8]))
	code := int32(binary.LittleEndian.Uint32(buf[8:12]))
	ptype, err := typeFromCode(code)
	if err != nil {
		return Packet{}, err
	}

	var body string
	if bodyLen > 0 {
		raw := buf[HeaderSize : HeaderSize+bodyLen]
		if !utf8.Valid(raw) {
			return Packet{}, fmt.Errorf("%w: %d body bytes", ErrMalformedBody, bodyLen)
		}
		body = string(raw)
	}

	return Packet{ID: id, Type: ptype, Body: body}, nil
}

// typeFromCode maps a wire code to its in-memory tag. Code 2 always
// resolves to AuthResponse, never Exec.
func typeFromCode(code int32) (PacketType, error) {
	switch code {
	case CodeAuth:
		return Auth, nil
	case CodeAuthResponse:
		return AuthResponse, nil
	case CodeResponse:
		return Response, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownType, code)
	}
}
