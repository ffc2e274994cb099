package protocol

import "errors"

// Typed decode failures. Decode wraps these with the offending values;
// callers branch with errors.Is.
var (
	// ErrMalformedHeader reports a buffer too short to hold the size,
	// id and type fields, or a size field inconsistent with the buffer.
	ErrMalformedHeader = errors.New("protocol: packet header malformed (cannot parse size, id or type)")

	// ErrMalformedBody reports body bytes that are not valid UTF-8.
	ErrMalformedBody = errors.New("protocol: packet body malformed (not valid ascii or utf-8)")

	// ErrUnknownType reports a type code outside the known set.
	ErrUnknownType = errors.New("protocol: unknown packet type")
)
