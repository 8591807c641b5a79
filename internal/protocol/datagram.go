package protocol

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/postalsys/relay-server/internal/session"
)

// Data-plane datagram format:
//
//	[session_id: 16][auth_tag: 16][payload: variable]
//
// The tag is a keyed BLAKE2b-128 MAC over session_id || payload using the
// sending slot's secret. The header carries no slot field; the receiver
// identifies the slot by which secret verifies the tag. Payload bytes are
// never inspected or altered.

const (
	// TagSize is the size of the datagram authentication tag in bytes.
	TagSize = 16

	// DatagramHeaderSize is the fixed overhead prepended to every relayed
	// payload.
	DatagramHeaderSize = session.IDSize + TagSize
)

// ErrDatagramTooShort is returned for datagrams smaller than the header.
var ErrDatagramTooShort = errors.New("datagram shorter than header")

// Datagram is a parsed data-plane packet. Payload aliases the receive
// buffer and must not be retained past the read loop iteration.
type Datagram struct {
	SessionID session.ID
	Tag       [TagSize]byte
	Payload   []byte
}

// ParseDatagram splits a raw packet into header fields and payload.
func ParseDatagram(buf []byte) (*Datagram, error) {
	if len(buf) < DatagramHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrDatagramTooShort, len(buf))
	}

	d := &Datagram{}
	copy(d.SessionID[:], buf[:session.IDSize])
	copy(d.Tag[:], buf[session.IDSize:DatagramHeaderSize])
	d.Payload = buf[DatagramHeaderSize:]
	return d, nil
}

// ComputeTag computes the authentication tag for a datagram.
func ComputeTag(secret session.Secret, id session.ID, payload []byte) [TagSize]byte {
	// blake2b.New only errors on invalid key/size parameters, which are
	// fixed here.
	h, err := blake2b.New(TagSize, secret[:])
	if err != nil {
		panic("blake2b: " + err.Error())
	}
	h.Write(id[:])
	h.Write(payload)

	var tag [TagSize]byte
	h.Sum(tag[:0])
	return tag
}

// VerifyTag checks a datagram tag against a slot secret in constant time.
func VerifyTag(secret session.Secret, id session.ID, payload []byte, tag [TagSize]byte) bool {
	want := ComputeTag(secret, id, payload)
	return subtle.ConstantTimeCompare(want[:], tag[:]) == 1
}

// EncodeDatagram builds a complete data-plane packet for the given payload.
// Used by clients and tests; the relay itself only parses and re-addresses.
func EncodeDatagram(secret session.Secret, id session.ID, payload []byte) []byte {
	buf := make([]byte, DatagramHeaderSize+len(payload))
	copy(buf, id[:])

	tag := ComputeTag(secret, id, payload)
	copy(buf[session.IDSize:], tag[:])

	copy(buf[DatagramHeaderSize:], payload)
	return buf
}
