package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/postalsys/relay-server/internal/session"
)

// AllocateRequest is the payload for ALLOCATE frames.
type AllocateRequest struct {
	LeaseSeconds uint32
}

// Encode serializes AllocateRequest to bytes.
func (a *AllocateRequest) Encode() []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, a.LeaseSeconds)
	return buf
}

// DecodeAllocateRequest deserializes AllocateRequest from bytes.
func DecodeAllocateRequest(buf []byte) (*AllocateRequest, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: AllocateRequest too short", ErrInvalidFrame)
	}
	return &AllocateRequest{
		LeaseSeconds: binary.BigEndian.Uint32(buf),
	}, nil
}

// AllocateOK is the payload for ALLOCATE_OK frames. It carries everything a
// client needs to start relaying: the session ID, both slot secrets (the
// allocator hands the counterpart secret to its peer out-of-band), the relay
// UDP endpoint, and the initial lease deadline.
type AllocateOK struct {
	SessionID    session.ID
	Secrets      [session.NumSlots]session.Secret
	DeadlineUnix uint64
	Endpoint     string
}

// Encode serializes AllocateOK to bytes.
func (a *AllocateOK) Encode() []byte {
	ep := []byte(a.Endpoint)
	if len(ep) > 255 {
		ep = ep[:255]
	}

	buf := make([]byte, session.IDSize+session.NumSlots*session.SecretSize+8+1+len(ep))
	offset := 0

	copy(buf[offset:], a.SessionID[:])
	offset += session.IDSize

	for i := range a.Secrets {
		copy(buf[offset:], a.Secrets[i][:])
		offset += session.SecretSize
	}

	binary.BigEndian.PutUint64(buf[offset:], a.DeadlineUnix)
	offset += 8

	buf[offset] = uint8(len(ep))
	offset++
	copy(buf[offset:], ep)

	return buf
}

// DecodeAllocateOK deserializes AllocateOK from bytes.
func DecodeAllocateOK(buf []byte) (*AllocateOK, error) {
	min := session.IDSize + session.NumSlots*session.SecretSize + 8 + 1
	if len(buf) < min {
		return nil, fmt.Errorf("%w: AllocateOK too short", ErrInvalidFrame)
	}

	a := &AllocateOK{}
	offset := 0

	copy(a.SessionID[:], buf[offset:offset+session.IDSize])
	offset += session.IDSize

	for i := range a.Secrets {
		copy(a.Secrets[i][:], buf[offset:offset+session.SecretSize])
		offset += session.SecretSize
	}

	a.DeadlineUnix = binary.BigEndian.Uint64(buf[offset:])
	offset += 8

	epLen := int(buf[offset])
	offset++
	if offset+epLen > len(buf) {
		return nil, fmt.Errorf("%w: AllocateOK endpoint truncated", ErrInvalidFrame)
	}
	a.Endpoint = string(buf[offset : offset+epLen])

	return a, nil
}

// BindRequest is the payload for BIND frames.
type BindRequest struct {
	SessionID session.ID
	Slot      uint8
	Secret    session.Secret
}

// Encode serializes BindRequest to bytes.
func (b *BindRequest) Encode() []byte {
	buf := make([]byte, session.IDSize+1+session.SecretSize)
	offset := 0

	copy(buf[offset:], b.SessionID[:])
	offset += session.IDSize

	buf[offset] = b.Slot
	offset++

	copy(buf[offset:], b.Secret[:])

	return buf
}

// DecodeBindRequest deserializes BindRequest from bytes.
func DecodeBindRequest(buf []byte) (*BindRequest, error) {
	if len(buf) < session.IDSize+1+session.SecretSize {
		return nil, fmt.Errorf("%w: BindRequest too short", ErrInvalidFrame)
	}

	b := &BindRequest{}
	offset := 0

	copy(b.SessionID[:], buf[offset:offset+session.IDSize])
	offset += session.IDSize

	b.Slot = buf[offset]
	offset++

	copy(b.Secret[:], buf[offset:offset+session.SecretSize])

	return b, nil
}

// RefreshRequest is the payload for REFRESH frames. Either slot secret
// authorizes the refresh.
type RefreshRequest struct {
	SessionID session.ID
	Secret    session.Secret
}

// Encode serializes RefreshRequest to bytes.
func (r *RefreshRequest) Encode() []byte {
	buf := make([]byte, session.IDSize+session.SecretSize)
	copy(buf, r.SessionID[:])
	copy(buf[session.IDSize:], r.Secret[:])
	return buf
}

// DecodeRefreshRequest deserializes RefreshRequest from bytes.
func DecodeRefreshRequest(buf []byte) (*RefreshRequest, error) {
	if len(buf) < session.IDSize+session.SecretSize {
		return nil, fmt.Errorf("%w: RefreshRequest too short", ErrInvalidFrame)
	}

	r := &RefreshRequest{}
	copy(r.SessionID[:], buf[:session.IDSize])
	copy(r.Secret[:], buf[session.IDSize:session.IDSize+session.SecretSize])
	return r, nil
}

// RefreshOK is the payload for REFRESH_OK frames.
type RefreshOK struct {
	DeadlineUnix uint64
}

// Encode serializes RefreshOK to bytes.
func (r *RefreshOK) Encode() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, r.DeadlineUnix)
	return buf
}

// DecodeRefreshOK deserializes RefreshOK from bytes.
func DecodeRefreshOK(buf []byte) (*RefreshOK, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("%w: RefreshOK too short", ErrInvalidFrame)
	}
	return &RefreshOK{
		DeadlineUnix: binary.BigEndian.Uint64(buf),
	}, nil
}

// ReleaseRequest is the payload for RELEASE frames.
type ReleaseRequest struct {
	SessionID session.ID
	Secret    session.Secret
}

// Encode serializes ReleaseRequest to bytes.
func (r *ReleaseRequest) Encode() []byte {
	buf := make([]byte, session.IDSize+session.SecretSize)
	copy(buf, r.SessionID[:])
	copy(buf[session.IDSize:], r.Secret[:])
	return buf
}

// DecodeReleaseRequest deserializes ReleaseRequest from bytes.
func DecodeReleaseRequest(buf []byte) (*ReleaseRequest, error) {
	if len(buf) < session.IDSize+session.SecretSize {
		return nil, fmt.Errorf("%w: ReleaseRequest too short", ErrInvalidFrame)
	}

	r := &ReleaseRequest{}
	copy(r.SessionID[:], buf[:session.IDSize])
	copy(r.Secret[:], buf[session.IDSize:session.IDSize+session.SecretSize])
	return r, nil
}

// ErrorResponse is the payload for ERROR frames.
type ErrorResponse struct {
	Code    uint16
	Message string
}

// Encode serializes ErrorResponse to bytes.
func (e *ErrorResponse) Encode() []byte {
	msg := []byte(e.Message)
	if len(msg) > 255 {
		msg = msg[:255]
	}

	buf := make([]byte, 2+1+len(msg))
	binary.BigEndian.PutUint16(buf, e.Code)
	buf[2] = uint8(len(msg))
	copy(buf[3:], msg)

	return buf
}

// DecodeErrorResponse deserializes ErrorResponse from bytes.
func DecodeErrorResponse(buf []byte) (*ErrorResponse, error) {
	if len(buf) < 3 {
		return nil, fmt.Errorf("%w: ErrorResponse too short", ErrInvalidFrame)
	}

	e := &ErrorResponse{}
	e.Code = binary.BigEndian.Uint16(buf)

	msgLen := int(buf[2])
	if 3+msgLen > len(buf) {
		return nil, fmt.Errorf("%w: ErrorResponse message truncated", ErrInvalidFrame)
	}
	e.Message = string(buf[3 : 3+msgLen])

	return e, nil
}
