package control

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/postalsys/relay-server/internal/logging"
	"github.com/postalsys/relay-server/internal/metrics"
	"github.com/postalsys/relay-server/internal/protocol"
	"github.com/postalsys/relay-server/internal/session"
)

// Handler dispatches control frames to session table operations.
type Handler struct {
	table    *session.Table
	endpoint string
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewHandler creates a control frame handler. The endpoint is the data-plane
// address advertised in allocate responses.
func NewHandler(table *session.Table, endpoint string, logger *slog.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Handler{
		table:    table,
		endpoint: endpoint,
		logger:   logger,
		metrics:  m,
	}
}

// Handle processes a single request frame and returns the response frame.
// It never returns nil: malformed or failing requests produce error frames.
func (h *Handler) Handle(req *protocol.Frame) *protocol.Frame {
	start := time.Now()
	resp := h.dispatch(req)
	h.metrics.RecordControlRequest(protocol.FrameTypeName(req.Type), time.Since(start).Seconds())
	if resp.Type == protocol.MsgError {
		if er, err := protocol.DecodeErrorResponse(resp.Payload); err == nil {
			h.metrics.RecordControlError(protocol.CodeName(er.Code))
		}
	}
	return resp
}

func (h *Handler) dispatch(req *protocol.Frame) *protocol.Frame {
	switch req.Type {
	case protocol.MsgAllocate:
		return h.handleAllocate(req)
	case protocol.MsgBind:
		return h.handleBind(req)
	case protocol.MsgRefresh:
		return h.handleRefresh(req)
	case protocol.MsgRelease:
		return h.handleRelease(req)
	default:
		return h.errorFor(req.RequestID, fmt.Errorf("%w: 0x%02x", protocol.ErrUnknownFrameType, req.Type))
	}
}

func (h *Handler) handleAllocate(req *protocol.Frame) *protocol.Frame {
	ar, err := protocol.DecodeAllocateRequest(req.Payload)
	if err != nil {
		return errorFrame(req.RequestID, protocol.CodeMalformed, "bad allocate payload")
	}

	lease := time.Duration(ar.LeaseSeconds) * time.Second
	sess, err := h.table.Allocate(lease)
	if err != nil {
		return h.errorFor(req.RequestID, err)
	}

	h.metrics.RecordAllocate()
	h.logger.Info("session allocated",
		logging.KeySessionID, sess.ID().ShortString(),
		logging.KeyDuration, sess.Lease(),
		logging.KeyDeadline, sess.Deadline())

	ok := &protocol.AllocateOK{
		SessionID:    sess.ID(),
		DeadlineUnix: uint64(sess.Deadline().Unix()),
		Endpoint:     h.endpoint,
	}
	for i := 0; i < session.NumSlots; i++ {
		ok.Secrets[i] = sess.SlotSecret(i)
	}
	return responseFrame(protocol.MsgAllocateOK, req.RequestID, ok.Encode())
}

func (h *Handler) handleBind(req *protocol.Frame) *protocol.Frame {
	br, err := protocol.DecodeBindRequest(req.Payload)
	if err != nil {
		return errorFrame(req.RequestID, protocol.CodeMalformed, "bad bind payload")
	}

	if err := h.table.Bind(br.SessionID, int(br.Slot), br.Secret); err != nil {
		return h.errorFor(req.RequestID, err)
	}

	h.metrics.RecordBind(false)
	h.logger.Debug("slot claimed",
		logging.KeySessionID, br.SessionID.ShortString(),
		logging.KeySlot, br.Slot)

	return responseFrame(protocol.MsgBindOK, req.RequestID, nil)
}

func (h *Handler) handleRefresh(req *protocol.Frame) *protocol.Frame {
	rr, err := protocol.DecodeRefreshRequest(req.Payload)
	if err != nil {
		return errorFrame(req.RequestID, protocol.CodeMalformed, "bad refresh payload")
	}

	deadline, err := h.table.Refresh(rr.SessionID, rr.Secret)
	if err != nil {
		return h.errorFor(req.RequestID, err)
	}

	h.metrics.RecordRefresh()
	h.logger.Debug("lease refreshed",
		logging.KeySessionID, rr.SessionID.ShortString(),
		logging.KeyDeadline, deadline)

	ok := &protocol.RefreshOK{DeadlineUnix: uint64(deadline.Unix())}
	return responseFrame(protocol.MsgRefreshOK, req.RequestID, ok.Encode())
}

func (h *Handler) handleRelease(req *protocol.Frame) *protocol.Frame {
	rr, err := protocol.DecodeReleaseRequest(req.Payload)
	if err != nil {
		return errorFrame(req.RequestID, protocol.CodeMalformed, "bad release payload")
	}

	if err := h.table.Release(rr.SessionID, rr.Secret); err != nil {
		return h.errorFor(req.RequestID, err)
	}

	h.metrics.RecordRelease()
	h.logger.Info("session released",
		logging.KeySessionID, rr.SessionID.ShortString())

	return responseFrame(protocol.MsgReleaseOK, req.RequestID, nil)
}

// errorFor maps session table errors to protocol error frames.
func (h *Handler) errorFor(requestID uint64, err error) *protocol.Frame {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return errorFrame(requestID, protocol.CodeNotFound, "session not found")
	case errors.Is(err, session.ErrUnauthorized):
		return errorFrame(requestID, protocol.CodeUnauthorized, "bad secret")
	case errors.Is(err, session.ErrInvalidLease):
		return errorFrame(requestID, protocol.CodeInvalidLease, err.Error())
	case errors.Is(err, session.ErrSlotOccupied):
		return errorFrame(requestID, protocol.CodeSlotOccupied, "slot already claimed")
	case errors.Is(err, session.ErrInvalidSlot):
		return errorFrame(requestID, protocol.CodeMalformed, "slot index out of range")
	case errors.Is(err, protocol.ErrUnknownFrameType):
		return errorFrame(requestID, protocol.CodeMalformed, "unknown request type")
	default:
		h.logger.Error("control request failed", logging.KeyError, err)
		return errorFrame(requestID, protocol.CodeInternal, "internal error")
	}
}

func responseFrame(frameType uint8, requestID uint64, payload []byte) *protocol.Frame {
	return &protocol.Frame{
		Type:      frameType,
		RequestID: requestID,
		Payload:   payload,
	}
}

func errorFrame(requestID uint64, code uint16, msg string) *protocol.Frame {
	er := &protocol.ErrorResponse{Code: code, Message: msg}
	return responseFrame(protocol.MsgError, requestID, er.Encode())
}
