package signaling

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// inviteHandle wraps an inbound INVITE transaction. It is handed to the
// admission layer as a pending invite and answers or rejects the transaction
// directly.
type inviteHandle struct {
	req    *sip.Request
	tx     sip.ServerTransaction
	logger *slog.Logger

	mu        sync.Mutex
	answered  bool
	cancelled bool
	localTag  string
}

func newInviteHandle(req *sip.Request, tx sip.ServerTransaction, logger *slog.Logger) *inviteHandle {
	return &inviteHandle{
		req:    req,
		tx:     tx,
		logger: logger.With("call_id", callIDOf(req)),
	}
}

func callIDOf(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return h.Value()
	}
	return ""
}

func (h *inviteHandle) CallID() string {
	return callIDOf(h.req)
}

func (h *inviteHandle) From() string {
	if f := h.req.From(); f != nil {
		return f.Address.String()
	}
	return ""
}

func (h *inviteHandle) RemoteSDP() string {
	return string(h.req.Body())
}

// Answer sends 200 OK with the local session description. The To tag is
// generated here and reused for any subsequent in-dialog request.
func (h *inviteHandle) Answer(sdp string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancelled {
		return fmt.Errorf("invite %q already ended", h.CallID())
	}
	if h.answered {
		return fmt.Errorf("invite %q already answered", h.CallID())
	}

	h.localTag = uuid.NewString()[:8]
	res := sip.NewResponseFromRequest(h.req, sip.StatusOK, "OK", []byte(sdp))
	if to := res.To(); to != nil {
		to.Params = to.Params.Add("tag", h.localTag)
	}
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<sip:%s>", h.req.Recipient.String())))

	if err := h.tx.Respond(res); err != nil {
		return fmt.Errorf("answering invite: %w", err)
	}
	h.answered = true
	h.logger.Info("invite answered")
	return nil
}

// Reject answers the INVITE transaction with a failure response.
func (h *inviteHandle) Reject(statusCode int, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.answered || h.cancelled {
		return nil
	}
	res := sip.NewResponseFromRequest(h.req, statusCode, reason, nil)
	if err := h.tx.Respond(res); err != nil {
		return fmt.Errorf("rejecting invite with %d: %w", statusCode, err)
	}
	h.cancelled = true
	return nil
}

// Ended reports whether the underlying transaction terminated before the
// invite was answered (CANCEL, transaction timeout).
func (h *inviteHandle) Ended() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return true
	}
	if h.answered {
		return false
	}
	select {
	case <-h.tx.Done():
		return true
	default:
		return false
	}
}

func (h *inviteHandle) markCancelled() {
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()
}

func (h *inviteHandle) answeredTag() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.localTag, h.answered
}
