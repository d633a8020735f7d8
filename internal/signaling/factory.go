package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/gosymbo/voiceclient/internal/client"
)

// Factory builds transports on one shared SIP user agent and owns the
// server side of that agent: inbound INVITE, CANCEL, and BYE land here and
// are routed to the most recently created transport's event sink.
type Factory struct {
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	logger *slog.Logger

	// RemoteHangup is invoked when the peer sends BYE for an answered call.
	// Set once at wiring time, before the first transport is created.
	RemoteHangup func(callID string)

	mu      sync.Mutex
	current *Transport
	inbound map[string]*inviteHandle
}

// NewFactory creates the shared user agent and attaches the request handlers.
func NewFactory(logger *slog.Logger) (*Factory, error) {
	l := logger.With("component", "signaling")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("voiceclient"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(l),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	f := &Factory{
		ua:      ua,
		srv:     srv,
		logger:  l,
		inbound: make(map[string]*inviteHandle),
	}
	srv.OnInvite(f.onInvite)
	srv.OnCancel(f.onCancel)
	srv.OnBye(f.onBye)
	srv.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {})
	return f, nil
}

// NewTransport implements client.TransportFactory. The new transport becomes
// the routing target for inbound requests.
func (f *Factory) NewTransport(cfg client.TransportConfig, sink client.EventSink) (client.Transport, error) {
	t, err := newTransport(f.ua, cfg, sink, f.logger)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.current = t
	f.mu.Unlock()
	return t, nil
}

// Close releases the shared user agent. Transports must be stopped first.
func (f *Factory) Close() {
	f.srv.Close()
	f.ua.Close()
}

func (f *Factory) currentTransport() *Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *Factory) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	t := f.currentTransport()
	if t == nil {
		res := sip.NewResponseFromRequest(req, sip.StatusTemporarilyUnavailable, "Temporarily Unavailable", nil)
		if err := tx.Respond(res); err != nil {
			f.logger.Warn("responding to unroutable invite failed", "error", err)
		}
		return
	}

	callID := callIDOf(req)
	f.logger.Info("inbound invite",
		"call_id", callID,
		"from", req.From().Address.String(),
	)

	handle := newInviteHandle(req, tx, f.logger)
	f.mu.Lock()
	f.inbound[callID] = handle
	f.mu.Unlock()

	t.sink.Dispatch(client.NewTransactionEvent{CallID: callID, Method: "INVITE"})
	t.sink.Dispatch(client.IncomingSessionEvent{Invite: handle})
}

func (f *Factory) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)

	f.mu.Lock()
	handle, ok := f.inbound[callID]
	if ok {
		delete(f.inbound, callID)
	}
	f.mu.Unlock()

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(res); err != nil {
		f.logger.Warn("responding to cancel failed", "call_id", callID, "error", err)
	}
	if !ok {
		return
	}

	handle.markCancelled()
	if err := handle.Reject(487, "Request Terminated"); err != nil {
		f.logger.Debug("terminating cancelled invite failed", "call_id", callID, "error", err)
	}
	f.logger.Info("inbound invite cancelled", "call_id", callID)
}

func (f *Factory) onBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(res); err != nil {
		f.logger.Warn("responding to bye failed", "call_id", callID, "error", err)
	}

	f.mu.Lock()
	delete(f.inbound, callID)
	if t := f.current; t != nil {
		t.mu.Lock()
		delete(t.dialogs, callID)
		t.mu.Unlock()
	}
	hangup := f.RemoteHangup
	f.mu.Unlock()

	f.logger.Info("remote hangup", "call_id", callID)
	if hangup != nil {
		hangup(callID)
	}
}

// Invite originates an outbound call on the current transport.
func (f *Factory) Invite(ctx context.Context, callID, destination, sdp string) (string, error) {
	t := f.currentTransport()
	if t == nil {
		return "", fmt.Errorf("no active transport")
	}
	return t.Invite(ctx, callID, destination, sdp)
}

// Bye terminates a call, outbound or answered inbound.
func (f *Factory) Bye(ctx context.Context, callID string) error {
	t := f.currentTransport()
	if t == nil {
		return fmt.Errorf("no active transport")
	}

	f.mu.Lock()
	handle, isInbound := f.inbound[callID]
	if isInbound {
		delete(f.inbound, callID)
	}
	f.mu.Unlock()

	if isInbound {
		return f.byeInbound(ctx, t, handle)
	}
	return t.Bye(ctx, callID)
}

// byeInbound sends BYE within a dialog the peer originated: local and remote
// roles are swapped relative to an outbound dialog.
func (f *Factory) byeInbound(ctx context.Context, t *Transport, handle *inviteHandle) error {
	tag, answered := handle.answeredTag()
	if !answered {
		// Never answered; reject the transaction instead.
		return handle.Reject(487, "Request Terminated")
	}

	req := handle.req
	recipient := req.Recipient
	if contact := req.Contact(); contact != nil {
		recipient = contact.Address
	}

	bye := sip.NewRequest(sip.BYE, *recipient.Clone())
	bye.SetTransport(t.ep.Transport)

	// Our To (with the tag we generated) becomes From; their From becomes To.
	if to := req.To(); to != nil {
		fromParams := sip.NewParams()
		fromParams.Add("tag", tag)
		from := sip.FromHeader{
			DisplayName: to.DisplayName,
			Address:     *to.Address.Clone(),
			Params:      fromParams,
		}
		bye.AppendHeader(&from)
	}
	if from := req.From(); from != nil {
		to := sip.ToHeader{
			DisplayName: from.DisplayName,
			Address:     *from.Address.Clone(),
			Params:      from.Params.Clone(),
		}
		bye.AppendHeader(&to)
	}
	if h := req.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	cseq := sip.CSeqHeader{SeqNo: 1, MethodName: sip.BYE}
	bye.AppendHeader(&cseq)

	tx, err := t.client.TransactionRequest(ctx, bye, sipgo.ClientRequestAddVia)
	if err != nil {
		return fmt.Errorf("sending bye: %w", err)
	}
	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return fmt.Errorf("waiting for bye response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("bye failed with status %d %s", res.StatusCode, res.Reason)
	}
	return nil
}
