package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/gosymbo/voiceclient/internal/client"
)

const (
	// jwtHeader carries the access token on REGISTER and the token metadata
	// on registrar responses.
	jwtHeader = "X-Plivo-Jwt"

	// refreshFraction of the server-granted expiry is used as the
	// re-registration spacing, leaving headroom for network delays.
	refreshFraction = 0.8

	unregisterTimeout = 5 * time.Second
)

// Transport is one SIP-over-WebSocket connection to a single signaling
// endpoint: it runs the registration cycle and reports everything it observes
// as events on its sink. Failover never reuses a Transport; the connection
// manager builds a fresh one on the shared user agent.
type Transport struct {
	ua     *sipgo.UserAgent
	cfg    client.TransportConfig
	ep     endpoint
	sink   client.EventSink
	logger *slog.Logger
	client *sipgo.Client

	cancel   context.CancelFunc
	stopOnce sync.Once

	mu            sync.Mutex
	connectedSent bool
	registered    bool
	dialogs       map[string]*dialogState
}

// dialogState is the minimal UAC dialog bookkeeping for calls this transport
// originated: the original INVITE and its 2xx, plus the local CSeq counter.
type dialogState struct {
	inviteReq *sip.Request
	inviteRes *sip.Response
	cseq      uint32
}

func newTransport(ua *sipgo.UserAgent, cfg client.TransportConfig, sink client.EventSink, logger *slog.Logger) (*Transport, error) {
	ep, err := parseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	cl, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(logger.With("endpoint", ep.Host)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	return &Transport{
		ua:      ua,
		cfg:     cfg,
		ep:      ep,
		sink:    sink,
		logger:  logger.With("subsystem", "transport", "endpoint", ep.URL),
		client:  cl,
		dialogs: make(map[string]*dialogState),
	}, nil
}

// SocketURL returns the endpoint URI this transport is bound to.
func (t *Transport) SocketURL() string { return t.ep.URL }

// Start launches the registration loop. Registration outcomes arrive
// asynchronously as events.
func (t *Transport) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.registrationLoop(runCtx)
	return nil
}

// Stop tears the transport down: best-effort unregister, then a terminal
// disconnect event flagged so the connection manager does not fail over.
func (t *Transport) Stop() {
	t.stopOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}

		t.mu.Lock()
		wasRegistered := t.registered
		t.registered = false
		t.mu.Unlock()

		if wasRegistered {
			ctx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
			if _, err := t.register(ctx, 0); err != nil {
				t.logger.Warn("unregister failed", "error", err)
			}
			cancel()
			t.sink.Dispatch(client.UnregisteredEvent{})
		}

		t.client.Close()
		t.sink.Dispatch(client.DisconnectedEvent{
			Code:               1000,
			Reason:             "normal closure",
			SocketURL:          t.ep.URL,
			IgnoreReconnection: true,
		})
		t.logger.Info("transport stopped")
	})
}

// Ping probes endpoint liveness with an OPTIONS request.
func (t *Transport) Ping(ctx context.Context) error {
	req := sip.NewRequest(sip.OPTIONS, t.recipient())
	req.SetTransport(t.ep.Transport)

	tx, err := t.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending options: %w", err)
	}

	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return fmt.Errorf("waiting for options response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("options ping returned status %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

// registrationLoop registers, then re-registers at a fraction of the granted
// expiry until cancelled. A SIP rejection or a transport-level error ends the
// loop after the corresponding event; recovery is the connection manager's
// decision, not the transport's.
func (t *Transport) registrationLoop(ctx context.Context) {
	expiry := t.cfg.RegisterExpiry

	t.logger.Info("starting registration",
		"host", t.ep.Host,
		"port", t.ep.Port,
		"transport", t.ep.Transport,
		"expiry", expiry,
	)

	for {
		res, err := t.register(ctx, expiry)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if sf, ok := err.(*sipFailure); ok {
				t.logger.Warn("registration rejected",
					"status", sf.StatusCode,
					"reason", sf.Reason,
				)
				t.sink.Dispatch(client.RegistrationFailedEvent{
					StatusCode: sf.StatusCode,
					Cause:      sf.Reason,
					Headers:    sf.Headers,
				})
				return
			}
			t.logger.Error("registration transport failure", "error", err)
			t.sink.Dispatch(client.DisconnectedEvent{
				Code:      1006,
				Reason:    err.Error(),
				SocketURL: t.ep.URL,
			})
			return
		}

		t.mu.Lock()
		t.registered = true
		t.mu.Unlock()
		t.sink.Dispatch(client.RegisteredEvent{Headers: res.headers})

		refresh := time.Duration(float64(res.grantedExpiry)*refreshFraction) * time.Second
		t.logger.Debug("registered, scheduling refresh",
			"granted_expiry", res.grantedExpiry,
			"refresh_in", refresh.String(),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(refresh):
		}
	}
}

// sipFailure is a REGISTER rejection carrying the response status and headers.
type sipFailure struct {
	StatusCode int
	Reason     string
	Headers    map[string][]string
}

func (e *sipFailure) Error() string {
	return fmt.Sprintf("register failed with status %d %s", e.StatusCode, e.Reason)
}

type registerResult struct {
	grantedExpiry int
	headers       map[string][]string
}

func (t *Transport) recipient() sip.Uri {
	var recipient sip.Uri
	// Host and port were validated by parseEndpoint; this cannot fail.
	_ = sip.ParseUri(fmt.Sprintf("sip:%s:%d", t.ep.Host, t.ep.Port), &recipient)
	return recipient
}

// register sends one REGISTER with the configured credentials. Password mode
// answers a digest challenge; token mode carries the access token in the JWT
// header and treats any challenge as final. The connected event is emitted
// the first time a transaction reaches the wire.
func (t *Transport) register(ctx context.Context, expiry int) (*registerResult, error) {
	creds := t.cfg.Credentials
	identity := creds.Identity()
	if identity == "" {
		identity = "anonymous"
	}

	req := sip.NewRequest(sip.REGISTER, t.recipient())
	req.SetTransport(t.ep.Transport)

	aor := fmt.Sprintf("<sip:%s@%s>", identity, t.cfg.Domain)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))
	req.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<sip:%s@%s>", identity, t.ua.Hostname())))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))
	if creds.TokenMode() {
		req.AppendHeader(sip.NewHeader(jwtHeader, creds.AccessToken))
	}

	tx, err := t.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return nil, fmt.Errorf("sending register: %w", err)
	}
	t.emitConnectedOnce()

	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return nil, fmt.Errorf("waiting for register response: %w", err)
	}

	if (res.StatusCode == 401 || res.StatusCode == 407) && !creds.TokenMode() {
		res, err = t.registerWithDigest(ctx, req, res, identity)
		if err != nil {
			return nil, err
		}
	}

	if res.StatusCode != 200 {
		return nil, &sipFailure{
			StatusCode: int(res.StatusCode),
			Reason:     res.Reason,
			Headers:    responseHeaders(res),
		}
	}

	granted := expiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			granted = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed, err := strconv.Atoi(strings.TrimSpace(expiresHdr.Value())); err == nil && parsed > 0 {
			granted = parsed
		}
	}

	return &registerResult{
		grantedExpiry: granted,
		headers:       responseHeaders(res),
	}, nil
}

// registerWithDigest answers a 401/407 challenge and resends the REGISTER.
func (t *Transport) registerWithDigest(ctx context.Context, req *sip.Request, challenge *sip.Response, identity string) (*sip.Response, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challenge.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	wwwAuth := challenge.GetHeader(authHeader)
	if wwwAuth == nil {
		return nil, fmt.Errorf("received %d but no %s header", challenge.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: identity,
		Password: t.cfg.Credentials.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	tx, err := t.client.TransactionRequest(ctx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return nil, fmt.Errorf("sending authenticated register: %w", err)
	}

	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return nil, fmt.Errorf("waiting for authenticated register response: %w", err)
	}
	return res, nil
}

func (t *Transport) emitConnectedOnce() {
	t.mu.Lock()
	sent := t.connectedSent
	t.connectedSent = true
	t.mu.Unlock()
	if !sent {
		t.sink.Dispatch(client.ConnectedEvent{})
	}
}

// Invite originates an outbound call: it sends the INVITE, absorbs
// provisionals, ACKs the 2xx, records the dialog, and returns the remote
// answer. Digest challenges are answered once.
func (t *Transport) Invite(ctx context.Context, callID, destination, sdp string) (string, error) {
	recipientStr := fmt.Sprintf("sip:%s@%s", destination, t.cfg.Domain)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return "", fmt.Errorf("parsing destination uri: %w", err)
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(t.ep.Transport)
	req.SetBody([]byte(sdp))
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.AppendHeader(sip.NewHeader("Call-ID", callID))

	res, err := t.inviteTransaction(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return "", err
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authReq, authErr := t.authorizedClone(req, res)
		if authErr != nil {
			return "", authErr
		}
		res, err = t.inviteTransaction(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return "", err
		}
		req = authReq
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", fmt.Errorf("invite failed with status %d %s", res.StatusCode, res.Reason)
	}

	ack := buildACKFor2xx(req, res)
	if err := t.client.WriteRequest(ack); err != nil {
		return "", fmt.Errorf("sending ack: %w", err)
	}

	t.mu.Lock()
	t.dialogs[callID] = &dialogState{
		inviteReq: req,
		inviteRes: res,
		cseq:      cseqNumber(req),
	}
	t.mu.Unlock()

	return string(res.Body()), nil
}

// inviteTransaction runs one INVITE client transaction to a final response,
// absorbing 1xx.
func (t *Transport) inviteTransaction(ctx context.Context, req *sip.Request, opts ...sipgo.ClientRequestOption) (*sip.Response, error) {
	tx, err := t.client.TransactionRequest(ctx, req, opts...)
	if err != nil {
		return nil, fmt.Errorf("sending invite: %w", err)
	}
	defer tx.Terminate()

	for {
		res, err := getResponse(ctx, tx)
		if err != nil {
			return nil, fmt.Errorf("waiting for invite response: %w", err)
		}
		if res.StatusCode >= 200 {
			return res, nil
		}
	}
}

func (t *Transport) authorizedClone(req *sip.Request, challenge *sip.Response) (*sip.Request, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challenge.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	wwwAuth := challenge.GetHeader(authHeader)
	if wwwAuth == nil {
		return nil, fmt.Errorf("received %d but no %s header", challenge.StatusCode, authHeader)
	}
	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: t.cfg.Credentials.Identity(),
		Password: t.cfg.Credentials.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	return authReq, nil
}

// SendReinvite re-sends the in-dialog INVITE with a fresh session description,
// used to recover media after a transport swap.
func (t *Transport) SendReinvite(ctx context.Context, callID, sdp string) error {
	t.mu.Lock()
	d, ok := t.dialogs[callID]
	if ok {
		d.cseq++
	}
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("no dialog for call %q", callID)
	}

	req := d.inviteReq.Clone()
	req.RemoveHeader("Via")
	req.SetBody([]byte(sdp))

	// To with the remote tag from the 2xx.
	if resTo := d.inviteRes.To(); resTo != nil {
		req.RemoveHeader("To")
		req.AppendHeader(sip.HeaderClone(resTo))
	}
	if cseq := req.CSeq(); cseq != nil {
		cseq.SeqNo = d.cseq
	}

	res, err := t.inviteTransaction(ctx, req, sipgo.ClientRequestAddVia)
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("re-invite failed with status %d %s", res.StatusCode, res.Reason)
	}

	ack := buildACKFor2xx(req, res)
	if err := t.client.WriteRequest(ack); err != nil {
		return fmt.Errorf("sending re-invite ack: %w", err)
	}
	return nil
}

// Bye terminates a dialog this transport originated.
func (t *Transport) Bye(ctx context.Context, callID string) error {
	t.mu.Lock()
	d, ok := t.dialogs[callID]
	if ok {
		d.cseq++
		delete(t.dialogs, callID)
	}
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("no dialog for call %q", callID)
	}

	req := sip.NewRequest(sip.BYE, byeRecipient(d))
	req.SetTransport(t.ep.Transport)
	if h := d.inviteReq.From(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if h := d.inviteRes.To(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if h := d.inviteReq.CallID(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	cseq := sip.CSeqHeader{SeqNo: d.cseq, MethodName: sip.BYE}
	req.AppendHeader(&cseq)

	tx, err := t.client.TransactionRequest(ctx, req, sipgo.ClientRequestAddVia)
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

func byeRecipient(d *dialogState) sip.Uri {
	if contact := d.inviteRes.Contact(); contact != nil {
		return *contact.Address.Clone()
	}
	return *d.inviteReq.Recipient.Clone()
}

func cseqNumber(req *sip.Request) uint32 {
	if h := req.CSeq(); h != nil {
		return h.SeqNo
	}
	return 1
}

// buildACKFor2xx creates the UAC-core ACK for a 2xx INVITE response. The
// Request-URI comes from the response Contact when present.
func buildACKFor2xx(inviteReq *sip.Request, inviteRes *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteRes.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteRes.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	return ack
}

// responseHeaders flattens a response's headers into a canonical-keyed map.
func responseHeaders(res *sip.Response) map[string][]string {
	out := make(map[string][]string)
	for _, h := range res.Headers() {
		key := http.CanonicalHeaderKey(h.Name())
		out[key] = append(out[key], h.Value())
	}
	return out
}

// parseContactExpires extracts the expires parameter from a Contact header
// value such as <sip:user@host>;expires=3600. Returns 0 when absent.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]
	end := strings.IndexAny(rest, ";,> \t")
	if end > 0 {
		rest = rest[:end]
	}
	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}

// getResponse waits for the first response from a SIP client transaction.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}
