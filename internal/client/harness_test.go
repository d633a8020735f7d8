package client

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// mockTransport implements Transport for testing. Events are injected by the
// tests themselves; the mock only records what the manager asked it to do.
type mockTransport struct {
	endpoint string
	cfg      TransportConfig
	startErr error

	mu        sync.Mutex
	started   bool
	stopped   bool
	pings     int
	pingErr   error
	reinvites []string
}

func (m *mockTransport) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.started = true
	return nil
}

func (m *mockTransport) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *mockTransport) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pings++
	return m.pingErr
}

func (m *mockTransport) setPingErr(err error) {
	m.mu.Lock()
	m.pingErr = err
	m.mu.Unlock()
}

func (m *mockTransport) SendReinvite(ctx context.Context, callID, sdp string) error {
	m.mu.Lock()
	m.reinvites = append(m.reinvites, callID)
	m.mu.Unlock()
	return nil
}

func (m *mockTransport) SocketURL() string { return m.endpoint }

func (m *mockTransport) wasStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *mockTransport) reinviteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reinvites)
}

func (m *mockTransport) pingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pings
}

// mockFactory implements TransportFactory for testing.
type mockFactory struct {
	mu       sync.Mutex
	err      error
	startErr error
	created  []*mockTransport
}

func (f *mockFactory) NewTransport(cfg TransportConfig, sink EventSink) (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t := &mockTransport{endpoint: cfg.Endpoint, cfg: cfg, startErr: f.startErr}
	f.created = append(f.created, t)
	return t, nil
}

func (f *mockFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *mockFactory) transport(i int) *mockTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[i]
}

// mockSession implements CallSession for testing.
type mockSession struct {
	id string

	mu          sync.Mutex
	muted       bool
	closed      bool
	accepted    bool
	acceptErr   error
	reinviteSDP string
	reinviteErr error
	ends        []string
}

func (s *mockSession) ID() string        { return s.id }
func (s *mockSession) SIPCallID() string { return s.id }

func (s *mockSession) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *mockSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *mockSession) ReinviteSDP(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reinviteSDP, s.reinviteErr
}

func (s *mockSession) Accept(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acceptErr != nil {
		return s.acceptErr
	}
	s.accepted = true
	return nil
}

func (s *mockSession) End(cause string) {
	s.mu.Lock()
	s.ends = append(s.ends, cause)
	s.mu.Unlock()
}

func (s *mockSession) endCauses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ends...)
}

// rejection records one Reject call on a mockInvite.
type rejection struct {
	code   int
	reason string
}

// mockInvite implements PendingInvite for testing.
type mockInvite struct {
	callID string
	from   string
	sdp    string

	mu       sync.Mutex
	ended    bool
	answered string
	rejects  []rejection
}

func (i *mockInvite) CallID() string    { return i.callID }
func (i *mockInvite) From() string      { return i.from }
func (i *mockInvite) RemoteSDP() string { return i.sdp }

func (i *mockInvite) Answer(sdp string) error {
	i.mu.Lock()
	i.answered = sdp
	i.mu.Unlock()
	return nil
}

func (i *mockInvite) Reject(code int, reason string) error {
	i.mu.Lock()
	i.rejects = append(i.rejects, rejection{code: code, reason: reason})
	i.mu.Unlock()
	return nil
}

func (i *mockInvite) Ended() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ended
}

func (i *mockInvite) markEnded() {
	i.mu.Lock()
	i.ended = true
	i.mu.Unlock()
}

func (i *mockInvite) rejections() []rejection {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]rejection(nil), i.rejects...)
}

// mockSessionFactory implements SessionFactory for testing.
type mockSessionFactory struct {
	mu          sync.Mutex
	inboundErr  error
	outboundErr error
	inbound     []*mockSession
	outbound    []*mockSession
}

func (f *mockSessionFactory) NewInbound(inv PendingInvite, stats StatsChannel) (CallSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inboundErr != nil {
		return nil, f.inboundErr
	}
	s := &mockSession{id: inv.CallID()}
	f.inbound = append(f.inbound, s)
	return s, nil
}

func (f *mockSessionFactory) NewOutbound(callID, destination string, stats StatsChannel) (CallSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outboundErr != nil {
		return nil, f.outboundErr
	}
	s := &mockSession{id: callID}
	f.outbound = append(f.outbound, s)
	return s, nil
}

func (f *mockSessionFactory) inboundCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inbound)
}

// mockResolver implements AddressResolver for testing. It hands out the
// configured addresses in call order, repeating the last one.
type mockResolver struct {
	mu    sync.Mutex
	addrs []string
	err   error
	calls int
}

func (r *mockResolver) ResolvePublicAddress(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.calls
	r.calls++
	if r.err != nil {
		return "", r.err
	}
	if len(r.addrs) == 0 {
		return "", nil
	}
	if i >= len(r.addrs) {
		i = len(r.addrs) - 1
	}
	return r.addrs[i], nil
}

func (r *mockResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// networkReport records one ReportNetworkChange call.
type networkReport struct {
	networkType string
	address     string
}

// mockTelemetry implements TelemetryService for testing.
type mockTelemetry struct {
	mu      sync.Mutex
	key     TelemetryKey
	keyErr  error
	fetches int
	reports []networkReport
}

func (m *mockTelemetry) FetchKey(ctx context.Context, identity, secret string, isToken bool) (TelemetryKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	return m.key, m.keyErr
}

func (m *mockTelemetry) ReportNetworkChange(ctx context.Context, networkType, address string) {
	m.mu.Lock()
	m.reports = append(m.reports, networkReport{networkType: networkType, address: address})
	m.mu.Unlock()
}

func (m *mockTelemetry) reportCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reports)
}

func (m *mockTelemetry) lastReport() networkReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reports[len(m.reports)-1]
}

// historyEntry records one CallHistory call.
type historyEntry struct {
	callID    string
	direction string
	peer      string
	cause     string
}

// mockHistory implements CallHistory for testing.
type mockHistory struct {
	mu       sync.Mutex
	admitted []historyEntry
	rejected []historyEntry
	ended    []historyEntry
}

func (h *mockHistory) RecordAdmitted(callID, direction, peer string, at time.Time) {
	h.mu.Lock()
	h.admitted = append(h.admitted, historyEntry{callID: callID, direction: direction, peer: peer})
	h.mu.Unlock()
}

func (h *mockHistory) RecordRejected(callID, direction, peer string, at time.Time) {
	h.mu.Lock()
	h.rejected = append(h.rejected, historyEntry{callID: callID, direction: direction, peer: peer})
	h.mu.Unlock()
}

func (h *mockHistory) RecordEnded(callID, cause string, at time.Time) {
	h.mu.Lock()
	h.ended = append(h.ended, historyEntry{callID: callID, cause: cause})
	h.mu.Unlock()
}

// mockSpeech implements SpeechDetector for testing.
type mockSpeech struct {
	mu       sync.Mutex
	restarts int
}

func (s *mockSpeech) Restart() {
	s.mu.Lock()
	s.restarts++
	s.mu.Unlock()
}

func (s *mockSpeech) restartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// callbackRecorder captures the host-facing notifications.
type callbackRecorder struct {
	mu            sync.Mutex
	loginFailures []string
	logins        int
	logouts       int
	states        []ConnectionState
	incoming      []string
}

func (r *callbackRecorder) callbacks() Callbacks {
	return Callbacks{
		OnLoginFailed: func(reason string) {
			r.mu.Lock()
			r.loginFailures = append(r.loginFailures, reason)
			r.mu.Unlock()
		},
		OnConnectionChange: func(state ConnectionState) {
			r.mu.Lock()
			r.states = append(r.states, state)
			r.mu.Unlock()
		},
		OnLogin: func() {
			r.mu.Lock()
			r.logins++
			r.mu.Unlock()
		},
		OnLogout: func() {
			r.mu.Lock()
			r.logouts++
			r.mu.Unlock()
		},
		OnIncomingCall: func(callID, from string) {
			r.mu.Lock()
			r.incoming = append(r.incoming, callID)
			r.mu.Unlock()
		},
	}
}

func (r *callbackRecorder) failureCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.loginFailures)
}

func (r *callbackRecorder) lastFailure() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.loginFailures) == 0 {
		return ""
	}
	return r.loginFailures[len(r.loginFailures)-1]
}

func (r *callbackRecorder) loginCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logins
}

func (r *callbackRecorder) logoutCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logouts
}

func (r *callbackRecorder) incomingCalls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.incoming...)
}

// testRig bundles a client with all its mock collaborators.
type testRig struct {
	client    *Client
	factory   *mockFactory
	sessions  *mockSessionFactory
	resolver  *mockResolver
	telemetry *mockTelemetry
	history   *mockHistory
	speech    *mockSpeech
	recorder  *callbackRecorder
}

var testEndpoints = []string{
	"wss://edge1.example.com/ws",
	"wss://edge2.example.com/ws",
	"wss://edge3.example.com/ws",
}

func newTestRig(t *testing.T, mutate func(*Options)) *testRig {
	t.Helper()

	rig := &testRig{
		factory:   &mockFactory{},
		sessions:  &mockSessionFactory{},
		resolver:  &mockResolver{},
		telemetry: &mockTelemetry{},
		history:   &mockHistory{},
		speech:    &mockSpeech{},
		recorder:  &callbackRecorder{},
	}

	opts := Options{
		Manager: ManagerOptions{
			Endpoints:    append([]string(nil), testEndpoints...),
			Domain:       "phone.example.com",
			NetRetryStep: time.Millisecond,
			Online:       func() bool { return true },
		},
		Factory:   rig.factory,
		Sessions:  rig.sessions,
		Resolver:  rig.resolver,
		Telemetry: rig.telemetry,
		History:   rig.history,
		Speech:    rig.speech,
		Callbacks: rig.recorder.callbacks(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&opts)
	}

	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rig.client = c
	t.Cleanup(c.Destroy)
	return rig
}

// loginAndRegister drives the rig through a successful fresh login.
func (rig *testRig) loginAndRegister(t *testing.T, creds Credentials) {
	t.Helper()
	if !rig.client.Login(creds, 0) {
		t.Fatalf("Login was not accepted: %v", rig.recorder.lastFailure())
	}
	rig.client.conn.Dispatch(ConnectedEvent{})
	rig.client.conn.Dispatch(RegisteredEvent{})
	if !rig.client.conn.LoggedIn() {
		t.Fatal("expected logged-in state after registration")
	}
}

// setPrimary installs a session as the primary call.
func (rig *testRig) setPrimary(s CallSession) {
	rig.client.mu.Lock()
	rig.client.calls.primary = s
	rig.client.mu.Unlock()
}

func passwordCreds() Credentials {
	return Credentials{Username: "1001", Password: "secret"}
}

func makeToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": sub}
	if !exp.IsZero() {
		claims["exp"] = exp.Unix()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}
	return signed
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
