package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionFactory constructs call sessions. The concrete implementation lives
// in internal/session; tests substitute fakes.
type SessionFactory interface {
	// NewInbound applies the media-description fix-up to the invite's offer
	// and constructs a ringing inbound session.
	NewInbound(inv PendingInvite, stats StatsChannel) (CallSession, error)
	// NewOutbound constructs an outbound session toward destination.
	NewOutbound(callID, destination string, stats StatsChannel) (CallSession, error)
}

// CallHistory records call dispositions for the local call log. All methods
// are fire-and-forget from the client's perspective.
type CallHistory interface {
	RecordAdmitted(callID, direction, peer string, at time.Time)
	RecordRejected(callID, direction, peer string, at time.Time)
	RecordEnded(callID, cause string, at time.Time)
}

// Callbacks are the host application's notification hooks. They are invoked
// synchronously while the client lock is held: handlers must return quickly
// and must not call back into the client.
type Callbacks struct {
	OnLoginFailed      func(reason string)
	OnConnectionChange func(state ConnectionState)
	OnLogin            func()
	OnLogout           func()
	OnIncomingCall     func(callID, from string)
}

// Options wires a Client together.
type Options struct {
	Manager     ManagerOptions
	Factory     TransportFactory
	Sessions    SessionFactory
	Resolver    AddressResolver
	Telemetry   TelemetryService
	Stats       StatsChannelOpener
	History     CallHistory
	Noise       NoiseSuppressor
	Speech      SpeechDetector
	Ringtone    RingtonePlayer
	Multiplex   bool
	MaxIncoming int
	Callbacks   Callbacks
	Logger      *slog.Logger
}

// activeCalls is the client's call bookkeeping: at most one primary session,
// plus the set of ringing inbound invites and their not-yet-answered
// sessions, keyed by SIP Call-ID.
type activeCalls struct {
	primary CallSession
	pending map[string]PendingInvite
	ringing map[string]CallSession
}

// Client is the umbrella softphone object: it owns the connection manager,
// the admission controller, the active call set, and the host-facing
// notification surface.
type Client struct {
	mu sync.Mutex

	logger     *slog.Logger
	callLogger *slog.Logger

	conn      *ConnectionManager
	admission *AdmissionController

	calls    activeCalls
	sessions SessionFactory

	resolver  AddressResolver
	telemetry TelemetryService
	stats     StatsChannelOpener
	history   CallHistory

	noise    NoiseSuppressor
	speech   SpeechDetector
	ringtone RingtonePlayer

	callbacks Callbacks

	statsChannels   map[string]StatsChannel
	setupStart      map[string]time.Time
	telemetryKey    TelemetryKey
	hasTelemetryKey bool

	startTime time.Time
}

// New creates a Client. Factory, Sessions, and at least one endpoint are
// required; every other collaborator defaults to a no-op implementation.
func New(opts Options) (*Client, error) {
	if opts.Factory == nil {
		return nil, errors.New("client: transport factory is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("client: session factory is required")
	}
	if len(opts.Manager.Endpoints) == 0 {
		return nil, errors.New("client: at least one signaling endpoint is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "client")

	c := &Client{
		logger:     logger,
		callLogger: logger,
		sessions:   opts.Sessions,
		resolver:   opts.Resolver,
		telemetry:  opts.Telemetry,
		stats:      opts.Stats,
		history:    opts.History,
		noise:      opts.Noise,
		speech:     opts.Speech,
		ringtone:   opts.Ringtone,
		callbacks:  opts.Callbacks,
		calls: activeCalls{
			pending: make(map[string]PendingInvite),
			ringing: make(map[string]CallSession),
		},
		statsChannels: make(map[string]StatsChannel),
		setupStart:    make(map[string]time.Time),
		startTime:     time.Now(),
	}

	if c.resolver == nil {
		c.resolver = noopResolver{}
	}
	if c.telemetry == nil {
		c.telemetry = noopTelemetry{}
	}
	if c.stats == nil {
		c.stats = noopStatsOpener{}
	}
	if c.history == nil {
		c.history = noopHistory{}
	}
	if c.noise == nil {
		c.noise = noopNoise{}
	}
	if c.speech == nil {
		c.speech = noopSpeech{}
	}
	if c.ringtone == nil {
		c.ringtone = noopRingtone{}
	}

	c.conn = NewConnectionManager(c, opts.Factory, opts.Manager, logger)
	c.admission = NewAdmissionController(c, opts.Multiplex, opts.MaxIncoming, logger)
	return c, nil
}

// Connection returns the connection manager, primarily for status reporting.
func (c *Client) Connection() *ConnectionManager { return c.conn }

// Login starts a login with the given credentials. refreshIntervalSeconds is
// the desired registration refresh spacing; zero selects the default.
func (c *Client) Login(creds Credentials, refreshIntervalSeconds int) bool {
	return c.conn.Login(creds, refreshIntervalSeconds)
}

// Logout requests an explicit unregistration and full session cleanup.
func (c *Client) Logout() bool {
	return c.conn.Logout()
}

// Destroy shuts the client down without the logout ceremony.
func (c *Client) Destroy() {
	c.conn.Destroy()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logoutCleanupLocked()
}

// Call places an outbound call and returns its call ID.
func (c *Client) Call(destination string) (string, error) {
	if destination == "" {
		return "", errors.New("client: destination is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.conn.loggedInLocked() {
		return "", errors.New("client: not logged in")
	}
	sess, err := c.admission.admitOutgoingLocked(destination)
	if err != nil {
		return "", err
	}
	return sess.SIPCallID(), nil
}

// Answer accepts a ringing inbound call, promoting it to the primary session.
func (c *Client) Answer(ctx context.Context, callID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.calls.ringing[callID]
	if !ok {
		return fmt.Errorf("client: no ringing call %q", callID)
	}
	if c.calls.primary != nil && !c.admission.multiplex {
		return ErrBusy
	}
	if err := sess.Accept(ctx); err != nil {
		return fmt.Errorf("client: answering call %q: %w", callID, err)
	}
	delete(c.calls.ringing, callID)
	delete(c.calls.pending, callID)
	c.calls.primary = sess
	c.callLogger.Info("call answered", "call_id", callID)
	return nil
}

// Hangup ends the primary session.
func (c *Client) Hangup() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.calls.primary == nil {
		return errors.New("client: no active call")
	}
	callID := c.calls.primary.SIPCallID()
	c.calls.primary.End("user hangup")
	c.history.RecordEnded(callID, "user hangup", time.Now())
	c.dropPrimaryLocked()
	return nil
}

// RemoteHangup tears down the session for callID after the peer ended the
// call. Unknown IDs are ignored.
func (c *Client) RemoteHangup(callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p := c.calls.primary; p != nil && p.SIPCallID() == callID {
		p.End("remote hangup")
		c.history.RecordEnded(callID, "remote hangup", time.Now())
		c.dropPrimaryLocked()
		return
	}
	if s, ok := c.calls.ringing[callID]; ok {
		s.End("remote hangup")
		delete(c.calls.ringing, callID)
		delete(c.calls.pending, callID)
		delete(c.setupStart, callID)
		c.closeStatsChannelLocked(callID)
		c.history.RecordEnded(callID, "remote hangup", time.Now())
	}
}

// ActiveCallCount reports the primary session plus ringing inbound sessions.
func (c *Client) ActiveCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.calls.ringing)
	if c.calls.primary != nil {
		n++
	}
	return n
}

// StartTime returns when this client was created, for uptime reporting.
func (c *Client) StartTime() time.Time { return c.startTime }

// primarySessionLocked returns the primary session. Caller holds c.mu.
func (c *Client) primarySessionLocked() CallSession {
	return c.calls.primary
}

// dropPrimaryLocked clears the primary-session reference and its related
// call identifiers and diagnostics channel. Caller holds c.mu.
func (c *Client) dropPrimaryLocked() {
	p := c.calls.primary
	if p == nil {
		return
	}
	id := p.SIPCallID()
	delete(c.calls.pending, id)
	delete(c.calls.ringing, id)
	delete(c.setupStart, id)
	c.closeStatsChannelLocked(id)
	c.calls.primary = nil
	c.callLogger = c.logger
}

// logoutCleanupLocked ends every session, clears the call set, and releases
// audio resources. This is the logout-cleanup hook every exit path funnels
// through. Caller holds c.mu.
func (c *Client) logoutCleanupLocked() {
	if c.calls.primary != nil {
		c.calls.primary.End("logout")
		c.history.RecordEnded(c.calls.primary.SIPCallID(), "logout", time.Now())
	}
	for id, s := range c.calls.ringing {
		s.End("logout")
		c.history.RecordEnded(id, "logout", time.Now())
	}
	c.calls.primary = nil
	c.calls.pending = make(map[string]PendingInvite)
	c.calls.ringing = make(map[string]CallSession)
	for id := range c.statsChannels {
		c.closeStatsChannelLocked(id)
	}
	c.setupStart = make(map[string]time.Time)
	c.hasTelemetryKey = false
	c.telemetryKey = TelemetryKey{}
	c.noise.Close()
	c.callLogger = c.logger
}

// openStatsChannelLocked creates (or replaces) the quality-telemetry channel
// for a call. Caller holds c.mu.
func (c *Client) openStatsChannelLocked(callID string) StatsChannel {
	if old, ok := c.statsChannels[callID]; ok {
		old.Close()
	}
	ch := c.stats.OpenChannel(callID)
	c.statsChannels[callID] = ch
	return ch
}

func (c *Client) closeStatsChannelLocked(callID string) {
	if ch, ok := c.statsChannels[callID]; ok {
		ch.Close()
		delete(c.statsChannels, callID)
	}
}

// recreateStatsChannelLocked tears down and recreates the primary session's
// telemetry channel after a mid-call network change. Caller holds c.mu.
func (c *Client) recreateStatsChannelLocked() {
	p := c.calls.primary
	if p == nil {
		return
	}
	c.openStatsChannelLocked(p.SIPCallID())
}

// recordSetupStartLocked stamps the media-setup timing origin for a call.
func (c *Client) recordSetupStartLocked(callID string) {
	now := time.Now()
	c.setupStart[callID] = now
	if ch, ok := c.statsChannels[callID]; ok {
		ch.Submit("media_setup_start", map[string]any{
			"ts_ms": now.UnixMilli(),
		})
	}
}

// setCallLoggerLocked binds the call ID into the diagnostic logging context.
func (c *Client) setCallLoggerLocked(callID string) {
	c.callLogger = c.logger.With("call_id", callID)
}

func (c *Client) setTelemetryKeyLocked(key TelemetryKey) {
	c.telemetryKey = key
	c.hasTelemetryKey = true
}

func (c *Client) clearTelemetryKeyLocked() {
	c.telemetryKey = TelemetryKey{}
	c.hasTelemetryKey = false
}

// TelemetryKeySnapshot returns the cached call-insights key, if any.
func (c *Client) TelemetryKeySnapshot() (TelemetryKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.telemetryKey, c.hasTelemetryKey
}

func (c *Client) newCallID() string {
	return uuid.NewString()
}

// Notification helpers. All are invoked with c.mu held; see Callbacks.

func (c *Client) notifyLoginFailed(reason string) {
	c.logger.Warn("login failed", "reason", reason)
	if c.callbacks.OnLoginFailed != nil {
		c.callbacks.OnLoginFailed(reason)
	}
}

func (c *Client) notifyConnectionChange(state ConnectionState) {
	c.logger.Info("connection state changed",
		"state", string(state.Status),
		"reason", state.Reason,
	)
	if c.callbacks.OnConnectionChange != nil {
		c.callbacks.OnConnectionChange(state)
	}
}

func (c *Client) notifyLogin() {
	if c.callbacks.OnLogin != nil {
		c.callbacks.OnLogin()
	}
}

func (c *Client) notifyLogout() {
	if c.callbacks.OnLogout != nil {
		c.callbacks.OnLogout()
	}
}

func (c *Client) notifyIncomingCall(callID, from string) {
	if c.callbacks.OnIncomingCall != nil {
		c.callbacks.OnIncomingCall(callID, from)
	}
}

// No-op collaborator defaults.

type noopResolver struct{}

func (noopResolver) ResolvePublicAddress(context.Context) (string, error) { return "", nil }

type noopTelemetry struct{}

func (noopTelemetry) FetchKey(context.Context, string, string, bool) (TelemetryKey, error) {
	return TelemetryKey{}, nil
}
func (noopTelemetry) ReportNetworkChange(context.Context, string, string) {}

type noopStatsOpener struct{}

func (noopStatsOpener) OpenChannel(string) StatsChannel { return noopStatsChannel{} }

type noopStatsChannel struct{}

func (noopStatsChannel) Submit(string, map[string]any) {}
func (noopStatsChannel) Close()                        {}

type noopHistory struct{}

func (noopHistory) RecordAdmitted(string, string, string, time.Time) {}
func (noopHistory) RecordRejected(string, string, string, time.Time) {}
func (noopHistory) RecordEnded(string, string, time.Time)            {}

type noopNoise struct{}

func (noopNoise) Init() error { return nil }
func (noopNoise) Close()      {}

type noopSpeech struct{}

func (noopSpeech) Restart() {}

type noopRingtone struct{}

func (noopRingtone) StopAll() {}
