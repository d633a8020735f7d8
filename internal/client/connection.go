package client

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
)

// loginPhase is the explicit login state machine. A fresh Login while a
// previous transport is still tearing down parks the request in the
// single-slot pending continuation and moves to awaitingOldTeardown; the
// continuation runs exactly once, on the old transport's disconnect.
type loginPhase int

const (
	phaseIdle loginPhase = iota
	phaseAwaitingOldTeardown
	phaseLoggingIn
	phaseLoggedIn
)

func (p loginPhase) String() string {
	switch p {
	case phaseAwaitingOldTeardown:
		return "awaiting-old-teardown"
	case phaseLoggingIn:
		return "logging-in"
	case phaseLoggedIn:
		return "logged-in"
	default:
		return "idle"
	}
}

// jwtHeader carries the access token to the registrar and, on responses, the
// token metadata (";"-delimited segments including "exp=<seconds>").
const jwtHeader = "X-Plivo-Jwt"

// invalidTokenMessage is the fixed login-failed reason for access-token
// rejections that carry no JWT error detail.
const invalidTokenMessage = "invalid access token"

const (
	defaultRegisterExpiry  = 120 // seconds
	minRegisterExpiry      = 60
	maxRegisterExpiry      = 600
	addressResolveTimeout  = 5 * time.Second
	reinviteTimeout        = 10 * time.Second
	telemetryFetchTimeout  = 10 * time.Second
	defaultNetRetryCeiling = 5
	defaultNetRetryStep    = 200 * time.Millisecond
	defaultKeepAliveIdle   = 30 * time.Second
	defaultKeepAliveInCall = 10 * time.Second

	// keepAliveFailureLimit is how many consecutive ping failures mark the
	// socket as silently dead.
	keepAliveFailureLimit = 3
)

// ManagerOptions configures a ConnectionManager.
type ManagerOptions struct {
	Endpoints       []string // ordered signaling endpoint URIs, failover rotates through them
	Domain          string   // SIP domain for the registration AOR <username>@<domain>
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
	KeepAliveIdle   time.Duration // keep-alive spacing with no active call
	KeepAliveInCall time.Duration // keep-alive spacing while a call is up
	NetRetryCeiling int           // max address-resolution retries per trigger
	NetRetryStep    time.Duration // linear backoff step for address resolution
	NetworkType     string        // platform-reported network type label
	Online          func() bool   // platform connectivity probe, nil means auto-detect
}

func (o *ManagerOptions) fillDefaults() {
	if o.KeepAliveIdle <= 0 {
		o.KeepAliveIdle = defaultKeepAliveIdle
	}
	if o.KeepAliveInCall <= 0 {
		o.KeepAliveInCall = defaultKeepAliveInCall
	}
	if o.NetRetryCeiling <= 0 {
		o.NetRetryCeiling = defaultNetRetryCeiling
	}
	if o.NetRetryStep <= 0 {
		o.NetRetryStep = defaultNetRetryStep
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = 2 * time.Second
	}
	if o.ReconnectMax < o.ReconnectMin {
		o.ReconnectMax = 30 * time.Second
	}
	if o.NetworkType == "" {
		o.NetworkType = "unknown"
	}
	if o.Online == nil {
		o.Online = defaultOnlineProbe
	}
}

// defaultOnlineProbe reports whether any non-loopback interface has an
// address. It is a coarse stand-in for platform connectivity reporting.
func defaultOnlineProbe() bool {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			return true
		}
	}
	return false
}

// pendingLogin is the single-slot continuation for a login deferred until the
// previous transport reports disconnection. A newer Login replaces it; it is
// invoked at most once.
type pendingLogin struct {
	creds  Credentials
	expiry int
}

// networkSnapshot records the last known network type and public address.
type networkSnapshot struct {
	Type    string
	Address string
}

// ConnectionManager owns the signaling connection lifecycle: login and
// registration, endpoint failover, keep-alive, reconnection recovery, and the
// externally observable connection state. All event handling and public
// commands serialize on one mutex; asynchronous continuations re-enter under
// the mutex and validate generation counters before committing state.
type ConnectionManager struct {
	host    *Client
	factory TransportFactory
	opts    ManagerOptions
	logger  *slog.Logger

	// mu is the host client's lock: event handling, public commands, and all
	// call-set mutation serialize on it.
	mu        *sync.Mutex
	endpoints []string
	cursor    int
	transport Transport

	state ConnectionState
	phase loginPhase

	creds          Credentials
	registerExpiry int
	tokenExpiryMS  int64

	pending         *pendingLogin
	loggedIn        bool
	logoutRequested bool

	// generation invalidates asynchronous continuations from a superseded
	// connection; it bumps on every disconnect and fresh login.
	generation uint64
	// resolveSeq orders in-flight address resolutions so the later-dispatched
	// request's result wins even if completions arrive out of order.
	resolveSeq uint64

	connectedOnce bool
	network       networkSnapshot
	netRetryCount int

	reinviteAttempts int
	reconnects       uint64

	keepaliveCancel context.CancelFunc
	reconnectCheck  *time.Timer

	disconnectedAt time.Time
}

// NewConnectionManager creates a connection manager bound to a host client
// and a transport factory.
func NewConnectionManager(host *Client, factory TransportFactory, opts ManagerOptions, logger *slog.Logger) *ConnectionManager {
	opts.fillDefaults()
	return &ConnectionManager{
		host:      host,
		mu:        &host.mu,
		factory:   factory,
		opts:      opts,
		logger:    logger.With("subsystem", "connection"),
		endpoints: opts.Endpoints,
		state:     ConnectionState{Status: StatusDisconnected, Reason: "never connected"},
		network:   networkSnapshot{Type: opts.NetworkType},
	}
}

// Login validates credentials and starts the signaling connection. It returns
// false and emits a login-failed notification when a precondition is violated
// or the transport cannot be constructed; in neither case does it retry on
// its own. When a previous transport is still up, the new login is deferred
// until that transport reports disconnection.
func (m *ConnectionManager) Login(creds Credentials, refreshIntervalSeconds int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := creds.Validate(); err != nil {
		m.host.notifyLoginFailed(err.Error())
		return false
	}
	if m.host.primarySessionLocked() != nil {
		m.host.notifyLoginFailed("login rejected: call in progress")
		return false
	}
	if !m.opts.Online() {
		m.host.notifyLoginFailed("login rejected: network offline")
		return false
	}

	expiry := refreshIntervalSeconds
	switch {
	case expiry <= 0:
		expiry = defaultRegisterExpiry
	case expiry < minRegisterExpiry:
		expiry = minRegisterExpiry
	case expiry > maxRegisterExpiry:
		expiry = maxRegisterExpiry
	}

	if m.transport != nil {
		// The old transport must finish tearing down before a new one binds
		// to the socket. Park the login; the disconnect handler runs it.
		m.logger.Info("login deferred until old transport disconnects")
		m.pending = &pendingLogin{creds: creds, expiry: expiry}
		m.phase = phaseAwaitingOldTeardown
		old := m.transport
		m.transport = nil
		go old.Stop()
		return true
	}

	if m.pending != nil {
		// Still awaiting the old transport's teardown. The newest login owns
		// the slot; starting now would race the disconnect continuation.
		m.logger.Info("replacing deferred login")
		m.pending = &pendingLogin{creds: creds, expiry: expiry}
		return true
	}

	return m.startLoginLocked(creds, expiry)
}

// startLoginLocked builds a transport for the endpoint at the cursor and
// starts it. Construction failures surface as login-failed and leave the
// manager idle; the caller must re-invoke Login.
func (m *ConnectionManager) startLoginLocked(creds Credentials, expiry int) bool {
	// A login that starts owns the connection outright: no parked request may
	// outlive it, and a live transport is superseded.
	m.pending = nil
	if old := m.transport; old != nil {
		m.transport = nil
		go old.Stop()
	}

	m.creds = creds
	m.registerExpiry = expiry
	m.tokenExpiryMS = creds.TokenExpiryFallbackMS()
	m.logoutRequested = false
	m.generation++

	t, err := m.factory.NewTransport(m.transportConfigLocked(), m)
	if err != nil {
		m.phase = phaseIdle
		m.creds = Credentials{}
		m.logger.Error("transport creation failed", "error", err)
		m.host.notifyLoginFailed("transport creation failed: " + err.Error())
		return false
	}
	m.transport = t
	m.phase = phaseLoggingIn

	if err := t.Start(context.Background()); err != nil {
		m.transport = nil
		m.phase = phaseIdle
		m.creds = Credentials{}
		m.logger.Error("transport start failed", "error", err)
		m.host.notifyLoginFailed("transport creation failed: " + err.Error())
		return false
	}

	m.logger.Info("login started",
		"endpoint", m.endpoints[m.cursor],
		"token_mode", creds.TokenMode(),
		"register_expiry", expiry,
	)
	return true
}

// transportConfigLocked builds the signaling configuration for the endpoint
// at the current cursor.
func (m *ConnectionManager) transportConfigLocked() TransportConfig {
	return TransportConfig{
		Endpoint:       m.endpoints[m.cursor],
		Domain:         m.opts.Domain,
		Credentials:    m.creds,
		RegisterExpiry: m.registerExpiry,
		ReconnectMin:   m.opts.ReconnectMin,
		ReconnectMax:   m.opts.ReconnectMax,
	}
}

// Logout requests an explicit unregistration and teardown. Returns false if
// no login is active.
func (m *ConnectionManager) Logout() bool {
	m.mu.Lock()
	if !m.loggedIn || m.transport == nil {
		m.mu.Unlock()
		return false
	}
	m.logoutRequested = true
	t := m.transport
	m.mu.Unlock()

	go t.Stop()
	return true
}

// Destroy cancels every background loop and drops the transport without the
// logout ceremony. Intended for process shutdown.
func (m *ConnectionManager) Destroy() {
	m.mu.Lock()
	m.stopKeepAliveLocked()
	m.clearReconnectCheckLocked()
	m.generation++
	t := m.transport
	m.transport = nil
	m.phase = phaseIdle
	m.pending = nil
	m.mu.Unlock()

	if t != nil {
		t.Stop()
	}
}

// Dispatch implements EventSink. It is the single entry point for transport
// events and fans out to one handler per event kind.
func (m *ConnectionManager) Dispatch(ev TransportEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch e := ev.(type) {
	case ConnectedEvent:
		m.handleConnectedLocked()
	case DisconnectedEvent:
		m.handleDisconnectedLocked(e)
	case RegisteredEvent:
		m.handleRegisteredLocked(e)
	case UnregisteredEvent:
		m.handleUnregisteredLocked()
	case RegistrationFailedEvent:
		m.handleRegistrationFailedLocked(e)
	case NewTransactionEvent:
		m.handleNewTransactionLocked(e)
	case IncomingSessionEvent:
		m.host.admission.admitIncomingLocked(e.Invite)
	default:
		m.logger.Warn("unhandled transport event", "event", ev)
	}
}

func (m *ConnectionManager) handleConnectedLocked() {
	m.clearReconnectCheckLocked()
	m.logger.Info("signaling transport connected")

	// Resolve the public address once per transport session; failures leave
	// the address empty and never block registration handling.
	if !m.connectedOnce {
		m.connectedOnce = true
		m.resolveAddressLocked(func(m *ConnectionManager, addr string) {
			m.network = networkSnapshot{Type: m.opts.NetworkType, Address: addr}
		})
	}
}

func (m *ConnectionManager) handleDisconnectedLocked(ev DisconnectedEvent) {
	m.setStateLocked(StatusDisconnected, strconv.Itoa(ev.Code))
	m.disconnectedAt = time.Now()
	m.generation++
	m.connectedOnce = false
	m.stopKeepAliveLocked()

	if p := m.pending; p != nil {
		// Deferred login continuation, invoked exactly once.
		m.pending = nil
		m.transport = nil
		m.phase = phaseIdle
		m.logger.Info("old transport down, running deferred login")
		m.startLoginLocked(p.creds, p.expiry)
		return
	}

	if ev.IgnoreReconnection {
		m.logger.Info("transport closed intentionally",
			"code", ev.Code,
			"reason", ev.Reason,
		)
		m.transport = nil
		return
	}

	// Failover: rotate to the next endpoint, rebuild the transport on the
	// existing user agent, and restart it.
	m.cursor = (m.cursor + 1) % len(m.endpoints)
	m.reconnects++
	m.logger.Warn("transport disconnected, failing over",
		"code", ev.Code,
		"reason", ev.Reason,
		"socket_url", ev.SocketURL,
		"next_endpoint", m.endpoints[m.cursor],
	)

	t, err := m.factory.NewTransport(m.transportConfigLocked(), m)
	if err != nil {
		m.transport = nil
		m.logger.Error("failover transport creation failed", "error", err)
		return
	}
	m.transport = t
	if err := t.Start(context.Background()); err != nil {
		m.logger.Error("failover transport start failed", "error", err)
	}
	m.scheduleReconnectCheckLocked()

	// Recover active media across the transport swap: re-send the in-dialog
	// INVITE with an ICE restart, fire-and-forget.
	if s := m.host.primarySessionLocked(); s != nil {
		m.reinviteAttempts++
		gen := m.generation
		m.logger.Info("scheduling re-invite after transport swap",
			"call_id", s.SIPCallID(),
			"attempt", m.reinviteAttempts,
		)
		go m.resendInvite(gen, t, s)
	}
}

// resendInvite produces an ICE-restart offer for the surviving call and sends
// it over the replacement transport. Stale completions (superseded generation
// or a different primary session) are dropped.
func (m *ConnectionManager) resendInvite(gen uint64, t Transport, s CallSession) {
	ctx, cancel := context.WithTimeout(context.Background(), reinviteTimeout)
	defer cancel()

	sdp, err := s.ReinviteSDP(ctx)
	if err != nil {
		m.logger.Warn("re-invite offer failed", "call_id", s.SIPCallID(), "error", err)
		return
	}

	m.mu.Lock()
	stale := m.generation != gen || m.host.primarySessionLocked() != s
	m.mu.Unlock()
	if stale {
		return
	}

	if err := t.SendReinvite(ctx, s.SIPCallID(), sdp); err != nil {
		m.logger.Warn("re-invite send failed", "call_id", s.SIPCallID(), "error", err)
	}
}

func (m *ConnectionManager) handleRegisteredLocked(ev RegisteredEvent) {
	// A muted call suspends continuous speech detection; the network blip
	// that preceded this registration may have wedged it.
	if s := m.host.primarySessionLocked(); s != nil && s.Muted() {
		m.host.speech.Restart()
	}

	m.setStateLocked(StatusConnected, "registered")

	if m.creds.TokenMode() {
		if ms := parseTokenExpiryMS(ev.Headers[jwtHeader]); ms > 0 {
			m.tokenExpiryMS = ms
		}
	}

	freshLogin := m.phase == phaseLoggingIn

	if m.loggedIn && !freshLogin {
		// Registration after a network change while already logged in.
		m.startKeepAliveLocked(m.keepAliveIntervalLocked())
		if m.host.primarySessionLocked() == nil {
			m.phase = phaseLoggedIn
			m.triggerNetworkChangeLocked()
		} else {
			m.host.recreateStatsChannelLocked()
			m.triggerNetworkChangeLocked()
		}
		return
	}

	if !freshLogin {
		if m.phase == phaseLoggedIn {
			// A transient unregistration cleared the flag; a successful
			// re-registration restores the login without repeating the
			// notification.
			m.loggedIn = true
			m.logger.Info("registration recovered")
			m.startKeepAliveLocked(m.keepAliveIntervalLocked())
		}
		return
	}

	// First successful registration of a fresh login.
	m.loggedIn = true
	m.phase = phaseLoggedIn
	m.logger.Info("registered", "endpoint", m.endpoints[m.cursor])

	if err := m.host.noise.Init(); err != nil {
		m.logger.Warn("noise suppression init failed", "error", err)
	}
	m.host.notifyLogin()
	m.startKeepAliveLocked(m.keepAliveIntervalLocked())
	m.fetchTelemetryKeyLocked()
}

func (m *ConnectionManager) handleUnregisteredLocked() {
	m.loggedIn = false
	if m.state.Status == StatusConnected {
		m.setStateLocked(StatusDisconnected, "unregistered")
	}

	if !m.logoutRequested {
		// Transient unregistration; registration refresh will recover it.
		m.logger.Warn("unregistered without logout request")
		return
	}

	// Explicit logout: full teardown.
	m.logoutRequested = false
	m.phase = phaseIdle
	m.disconnectedAt = time.Now()
	m.creds = Credentials{}
	m.tokenExpiryMS = 0

	m.host.ringtone.StopAll()
	m.host.notifyLogout()
	m.stopKeepAliveLocked()
	m.host.logoutCleanupLocked()
	m.logger.Info("logged out")
}

func (m *ConnectionManager) handleRegistrationFailedLocked(ev RegistrationFailedEvent) {
	if m.state.Status == StatusDisconnected && m.loggedIn {
		// Stale failure from a superseded registration attempt.
		m.logger.Debug("ignoring stale registration failure",
			"status", ev.StatusCode,
			"cause", ev.Cause,
		)
		return
	}

	tokenMode := m.creds.TokenMode()
	m.loggedIn = false
	m.phase = phaseIdle
	m.creds = Credentials{}
	m.tokenExpiryMS = 0

	if ev.StatusCode == 401 && len(ev.Headers[jwtHeader]) > 0 {
		// JWT-specific rejection: surface the raw SIP failure cause.
		m.host.notifyLoginFailed(ev.Cause)
		return
	}

	m.stopKeepAliveLocked()
	if tokenMode {
		m.host.notifyLoginFailed(invalidTokenMessage)
		return
	}
	m.host.notifyLoginFailed(strconv.Itoa(ev.StatusCode))
}

// handleNewTransactionLocked attaches the call ID to the diagnostic logging
// context as soon as an INVITE transaction is observed, before any admission
// decision. Calls that end up with a busy response still get traceable logs.
func (m *ConnectionManager) handleNewTransactionLocked(ev NewTransactionEvent) {
	if ev.Method != "INVITE" || ev.CallID == "" {
		return
	}
	m.host.setCallLoggerLocked(ev.CallID)
}

// setStateLocked records a connection-state transition and emits it. Repeat
// notifications for an identical state are suppressed.
func (m *ConnectionManager) setStateLocked(status ConnectionStatus, reason string) {
	next := ConnectionState{Status: status, Reason: reason}
	if m.state == next {
		return
	}
	m.state = next
	m.host.notifyConnectionChange(next)
}

// keepAliveIntervalLocked picks the ping spacing by whether a call is up.
func (m *ConnectionManager) keepAliveIntervalLocked() time.Duration {
	if m.host.primarySessionLocked() != nil {
		return m.opts.KeepAliveInCall
	}
	return m.opts.KeepAliveIdle
}

// startKeepAliveLocked (re)starts the ping loop on the current transport.
func (m *ConnectionManager) startKeepAliveLocked(interval time.Duration) {
	m.stopKeepAliveLocked()
	t := m.transport
	if t == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.keepaliveCancel = cancel
	go m.keepAliveLoop(ctx, t, interval)
}

func (m *ConnectionManager) stopKeepAliveLocked() {
	if m.keepaliveCancel != nil {
		m.keepaliveCancel()
		m.keepaliveCancel = nil
	}
}

// keepAliveLoop sends periodic liveness probes until cancelled. A run of
// consecutive failures means the socket is silently dead: the transport is
// torn down and a synthetic disconnect drives the normal failover path.
func (m *ConnectionManager) keepAliveLoop(ctx context.Context, t Transport, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, interval)
		err := t.Ping(pingCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			failures = 0
			continue
		}
		failures++
		m.logger.Warn("keep-alive ping failed", "error", err, "consecutive", failures)
		if failures < keepAliveFailureLimit {
			continue
		}

		m.mu.Lock()
		current := m.transport == t
		m.mu.Unlock()
		if !current {
			return
		}
		m.logger.Warn("keep-alive failure limit reached, forcing reconnect",
			"limit", keepAliveFailureLimit,
			"socket_url", t.SocketURL(),
		)
		go t.Stop()
		m.Dispatch(DisconnectedEvent{Code: 1006, Reason: "keep-alive timeout", SocketURL: t.SocketURL()})
		return
	}
}

// scheduleReconnectCheckLocked arms a timer that reports when a failover has
// not produced a connection within the configured reconnect ceiling. The
// connected handler clears it.
func (m *ConnectionManager) scheduleReconnectCheckLocked() {
	m.clearReconnectCheckLocked()
	gen := m.generation
	m.reconnectCheck = time.AfterFunc(m.opts.ReconnectMax, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.generation != gen || m.state.Status == StatusConnected {
			return
		}
		m.logger.Warn("reconnect still pending after ceiling",
			"endpoint", m.endpoints[m.cursor],
			"ceiling", m.opts.ReconnectMax.String(),
		)
	})
}

func (m *ConnectionManager) clearReconnectCheckLocked() {
	if m.reconnectCheck != nil {
		m.reconnectCheck.Stop()
		m.reconnectCheck = nil
	}
}

// fetchTelemetryKeyLocked asynchronously retrieves the call-insights key for
// the fresh login. Failure degrades silently: the cached key is cleared.
func (m *ConnectionManager) fetchTelemetryKeyLocked() {
	gen := m.generation
	identity, secret, isToken := m.creds.Username, m.creds.Password, false
	if m.creds.TokenMode() {
		identity, secret, isToken = "", m.creds.AccessToken, true
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), telemetryFetchTimeout)
		defer cancel()
		key, err := m.host.telemetry.FetchKey(ctx, identity, secret, isToken)

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.generation != gen || !m.loggedIn {
			return
		}
		if err != nil {
			m.logger.Debug("telemetry key fetch failed", "error", err)
			m.host.clearTelemetryKeyLocked()
			return
		}
		m.host.setTelemetryKeyLocked(key)
	}()
}

// ManagerSnapshot is a point-in-time view of the connection for status
// reporting and metrics.
type ManagerSnapshot struct {
	State            ConnectionState
	LoggedIn         bool
	Phase            string
	Endpoint         string
	EndpointCursor   int
	Reconnects       uint64
	ReinviteAttempts int
	TokenExpiryMS    int64
	NetworkType      string
	NetworkAddress   string
	DisconnectedAt   time.Time
}

// Snapshot returns the current connection view.
func (m *ConnectionManager) Snapshot() ManagerSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ManagerSnapshot{
		State:            m.state,
		LoggedIn:         m.loggedIn,
		Phase:            m.phase.String(),
		Endpoint:         m.endpoints[m.cursor],
		EndpointCursor:   m.cursor,
		Reconnects:       m.reconnects,
		ReinviteAttempts: m.reinviteAttempts,
		TokenExpiryMS:    m.tokenExpiryMS,
		NetworkType:      m.network.Type,
		NetworkAddress:   m.network.Address,
		DisconnectedAt:   m.disconnectedAt,
	}
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LoggedIn reports whether a login has completed and not been torn down.
func (m *ConnectionManager) LoggedIn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loggedIn
}

// loggedInLocked is LoggedIn for callers already holding the shared lock.
func (m *ConnectionManager) loggedInLocked() bool {
	return m.loggedIn
}
