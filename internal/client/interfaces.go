package client

import (
	"context"
	"time"
)

// Transport is the narrow view of the signaling layer the connection manager
// drives. A transport represents one logical SIP-over-WebSocket connection to
// a single endpoint; failover creates a new transport on the same user agent.
type Transport interface {
	// Start opens the socket and begins the registration cycle. Events are
	// delivered asynchronously to the sink the transport was created with.
	Start(ctx context.Context) error
	// Stop tears the transport down. It unregisters best-effort and emits a
	// DisconnectedEvent with IgnoreReconnection set.
	Stop()
	// Ping sends a keep-alive probe and reports transport liveness.
	Ping(ctx context.Context) error
	// SendReinvite re-sends the in-dialog INVITE for the given call with the
	// provided session description, used to recover media after failover.
	SendReinvite(ctx context.Context, callID, sdp string) error
	// SocketURL returns the endpoint this transport is bound to.
	SocketURL() string
}

// TransportConfig is what the connection manager hands to the factory when it
// builds or rebuilds a transport.
type TransportConfig struct {
	Endpoint       string
	Domain         string
	Credentials    Credentials
	RegisterExpiry int           // seconds, registration refresh interval
	ReconnectMin   time.Duration // lower bound for socket retry spacing
	ReconnectMax   time.Duration // upper bound for socket retry spacing
}

// EventSink receives transport events. The connection manager implements it.
type EventSink interface {
	Dispatch(ev TransportEvent)
}

// TransportFactory builds transports on a shared SIP user agent.
type TransportFactory interface {
	NewTransport(cfg TransportConfig, sink EventSink) (Transport, error)
}

// CallSession is the connection manager's view of an established call. The
// concrete type lives in internal/session.
type CallSession interface {
	ID() string
	SIPCallID() string
	Muted() bool
	// Closed reports whether the media connection has reached a terminal
	// signaling state. Admission uses this to self-heal stale references.
	Closed() bool
	// ReinviteSDP produces a fresh offer with ICE restart requested.
	ReinviteSDP(ctx context.Context) (string, error)
	// Accept answers a ringing inbound session with 200 OK. It fails on
	// outbound sessions.
	Accept(ctx context.Context) error
	End(cause string)
}

// AddressResolver resolves the public network address, best-effort.
type AddressResolver interface {
	ResolvePublicAddress(ctx context.Context) (string, error)
}

// TelemetryService is the analytics backend collaborator.
type TelemetryService interface {
	// FetchKey retrieves the call-insights key and RTP-stats flag for the
	// logged-in identity. Failure is non-fatal; the cached key is cleared.
	FetchKey(ctx context.Context, identity, secret string, isToken bool) (TelemetryKey, error)
	// ReportNetworkChange submits a network-change event with the newly
	// resolved address.
	ReportNetworkChange(ctx context.Context, networkType, address string)
}

// TelemetryKey is the credential set returned by the analytics backend.
type TelemetryKey struct {
	InsightsKey string
	RTPEnabled  bool
}

// StatsChannel is a per-call quality-telemetry stream.
type StatsChannel interface {
	Submit(event string, fields map[string]any)
	Close()
}

// StatsChannelOpener creates quality-telemetry channels for call sessions.
type StatsChannelOpener interface {
	OpenChannel(callID string) StatsChannel
}

// NoiseSuppressor is initialized once per fresh login and released on logout.
type NoiseSuppressor interface {
	Init() error
	Close()
}

// SpeechDetector is restarted after a registration that follows a network
// blip while the active call is muted, since the detector suspends itself
// when frames stop flowing.
type SpeechDetector interface {
	Restart()
}

// RingtonePlayer abstracts ringtone/ringback playback; logout stops it.
type RingtonePlayer interface {
	StopAll()
}
