package client

// TransportEvent is the tagged union of events delivered by the signaling
// transport. Each concrete event carries exactly the fields the transport
// layer knows; the connection manager owns all interpretation.
type TransportEvent interface {
	transportEvent()
}

// ConnectedEvent signals that the signaling socket is open.
type ConnectedEvent struct{}

// DisconnectedEvent signals that the signaling socket closed. Code and Reason
// come from the underlying transport close frame. IgnoreReconnection is set
// for intentional teardown (logout, transport swap) so the connection manager
// does not fail over to the next endpoint.
type DisconnectedEvent struct {
	Code               int
	Reason             string
	SocketURL          string
	IgnoreReconnection bool
}

// RegisteredEvent signals a successful REGISTER. Headers holds the response
// headers of the 200 OK, keyed by canonical header name.
type RegisteredEvent struct {
	Headers map[string][]string
}

// UnregisteredEvent signals that the registration ended, either because the
// user asked to log out or because the registrar dropped the binding.
type UnregisteredEvent struct{}

// RegistrationFailedEvent signals a REGISTER rejection.
type RegistrationFailedEvent struct {
	StatusCode int
	Cause      string
	Headers    map[string][]string
}

// NewTransactionEvent signals that an in-dialog or initial transaction was
// observed on the wire. It exists so diagnostics can pick up the call ID
// before any admission decision runs.
type NewTransactionEvent struct {
	CallID string
	Method string
}

// IncomingSessionEvent signals a new inbound INVITE offering a call.
type IncomingSessionEvent struct {
	Invite PendingInvite
}

func (ConnectedEvent) transportEvent()          {}
func (DisconnectedEvent) transportEvent()       {}
func (RegisteredEvent) transportEvent()         {}
func (UnregisteredEvent) transportEvent()       {}
func (RegistrationFailedEvent) transportEvent() {}
func (NewTransactionEvent) transportEvent()     {}
func (IncomingSessionEvent) transportEvent()    {}

// PendingInvite is the transport-level handle for an inbound INVITE that has
// not been admitted yet. Reject answers the INVITE transaction directly;
// Ended reports whether the underlying signaling session already terminated
// (CANCEL, transaction timeout), which admission uses for lazy purging.
type PendingInvite interface {
	CallID() string
	From() string
	RemoteSDP() string
	// Answer responds 200 OK with the given local session description.
	Answer(sdp string) error
	Reject(statusCode int, reason string) error
	Ended() bool
}

// ConnectionStatus is the externally observable connection state.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// ConnectionState pairs the status with a free-text reason. Every transition
// is emitted to the host via the OnConnectionChange callback.
type ConnectionState struct {
	Status ConnectionStatus
	Reason string
}
