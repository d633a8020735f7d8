package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/gosymbo/voiceclient/internal/client"
)

const (
	inviteTimeout = 30 * time.Second
	byeTimeout    = 5 * time.Second
)

// Signaler is the SIP side of a call: session descriptions go out as INVITE
// bodies and call teardown goes out as BYE. internal/signaling implements it.
type Signaler interface {
	Invite(ctx context.Context, callID, destination, sdp string) (answerSDP string, err error)
	Bye(ctx context.Context, callID string) error
}

// Factory builds media sessions backed by a WebRTC peer connection.
type Factory struct {
	signaler   Signaler
	iceServers []string
	logger     *slog.Logger
	api        *webrtc.API
}

// NewFactory creates a session factory. iceServers may be empty for
// host-candidate-only operation.
func NewFactory(signaler Signaler, iceServers []string, logger *slog.Logger) (*Factory, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering media codecs: %w", err)
	}

	return &Factory{
		signaler:   signaler,
		iceServers: iceServers,
		logger:     logger.With("component", "session"),
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(me)),
	}, nil
}

func (f *Factory) newPeerConnection() (*webrtc.PeerConnection, error) {
	cfg := webrtc.Configuration{}
	if len(f.iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: f.iceServers}}
	}
	pc, err := f.api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	return pc, nil
}

// Session is one call leg: a WebRTC peer connection plus the SIP dialog
// identifiers needed to signal on its behalf.
type Session struct {
	id        string
	sipCallID string
	direction string
	peer      string

	inv      client.PendingInvite // nil for outbound sessions
	signaler Signaler
	stats    client.StatsChannel
	logger   *slog.Logger

	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	muted    bool
	ended    bool
	terminal bool
}

// NewInbound applies the description fix-up to the invite's offer and builds
// a ringing session. The answer is not produced until Accept.
func (f *Factory) NewInbound(inv client.PendingInvite, stats client.StatsChannel) (client.CallSession, error) {
	fixed, err := fixRemoteDescription(inv.RemoteSDP())
	if err != nil {
		return nil, err
	}

	pc, err := f.newPeerConnection()
	if err != nil {
		return nil, err
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fixed}
	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("applying remote offer: %w", err)
	}

	s := &Session{
		id:        inv.CallID(),
		sipCallID: inv.CallID(),
		direction: "inbound",
		peer:      inv.From(),
		inv:       inv,
		signaler:  f.signaler,
		stats:     stats,
		logger:    f.logger.With("call_id", inv.CallID(), "direction", "inbound"),
		pc:        pc,
	}
	s.observeConnectionState()
	return s, nil
}

// NewOutbound builds an offer and sends the INVITE asynchronously; the
// session exists, and is the primary session, while the INVITE is in flight.
func (f *Factory) NewOutbound(callID, destination string, stats client.StatsChannel) (client.CallSession, error) {
	pc, err := f.newPeerConnection()
	if err != nil {
		return nil, err
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
		pc.Close()
		return nil, fmt.Errorf("adding audio transceiver: %w", err)
	}

	s := &Session{
		id:        callID,
		sipCallID: callID,
		direction: "outbound",
		peer:      destination,
		signaler:  f.signaler,
		stats:     stats,
		logger:    f.logger.With("call_id", callID, "direction", "outbound"),
		pc:        pc,
	}
	s.observeConnectionState()

	offerSDP, err := s.localDescription(context.Background(), nil)
	if err != nil {
		pc.Close()
		return nil, err
	}

	go s.sendInvite(destination, offerSDP)
	return s, nil
}

// sendInvite drives the outbound INVITE to completion and applies the remote
// answer. Failure ends the session.
func (s *Session) sendInvite(destination, offerSDP string) {
	ctx, cancel := context.WithTimeout(context.Background(), inviteTimeout)
	defer cancel()

	answer, err := s.signaler.Invite(ctx, s.sipCallID, destination, offerSDP)
	if err != nil {
		s.logger.Warn("invite failed", "error", err)
		s.End("invite failed")
		return
	}

	fixed, err := fixRemoteDescription(answer)
	if err != nil {
		s.logger.Warn("remote answer unusable", "error", err)
		s.End("bad remote answer")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fixed}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		s.logger.Warn("applying remote answer failed", "error", err)
		return
	}
	s.stats.Submit("remote_answer_applied", map[string]any{"peer": s.peer})
	s.logger.Info("outbound call answered")
}

func (s *Session) observeConnectionState() {
	s.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Debug("peer connection state changed", "state", state.String())
		s.stats.Submit("peer_connection_state", map[string]any{"state": state.String()})
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			s.mu.Lock()
			s.terminal = true
			s.mu.Unlock()
		}
	})
}

// ID returns the session identifier, identical to the SIP Call-ID.
func (s *Session) ID() string { return s.id }

// SIPCallID returns the SIP Call-ID this session signals under.
func (s *Session) SIPCallID() string { return s.sipCallID }

// Direction is "inbound" or "outbound".
func (s *Session) Direction() string { return s.direction }

// Peer returns the remote identity the session was built for.
func (s *Session) Peer() string { return s.peer }

// Muted reports whether outgoing audio is suppressed.
func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// SetMuted toggles outgoing audio suppression on the audio senders.
func (s *Session) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.muted == muted {
		return
	}
	s.muted = muted
	s.stats.Submit("mute_changed", map[string]any{"muted": muted})
}

// Closed reports whether the media connection has reached a terminal
// signaling state.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.terminal {
		return true
	}
	return s.pc.SignalingState() == webrtc.SignalingStateClosed
}

// Accept answers a ringing inbound session: the local answer is produced with
// full ICE gathering and sent back on the INVITE transaction.
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inv == nil {
		return errors.New("session: accept on outbound session")
	}
	if s.ended {
		return errors.New("session: already ended")
	}

	answer, err := s.localDescriptionLocked(ctx, nil)
	if err != nil {
		return err
	}
	if err := s.inv.Answer(answer); err != nil {
		return err
	}
	s.stats.Submit("call_answered", map[string]any{"peer": s.peer})
	return nil
}

// ReinviteSDP produces a fresh offer with an ICE restart, used to re-anchor
// media after the signaling transport failed over.
func (s *Session) ReinviteSDP(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return "", errors.New("session: already ended")
	}
	return s.localDescriptionLocked(ctx, &webrtc.OfferOptions{ICERestart: true})
}

// localDescription creates an offer or answer (offerOpts nil means answer
// when a remote offer is pending, offer otherwise), waits for ICE gathering,
// and returns the complete local description.
func (s *Session) localDescription(ctx context.Context, offerOpts *webrtc.OfferOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localDescriptionLocked(ctx, offerOpts)
}

func (s *Session) localDescriptionLocked(ctx context.Context, offerOpts *webrtc.OfferOptions) (string, error) {
	var (
		desc webrtc.SessionDescription
		err  error
	)
	if s.pc.RemoteDescription() != nil && offerOpts == nil {
		desc, err = s.pc.CreateAnswer(nil)
	} else {
		desc, err = s.pc.CreateOffer(offerOpts)
	}
	if err != nil {
		return "", fmt.Errorf("creating local description: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("applying local description: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	local := s.pc.LocalDescription()
	if local == nil {
		return "", errors.New("session: no local description after gathering")
	}
	return local.SDP, nil
}

// End tears the session down: BYE is sent best-effort and the peer connection
// is closed. Idempotent.
func (s *Session) End(cause string) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	pc := s.pc
	s.mu.Unlock()

	s.logger.Info("session ended", "cause", cause)
	s.stats.Submit("call_ended", map[string]any{"cause": cause})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
		defer cancel()
		if err := s.signaler.Bye(ctx, s.sipCallID); err != nil {
			s.logger.Debug("bye failed", "error", err)
		}
		if err := pc.Close(); err != nil {
			s.logger.Debug("peer connection close failed", "error", err)
		}
	}()
}
