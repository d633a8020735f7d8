package client

import (
	"errors"
	"log/slog"
	"time"
)

// ErrBusy is returned when a new call attempt violates the current-call or
// concurrency invariants.
var ErrBusy = errors.New("call rejected: busy")

const (
	sipBusyCode   = 486
	sipBusyReason = "Busy Here"
)

// AdmissionController decides whether a newly signaled call, inbound or
// outbound, may proceed. It owns every mutation of the host's active call
// set and runs under the host's lock.
type AdmissionController struct {
	host        *Client
	multiplex   bool
	maxIncoming int
	logger      *slog.Logger
}

// NewAdmissionController creates an admission controller. maxIncoming is the
// ceiling on simultaneously ringing inbound calls; multiplex allows a new
// call while another is active.
func NewAdmissionController(host *Client, multiplex bool, maxIncoming int, logger *slog.Logger) *AdmissionController {
	if maxIncoming <= 0 {
		maxIncoming = 1
	}
	return &AdmissionController{
		host:        host,
		multiplex:   multiplex,
		maxIncoming: maxIncoming,
		logger:      logger.With("subsystem", "admission"),
	}
}

// admitIncomingLocked validates an inbound INVITE against the active call
// set. Rejections answer the INVITE with 486 Busy Here and create no session
// object. Called with the host lock held.
func (a *AdmissionController) admitIncomingLocked(inv PendingInvite) {
	callID := inv.CallID()
	logger := a.logger.With("call_id", callID)

	// The quality-telemetry channel is attached before any decision so the
	// session's diagnostics stream exists from the first signaling moment.
	stats := a.host.openStatsChannelLocked(callID)

	a.healStalePrimaryLocked()
	a.purgeEndedInvitesLocked()

	if a.busyLocked() {
		logger.Info("inbound call rejected: busy",
			"from", inv.From(),
			"pending", len(a.host.calls.pending),
		)
		if err := inv.Reject(sipBusyCode, sipBusyReason); err != nil {
			logger.Warn("busy rejection failed", "error", err)
		}
		a.host.closeStatsChannelLocked(callID)
		a.host.history.RecordRejected(callID, "inbound", inv.From(), time.Now())
		return
	}

	sess, err := a.host.sessions.NewInbound(inv, stats)
	if err != nil {
		logger.Error("inbound session construction failed", "error", err)
		if rejErr := inv.Reject(500, "Internal Server Error"); rejErr != nil {
			logger.Warn("error rejection failed", "error", rejErr)
		}
		a.host.closeStatsChannelLocked(callID)
		return
	}

	a.host.calls.pending[callID] = inv
	a.host.calls.ringing[callID] = sess
	a.host.recordSetupStartLocked(callID)
	a.host.history.RecordAdmitted(callID, "inbound", inv.From(), time.Now())
	logger.Info("inbound call admitted", "from", inv.From())
	a.host.notifyIncomingCall(callID, inv.From())
}

// admitOutgoingLocked validates and constructs an outbound session. On
// success the new session becomes the primary session. Called with the host
// lock held.
func (a *AdmissionController) admitOutgoingLocked(destination string) (CallSession, error) {
	a.healStalePrimaryLocked()
	a.purgeEndedInvitesLocked()

	if a.busyLocked() {
		a.logger.Info("outbound call rejected: busy", "destination", destination)
		return nil, ErrBusy
	}

	callID := a.host.newCallID()
	stats := a.host.openStatsChannelLocked(callID)

	sess, err := a.host.sessions.NewOutbound(callID, destination, stats)
	if err != nil {
		a.host.closeStatsChannelLocked(callID)
		return nil, err
	}

	a.host.calls.primary = sess
	a.host.recordSetupStartLocked(callID)
	a.host.history.RecordAdmitted(callID, "outbound", destination, time.Now())
	a.logger.Info("outbound call admitted",
		"call_id", callID,
		"destination", destination,
	)
	return sess, nil
}

// busyLocked applies the admission invariant: a call may proceed only if no
// primary session or pending invite exists (unless multiplexing is enabled)
// and the pending-invite count is below the ceiling.
func (a *AdmissionController) busyLocked() bool {
	calls := &a.host.calls
	if !a.multiplex && (calls.primary != nil || len(calls.pending) > 0) {
		return true
	}
	return len(calls.pending) >= a.maxIncoming
}

// healStalePrimaryLocked drops a primary-session reference whose media
// connection already reached a terminal signaling state. Incomplete teardown
// must never block admission of the next call.
func (a *AdmissionController) healStalePrimaryLocked() {
	p := a.host.calls.primary
	if p == nil || !p.Closed() {
		return
	}
	a.logger.Warn("clearing stale primary session", "call_id", p.SIPCallID())
	a.host.dropPrimaryLocked()
}

// purgeEndedInvitesLocked lazily removes pending invites whose underlying
// signaling session already ended.
func (a *AdmissionController) purgeEndedInvitesLocked() {
	for id, inv := range a.host.calls.pending {
		if !inv.Ended() {
			continue
		}
		a.logger.Debug("purging ended pending invite", "call_id", id)
		delete(a.host.calls.pending, id)
		if s, ok := a.host.calls.ringing[id]; ok {
			s.End("invite ended")
			delete(a.host.calls.ringing, id)
		}
		a.host.closeStatsChannelLocked(id)
	}
}
