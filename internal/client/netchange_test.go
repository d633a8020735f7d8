package client

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPublicAddressResolvedOnConnect(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.resolver.addrs = []string{"198.51.100.10"}

	rig.loginAndRegister(t, passwordCreds())

	waitFor(t, "address resolution", func() bool {
		return rig.client.conn.Snapshot().NetworkAddress == "198.51.100.10"
	})
	// The initial resolution only records the address; nothing changed yet,
	// so nothing is reported.
	if got := rig.telemetry.reportCount(); got != 0 {
		t.Errorf("network-change reports = %d, want 0", got)
	}
}

func TestNetworkChangeReportedOnReregistration(t *testing.T) {
	rig := newTestRig(t, func(o *Options) {
		o.Manager.NetworkType = "wifi"
	})
	rig.resolver.addrs = []string{"198.51.100.10", "203.0.113.20"}

	rig.loginAndRegister(t, passwordCreds())
	waitFor(t, "initial address", func() bool {
		return rig.client.conn.Snapshot().NetworkAddress == "198.51.100.10"
	})

	// Re-registration while logged in means the transport came back after a
	// network change; the new address must be reported.
	rig.client.conn.Dispatch(RegisteredEvent{})

	waitFor(t, "network-change report", func() bool {
		return rig.telemetry.reportCount() == 1
	})
	report := rig.telemetry.lastReport()
	if report.address != "203.0.113.20" {
		t.Errorf("reported address = %q, want 203.0.113.20", report.address)
	}
	if report.networkType != "wifi" {
		t.Errorf("reported network type = %q, want wifi", report.networkType)
	}
	if got := rig.client.conn.Snapshot().NetworkAddress; got != "203.0.113.20" {
		t.Errorf("snapshot address = %q, want 203.0.113.20", got)
	}
}

func TestUnchangedAddressNotReported(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.resolver.addrs = []string{"203.0.113.20"}

	if !rig.client.Login(passwordCreds(), 0) {
		t.Fatalf("login not accepted: %v", rig.recorder.lastFailure())
	}
	rig.client.conn.Dispatch(RegisteredEvent{})

	rig.client.conn.Dispatch(RegisteredEvent{})
	waitFor(t, "first report", func() bool {
		return rig.telemetry.reportCount() == 1
	})

	rig.client.conn.Dispatch(RegisteredEvent{})
	waitFor(t, "second resolution", func() bool {
		return rig.resolver.callCount() == 2
	})
	time.Sleep(20 * time.Millisecond)
	if got := rig.telemetry.reportCount(); got != 1 {
		t.Errorf("network-change reports = %d, want 1 (address unchanged)", got)
	}
}

func TestAddressResolutionRetriesToCeiling(t *testing.T) {
	rig := newTestRig(t, func(o *Options) {
		o.Manager.NetRetryCeiling = 3
		o.Manager.NetRetryStep = time.Millisecond
	})
	rig.resolver.err = errors.New("resolver unreachable")

	if !rig.client.Login(passwordCreds(), 0) {
		t.Fatalf("login not accepted: %v", rig.recorder.lastFailure())
	}
	rig.client.conn.Dispatch(RegisteredEvent{})

	// Trigger the network-change flow; every resolution fails, so it retries
	// with linear backoff until the ceiling and then goes quiet.
	rig.client.conn.Dispatch(RegisteredEvent{})

	waitFor(t, "retries up to the ceiling", func() bool {
		return rig.resolver.callCount() == 4
	})
	time.Sleep(20 * time.Millisecond)
	if got := rig.resolver.callCount(); got != 4 {
		t.Errorf("resolver calls = %d, want 4 (initial attempt plus ceiling retries)", got)
	}

	rig.client.mu.Lock()
	retries := rig.client.conn.netRetryCount
	rig.client.mu.Unlock()
	if retries != 0 {
		t.Errorf("retry counter = %d, want 0 after abandoning", retries)
	}
	if got := rig.telemetry.reportCount(); got != 0 {
		t.Errorf("network-change reports = %d, want 0", got)
	}
}

// resolveReply releases one gated resolution with its result.
type resolveReply struct {
	addr string
	err  error
}

// gatedResolver implements AddressResolver for testing completion ordering.
// Each call parks until the test feeds it a reply.
type gatedResolver struct {
	started chan chan resolveReply
}

func (g *gatedResolver) ResolvePublicAddress(ctx context.Context) (string, error) {
	reply := make(chan resolveReply)
	g.started <- reply
	r := <-reply
	return r.addr, r.err
}

func TestLaterResolutionWins(t *testing.T) {
	gated := &gatedResolver{started: make(chan chan resolveReply, 2)}
	rig := newTestRig(t, func(o *Options) {
		o.Resolver = gated
	})

	trigger := func() {
		rig.client.mu.Lock()
		rig.client.conn.triggerNetworkChangeLocked()
		rig.client.mu.Unlock()
	}

	trigger()
	first := <-gated.started
	trigger()
	second := <-gated.started

	// The later-dispatched resolution completes first and commits.
	second <- resolveReply{addr: "203.0.113.20"}
	waitFor(t, "second resolution commit", func() bool {
		return rig.client.conn.Snapshot().NetworkAddress == "203.0.113.20"
	})

	// The earlier resolution straggles in afterwards and must be dropped.
	first <- resolveReply{addr: "198.51.100.10"}
	time.Sleep(20 * time.Millisecond)

	if got := rig.client.conn.Snapshot().NetworkAddress; got != "203.0.113.20" {
		t.Errorf("address = %q, want 203.0.113.20 (stale resolution committed)", got)
	}
	if got := rig.telemetry.reportCount(); got != 1 {
		t.Errorf("network-change reports = %d, want 1", got)
	}
}

func TestDisconnectInvalidatesPendingResolution(t *testing.T) {
	gated := &gatedResolver{started: make(chan chan resolveReply, 1)}
	rig := newTestRig(t, func(o *Options) {
		o.Resolver = gated
	})
	rig.client.Login(passwordCreds(), 0)

	rig.client.mu.Lock()
	rig.client.conn.triggerNetworkChangeLocked()
	rig.client.mu.Unlock()
	pending := <-gated.started

	// The transport drops before the resolution lands; the bumped connection
	// generation must invalidate the completion.
	rig.client.conn.Dispatch(DisconnectedEvent{Code: 1006})

	pending <- resolveReply{addr: "198.51.100.10"}
	time.Sleep(20 * time.Millisecond)

	if got := rig.client.conn.Snapshot().NetworkAddress; got != "" {
		t.Errorf("address = %q, want empty (stale generation committed)", got)
	}
	if got := rig.telemetry.reportCount(); got != 0 {
		t.Errorf("network-change reports = %d, want 0", got)
	}
}
