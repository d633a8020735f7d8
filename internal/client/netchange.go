package client

import (
	"context"
	"time"
)

// resolveAddressLocked dispatches a public-address resolution and hands the
// result to commit under the lock. Completions are ordered by resolveSeq: if
// a later resolution was dispatched while this one was in flight, this result
// is dropped, so the later-dispatched request always wins. A bumped
// connection generation also invalidates the completion. Resolution failure
// commits an empty address; it never blocks anything downstream.
func (m *ConnectionManager) resolveAddressLocked(commit func(m *ConnectionManager, addr string)) {
	m.resolveSeq++
	seq := m.resolveSeq
	gen := m.generation

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), addressResolveTimeout)
		defer cancel()
		addr, err := m.host.resolver.ResolvePublicAddress(ctx)
		if err != nil {
			addr = ""
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.resolveSeq != seq || m.generation != gen {
			return
		}
		commit(m, addr)
	}()
}

// triggerNetworkChangeLocked starts the network-change telemetry flow: the
// current public address is re-resolved and reported exactly once per change.
// Transient failures retry with linear backoff (retryCount × step) up to the
// configured ceiling; at the ceiling the counter resets and the flow goes
// quiet until the next trigger. Best-effort, never fatal.
func (m *ConnectionManager) triggerNetworkChangeLocked() {
	m.attemptNetworkReportLocked()
}

func (m *ConnectionManager) attemptNetworkReportLocked() {
	m.resolveSeq++
	seq := m.resolveSeq
	gen := m.generation

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), addressResolveTimeout)
		defer cancel()
		addr, err := m.host.resolver.ResolvePublicAddress(ctx)

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.resolveSeq != seq || m.generation != gen {
			return
		}

		if err == nil && addr != "" {
			m.netRetryCount = 0
			if addr == m.network.Address {
				m.logger.Debug("public address unchanged", "address", addr)
				return
			}
			m.network = networkSnapshot{Type: m.opts.NetworkType, Address: addr}
			networkType := m.network.Type
			go m.host.telemetry.ReportNetworkChange(context.Background(), networkType, addr)
			m.logger.Info("network change reported", "address", addr)
			return
		}

		if m.netRetryCount >= m.opts.NetRetryCeiling {
			m.logger.Warn("address resolution abandoned",
				"attempts", m.netRetryCount,
				"error", err,
			)
			m.netRetryCount = 0
			return
		}

		delay := time.Duration(m.netRetryCount) * m.opts.NetRetryStep
		m.netRetryCount++
		time.AfterFunc(delay, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.generation != gen {
				return
			}
			m.attemptNetworkReportLocked()
		})
	}()
}
