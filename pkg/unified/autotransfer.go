package unified

import (
	"context"
	"time"
)

// StartAutoTransfer launches the single background auto-transfer loop at
// an adaptive interval: it shortens as short-term occupancy rises (spec
// §4.12's auto-transfer loop). Calling it while a loop is already running
// cancels that loop and waits for it to exit before launching the new one
// — only one instance runs at a time.
func (m *Manager) StartAutoTransfer(ctx context.Context) {
	m.StopAutoTransfer()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelTask != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancelTask = cancel
	m.lastFlush = time.Now()
	m.taskWG.Add(1)
	go m.autoTransferLoop(loopCtx)
}

// StopAutoTransfer cancels the running loop and waits for it to exit.
func (m *Manager) StopAutoTransfer() {
	m.mu.Lock()
	cancel := m.cancelTask
	m.cancelTask = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.taskWG.Wait()
}

// WakeUp lets a producer (e.g. a just-ingested high-importance short-term
// memory) trigger an early flush-eligibility check without waiting out the
// current interval.
func (m *Manager) WakeUp() {
	select {
	case m.wakeup <- struct{}{}:
	default:
	}
}

func (m *Manager) autoTransferLoop(ctx context.Context) {
	defer m.taskWG.Done()
	for {
		interval := m.adaptiveInterval()
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			m.maybeFlush(ctx)
		case <-m.wakeup:
			timer.Stop()
			m.maybeFlush(ctx)
		}
	}
}

// adaptiveInterval shortens the base interval as short-term occupancy
// rises: ≥90% occupancy uses base×0.1, ≥75% uses base×0.2, otherwise the
// full base interval (spec's "≤5min, shortening as occupancy rises").
func (m *Manager) adaptiveInterval() time.Duration {
	base := m.cfg.AutoTransferBaseInterval
	if base <= 0 {
		base = DefaultConfig().AutoTransferBaseInterval
	}
	occ := m.shortterm.Occupancy()
	switch {
	case occ >= 0.9:
		return time.Duration(float64(base) * 0.1)
	case occ >= 0.75:
		return time.Duration(float64(base) * 0.2)
	default:
		return base
	}
}

// maybeFlush checks the three flush triggers (batch-size, high occupancy,
// max-delay elapsed) and, if any hold, transfers the ready short-term
// memories to long-term storage.
func (m *Manager) maybeFlush(ctx context.Context) {
	ready := m.shortterm.GetMemoriesForTransfer()

	m.mu.Lock()
	elapsed := time.Since(m.lastFlush)
	m.mu.Unlock()

	shouldFlush := len(ready) >= m.cfg.TransferBatchSize ||
		m.shortterm.Occupancy() >= 0.85 ||
		(m.cfg.MaxTransferDelay > 0 && elapsed >= m.cfg.MaxTransferDelay && len(ready) > 0)
	if !shouldFlush {
		return
	}

	handled := m.transfer.TransferBatch(ctx, ready)
	m.shortterm.ClearTransferredMemories(handled)

	m.mu.Lock()
	m.lastFlush = time.Now()
	m.mu.Unlock()
}
