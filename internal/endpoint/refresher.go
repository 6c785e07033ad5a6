package endpoint

import (
	"context"
	"fmt"
	"time"
)

// AddMaintenance registers fn to run on every tick of the background loop,
// after the topology refresh.
func (m *Manager) AddMaintenance(fn func(now time.Time)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maintenance = append(m.maintenance, fn)
}

// Start performs an initial topology refresh and then refreshes every
// RefreshInterval until Stop is called or ctx is done. A failed initial
// refresh is logged; the manager keeps routing to the default endpoint.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return fmt.Errorf("endpoint manager is already running")
	}
	if m.config.RefreshInterval <= 0 {
		return fmt.Errorf("refresh interval must be positive: %v", m.config.RefreshInterval)
	}

	log := m.logger.RefreshLogger()
	if err := m.Refresh(ctx); err != nil {
		log.WithError(err).Warn("Initial topology refresh failed")
	}

	m.isRunning = true
	m.background.Add(1)
	go m.refreshLoop(ctx, m.stopChan)

	log.Infof("Started topology refresher with interval %v", m.config.RefreshInterval)
	return nil
}

// Stop stops the background loop and waits for in-flight refreshes
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		m.background.Wait()
		return
	}
	close(m.stopChan)
	m.isRunning = false
	m.stopChan = make(chan struct{})
	m.mu.Unlock()

	m.background.Wait()
	m.logger.RefreshLogger().Info("Topology refresher stopped")
}

func (m *Manager) refreshLoop(ctx context.Context, stop <-chan struct{}) {
	defer m.background.Done()

	ticker := time.NewTicker(m.config.RefreshInterval)
	defer ticker.Stop()

	log := m.logger.RefreshLogger()
	for {
		select {
		case <-ctx.Done():
			log.Debug("Topology refresher stopped due to context cancellation")
			return
		case <-stop:
			return
		case <-ticker.C:
			if m.refreshing.CompareAndSwap(false, true) {
				if err := m.Refresh(ctx); err != nil {
					log.WithError(err).Warn("Periodic topology refresh failed")
				}
				m.refreshing.Store(false)
			}

			if n := m.SweepExpired(); n > 0 {
				log.WithField("count", n).Debug("Expired endpoint unavailability marks")
			}

			m.mu.Lock()
			hooks := append([]func(time.Time){}, m.maintenance...)
			m.mu.Unlock()
			now := m.now()
			for _, fn := range hooks {
				fn(now)
			}
		}
	}
}
