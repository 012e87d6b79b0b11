package natsclient

import (
	"time"

	"github.com/nats-io/nats.go"
)

// callbacks is a consistent copy of the registered event callbacks.
type callbacks struct {
	disconnect   func(error)
	reconnect    func()
	healthChange func(bool)
}

func (m *Client) callbacks() callbacks {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return callbacks{
		disconnect:   m.onDisconnect,
		reconnect:    m.onReconnect,
		healthChange: m.onHealthChange,
	}
}

func (m *Client) handleDisconnect(_ *nats.Conn, err error) {
	m.setStatus(StatusReconnecting)
	m.logger.Warn("Disconnected from NATS", "error", err)

	cb := m.callbacks()
	if cb.disconnect != nil {
		go cb.disconnect(err)
	}
	if cb.healthChange != nil {
		go cb.healthChange(false)
	}
}

func (m *Client) handleReconnect(_ *nats.Conn) {
	m.setStatus(StatusConnected)
	m.resetCircuit()
	m.logger.Info("Reconnected to NATS", "url", m.url)
	if m.metrics != nil {
		m.metrics.RecordNATSReconnect()
	}

	cb := m.callbacks()
	if cb.reconnect != nil {
		go cb.reconnect()
	}
	if cb.healthChange != nil {
		go cb.healthChange(true)
	}
}

func (m *Client) handleClosed(_ *nats.Conn) {
	m.setStatus(StatusDisconnected)
	if cb := m.callbacks(); cb.healthChange != nil {
		go cb.healthChange(false)
	}
}

// handleError logs asynchronous errors such as slow consumers. They do not
// count against the circuit.
func (m *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if sub != nil {
		m.logger.Error("NATS error", "subject", sub.Subject, "error", err)
		return
	}
	m.logger.Error("NATS error", "error", err)
}

// startHealthMonitoring probes the connection every healthInterval and
// reports transitions to the health callback.
func (m *Client) startHealthMonitoring() {
	m.stopHealthMonitoring()

	done := make(chan struct{})
	m.mu.Lock()
	m.healthDone = done
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.healthInterval)
		defer ticker.Stop()

		last := m.IsHealthy()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}

			healthy, ok := m.probe()
			if !ok {
				continue
			}
			if healthy != last {
				if fn := m.callbacks().healthChange; fn != nil {
					fn(healthy)
				}
			}
			last = healthy
		}
	}()
}

// probe measures the connection and reconciles the status with it. ok is
// false when there is no connection to probe.
func (m *Client) probe() (healthy, ok bool) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return false, false
	}

	healthy = conn.IsConnected()
	if rtt, err := conn.RTT(); err != nil {
		healthy = false
	} else if m.metrics != nil {
		m.metrics.RecordNATSRTT(rtt)
	}

	switch status := m.Status(); {
	case healthy && status != StatusConnected:
		m.setStatus(StatusConnected)
	case !healthy && status == StatusConnected:
		m.setStatus(StatusReconnecting)
	}
	return healthy, true
}

func (m *Client) stopHealthMonitoring() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.healthDone != nil {
		close(m.healthDone)
		m.healthDone = nil
	}
}
