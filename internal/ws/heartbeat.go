package ws

import (
	"time"

	"github.com/gobwas/ws"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// startHeartbeat pings every open connection each Interval and closes those
// that have sent nothing within Interval + Timeout. It returns immediately;
// the goroutine exits when the server's done channel is closed.
func (s *Server) startHeartbeat(config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.checkConnections(config, time.Now())
			}
		}
	}()
}

// checkConnections evicts stale connections and pings the rest. Browsers
// answer the protocol-level ping automatically, which refreshes activity.
func (s *Server) checkConnections(config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastActive()); idle > deadline {
			s.logger.Info().Str("conn", c.ID()).Dur("idle", idle.Round(time.Second)).
				Msg("heartbeat timeout")
			_ = c.Close(int(ws.StatusGoingAway), "heartbeat timeout")
			continue
		}

		if err := c.WritePing(); err != nil {
			s.logger.Debug().Err(err).Str("conn", c.ID()).Msg("heartbeat ping failed")
			c.abort()
		}
	}
}
