// Package dispatch delivers persisted messages to live connections, either
// to one recipient or to every registered user.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/messenger/internal/metrics"
	"github.com/whisper/messenger/internal/presence"
)

// DefaultPushTimeout bounds a single push when no timeout is configured.
const DefaultPushTimeout = 250 * time.Millisecond

// Dispatcher routes payloads through the presence registry. Delivery is
// best effort: failures are counted and logged, never returned.
type Dispatcher struct {
	registry    *presence.Registry
	pushTimeout time.Duration
	logger      zerolog.Logger
}

// New creates a Dispatcher. A non-positive pushTimeout selects
// DefaultPushTimeout.
func New(registry *presence.Registry, pushTimeout time.Duration, logger zerolog.Logger) *Dispatcher {
	if pushTimeout <= 0 {
		pushTimeout = DefaultPushTimeout
	}
	return &Dispatcher{
		registry:    registry,
		pushTimeout: pushTimeout,
		logger:      logger.With().Str("component", "dispatch").Logger(),
	}
}

// DeliverUnicast pushes payload to recipientID's channel. It returns false
// when the recipient is offline or the push fails.
func (d *Dispatcher) DeliverUnicast(ctx context.Context, recipientID int64, payload []byte) bool {
	ch, ok := d.registry.Lookup(recipientID)
	if !ok {
		metrics.DeliveriesTotal.WithLabelValues("unicast", "offline").Inc()
		return false
	}

	if err := d.push(ctx, ch, payload); err != nil {
		metrics.DeliveriesTotal.WithLabelValues("unicast", "failed").Inc()
		d.logger.Debug().Err(err).Int64("recipient", recipientID).Str("conn", ch.ID()).
			Msg("unicast push dropped")
		return false
	}

	metrics.DeliveriesTotal.WithLabelValues("unicast", "delivered").Inc()
	return true
}

// DeliverBroadcast pushes payload to every registered channel, sender
// included, and returns the number of successful pushes. Pushes run
// concurrently so one slow consumer does not delay the rest.
func (d *Dispatcher) DeliverBroadcast(ctx context.Context, payload []byte) int {
	targets := d.registry.BroadcastTargets()
	if len(targets) == 0 {
		return 0
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
	)
	for _, target := range targets {
		wg.Add(1)
		go func(t presence.Target) {
			defer wg.Done()
			if err := d.push(ctx, t.Channel, payload); err != nil {
				metrics.DeliveriesTotal.WithLabelValues("broadcast", "failed").Inc()
				d.logger.Debug().Err(err).Int64("recipient", t.UserID).Str("conn", t.Channel.ID()).
					Msg("broadcast push dropped")
				return
			}
			metrics.DeliveriesTotal.WithLabelValues("broadcast", "delivered").Inc()
			mu.Lock()
			delivered++
			mu.Unlock()
		}(target)
	}
	wg.Wait()

	return delivered
}

func (d *Dispatcher) push(ctx context.Context, ch presence.Channel, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, d.pushTimeout)
	defer cancel()
	return ch.Push(ctx, payload)
}
