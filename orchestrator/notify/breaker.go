package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/observability"
)

// ErrRelayUnavailable is returned while the breaker is open.
var ErrRelayUnavailable = errors.New("notify: mail relay unavailable")

const (
	stateClosed = iota
	stateHalfOpen
	stateOpen
)

// Breaker gates a Sender behind consecutive-failure tracking. After the
// failure threshold it stops calling the relay for the cooldown, then lets a
// single probe through. Callers treat ErrRelayUnavailable like any send
// failure; sweeps retry later.
type Breaker struct {
	inner     Sender
	fallback  Sender
	threshold int
	cooldown  time.Duration
	log       zerolog.Logger
	now       func() time.Time

	mu        sync.Mutex
	state     int
	failures  int
	openedAt  time.Time
	probeBusy bool
}

func NewBreaker(inner Sender, fallback Sender, threshold int, cooldown time.Duration, log zerolog.Logger) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		inner:     inner,
		fallback:  fallback,
		threshold: threshold,
		cooldown:  cooldown,
		log:       log.With().Str("component", "notify").Logger(),
		now:       time.Now,
	}
}

func (b *Breaker) Send(ctx context.Context, msg Message) error {
	if !b.allow() {
		observability.Notifications.WithLabelValues(msg.Kind, "suppressed").Inc()
		if b.fallback != nil {
			if err := b.fallback.Send(ctx, msg); err == nil {
				b.log.Warn().Str("kind", msg.Kind).Str("request", msg.RequestNumber).Msg("relay open, notification logged only")
			}
		}
		return ErrRelayUnavailable
	}

	err := b.inner.Send(ctx, msg)
	if err != nil {
		b.markFailure()
		observability.Notifications.WithLabelValues(msg.Kind, "error").Inc()
		return err
	}
	b.markSuccess()
	observability.Notifications.WithLabelValues(msg.Kind, "sent").Inc()
	return nil
}

// allow reports whether a send may reach the relay, moving the breaker to
// half-open when the cooldown has lapsed. Only one probe flies at a time.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateHalfOpen:
		if b.probeBusy {
			return false
		}
		b.probeBusy = true
		return true
	default:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = stateHalfOpen
		b.probeBusy = true
		observability.BreakerState.Set(stateHalfOpen)
		b.log.Info().Msg("notify breaker half-open, probing relay")
		return true
	}
}

func (b *Breaker) markFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probeBusy = false
	b.failures++
	if b.state == stateHalfOpen || (b.state == stateClosed && b.failures >= b.threshold) {
		b.state = stateOpen
		b.openedAt = b.now()
		observability.BreakerState.Set(stateOpen)
		b.log.Warn().Int("failures", b.failures).Msg("notify breaker open, relay marked unavailable")
	}
}

func (b *Breaker) markSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probeBusy = false
	b.failures = 0
	if b.state != stateClosed {
		b.state = stateClosed
		observability.BreakerState.Set(stateClosed)
		b.log.Info().Msg("notify breaker closed, relay recovered")
	}
}

// State reports the current breaker state for health endpoints.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}
