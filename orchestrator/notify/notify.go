// Package notify delivers lifecycle emails through an external mail relay.
// Rendering and actual delivery belong to the relay; this package owns
// transport, retries, and the availability breaker in front of it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/observability"
)

// Notification kinds.
const (
	KindNewRequest  = "new_request"
	KindAskApproval = "ask_approval"
	KindApproved    = "approved"
	KindRejected    = "rejected"
	KindSendBack    = "send_back"
	KindExpired     = "expired"
	KindInvalid     = "invalid"
	KindProcessed   = "processed"
	KindResubmit    = "resubmit"
)

type Message struct {
	Kind          string   `json:"kind"`
	To            []string `json:"to"`
	Subject       string   `json:"subject"`
	Body          string   `json:"body"`
	RequestNumber string   `json:"request_number"`
	Table         string   `json:"table,omitempty"`
	Reason        string   `json:"reason,omitempty"`
}

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// HTTPSender posts messages to the relay endpoint.
// HTTP 202 Accepted = success (the relay queues delivery); 200 is tolerated.
type HTTPSender struct {
	endpoint string
	client   *http.Client
	log      zerolog.Logger
}

func NewHTTPSender(endpoint string, log zerolog.Logger) *HTTPSender {
	return &HTTPSender{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
		log:      log.With().Str("component", "notify").Logger(),
	}
}

func (s *HTTPSender) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("build relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("contact mail relay: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mail relay returned status %d", resp.StatusCode)
	}

	s.log.Debug().Str("kind", msg.Kind).Str("request", msg.RequestNumber).Msg("notification accepted by relay")
	return nil
}

// LogSender writes notifications to the log only. It stands in when no relay
// is configured and serves as the degraded fallback.
type LogSender struct {
	log zerolog.Logger
}

func NewLogSender(log zerolog.Logger) *LogSender {
	return &LogSender{log: log.With().Str("component", "notify").Logger()}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.log.Info().
		Str("kind", msg.Kind).
		Str("request", msg.RequestNumber).
		Strs("to", msg.To).
		Str("subject", msg.Subject).
		Msg("notification (log only)")
	return nil
}

// Retrier re-sends through the inner sender with a doubling wait.
type Retrier struct {
	inner    Sender
	attempts int
	wait     time.Duration
	log      zerolog.Logger
}

func NewRetrier(inner Sender, attempts int, wait time.Duration, log zerolog.Logger) *Retrier {
	if attempts < 1 {
		attempts = 1
	}
	return &Retrier{inner: inner, attempts: attempts, wait: wait, log: log.With().Str("component", "notify").Logger()}
}

func (r *Retrier) Send(ctx context.Context, msg Message) error {
	var err error
	wait := r.wait
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if attempt > 1 {
			observability.NotificationRetries.Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			wait *= 2
		}
		if err = r.inner.Send(ctx, msg); err == nil {
			return nil
		}
		r.log.Warn().Err(err).Int("attempt", attempt).Str("kind", msg.Kind).Str("request", msg.RequestNumber).Msg("notification send failed")
	}
	return fmt.Errorf("notify %s for %s after %d attempts: %w", msg.Kind, msg.RequestNumber, r.attempts, err)
}
