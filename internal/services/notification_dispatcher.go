package services

import (
	"context"
	"sync"
	"time"

	"saas-fulfillment/internal/metrics"
	"saas-fulfillment/internal/models"
	"saas-fulfillment/pkg/logging"
)

var _ Notifier = (*NotificationDispatcher)(nil)

// Sink delivers one transition to one destination
type Sink interface {
	Name() string
	Send(ctx context.Context, t models.Transition) error
}

// NotificationDispatcher fans a committed transition out to every sink in
// the background. Notify never blocks on delivery.
type NotificationDispatcher struct {
	sinks   []Sink
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewNotificationDispatcher creates a dispatcher whose sinks each get timeout
// to deliver one transition. nil sinks are skipped.
func NewNotificationDispatcher(timeout time.Duration, sinks ...Sink) *NotificationDispatcher {
	if timeout <= 0 {
		timeout = time.Minute
	}
	d := &NotificationDispatcher{timeout: timeout}
	for _, s := range sinks {
		if s != nil {
			d.sinks = append(d.sinks, s)
		}
	}
	return d
}

func (d *NotificationDispatcher) Notify(ctx context.Context, t models.Transition) error {
	// deliveries outlive the request that triggered them
	bg := logging.WithCorrelationID(context.Background(), logging.CorrelationID(ctx))
	for _, sink := range d.sinks {
		d.wg.Add(1)
		go func(sink Sink) {
			defer d.wg.Done()
			sctx, cancel := context.WithTimeout(bg, d.timeout)
			defer cancel()
			if err := sink.Send(sctx, t); err != nil {
				metrics.NotificationFailuresTotal.WithLabelValues(sink.Name()).Inc()
				logging.Ctx(bg).Error().Err(err).
					Str("sink", sink.Name()).
					Str("subscription", t.ExternalID).
					Str("action", string(t.Action)).
					Msg("notification delivery failed")
			}
		}(sink)
	}
	return nil
}

// Wait blocks until every delivery started so far has finished
func (d *NotificationDispatcher) Wait() {
	d.wg.Wait()
}
