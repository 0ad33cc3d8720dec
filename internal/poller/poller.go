// Package poller drives client-side handlers (MQTT subscriptions, HTTP
// polls, outbound TCP) and lands every payload in the raw store. Handlers
// do not retry; the poller owns reconnects and backoff.
package poller

import (
	"context"
	"errors"
	"time"

	"tracklink/internal/metrics"
	"tracklink/internal/protocol"
	"tracklink/internal/rawstore"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
)

const (
	minBackoff    = 500 * time.Millisecond
	maxBackoff    = 30 * time.Second
	metricsSource = "poller"
)

// Source is one handler bound to the protocol its rows are tagged with.
type Source struct {
	Protocol string
	Handler  protocol.Handler
	// Interval is the pause after an empty receive; zero means go straight
	// back to ReceiveNext (the handler's own wait paces the loop).
	Interval time.Duration
}

type Poller struct {
	src     Source
	store   rawstore.Store
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	// sleep is swapped in tests
	sleep func(ctx context.Context, d time.Duration) bool
}

func New(src Source, store rawstore.Store, log logrus.FieldLogger, m *metrics.Metrics) *Poller {
	return &Poller{
		src:   src,
		store: store,
		log: log.WithFields(logrus.Fields{
			"component": "poller",
			"protocol":  src.Protocol,
			"source":    src.Handler.Source(),
		}),
		metrics: m,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = minBackoff
	b.MaxInterval = maxBackoff
	return b
}

// Run returns when ctx is done. Connect and receive failures are logged and
// retried with exponential backoff.
func (p *Poller) Run(ctx context.Context) error {
	h := p.src.Handler
	defer h.Disconnect()
	bo := newBackoff()
	transport := h.Transport().String()

	for ctx.Err() == nil {
		if err := h.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			p.metrics.ReceiveError(transport)
			wait := bo.NextBackOff()
			p.log.WithError(err).WithField("retry_in", wait).Warn("connect failed")
			if !p.sleep(ctx, wait) {
				break
			}
			continue
		}

		err := p.receiveLoop(ctx, bo)
		h.Disconnect()
		if err == nil || ctx.Err() != nil {
			break
		}
		p.metrics.ReceiveError(transport)
		wait := bo.NextBackOff()
		p.log.WithError(err).WithField("retry_in", wait).Warn("receive failed; reconnecting")
		if !p.sleep(ctx, wait) {
			break
		}
	}
	p.log.Info("poller stopped")
	return nil
}

// receiveLoop returns nil only when ctx is done.
func (p *Poller) receiveLoop(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	for {
		payload, err := p.src.Handler.ReceiveNext(ctx)
		switch {
		case err != nil:
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return nil
				}
			}
			return err
		case len(payload) == 0:
			if !p.sleep(ctx, p.src.Interval) {
				return nil
			}
			continue
		}
		bo.Reset()
		p.save(ctx, payload)
	}
}

func (p *Poller) save(ctx context.Context, payload []byte) {
	id, err := p.store.Append(ctx, string(payload), p.src.Protocol, p.src.Handler.Source())
	if err != nil {
		p.metrics.AppendFailed(metricsSource)
		p.log.WithError(err).WithField("bytes", len(payload)).Error("raw store append failed; payload dropped")
		return
	}
	p.metrics.Appended(metricsSource, len(payload))
	p.log.WithFields(logrus.Fields{"raw_id": id, "bytes": len(payload)}).Debug("payload stored")
}
