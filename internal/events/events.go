// Package events fans applied fixes out to downstream consumers
// (geofencing, notifications) over NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const DefaultSubjectPrefix = "tracklink.fix"

// FixEvent is published once per processed raw message.
type FixEvent struct {
	ID         string    `json:"id"`
	RawID      uint      `json:"raw_id"`
	DeviceRef  uint      `json:"device_ref"`
	IMEI       string    `json:"imei,omitempty"`
	DeviceID   string    `json:"device_id,omitempty"`
	Protocol   string    `json:"protocol"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	At         time.Time `json:"at"`
	Speed      *float64  `json:"speed,omitempty"`
	Heading    *float64  `json:"heading,omitempty"`
	Battery    *int      `json:"battery,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

type Publisher interface {
	PublishFix(ctx context.Context, ev FixEvent) error
}

// Nop drops every event; used when no NATS url is configured.
type Nop struct{}

func (Nop) PublishFix(context.Context, FixEvent) error { return nil }

// conn is the part of *nats.Conn the publisher uses.
type conn interface {
	Publish(subj string, data []byte) error
}

type NATSPublisher struct {
	nc     conn
	close  func()
	prefix string
	log    logrus.FieldLogger
}

// Connect dials NATS. The connection reconnects on its own; publishes made
// while disconnected are buffered by the client.
func Connect(url, prefix string, log logrus.FieldLogger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("tracklink"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithField("url", c.ConnectedUrl()).Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	p := newPublisher(nc, prefix, log)
	p.close = func() {
		if err := nc.Drain(); err != nil {
			nc.Close()
		}
	}
	return p, nil
}

func newPublisher(nc conn, prefix string, log logrus.FieldLogger) *NATSPublisher {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{nc: nc, prefix: prefix, log: log, close: func() {}}
}

// Subject is <prefix>.<device_ref>, so consumers can subscribe to one
// device or to <prefix>.>.
func (p *NATSPublisher) Subject(deviceRef uint) string {
	return p.prefix + "." + strconv.FormatUint(uint64(deviceRef), 10)
}

func (p *NATSPublisher) PublishFix(ctx context.Context, ev FixEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal fix event: %w", err)
	}
	subj := p.Subject(ev.DeviceRef)
	if err := p.nc.Publish(subj, data); err != nil {
		return fmt.Errorf("publish %s: %w", subj, err)
	}
	return nil
}

func (p *NATSPublisher) Close() { p.close() }
