package protocol

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultMQTTPort      = 1883
	DefaultMQTTWait      = 10 * time.Second
	DefaultMQTTQueueSize = 256
	defaultMQTTQoS       = 1
)

// MQTTHandler subscribes to one topic. Messages land in a bounded queue;
// ReceiveNext takes one off it or gives up after Wait.
type MQTTHandler struct {
	Broker         string
	Port           int
	Topic          string
	QoS            byte
	Username       string
	Password       string
	ClientIDPrefix string
	Wait           time.Duration
	ConnectTimeout time.Duration

	log       logrus.FieldLogger
	queueSize int
	mu        sync.Mutex
	client    mqtt.Client
	msgs      chan []byte
}

func NewMQTTHandler(broker string, port int, topic string, log logrus.FieldLogger) *MQTTHandler {
	if port <= 0 {
		port = DefaultMQTTPort
	}
	return &MQTTHandler{
		Broker:         broker,
		Port:           port,
		Topic:          topic,
		QoS:            defaultMQTTQoS,
		ClientIDPrefix: "tracklink",
		Wait:           DefaultMQTTWait,
		ConnectTimeout: DefaultDialTimeout,
		log:            log,
		queueSize:      DefaultMQTTQueueSize,
		msgs:           make(chan []byte, DefaultMQTTQueueSize),
	}
}

func (h *MQTTHandler) Transport() Kind { return KindMQTT }

func (h *MQTTHandler) Source() string { return h.brokerURL() + "/" + h.Topic }

// brokerURL accepts a bare host or a full tcp://, ssl://, ws:// URL.
func (h *MQTTHandler) brokerURL() string {
	if strings.Contains(h.Broker, "://") {
		return h.Broker
	}
	return "tcp://" + net.JoinHostPort(h.Broker, strconv.Itoa(h.Port))
}

func (h *MQTTHandler) onMessage(_ mqtt.Client, msg mqtt.Message) {
	p := Clean(msg.Payload())
	if len(p) == 0 {
		return
	}
	payload := make([]byte, len(p))
	copy(payload, p)
	select {
	case h.msgs <- payload:
	default:
		h.log.WithFields(logrus.Fields{"topic": msg.Topic(), "queue": h.queueSize}).
			Warn("mqtt queue full, message dropped")
	}
}

func (h *MQTTHandler) onConnect(c mqtt.Client) {
	if err := waitToken(c.Subscribe(h.Topic, h.QoS, h.onMessage), h.ConnectTimeout); err != nil {
		h.log.WithError(err).WithField("topic", h.Topic).Error("mqtt subscribe failed")
		return
	}
	h.log.WithField("topic", h.Topic).Info("mqtt subscribed")
}

// waitToken fails a token that errored or got no reply within d.
func waitToken(t mqtt.Token, d time.Duration) error {
	if !t.WaitTimeout(d) {
		return fmt.Errorf("no reply within %v", d)
	}
	return t.Error()
}

func (h *MQTTHandler) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &ConnectError{Transport: KindMQTT, Target: h.brokerURL(), Err: err}
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(h.brokerURL())
	opts.SetClientID(fmt.Sprintf("%s-%s", h.ClientIDPrefix, uuid.NewString()[:8]))
	if h.Username != "" {
		opts.SetUsername(h.Username)
		opts.SetPassword(h.Password)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetConnectTimeout(h.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	// subscribe again after every (re)connect
	opts.SetOnConnectHandler(h.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		h.log.WithError(err).WithField("broker", h.brokerURL()).Warn("mqtt connection lost")
	})

	c := mqtt.NewClient(opts)
	t := c.Connect()
	if !t.WaitTimeout(h.ConnectTimeout) {
		c.Disconnect(0)
		return &ConnectError{Transport: KindMQTT, Target: h.brokerURL(), Err: context.DeadlineExceeded}
	}
	if err := t.Error(); err != nil {
		return &ConnectError{Transport: KindMQTT, Target: h.brokerURL(), Err: err}
	}
	h.mu.Lock()
	h.client = c
	h.mu.Unlock()
	h.log.WithField("broker", h.brokerURL()).Info("mqtt handler connected")
	return nil
}

func (h *MQTTHandler) ReceiveNext(ctx context.Context) ([]byte, error) {
	h.mu.Lock()
	c := h.client
	h.mu.Unlock()
	if c == nil {
		return nil, &ReceiveError{Transport: KindMQTT, Source: h.Source(), Err: ErrNotConnected}
	}
	wait := time.NewTimer(h.Wait)
	defer wait.Stop()
	select {
	case p := <-h.msgs:
		return p, nil
	case <-wait.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *MQTTHandler) Disconnect() {
	h.mu.Lock()
	c := h.client
	h.client = nil
	h.mu.Unlock()
	if c == nil {
		return
	}
	if c.IsConnected() {
		c.Unsubscribe(h.Topic).WaitTimeout(time.Second)
	}
	c.Disconnect(250)
	h.log.WithField("broker", h.brokerURL()).Info("mqtt handler disconnected")
}
