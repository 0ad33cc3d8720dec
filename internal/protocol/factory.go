package protocol

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"tracklink/internal/directory"

	"github.com/sirupsen/logrus"
)

// Params is the union of what the handlers need. Each builder reads only
// its own fields.
type Params struct {
	Host string
	Port int

	Broker   string
	Topic    string
	QoS      *byte
	Username string
	Password string

	URL string

	// Timeout is the dial / HTTP client timeout; Wait is the per-call
	// receive wait. Zero keeps the handler default.
	Timeout time.Duration
	Wait    time.Duration
}

type builder func(p Params, log logrus.FieldLogger) (Handler, error)

type Factory struct {
	log      logrus.FieldLogger
	builders map[Kind]builder
}

func NewFactory(log logrus.FieldLogger) *Factory {
	return &Factory{
		log: log,
		builders: map[Kind]builder{
			KindTCP:  buildTCP,
			KindMQTT: buildMQTT,
			KindHTTP: buildHTTP,
		},
	}
}

// Kinds lists the transports a handler can be built for.
func (f *Factory) Kinds() []string {
	out := make([]string, 0, len(f.builders))
	for k := range f.builders {
		out = append(out, string(k))
	}
	sort.Strings(out)
	return out
}

// Create builds an unconnected handler. Kind matching is case-insensitive.
func (f *Factory) Create(kind string, p Params) (Handler, error) {
	k := ParseKind(kind)
	b, ok := f.builders[k]
	if !ok {
		return nil, &UnsupportedTransportError{Kind: kind}
	}
	return b(p, f.log.WithField("transport", string(k)))
}

func missing(name string) error { return fmt.Errorf("%w: %s", ErrMissingParam, name) }

func buildTCP(p Params, log logrus.FieldLogger) (Handler, error) {
	if strings.TrimSpace(p.Host) == "" {
		return nil, missing("host")
	}
	if p.Port <= 0 || p.Port > 65535 {
		return nil, missing("port")
	}
	h := NewTCPHandler(p.Host, p.Port, log)
	if p.Timeout > 0 {
		h.DialTimeout = p.Timeout
	}
	if p.Wait > 0 {
		h.ReadTimeout = p.Wait
	}
	return h, nil
}

func buildMQTT(p Params, log logrus.FieldLogger) (Handler, error) {
	if strings.TrimSpace(p.Broker) == "" {
		return nil, missing("broker")
	}
	if strings.TrimSpace(p.Topic) == "" {
		return nil, missing("topic")
	}
	h := NewMQTTHandler(p.Broker, p.Port, p.Topic, log)
	h.Username, h.Password = p.Username, p.Password
	if p.QoS != nil {
		if *p.QoS > 2 {
			return nil, fmt.Errorf("mqtt qos %d out of range", *p.QoS)
		}
		h.QoS = *p.QoS
	}
	if p.Timeout > 0 {
		h.ConnectTimeout = p.Timeout
	}
	if p.Wait > 0 {
		h.Wait = p.Wait
	}
	return h, nil
}

func buildHTTP(p Params, log logrus.FieldLogger) (Handler, error) {
	if strings.TrimSpace(p.URL) == "" {
		return nil, missing("url")
	}
	h := NewHTTPHandler(p.URL, log)
	if p.Timeout > 0 {
		h.Timeout = p.Timeout
	}
	return h, nil
}

// ParamsFromDescriptor reads handler parameters from a protocol's
// dynamic_config, falling back to its default port. Overrides win over
// both.
func ParamsFromDescriptor(d directory.Descriptor, overrides map[string]string) Params {
	get := func(key string) string {
		if v, ok := overrides[key]; ok {
			return v
		}
		if v, ok := d.DynamicConfig[key]; ok && v != nil {
			return fmt.Sprint(v)
		}
		return ""
	}
	p := Params{
		Host:     get("host"),
		Broker:   get("broker"),
		Topic:    get("topic"),
		Username: get("username"),
		Password: get("password"),
		URL:      get("url"),
		Port:     d.DefaultPort,
	}
	if n, err := strconv.Atoi(get("port")); err == nil {
		p.Port = n
	}
	if n, err := strconv.Atoi(get("qos")); err == nil && n >= 0 && n <= 255 {
		q := byte(n)
		p.QoS = &q
	}
	if t, err := time.ParseDuration(get("timeout")); err == nil {
		p.Timeout = t
	}
	if t, err := time.ParseDuration(get("wait")); err == nil {
		p.Wait = t
	}
	return p
}
