// Package codec turns text payloads into identity claims and location
// fixes. A protocol picks its codec through message_format["codec"].
package codec

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"tracklink/internal/codec/fields"
	"tracklink/internal/models"
)

// DefaultCodec is used when a protocol declares no codec.
const DefaultCodec = "kv"

var ErrUnknownCodec = errors.New("unknown codec")

// Identity is what a payload claims to be. Either field may be empty.
type Identity struct {
	IMEI     string
	DeviceID string
}

func (i Identity) Empty() bool { return i.IMEI == "" && i.DeviceID == "" }

// Token is a stable key for the claim, used to keep one device's messages
// on one pipeline queue.
func (i Identity) Token() string {
	if i.IMEI != "" {
		return "imei:" + i.IMEI
	}
	if i.DeviceID != "" {
		return "id:" + i.DeviceID
	}
	return ""
}

// ParseError is a permanent per-message failure: the payload itself is
// wrong and re-reading it will not help.
type ParseError struct {
	Codec string
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("parse %s: field %s: %v", e.Codec, e.Field, e.Err)
	}
	return fmt.Sprintf("parse %s: %v", e.Codec, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

type Codec interface {
	Name() string
	// Identity extracts the identity claim; an empty Identity with a nil
	// error means the payload claims nothing.
	Identity(payload string) (Identity, error)
	// Parse extracts a fix. receivedAt stands in for a missing timestamp.
	Parse(payload string, receivedAt time.Time) (models.Fix, error)
}

type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry returns a registry with the built-in codecs.
func NewRegistry() *Registry {
	r := &Registry{codecs: map[string]Codec{}}
	r.Register(NewKV())
	r.Register(NewJSON())
	return r
}

func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	r.codecs[strings.ToLower(c.Name())] = c
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCodec, name)
	}
	return c, nil
}

// Lookup picks the codec declared by a protocol's message format.
func (r *Registry) Lookup(format map[string]any) (Codec, error) {
	name := DefaultCodec
	if v, ok := format["codec"]; ok {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			name = s
		}
	}
	return r.Get(name)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.codecs))
	for n := range r.codecs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ─────────────────────────── shared field handling ───────────────────────────

// record is a payload flattened to canonical field keys with raw values.
type record map[string]string

func (r record) get(k string) (string, bool) { v, ok := r[k]; return v, ok }

func identityOf(codec string, r record) (Identity, error) {
	var id Identity
	if v, ok := r[fields.IMEI]; ok && strings.TrimSpace(v) != "" {
		n, err := fields.ValidateOne(fields.IMEI, v)
		if err != nil {
			return Identity{}, &ParseError{Codec: codec, Field: fields.IMEI, Err: err}
		}
		id.IMEI = n
	}
	if v, ok := r[fields.DeviceID]; ok && strings.TrimSpace(v) != "" {
		n, err := fields.ValidateOne(fields.DeviceID, v)
		if err != nil {
			return Identity{}, &ParseError{Codec: codec, Field: fields.DeviceID, Err: err}
		}
		id.DeviceID = n
	}
	return id, nil
}

func fixOf(codec string, r record, receivedAt time.Time) (models.Fix, error) {
	if err := fields.ValidateAll(r.get); err != nil {
		return models.Fix{}, &ParseError{Codec: codec, Err: err}
	}
	norm := func(key string) (string, bool, error) {
		v, ok := r[key]
		if !ok || strings.TrimSpace(v) == "" {
			return "", false, nil
		}
		n, err := fields.ValidateOne(key, v)
		if err != nil {
			return "", true, &ParseError{Codec: codec, Field: key, Err: err}
		}
		return n, true, nil
	}
	float := func(key string) (*float64, error) {
		n, ok, err := norm(key)
		if err != nil || !ok {
			return nil, err
		}
		f, _ := strconv.ParseFloat(n, 64)
		return &f, nil
	}

	lat, err := float(fields.Lat)
	if err != nil {
		return models.Fix{}, err
	}
	lng, err := float(fields.Lng)
	if err != nil {
		return models.Fix{}, err
	}
	fix := models.Fix{Lat: *lat, Lng: *lng, At: receivedAt.UTC()}

	if n, ok, err := norm(fields.TS); err != nil {
		return models.Fix{}, err
	} else if ok {
		sec, _ := strconv.ParseInt(n, 10, 64)
		fix.At = time.Unix(sec, 0).UTC()
	}
	if fix.Speed, err = float(fields.Speed); err != nil {
		return models.Fix{}, err
	}
	if fix.Heading, err = float(fields.Heading); err != nil {
		return models.Fix{}, err
	}
	if n, ok, err := norm(fields.Battery); err != nil {
		return models.Fix{}, err
	} else if ok {
		b, _ := strconv.Atoi(n)
		fix.Battery = &b
	}
	if math.IsNaN(fix.Lat) || math.IsNaN(fix.Lng) {
		return models.Fix{}, &ParseError{Codec: codec, Err: errors.New("invalid coordinates")}
	}
	return fix, nil
}
