package codec

import (
	"errors"
	"strings"
	"time"

	"tracklink/internal/codec/fields"
	"tracklink/internal/models"
)

// KV reads the plain text format most trackers speak:
//
//	IMEI:123456789012345,LAT:35.6892,LNG:51.3890,TS:1700000000
//
// Pairs are separated by ',' or ';'; keys are case-insensitive and may use
// any alias from the field catalog. '=' is accepted in place of ':'.
// Unknown keys are ignored.
type KV struct{}

func NewKV() KV { return KV{} }

func (KV) Name() string { return "kv" }

func (k KV) Identity(payload string) (Identity, error) {
	r, err := k.split(payload)
	if err != nil {
		return Identity{}, err
	}
	return identityOf(k.Name(), r)
}

func (k KV) Parse(payload string, receivedAt time.Time) (models.Fix, error) {
	r, err := k.split(payload)
	if err != nil {
		return models.Fix{}, err
	}
	return fixOf(k.Name(), r, receivedAt)
}

func (k KV) split(payload string) (record, error) {
	s := strings.TrimSpace(payload)
	if s == "" {
		return nil, &ParseError{Codec: k.Name(), Err: errors.New("empty payload")}
	}
	r := record{}
	for _, part := range strings.FieldsFunc(s, func(c rune) bool { return c == ',' || c == ';' }) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		i := strings.IndexAny(part, ":=")
		if i <= 0 {
			return nil, &ParseError{Codec: k.Name(), Err: errors.New("malformed pair: " + part)}
		}
		key, ok := fields.Canonical(part[:i])
		if !ok {
			continue
		}
		if _, dup := r[key]; dup {
			return nil, &ParseError{Codec: k.Name(), Field: key, Err: errors.New("duplicate field")}
		}
		r[key] = strings.TrimSpace(part[i+1:])
	}
	return r, nil
}
