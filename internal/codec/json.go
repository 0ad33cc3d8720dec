package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"tracklink/internal/codec/fields"
	"tracklink/internal/models"
)

// JSON reads flat objects such as
//
//	{"imei":"123456789012345","lat":35.6892,"lng":51.389,"ts":1700000000}
//
// Keys resolve through the field catalog like KV keys do. Nested values
// are ignored.
type JSON struct{}

func NewJSON() JSON { return JSON{} }

func (JSON) Name() string { return "json" }

func (j JSON) Identity(payload string) (Identity, error) {
	r, err := j.flatten(payload)
	if err != nil {
		return Identity{}, err
	}
	return identityOf(j.Name(), r)
}

func (j JSON) Parse(payload string, receivedAt time.Time) (models.Fix, error) {
	r, err := j.flatten(payload)
	if err != nil {
		return models.Fix{}, err
	}
	return fixOf(j.Name(), r, receivedAt)
}

func (j JSON) flatten(payload string) (record, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(strings.TrimSpace(payload))))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, &ParseError{Codec: j.Name(), Err: err}
	}
	if obj == nil {
		return nil, &ParseError{Codec: j.Name(), Err: errors.New("expected an object")}
	}
	r := record{}
	for k, v := range obj {
		key, ok := fields.Canonical(k)
		if !ok {
			continue
		}
		switch x := v.(type) {
		case string:
			r[key] = x
		case json.Number:
			r[key] = x.String()
		case bool:
			r[key] = strconv.FormatBool(x)
		case nil:
		default:
			return nil, &ParseError{Codec: j.Name(), Field: key, Err: errors.New("unsupported value type")}
		}
	}
	return r, nil
}
