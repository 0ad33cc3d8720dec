// internal/codec/fields/fields.go
package fields

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type FieldType string

const (
	TString FieldType = "string"
	TFloat  FieldType = "float"
	TInt    FieldType = "int"
	TTime   FieldType = "time"
)

// Canonical field keys.
const (
	IMEI     = "imei"
	DeviceID = "device_id"
	Lat      = "lat"
	Lng      = "lng"
	TS       = "ts"
	Speed    = "speed"
	Heading  = "heading"
	Battery  = "battery"
)

type FieldDef struct {
	Key      string
	Aliases  []string // lower-case names accepted on the wire
	Type     FieldType
	Example  string
	Validate func(string) (string, error) // normalize/check one value
	Required bool
}

/* validators */

var (
	reIMEI     = regexp.MustCompile(`^\d{15}$`)
	reDeviceID = regexp.MustCompile(`^[A-Za-z0-9._:\-]{1,64}$`)
)

func normIMEI(v string) (string, error) {
	s := strings.TrimSpace(v)
	if !reIMEI.MatchString(s) {
		return "", errors.New("imei must be 15 digits")
	}
	return s, nil
}

func normDeviceID(v string) (string, error) {
	s := strings.TrimSpace(v)
	if !reDeviceID.MatchString(s) {
		return "", errors.New("invalid device id")
	}
	return s, nil
}

func normFloat(min, max float64, maxExclusive bool) func(string) (string, error) {
	return func(v string) (string, error) {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return "", fmt.Errorf("not a number: %q", v)
		}
		if f < min || f > max || (maxExclusive && f == max) {
			return "", fmt.Errorf("out of range [%g..%g]", min, max)
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	}
}

func normInt(min, max int) func(string) (string, error) {
	return func(v string) (string, error) {
		s := strings.TrimSpace(v)
		n, err := strconv.Atoi(s)
		if err != nil {
			// some firmware sends "87.0"
			f, ferr := strconv.ParseFloat(s, 64)
			if ferr != nil || f != math.Trunc(f) {
				return "", fmt.Errorf("not an integer: %q", v)
			}
			n = int(f)
		}
		if n < min || n > max {
			return "", fmt.Errorf("int out of range [%d..%d]", min, max)
		}
		return strconv.Itoa(n), nil
	}
}

// normTime accepts unix seconds (integer or fractional), unix millis and
// RFC 3339; the normalized form is unix seconds.
func normTime(v string) (string, error) {
	s := strings.TrimSpace(v)
	if s == "" {
		return "", errors.New("empty timestamp")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n <= 0 {
			return "", errors.New("timestamp must be positive")
		}
		if n > 1e12 { // millis
			n /= 1000
		}
		return strconv.FormatInt(n, 10), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if f <= 0 {
			return "", errors.New("timestamp must be positive")
		}
		return strconv.FormatInt(int64(f), 10), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return "", fmt.Errorf("invalid timestamp: %q", v)
	}
	return strconv.FormatInt(t.Unix(), 10), nil
}

/* catalog */

var Catalog = []FieldDef{
	// identity
	{Key: IMEI, Aliases: []string{"imei"}, Type: TString, Example: "123456789012345", Validate: normIMEI},
	{Key: DeviceID, Aliases: []string{"id", "device_id", "deviceid", "dev"}, Type: TString, Example: "TRK-0042", Validate: normDeviceID},

	// position
	{Key: Lat, Aliases: []string{"lat", "latitude"}, Type: TFloat, Example: "35.6892", Validate: normFloat(-90, 90, false), Required: true},
	{Key: Lng, Aliases: []string{"lng", "lon", "long", "longitude"}, Type: TFloat, Example: "51.3890", Validate: normFloat(-180, 180, false), Required: true},
	{Key: TS, Aliases: []string{"ts", "time", "timestamp"}, Type: TTime, Example: "1700000000", Validate: normTime},

	// motion / power
	{Key: Speed, Aliases: []string{"spd", "speed"}, Type: TFloat, Example: "42.5", Validate: normFloat(0, 2000, false)},
	{Key: Heading, Aliases: []string{"hdg", "heading", "course"}, Type: TFloat, Example: "270", Validate: normFloat(0, 360, true)},
	{Key: Battery, Aliases: []string{"bat", "batt", "battery"}, Type: TInt, Example: "87", Validate: normInt(0, 100)},
}

/* registry */

var (
	byKey   map[string]FieldDef
	byAlias map[string]string
)

func init() {
	byKey = make(map[string]FieldDef, len(Catalog))
	byAlias = make(map[string]string, len(Catalog)*3)
	for _, d := range Catalog {
		byKey[d.Key] = d
		for _, a := range d.Aliases {
			byAlias[a] = d.Key
		}
	}
}

func Def(key string) (FieldDef, bool) { d, ok := byKey[key]; return d, ok }

// Canonical maps a wire name (any case) to its catalog key.
func Canonical(name string) (string, bool) {
	k, ok := byAlias[strings.ToLower(strings.TrimSpace(name))]
	return k, ok
}

// ValidateOne validates and normalizes a single field by key.
func ValidateOne(key, value string) (string, error) {
	if def, ok := Def(key); ok {
		return def.Validate(value)
	}
	return "", fmt.Errorf("unknown field: %s", key)
}

// ValidateAll checks that every required field is present.
func ValidateAll(get func(string) (string, bool)) error {
	missing := []string{}
	for _, d := range Catalog {
		if !d.Required {
			continue
		}
		if v, ok := get(d.Key); !ok || strings.TrimSpace(v) == "" {
			missing = append(missing, d.Key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %v", missing)
	}
	return nil
}
