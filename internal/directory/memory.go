package directory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"tracklink/internal/codec/fields"
	"tracklink/internal/models"
)

// ─────────────────────────── in-memory directory (fallback) ───────────────────────────

type MemDirectory struct {
	mu         sync.RWMutex
	byRef      map[uint]Identity
	byIMEI     map[string]uint
	byDeviceID map[string]uint
	protocols  map[string]Descriptor
	nextRef    uint
}

func NewMemDirectory() *MemDirectory {
	return &MemDirectory{
		byRef:      make(map[uint]Identity),
		byIMEI:     make(map[string]uint),
		byDeviceID: make(map[string]uint),
		protocols:  make(map[string]Descriptor),
	}
}

// CheckIdentity enforces the join-key invariant shared by every directory.
func CheckIdentity(d Identity) (Identity, error) {
	d.IMEI = strings.TrimSpace(d.IMEI)
	d.DeviceID = strings.TrimSpace(d.DeviceID)
	if d.IMEI == "" && d.DeviceID == "" {
		return d, ErrNoIdentity
	}
	if d.IMEI != "" {
		if _, err := fields.ValidateOne(fields.IMEI, d.IMEI); err != nil {
			return d, ErrInvalidIMEI
		}
	}
	if d.Status == "" {
		d.Status = models.DeviceInactive
	}
	return d, nil
}

func (m *MemDirectory) Provision(_ context.Context, d Identity) (Identity, error) {
	d, err := CheckIdentity(d)
	if err != nil {
		return d, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byIMEI[d.IMEI]; d.IMEI != "" && ok {
		return d, ErrDuplicateDevice
	}
	if _, ok := m.byDeviceID[d.DeviceID]; d.DeviceID != "" && ok {
		return d, ErrDuplicateDevice
	}
	m.nextRef++
	d.Ref = m.nextRef
	m.byRef[d.Ref] = d
	if d.IMEI != "" {
		m.byIMEI[d.IMEI] = d.Ref
	}
	if d.DeviceID != "" {
		m.byDeviceID[d.DeviceID] = d.Ref
	}
	return d, nil
}

func (m *MemDirectory) FindByIMEI(_ context.Context, imei string) (Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.byIMEI[imei]
	if !ok || imei == "" {
		return Identity{}, ErrNotFound
	}
	return m.byRef[ref], nil
}

func (m *MemDirectory) FindByDeviceID(_ context.Context, id string) (Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.byDeviceID[id]
	if !ok || id == "" {
		return Identity{}, ErrNotFound
	}
	return m.byRef[ref], nil
}

// Get returns a device by ref (tests, inspection).
func (m *MemDirectory) Get(ref uint) (Identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.byRef[ref]
	return d, ok
}

func (m *MemDirectory) ApplyLocationFix(ctx context.Context, ref uint, fix models.Fix) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.byRef[ref]
	if !ok {
		return ErrNotFound
	}
	d.LastLocation = &Location{Lat: fix.Lat, Lng: fix.Lng, At: fix.At}
	if fix.Battery != nil {
		b := *fix.Battery
		d.BatteryLevel = &b
	}
	m.byRef[ref] = d
	return nil
}

func (m *MemDirectory) GetProtocolDescriptor(_ context.Context, name string) (Descriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.protocols[name]
	if !ok {
		return Descriptor{}, ErrNotFound
	}
	return d, nil
}

func (m *MemDirectory) EnsureProtocol(_ context.Context, d Descriptor) (Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ex, ok := m.protocols[d.Name]; ok {
		return ex, nil
	}
	d = WithDescriptorDefaults(d)
	m.protocols[d.Name] = d
	return d, nil
}

func (m *MemDirectory) ListProtocols(_ context.Context) ([]Descriptor, error) {
	m.mu.RLock()
	out := make([]Descriptor, 0, len(m.protocols))
	for _, d := range m.protocols {
		out = append(out, d)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// WithDescriptorDefaults mirrors the column defaults of the protocols table.
func WithDescriptorDefaults(d Descriptor) Descriptor {
	d.Transport = strings.ToLower(strings.TrimSpace(d.Transport))
	if d.Transport == "" {
		d.Transport = models.TransportTCP
	}
	if d.UpdateFrequency <= 0 {
		d.UpdateFrequency = 60 * time.Second
	}
	if d.MessageFormat == nil {
		d.MessageFormat = map[string]any{}
	}
	if d.DynamicConfig == nil {
		d.DynamicConfig = map[string]any{}
	}
	d.Active = true
	return d
}
