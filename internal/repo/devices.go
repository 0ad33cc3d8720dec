package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"tracklink/internal/directory"
	"tracklink/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DeviceStore is the database-backed directory.
type DeviceStore struct {
	db *gorm.DB
}

func NewDeviceStore(db *gorm.DB) *DeviceStore {
	return &DeviceStore{db: db}
}

var _ directory.Directory = (*DeviceStore)(nil)
var _ directory.Provisioner = (*DeviceStore)(nil)

func optStr(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func derefStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func toIdentity(m models.Device) directory.Identity {
	id := directory.Identity{
		Ref:          m.ID,
		IMEI:         derefStr(m.IMEI),
		DeviceID:     derefStr(m.DeviceID),
		SerialNumber: derefStr(m.SerialNumber),
		Status:       m.Status,
		Protocol:     m.ProtocolName,
		BatteryLevel: m.BatteryLevel,
		AssignedPort: m.AssignedPort,
	}
	if m.LastLocationLat != nil && m.LastLocationLng != nil {
		loc := &directory.Location{Lat: *m.LastLocationLat, Lng: *m.LastLocationLng}
		if m.LastLocationTime != nil {
			loc.At = *m.LastLocationTime
		}
		id.LastLocation = loc
	}
	return id
}

// Provision creates a device. Used for seeding and tests.
func (s *DeviceStore) Provision(ctx context.Context, d directory.Identity) (directory.Identity, error) {
	d, err := directory.CheckIdentity(d)
	if err != nil {
		return d, err
	}
	m := models.Device{
		IMEI:         optStr(d.IMEI),
		DeviceID:     optStr(d.DeviceID),
		SerialNumber: optStr(d.SerialNumber),
		Status:       d.Status,
		ProtocolName: d.Protocol,
		AssignedPort: d.AssignedPort,
	}
	return s.create(ctx, m)
}

func (s *DeviceStore) create(ctx context.Context, m models.Device) (directory.Identity, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		q := tx.Model(&models.Device{})
		switch {
		case m.IMEI != nil && m.DeviceID != nil:
			q = q.Where("imei = ? OR device_id = ?", *m.IMEI, *m.DeviceID)
		case m.IMEI != nil:
			q = q.Where("imei = ?", *m.IMEI)
		default:
			q = q.Where("device_id = ?", *m.DeviceID)
		}
		if err := q.Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return directory.ErrDuplicateDevice
		}
		return tx.Create(&m).Error
	})
	if err != nil {
		return directory.Identity{}, err
	}
	return toIdentity(m), nil
}

func (s *DeviceStore) find(ctx context.Context, col, v string) (directory.Identity, error) {
	if strings.TrimSpace(v) == "" {
		return directory.Identity{}, directory.ErrNotFound
	}
	var m models.Device
	err := s.db.WithContext(ctx).Where(col+" = ?", v).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return directory.Identity{}, directory.ErrNotFound
	}
	if err != nil {
		return directory.Identity{}, err
	}
	return toIdentity(m), nil
}

func (s *DeviceStore) FindByIMEI(ctx context.Context, imei string) (directory.Identity, error) {
	return s.find(ctx, "imei", imei)
}

func (s *DeviceStore) FindByDeviceID(ctx context.Context, id string) (directory.Identity, error) {
	return s.find(ctx, "device_id", id)
}

func (s *DeviceStore) Get(ctx context.Context, ref uint) (directory.Identity, error) {
	var m models.Device
	err := s.db.WithContext(ctx).First(&m, ref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return directory.Identity{}, directory.ErrNotFound
	}
	if err != nil {
		return directory.Identity{}, err
	}
	return toIdentity(m), nil
}

// ApplyLocationFix overwrites the last known location. Speed, heading and
// battery are only touched when the fix carries them.
func (s *DeviceStore) ApplyLocationFix(ctx context.Context, ref uint, fix models.Fix) error {
	at := fix.At.UTC()
	upd := map[string]any{
		"last_location_lat":  fix.Lat,
		"last_location_lng":  fix.Lng,
		"last_location_time": at,
		"updated_at":         time.Now().UTC(),
	}
	if fix.Speed != nil {
		upd["last_speed"] = *fix.Speed
	}
	if fix.Heading != nil {
		upd["last_heading"] = *fix.Heading
	}
	if fix.Battery != nil {
		upd["battery_level"] = *fix.Battery
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Device{}).Where("id = ?", ref).Updates(upd)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return directory.ErrNotFound
		}
		return nil
	})
}

// ─────────────────────────── protocols ───────────────────────────

func toDescriptor(p models.Protocol) directory.Descriptor {
	d := directory.Descriptor{
		Name:               p.Name,
		Transport:          p.ProtocolType,
		RequiresAuth:       p.RequiresAuthentication,
		SupportsEncryption: p.SupportsEncryption,
		UpdateFrequency:    time.Duration(p.UpdateFrequencySeconds) * time.Second,
		MessageFormat:      map[string]any(p.MessageFormat),
		DynamicConfig:      map[string]any(p.DynamicConfig),
		Active:             p.IsActive,
	}
	if p.DefaultPort != nil {
		d.DefaultPort = *p.DefaultPort
	}
	return directory.WithDescriptorDefaults(d)
}

func (s *DeviceStore) GetProtocolDescriptor(ctx context.Context, name string) (directory.Descriptor, error) {
	var p models.Protocol
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return directory.Descriptor{}, directory.ErrNotFound
	}
	if err != nil {
		return directory.Descriptor{}, err
	}
	d := toDescriptor(p)
	d.Active = p.IsActive
	return d, nil
}

// EnsureProtocol is get-or-create by name; an existing row is returned
// unchanged.
func (s *DeviceStore) EnsureProtocol(ctx context.Context, d directory.Descriptor) (directory.Descriptor, error) {
	d = directory.WithDescriptorDefaults(d)
	p := models.Protocol{
		Name:                   d.Name,
		ProtocolType:           d.Transport,
		RequiresAuthentication: d.RequiresAuth,
		SupportsEncryption:     d.SupportsEncryption,
		MessageFormat:          datatypes.JSONMap(d.MessageFormat),
		DynamicConfig:          datatypes.JSONMap(d.DynamicConfig),
		UpdateFrequencySeconds: int(d.UpdateFrequency / time.Second),
		IsActive:               true,
	}
	if d.DefaultPort > 0 {
		port := d.DefaultPort
		p.DefaultPort = &port
	}
	err := s.db.WithContext(ctx).Where("name = ?", d.Name).FirstOrCreate(&p).Error
	if err != nil {
		return directory.Descriptor{}, err
	}
	return s.GetProtocolDescriptor(ctx, d.Name)
}

func (s *DeviceStore) ListProtocols(ctx context.Context) ([]directory.Descriptor, error) {
	var rows []models.Protocol
	if err := s.db.WithContext(ctx).Order("name").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]directory.Descriptor, 0, len(rows))
	for _, p := range rows {
		d := toDescriptor(p)
		d.Active = p.IsActive
		out = append(out, d)
	}
	return out, nil
}
