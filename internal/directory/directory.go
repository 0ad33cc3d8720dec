// Package directory is the ingestion core's view of the device and protocol
// records. The records themselves are owned by the account side of the
// system; this package only defines what the core reads and writes.
package directory

import (
	"context"
	"errors"
	"time"

	"tracklink/internal/models"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrNoIdentity      = errors.New("device needs an imei or a device_id")
	ErrInvalidIMEI     = errors.New("imei must be 15 digits")
	ErrDuplicateDevice = errors.New("device identity already provisioned")
)

// Location is a device's last known position.
type Location struct {
	Lat float64
	Lng float64
	At  time.Time
}

// Identity is the subset of a device record the core works with.
type Identity struct {
	Ref          uint
	IMEI         string
	DeviceID     string
	SerialNumber string
	Status       string
	Protocol     string
	LastLocation *Location
	BatteryLevel *int
	AssignedPort *int
}

// Descriptor is protocol metadata. Immutable for the lifetime of a handler.
type Descriptor struct {
	Name               string
	Transport          string
	DefaultPort        int
	RequiresAuth       bool
	SupportsEncryption bool
	UpdateFrequency    time.Duration
	MessageFormat      map[string]any
	DynamicConfig      map[string]any
	Active             bool
}

// Directory is the device directory as the core sees it.
type Directory interface {
	FindByIMEI(ctx context.Context, imei string) (Identity, error)
	FindByDeviceID(ctx context.Context, id string) (Identity, error)
	// ApplyLocationFix overwrites the last known location (last write wins).
	ApplyLocationFix(ctx context.Context, ref uint, fix models.Fix) error
	GetProtocolDescriptor(ctx context.Context, name string) (Descriptor, error)
	// EnsureProtocol returns the named descriptor, creating it from d when
	// it does not exist yet.
	EnsureProtocol(ctx context.Context, d Descriptor) (Descriptor, error)
	ListProtocols(ctx context.Context) ([]Descriptor, error)
}

// Provisioner is implemented by directories that can create devices; the
// in-memory directory uses it for fixtures.
type Provisioner interface {
	Provision(ctx context.Context, d Identity) (Identity, error)
}
