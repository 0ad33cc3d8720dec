package models

import "time"

const (
	DeviceInactive    = "inactive"
	DeviceActive      = "active"
	DeviceSuspended   = "suspended"
	DeviceMaintenance = "maintenance"
)

// Device is a provisioned GPS tracker. Only the columns the ingestion core
// reads or writes are mapped; the rest of the record belongs to the account
// side of the system.
type Device struct {
	ID           uint    `gorm:"primaryKey"`
	IMEI         *string `gorm:"column:imei;size:15;uniqueIndex"`
	DeviceID     *string `gorm:"column:device_id;size:64;uniqueIndex"`
	SerialNumber *string `gorm:"size:50;uniqueIndex"`
	Name         string  `gorm:"size:100"`
	Status       string  `gorm:"size:20;default:inactive"`
	ProtocolName string  `gorm:"size:50;index"`

	LastLocationLat  *float64
	LastLocationLng  *float64
	LastLocationTime *time.Time
	LastSpeed        *float64
	LastHeading      *float64
	BatteryLevel     *int
	AssignedPort     *int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ValidStatus reports whether s is one of the device lifecycle states.
func ValidStatus(s string) bool {
	switch s {
	case DeviceInactive, DeviceActive, DeviceSuspended, DeviceMaintenance:
		return true
	}
	return false
}
