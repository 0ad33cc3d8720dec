package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	TransportTCP  = "tcp"
	TransportMQTT = "mqtt"
	TransportHTTP = "http"
	TransportSMS  = "sms"
)

// Protocol describes how a family of devices talks to us. MessageFormat["codec"]
// picks the payload codec; DynamicConfig holds transport parameters
// (broker, topic, url, host, port ...).
type Protocol struct {
	ID                     uint   `gorm:"primaryKey"`
	Name                   string `gorm:"size:50;uniqueIndex"`
	ProtocolType           string `gorm:"size:10"`
	Description            string
	DefaultPort            *int
	RequiresAuthentication bool
	SupportsEncryption     bool
	MessageFormat          datatypes.JSONMap
	DynamicConfig          datatypes.JSONMap
	UpdateFrequencySeconds int  `gorm:"default:60"`
	IsActive               bool `gorm:"default:true"`
	CreatedAt              time.Time
}

func ValidTransport(t string) bool {
	switch t {
	case TransportTCP, TransportMQTT, TransportHTTP, TransportSMS:
		return true
	}
	return false
}
