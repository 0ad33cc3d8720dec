package models

import "time"

// Fix is one parsed location observation. At is the device-claimed time
// (or arrival time when the payload carries none).
type Fix struct {
	Lat     float64   `json:"lat"`
	Lng     float64   `json:"lng"`
	At      time.Time `json:"at"`
	Speed   *float64  `json:"speed,omitempty"`
	Heading *float64  `json:"heading,omitempty"`
	Battery *int      `json:"battery,omitempty"`
}
