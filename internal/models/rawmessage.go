package models

import "time"

// RawMessage is one payload exactly as a device sent it, plus the outcome of
// processing it. Created once by a receiver, finished once by the pipeline,
// never deleted here.
//
// Processed=false implies ProcessedAt==nil and ErrorDetail==nil. ClaimedAt /
// ClaimToken mark a row that a pipeline worker is currently working on; a
// claimed row is still unprocessed.
type RawMessage struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	DeviceRef     *uint      `gorm:"index" json:"device_ref"`
	ProtocolRef   string     `gorm:"size:50;index" json:"protocol_ref"`
	Payload       string     `gorm:"type:text" json:"payload"`
	ReceivedAt    time.Time  `gorm:"index:idx_raw_pending,priority:2;not null" json:"received_at"`
	SourceAddress string     `gorm:"size:255" json:"source_address"`
	Processed     bool       `gorm:"index:idx_raw_pending,priority:1;not null;default:false" json:"processed"`
	ProcessedAt   *time.Time `json:"processed_at"`
	ErrorDetail   *string    `gorm:"type:text" json:"error_detail"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	ClaimToken    string     `gorm:"size:36" json:"-"`
}

// State is the coarse lifecycle position used by inspection endpoints.
func (m RawMessage) State() string {
	switch {
	case !m.Processed:
		return RawPending
	case m.ErrorDetail != nil:
		return RawError
	default:
		return RawProcessed
	}
}

const (
	RawPending   = "pending"
	RawProcessed = "processed"
	RawError     = "error"
)

// RawStats counts rows per State.
type RawStats struct {
	Pending   int64 `json:"pending"`
	Processed int64 `json:"processed"`
	Errored   int64 `json:"error"`
}
