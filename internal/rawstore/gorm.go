package rawstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tracklink/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// claimAttempts bounds how many times ClaimNextUnprocessed retries after
// losing a race for the same row to another worker.
const claimAttempts = 8

type GormStore struct {
	db   *gorm.DB
	opts options
}

func NewGormStore(db *gorm.DB, opts ...Option) *GormStore {
	return &GormStore{db: db, opts: buildOptions(opts)}
}

func (s *GormStore) Append(ctx context.Context, payload, protocolRef, sourceAddress string) (uint, error) {
	if strings.TrimSpace(payload) == "" {
		return 0, ErrEmptyPayload
	}
	m := models.RawMessage{
		ProtocolRef:   protocolRef,
		Payload:       payload,
		ReceivedAt:    s.opts.now().UTC(),
		SourceAddress: sourceAddress,
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return 0, fmt.Errorf("append raw message: %w", err)
	}
	return m.ID, nil
}

// ClaimNextUnprocessed picks the oldest claimable row and flips its claim
// columns with a conditional UPDATE; RowsAffected tells whether this worker
// won the row.
func (s *GormStore) ClaimNextUnprocessed(ctx context.Context) (*models.RawMessage, error) {
	db := s.db.WithContext(ctx)
	for i := 0; i < claimAttempts; i++ {
		now := s.opts.now().UTC()
		stale := now.Add(-s.opts.lease)

		var cand models.RawMessage
		err := db.Where("processed = ? AND (claimed_at IS NULL OR claimed_at < ?)", false, stale).
			Order("received_at ASC, id ASC").
			First(&cand).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select claimable: %w", err)
		}

		token := uuid.NewString()
		res := db.Model(&models.RawMessage{}).
			Where("id = ? AND processed = ? AND (claimed_at IS NULL OR claimed_at < ?)", cand.ID, false, stale).
			Updates(map[string]any{"claimed_at": now, "claim_token": token})
		if res.Error != nil {
			return nil, fmt.Errorf("claim %d: %w", cand.ID, res.Error)
		}
		if res.RowsAffected == 1 {
			cand.ClaimedAt = &now
			cand.ClaimToken = token
			return &cand, nil
		}
		// someone else got it first; look again
	}
	return nil, nil
}

func (s *GormStore) AssignDevice(ctx context.Context, id, deviceRef uint) error {
	res := s.db.WithContext(ctx).Model(&models.RawMessage{}).
		Where("id = ? AND processed = ?", id, false).
		Update("device_ref", deviceRef)
	return s.checkPending(ctx, id, res)
}

func (s *GormStore) MarkProcessed(ctx context.Context, id uint) error {
	return s.finish(ctx, id, nil)
}

func (s *GormStore) MarkError(ctx context.Context, id uint, detail string) error {
	return s.finish(ctx, id, &detail)
}

func (s *GormStore) finish(ctx context.Context, id uint, detail *string) error {
	now := s.opts.now().UTC()
	res := s.db.WithContext(ctx).Model(&models.RawMessage{}).
		Where("id = ? AND processed = ?", id, false).
		Updates(map[string]any{
			"processed":    true,
			"processed_at": now,
			"error_detail": detail,
			"claim_token":  "",
		})
	return s.checkPending(ctx, id, res)
}

func (s *GormStore) Release(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Model(&models.RawMessage{}).
		Where("id = ? AND processed = ?", id, false).
		Updates(map[string]any{"claimed_at": nil, "claim_token": ""})
	return s.checkPending(ctx, id, res)
}

// checkPending turns a zero-row conditional update into the right error.
func (s *GormStore) checkPending(ctx context.Context, id uint, res *gorm.DB) error {
	if res.Error != nil {
		return fmt.Errorf("update raw message %d: %w", id, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.RawMessage{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return fmt.Errorf("lookup raw message %d: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrAlreadyProcessed
}

func (s *GormStore) Get(ctx context.Context, id uint) (models.RawMessage, error) {
	var m models.RawMessage
	err := s.db.WithContext(ctx).First(&m, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return m, ErrNotFound
	}
	return m, err
}

func (s *GormStore) List(ctx context.Context, f Filter) ([]models.RawMessage, error) {
	q := s.db.WithContext(ctx).Model(&models.RawMessage{})
	switch f.State {
	case models.RawPending:
		q = q.Where("processed = ?", false)
	case models.RawProcessed:
		q = q.Where("processed = ? AND error_detail IS NULL", true)
	case models.RawError:
		q = q.Where("processed = ? AND error_detail IS NOT NULL", true)
	case "":
	default:
		return nil, fmt.Errorf("unknown state filter: %s", f.State)
	}
	var out []models.RawMessage
	err := q.Order("received_at ASC, id ASC").Limit(f.limit()).Offset(f.Offset).Find(&out).Error
	return out, err
}

func (s *GormStore) Stats(ctx context.Context) (models.RawStats, error) {
	var st models.RawStats
	db := s.db.WithContext(ctx).Model(&models.RawMessage{})
	if err := db.Session(&gorm.Session{}).Where("processed = ?", false).Count(&st.Pending).Error; err != nil {
		return st, err
	}
	if err := db.Session(&gorm.Session{}).Where("processed = ? AND error_detail IS NULL", true).Count(&st.Processed).Error; err != nil {
		return st, err
	}
	if err := db.Session(&gorm.Session{}).Where("processed = ? AND error_detail IS NOT NULL", true).Count(&st.Errored).Error; err != nil {
		return st, err
	}
	return st, nil
}
