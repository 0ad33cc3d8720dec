package rawstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"tracklink/internal/models"

	"github.com/google/uuid"
)

// MemStore is the no-database fallback. It keeps the same claim semantics
// as GormStore so the pipeline behaves identically; durability ends with
// the process.
type MemStore struct {
	mu     sync.Mutex
	rows   []*models.RawMessage // append order == id order
	byID   map[uint]*models.RawMessage
	nextID uint
	opts   options
}

func NewMemStore(opts ...Option) *MemStore {
	return &MemStore{byID: make(map[uint]*models.RawMessage), opts: buildOptions(opts)}
}

func (m *MemStore) Append(ctx context.Context, payload, protocolRef, sourceAddress string) (uint, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if strings.TrimSpace(payload) == "" {
		return 0, ErrEmptyPayload
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	row := &models.RawMessage{
		ID:            m.nextID,
		ProtocolRef:   protocolRef,
		Payload:       payload,
		ReceivedAt:    m.opts.now().UTC(),
		SourceAddress: sourceAddress,
	}
	m.rows = append(m.rows, row)
	m.byID[row.ID] = row
	return row.ID, nil
}

func (m *MemStore) ClaimNextUnprocessed(ctx context.Context) (*models.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.opts.now().UTC()
	stale := now.Add(-m.opts.lease)

	var best *models.RawMessage
	for _, r := range m.rows {
		if r.Processed || (r.ClaimedAt != nil && !r.ClaimedAt.Before(stale)) {
			continue
		}
		if best == nil || r.ReceivedAt.Before(best.ReceivedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}
	best.ClaimedAt = &now
	best.ClaimToken = uuid.NewString()
	cp := *best
	return &cp, nil
}

func (m *MemStore) pending(id uint) (*models.RawMessage, error) {
	r, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Processed {
		return nil, ErrAlreadyProcessed
	}
	return r, nil
}

func (m *MemStore) AssignDevice(_ context.Context, id, deviceRef uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.pending(id)
	if err != nil {
		return err
	}
	ref := deviceRef
	r.DeviceRef = &ref
	return nil
}

func (m *MemStore) MarkProcessed(_ context.Context, id uint) error {
	return m.finish(id, nil)
}

func (m *MemStore) MarkError(_ context.Context, id uint, detail string) error {
	return m.finish(id, &detail)
}

func (m *MemStore) finish(id uint, detail *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.pending(id)
	if err != nil {
		return err
	}
	now := m.opts.now().UTC()
	r.Processed = true
	r.ProcessedAt = &now
	r.ErrorDetail = detail
	r.ClaimToken = ""
	return nil
}

func (m *MemStore) Release(_ context.Context, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.pending(id)
	if err != nil {
		return err
	}
	r.ClaimedAt = nil
	r.ClaimToken = ""
	return nil
}

func (m *MemStore) Get(_ context.Context, id uint) (models.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok {
		return models.RawMessage{}, ErrNotFound
	}
	return *r, nil
}

func (m *MemStore) List(_ context.Context, f Filter) ([]models.RawMessage, error) {
	switch f.State {
	case "", models.RawPending, models.RawProcessed, models.RawError:
	default:
		return nil, fmt.Errorf("unknown state filter: %s", f.State)
	}
	m.mu.Lock()
	out := make([]models.RawMessage, 0, len(m.rows))
	for _, r := range m.rows {
		if f.State == "" || r.State() == f.State {
			out = append(out, *r)
		}
	}
	m.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	off := max(f.Offset, 0)
	if off >= len(out) {
		return []models.RawMessage{}, nil
	}
	out = out[off:]
	if n := f.limit(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *MemStore) Stats(_ context.Context) (models.RawStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st models.RawStats
	for _, r := range m.rows {
		switch r.State() {
		case models.RawPending:
			st.Pending++
		case models.RawProcessed:
			st.Processed++
		case models.RawError:
			st.Errored++
		}
	}
	return st, nil
}
