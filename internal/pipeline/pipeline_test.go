package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tracklink/internal/codec"
	"tracklink/internal/directory"
	"tracklink/internal/events"
	"tracklink/internal/logs"
	"tracklink/internal/models"
	"tracklink/internal/rawstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const imei = "123456789012345"

// countingDir wraps the in-memory directory to count applies and inject
// failures.
type countingDir struct {
	*directory.MemDirectory
	applies      atomic.Int32
	failNext     atomic.Int32
	failProtocol atomic.Int32
	slowDeviceID time.Duration
}

func (d *countingDir) FindByDeviceID(ctx context.Context, id string) (directory.Identity, error) {
	time.Sleep(d.slowDeviceID)
	return d.MemDirectory.FindByDeviceID(ctx, id)
}

func (d *countingDir) GetProtocolDescriptor(ctx context.Context, name string) (directory.Descriptor, error) {
	if d.failProtocol.Load() > 0 {
		d.failProtocol.Add(-1)
		return directory.Descriptor{}, errors.New("connection refused")
	}
	return d.MemDirectory.GetProtocolDescriptor(ctx, name)
}

func (d *countingDir) ApplyLocationFix(ctx context.Context, ref uint, fix models.Fix) error {
	if d.failNext.Load() > 0 {
		d.failNext.Add(-1)
		return errors.New("database is locked")
	}
	d.applies.Add(1)
	return d.MemDirectory.ApplyLocationFix(ctx, ref, fix)
}

type mockPublisher struct{ mock.Mock }

func (m *mockPublisher) PublishFix(ctx context.Context, ev events.FixEvent) error {
	return m.Called(ctx, ev).Error(0)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type fixture struct {
	store *rawstore.MemStore
	dir   *countingDir
	dev   directory.Identity
	p     *Pipeline
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	f := &fixture{
		store: rawstore.NewMemStore(rawstore.WithClock(c.Now)),
		dir:   &countingDir{MemDirectory: directory.NewMemDirectory()},
	}
	var err error
	f.dev, err = f.dir.Provision(context.Background(), directory.Identity{IMEI: imei, Status: models.DeviceActive})
	require.NoError(t, err)
	opts = append([]Option{WithLogger(logs.Discard())}, opts...)
	f.p = New(f.store, f.dir, codec.NewRegistry(), opts...)
	return f
}

func (f *fixture) add(t *testing.T, payload string) uint {
	t.Helper()
	return f.addAs(t, payload, "Unknown TCP")
}

func (f *fixture) addAs(t *testing.T, payload, protocol string) uint {
	t.Helper()
	id, err := f.store.Append(context.Background(), payload, protocol, "10.0.0.7")
	require.NoError(t, err)
	return id
}

func (f *fixture) row(t *testing.T, id uint) models.RawMessage {
	t.Helper()
	m, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return m
}

func (f *fixture) device(t *testing.T) directory.Identity {
	t.Helper()
	d, ok := f.dir.Get(f.dev.Ref)
	require.True(t, ok)
	return d
}

func TestValidPayloadAppliedOnce(t *testing.T) {
	pub := &mockPublisher{}
	f := newFixture(t, WithPublisher(pub))
	pub.On("PublishFix", mock.Anything, mock.MatchedBy(func(ev events.FixEvent) bool {
		return ev.DeviceRef == f.dev.Ref && ev.IMEI == imei && ev.Lat == 35.6892
	})).Return(nil).Once()

	id := f.add(t, "IMEI:123456789012345,LAT:35.6892,LNG:51.3890,TS:1700000000")
	n, err := f.p.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m := f.row(t, id)
	assert.True(t, m.Processed)
	assert.NotNil(t, m.ProcessedAt)
	assert.Nil(t, m.ErrorDetail)
	require.NotNil(t, m.DeviceRef)
	assert.Equal(t, f.dev.Ref, *m.DeviceRef)

	d := f.device(t)
	require.NotNil(t, d.LastLocation)
	assert.InDelta(t, 35.6892, d.LastLocation.Lat, 1e-9)
	assert.InDelta(t, 51.3890, d.LastLocation.Lng, 1e-9)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), d.LastLocation.At)
	assert.Equal(t, int32(1), f.dir.applies.Load())
	pub.AssertExpectations(t)
}

func TestUnresolvedDeviceIsTerminal(t *testing.T) {
	f := newFixture(t)
	id := f.add(t, "IMEI:999999999999999,LAT:1,LNG:2")
	noClaim := f.add(t, "LAT:1,LNG:2")

	n, err := f.p.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, rid := range []uint{id, noClaim} {
		m := f.row(t, rid)
		assert.True(t, m.Processed)
		require.NotNil(t, m.ErrorDetail)
		assert.Equal(t, ErrUnresolvedDetail, *m.ErrorDetail)
		assert.Nil(t, m.DeviceRef)
	}
	assert.Nil(t, f.device(t).LastLocation, "no device was touched")
	assert.Zero(t, f.dir.applies.Load())
}

func TestDrainIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.add(t, "IMEI:123456789012345,LAT:1,LNG:2")

	n, err := f.p.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.p.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int32(1), f.dir.applies.Load())
}

func TestLaterArrivalWins(t *testing.T) {
	f := newFixture(t, WithWorkers(4))
	for i := 1; i <= 20; i++ {
		f.add(t, fmt.Sprintf("IMEI:123456789012345,LAT:%d,LNG:%d", i, i))
	}
	// noise from other identities shares the batch
	for i := 0; i < 10; i++ {
		f.add(t, fmt.Sprintf("ID:OTHER-%d,LAT:0,LNG:0", i))
	}

	n, err := f.p.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 30, n)

	d := f.device(t)
	require.NotNil(t, d.LastLocation)
	assert.Equal(t, 20.0, d.LastLocation.Lat)
	assert.Zero(t, f.p.locks.size())
}

func TestParseErrorIsTerminal(t *testing.T) {
	f := newFixture(t)
	badLat := f.add(t, "IMEI:123456789012345,LAT:north,LNG:2")
	badIMEI := f.add(t, "IMEI:12345,LAT:1,LNG:2")

	n, err := f.p.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	m := f.row(t, badLat)
	assert.True(t, m.Processed)
	require.NotNil(t, m.ErrorDetail)
	assert.Contains(t, *m.ErrorDetail, "lat")

	m = f.row(t, badIMEI)
	require.NotNil(t, m.ErrorDetail)
	assert.Contains(t, *m.ErrorDetail, "imei")
	assert.Nil(t, f.device(t).LastLocation)
}

func TestTransientFailureReleasesAndPreservesOrder(t *testing.T) {
	f := newFixture(t, WithWorkers(1))
	first := f.add(t, "IMEI:123456789012345,LAT:1,LNG:1")
	second := f.add(t, "IMEI:123456789012345,LAT:2,LNG:2")
	f.dir.failNext.Store(1)

	n, err := f.p.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	for _, id := range []uint{first, second} {
		m := f.row(t, id)
		assert.False(t, m.Processed, "row %d stays pending", id)
		assert.Nil(t, m.ErrorDetail)
	}
	assert.Nil(t, f.device(t).LastLocation)

	n, err = f.p.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2.0, f.device(t).LastLocation.Lat)
}

func TestDeviceOrderAcrossIdentifiers(t *testing.T) {
	f := newFixture(t, WithWorkers(4))
	f.dir.slowDeviceID = 20 * time.Millisecond
	ctx := context.Background()
	both, err := f.dir.Provision(ctx, directory.Identity{IMEI: "490154203237518", DeviceID: "TRK-2"})
	require.NoError(t, err)
	// firmware reporting the imei in the id slot
	legacy, err := f.dir.Provision(ctx, directory.Identity{DeviceID: "356938035643809"})
	require.NoError(t, err)

	f.add(t, "ID:TRK-2,LAT:1,LNG:1")
	f.add(t, "IMEI:490154203237518,LAT:2,LNG:2")
	f.add(t, "ID:356938035643809,LAT:1,LNG:1")
	f.add(t, "IMEI:356938035643809,LAT:2,LNG:2")

	n, err := f.p.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	for _, ref := range []uint{both.Ref, legacy.Ref} {
		d, ok := f.dir.Get(ref)
		require.True(t, ok)
		require.NotNil(t, d.LastLocation)
		assert.Equal(t, 2.0, d.LastLocation.Lat, "device %d keeps the newer fix", ref)
	}
}

func TestTransientLookupPutsBackLaterRows(t *testing.T) {
	f := newFixture(t, WithWorkers(4))
	ctx := context.Background()
	_, err := f.dir.Provision(ctx, directory.Identity{IMEI: "490154203237518", DeviceID: "TRK-2"})
	require.NoError(t, err)
	_, err = f.dir.EnsureProtocol(ctx, directory.Descriptor{Name: "Fleet TCP", Transport: "tcp"})
	require.NoError(t, err)

	first := f.addAs(t, "ID:TRK-2,LAT:1,LNG:1", "Fleet TCP")
	second := f.add(t, "IMEI:490154203237518,LAT:2,LNG:2")
	f.dir.failProtocol.Store(1)

	n, err := f.p.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	for _, id := range []uint{first, second} {
		assert.False(t, f.row(t, id).Processed, "row %d stays pending", id)
	}
	assert.Zero(t, f.dir.applies.Load())

	n, err = f.p.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	d, err := f.dir.FindByDeviceID(ctx, "TRK-2")
	require.NoError(t, err)
	require.NotNil(t, d.LastLocation)
	assert.Equal(t, 2.0, d.LastLocation.Lat)
}

func TestProtocolSelectsCodec(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.dir.EnsureProtocol(ctx, directory.Descriptor{
		Name: "Fleet MQTT", Transport: "mqtt",
		MessageFormat: map[string]any{"codec": "json"},
	})
	require.NoError(t, err)
	_, err = f.dir.EnsureProtocol(ctx, directory.Descriptor{
		Name: "Binary", Transport: "tcp",
		MessageFormat: map[string]any{"codec": "gt06"},
	})
	require.NoError(t, err)

	ok := f.addAs(t, `{"imei":"123456789012345","lat":10.5,"lng":20.5,"bat":42}`, "Fleet MQTT")
	unknown := f.addAs(t, "whatever", "Binary")

	_, err = f.p.DrainOnce(ctx)
	require.NoError(t, err)

	assert.Nil(t, f.row(t, ok).ErrorDetail)
	d := f.device(t)
	assert.Equal(t, 10.5, d.LastLocation.Lat)
	require.NotNil(t, d.BatteryLevel)
	assert.Equal(t, 42, *d.BatteryLevel)
	// missing ts falls back to the row's received time
	assert.Equal(t, f.row(t, ok).ReceivedAt.UTC(), d.LastLocation.At)

	m := f.row(t, unknown)
	require.NotNil(t, m.ErrorDetail)
	assert.Contains(t, *m.ErrorDetail, "unknown codec")
}

func TestPublishFailureDoesNotFailRow(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("PublishFix", mock.Anything, mock.Anything).Return(errors.New("nats: timeout"))
	f := newFixture(t, WithPublisher(pub))
	id := f.add(t, "IMEI:123456789012345,LAT:1,LNG:2")

	_, err := f.p.DrainOnce(context.Background())
	require.NoError(t, err)
	m := f.row(t, id)
	assert.True(t, m.Processed)
	assert.Nil(t, m.ErrorDetail)
	pub.AssertNumberOfCalls(t, "PublishFix", 1)
}

func TestBatchSizeLimitsClaims(t *testing.T) {
	f := newFixture(t, WithBatchSize(2))
	for i := 0; i < 5; i++ {
		f.add(t, "IMEI:123456789012345,LAT:1,LNG:2")
	}
	n, err := f.p.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	st, err := f.store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Pending)
}

func TestRunDrainsUntilCancelled(t *testing.T) {
	f := newFixture(t, WithPollInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.p.Run(ctx) }()

	id := f.add(t, "IMEI:123456789012345,LAT:5,LNG:6")
	require.Eventually(t, func() bool {
		m, err := f.store.Get(context.Background(), id)
		return err == nil && m.Processed
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	var (
		wg      sync.WaitGroup
		inside  atomic.Int32
		overlap atomic.Bool
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				unlock := k.Lock(7)
				if inside.Add(1) > 1 {
					overlap.Store(true)
				}
				inside.Add(-1)
				unlock()
			}
		}()
	}
	wg.Wait()
	assert.False(t, overlap.Load())
	assert.Zero(t, k.size())
}
