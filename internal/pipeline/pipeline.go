// Package pipeline turns pending raw messages into device location
// updates. It is the only writer of a row's processed state and of a
// device's last location.
package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"tracklink/internal/codec"
	"tracklink/internal/directory"
	"tracklink/internal/events"
	"tracklink/internal/metrics"
	"tracklink/internal/models"
	"tracklink/internal/rawstore"
	"tracklink/internal/resolver"

	"github.com/sirupsen/logrus"
)

const (
	DefaultWorkers      = 4
	DefaultBatchSize    = 256
	DefaultPollInterval = 500 * time.Millisecond

	// upper bound for finishing a row once it has started
	rowTimeout     = 30 * time.Second
	publishTimeout = 2 * time.Second

	// ErrUnresolvedDetail is the error_detail of rows whose device could not
	// be identified.
	ErrUnresolvedDetail = "unresolved device"
)

// Row outcomes, also used as metric labels.
const (
	outcomeProcessed  = "processed"
	outcomeUnresolved = "unresolved"
	outcomeParseError = "parse_error"
	outcomeRetry      = "retry"
	outcomeSkipped    = "skipped"
)

type Option func(*Pipeline)

func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithBatchSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

func WithPublisher(pub events.Publisher) Option {
	return func(p *Pipeline) {
		if pub != nil {
			p.pub = pub
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(p *Pipeline) { p.log = l.WithField("component", "pipeline") }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

type Pipeline struct {
	store    rawstore.Store
	dir      directory.Directory
	resolver *resolver.Resolver
	codecs   *codec.Registry
	pub      events.Publisher
	log      logrus.FieldLogger
	metrics  *metrics.Metrics
	locks    *keyedMutex

	workers      int
	batchSize    int
	pollInterval time.Duration
}

func New(store rawstore.Store, dir directory.Directory, codecs *codec.Registry, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:        store,
		dir:          dir,
		resolver:     resolver.New(dir),
		codecs:       codecs,
		pub:          events.Nop{},
		log:          logrus.StandardLogger().WithField("component", "pipeline"),
		locks:        newKeyedMutex(),
		workers:      DefaultWorkers,
		batchSize:    DefaultBatchSize,
		pollInterval: DefaultPollInterval,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run drains until ctx is done, pausing PollInterval whenever a pass
// finishes no rows.
func (p *Pipeline) Run(ctx context.Context) error {
	p.log.WithFields(logrus.Fields{"workers": p.workers, "batch": p.batchSize}).Info("pipeline started")
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			p.log.Info("pipeline stopped")
			return nil
		case <-t.C:
		}
		n, err := p.DrainOnce(ctx)
		if err != nil && ctx.Err() == nil {
			p.log.WithError(err).Warn("drain failed")
		}
		if n > 0 {
			t.Reset(0)
		} else {
			t.Reset(p.pollInterval)
		}
	}
}

// job is a claimed row plus what the dispatcher learned about it.
type job struct {
	row   *models.RawMessage
	codec codec.Codec
	dev   directory.Identity
	// set when the row's fate is decided before the worker sees it
	fail       string
	unresolved bool
	outcome    string
}

// ref is the resolved device, zero when there is none.
func (j *job) ref() uint {
	if j.unresolved || j.fail != "" {
		return 0
	}
	return j.dev.Ref
}

// resolution caches one identity claim's outcome for a drain.
type resolution struct {
	dev directory.Identity
	err error
}

// DrainOnce claims up to BatchSize pending rows, oldest first, and works
// them to completion. Rows are resolved before they are queued, so every
// row of a device goes to the same worker in claim order whichever
// identifier its payload used. It returns how many rows reached a terminal
// state.
func (p *Pipeline) DrainOnce(ctx context.Context) (int, error) {
	rows, claimErr := p.claimBatch(ctx)
	if len(rows) == 0 {
		return 0, claimErr
	}
	p.metrics.Drain()

	d := dispatch{
		formats: map[string]codec.Codec{},
		claims:  map[string]resolution{},
	}
	queues := make([][]*job, p.workers)
	for i, row := range rows {
		j := &job{row: row}
		if err := p.prepare(ctx, j, &d); err != nil {
			// a later row may belong to the same device, so none of them
			// may overtake this one
			p.putBack(rows[i:], err)
			break
		}
		q := shard(j.ref(), row.ID, p.workers)
		queues[q] = append(queues[q], j)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		done int
	)
	for _, q := range queues {
		if len(q) == 0 {
			continue
		}
		wg.Add(1)
		go func(q []*job) {
			defer wg.Done()
			n := p.work(ctx, q)
			mu.Lock()
			done += n
			mu.Unlock()
		}(q)
	}
	wg.Wait()
	return done, claimErr
}

func (p *Pipeline) claimBatch(ctx context.Context) ([]*models.RawMessage, error) {
	var rows []*models.RawMessage
	for len(rows) < p.batchSize {
		if ctx.Err() != nil {
			return rows, ctx.Err()
		}
		m, err := p.store.ClaimNextUnprocessed(ctx)
		if err != nil {
			return rows, fmt.Errorf("claim: %w", err)
		}
		if m == nil {
			break
		}
		rows = append(rows, m)
	}
	return rows, nil
}

// putBack releases rows the dispatcher could not place.
func (p *Pipeline) putBack(rows []*models.RawMessage, cause error) {
	p.log.WithError(cause).WithFields(logrus.Fields{
		"raw_id": rows[0].ID,
		"rows":   len(rows),
	}).Warn("transient failure; rows will be retried")
	for _, row := range rows {
		p.release(&job{row: row}, cause.Error())
		p.metrics.Row(outcomeRetry, 0)
	}
}

func shard(ref, id uint, n int) int {
	if n <= 1 {
		return 0
	}
	if ref == 0 {
		return int(id % uint(n))
	}
	h := fnv.New32a()
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(ref))
	_, _ = h.Write(b[:])
	return int(h.Sum32() % uint32(n))
}

// dispatch holds per-drain lookups.
type dispatch struct {
	formats map[string]codec.Codec
	claims  map[string]resolution
}

// prepare picks the codec and resolves the device. Terminal problems are
// recorded on j; a returned error is transient.
func (p *Pipeline) prepare(ctx context.Context, j *job, d *dispatch) error {
	row := j.row
	c, ok := d.formats[row.ProtocolRef]
	if !ok {
		desc, err := p.dir.GetProtocolDescriptor(ctx, row.ProtocolRef)
		switch {
		case err == nil:
			c, err = p.codecs.Lookup(desc.MessageFormat)
			if err != nil {
				j.fail = err.Error()
				return nil
			}
		case errors.Is(err, directory.ErrNotFound):
			c, _ = p.codecs.Get(codec.DefaultCodec)
		default:
			return fmt.Errorf("protocol %q: %w", row.ProtocolRef, err)
		}
		d.formats[row.ProtocolRef] = c
	}
	j.codec = c

	claim, err := c.Identity(row.Payload)
	if err != nil {
		j.fail = err.Error()
		return nil
	}

	token := claim.Token()
	res, ok := d.claims[token]
	if !ok || token == "" {
		res.dev, res.err = p.resolver.Resolve(ctx, claim)
		if res.err != nil && !errors.Is(res.err, resolver.ErrUnresolved) {
			return fmt.Errorf("resolve: %w", res.err)
		}
		d.claims[token] = res
	}
	if res.err != nil {
		j.unresolved = true
		return nil
	}
	j.dev = res.dev
	return nil
}

// work handles one queue in order. Once a row of a device is put back for
// retry, later rows of that device in the queue are put back too, so a
// retried older fix can never land after a newer one.
func (p *Pipeline) work(ctx context.Context, q []*job) int {
	held := map[uint]bool{}
	finished := 0
	for _, j := range q {
		start := time.Now()
		ref := j.ref()
		switch {
		case ctx.Err() != nil:
			p.release(j, "shutdown")
			j.outcome = outcomeRetry
		case ref != 0 && held[ref]:
			p.release(j, "earlier row of the same device is pending retry")
			j.outcome = outcomeRetry
		default:
			p.handle(ctx, j)
		}
		if j.outcome == outcomeRetry && ref != 0 {
			held[ref] = true
		}
		if j.outcome != outcomeRetry && j.outcome != outcomeSkipped {
			finished++
		}
		p.metrics.Row(j.outcome, time.Since(start))
	}
	return finished
}

func (p *Pipeline) rowLog(j *job) *logrus.Entry {
	return p.log.WithFields(logrus.Fields{
		"raw_id":   j.row.ID,
		"protocol": j.row.ProtocolRef,
	})
}

func (p *Pipeline) handle(parent context.Context, j *job) {
	// a started row is finished even if shutdown begins
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), rowTimeout)
	defer cancel()
	log := p.rowLog(j)

	if j.fail != "" {
		p.markError(ctx, j, j.fail, outcomeParseError)
		return
	}
	if j.unresolved {
		log.Info("unresolved device")
		p.markError(ctx, j, ErrUnresolvedDetail, outcomeUnresolved)
		return
	}
	dev := j.dev
	log = log.WithField("device_ref", dev.Ref)

	if err := p.store.AssignDevice(ctx, j.row.ID, dev.Ref); err != nil {
		p.storeFailure(j, log, "assign device", err)
		return
	}
	ref := dev.Ref
	j.row.DeviceRef = &ref

	fix, err := j.codec.Parse(j.row.Payload, j.row.ReceivedAt)
	if err != nil {
		log.WithError(err).Info("payload rejected")
		p.markError(ctx, j, err.Error(), outcomeParseError)
		return
	}

	unlock := p.locks.Lock(dev.Ref)
	err = p.dir.ApplyLocationFix(ctx, dev.Ref, fix)
	unlock()
	switch {
	case errors.Is(err, directory.ErrNotFound):
		log.Warn("device disappeared before the fix was applied")
		p.markError(ctx, j, ErrUnresolvedDetail, outcomeUnresolved)
		return
	case err != nil:
		log.WithError(err).Warn("apply fix failed; row will be retried")
		p.release(j, err.Error())
		j.outcome = outcomeRetry
		return
	}

	if err := p.store.MarkProcessed(ctx, j.row.ID); err != nil {
		p.storeFailure(j, log, "mark processed", err)
		return
	}
	j.outcome = outcomeProcessed
	log.WithFields(logrus.Fields{"lat": fix.Lat, "lng": fix.Lng, "at": fix.At}).Debug("fix applied")

	p.publish(ctx, j, dev, fix)
}

// storeFailure classifies a raw store error on a claimed row.
func (p *Pipeline) storeFailure(j *job, log *logrus.Entry, op string, err error) {
	if errors.Is(err, rawstore.ErrAlreadyProcessed) || errors.Is(err, rawstore.ErrNotFound) {
		// our lease expired and another worker finished the row
		log.WithError(err).Warn(op + ": row already finished elsewhere")
		j.outcome = outcomeSkipped
		return
	}
	log.WithError(err).Warn(op + " failed; row will be retried")
	p.release(j, err.Error())
	j.outcome = outcomeRetry
}

func (p *Pipeline) markError(ctx context.Context, j *job, detail, outcome string) {
	if err := p.store.MarkError(ctx, j.row.ID, detail); err != nil {
		p.storeFailure(j, p.rowLog(j), "mark error", err)
		return
	}
	j.outcome = outcome
}

func (p *Pipeline) release(j *job, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), rowTimeout)
	defer cancel()
	if err := p.store.Release(ctx, j.row.ID); err != nil && !errors.Is(err, rawstore.ErrAlreadyProcessed) {
		// the claim lease will expire instead
		p.rowLog(j).WithError(err).WithField("reason", reason).Warn("release failed")
	}
}

func (p *Pipeline) publish(ctx context.Context, j *job, dev directory.Identity, fix models.Fix) {
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	ev := events.FixEvent{
		RawID:      j.row.ID,
		DeviceRef:  dev.Ref,
		IMEI:       dev.IMEI,
		DeviceID:   dev.DeviceID,
		Protocol:   j.row.ProtocolRef,
		Lat:        fix.Lat,
		Lng:        fix.Lng,
		At:         fix.At,
		Speed:      fix.Speed,
		Heading:    fix.Heading,
		Battery:    fix.Battery,
		ReceivedAt: j.row.ReceivedAt,
	}
	if err := p.pub.PublishFix(pctx, ev); err != nil {
		p.rowLog(j).WithError(err).Warn("fix event not published")
	}
}
