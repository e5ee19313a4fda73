// ============================================================================
// Groupmesh 群組訊息分發器
// ============================================================================
//
// Package: internal/distributor
// 文件: distributor.go
// 功能: 依群組大小選擇分發策略並執行並發扇出
//
// 任務生命週期:
//   Start() → jobmanager.Create (CREATED) → MarkInProgress (IN_PROGRESS)
//           → 策略執行 → Finish (COMPLETED) 或 Cancel (CANCELLED)
//
// 每個收件人: 快取查詢 → 加密 → 傳輸；失敗只影響該收件人，
// 依 optimizer 的退避策略重試，最多 5 次。
//
// 所有子任務都屬於同一個 errgroup，取消任務 context 即取消全部投遞。
// ============================================================================

package distributor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/groupmesh/internal/events"
	"github.com/ChuLiYu/groupmesh/internal/jobmanager"
	"github.com/ChuLiYu/groupmesh/internal/metrics"
	"github.com/ChuLiYu/groupmesh/internal/optimizer"
	"github.com/ChuLiYu/groupmesh/internal/storage/wal"
	"github.com/ChuLiYu/groupmesh/pkg/types"
)

var (
	// ErrUnknownDistribution indicates the id was never registered or its
	// result is no longer retained.
	ErrUnknownDistribution = errors.New("distributor: unknown distribution")
	// ErrDistributionCancelled is returned with the partial result of a
	// cancelled distribution.
	ErrDistributionCancelled = errors.New("distributor: distribution cancelled")
	// ErrRetriesExhausted marks a recipient that failed every attempt.
	ErrRetriesExhausted = errors.New("distributor: retries exhausted")
	// ErrNoRecipients indicates an empty recipient list.
	ErrNoRecipients = errors.New("distributor: no recipients")
	// ErrNoLedger indicates the distributor was built without a ledger.
	ErrNoLedger = errors.New("distributor: ledger transport not configured")
)

// Encryptor is the slice of the encryption manager the distributor uses.
type Encryptor interface {
	EncryptGroupMessage(ctx context.Context, groupID, senderID string, deviceID uint32, plaintext []byte) ([]byte, error)
}

// KeyVersioner is optionally implemented by an Encryptor that can report the
// sender's current key id. Cached ciphertext is then scoped to that key.
type KeyVersioner interface {
	SenderKeyID(groupID, senderID string, deviceID uint32) (uint32, bool)
}

// Ledger is the central transport: one envelope per recipient.
type Ledger interface {
	Send(ctx context.Context, env types.Envelope) (types.DeliveryReceipt, error)
}

// Mesh relays one envelope to a cluster of members and reports the members
// it could not reach.
type Mesh interface {
	Deliver(ctx context.Context, members []string, env types.Envelope) (failed []string, err error)
}

// Journal records distribution lifecycle events.
type Journal interface {
	Append(rec wal.Record, forceFlush bool) (wal.Event, error)
}

// Request describes one message to fan out.
type Request struct {
	GroupID    string
	SenderID   string
	DeviceID   uint32 // zero means the default device
	MessageID  string // generated when empty
	Plaintext  []byte
	Recipients []string

	// Network, when set, sizes BATCHED chunks through the optimizer instead
	// of the fixed brackets.
	Network *types.NetworkConditions
	// NetworkLoad (0..1) and DeliveryRate (deliveries/s, 0 = unknown) feed
	// the optimizer's rate limiting.
	NetworkLoad  float64
	DeliveryRate float64
}

// Distributor executes distributions.
type Distributor struct {
	enc     Encryptor
	ledger  Ledger
	mesh    Mesh
	opt     *optimizer.Optimizer
	jobs    *jobmanager.JobManager
	journal Journal
	metrics *metrics.Collector
	log     *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	progress  map[string]*events.Broker[types.DistributionProgress]
	requests  map[string]Request // retained for RetryFailedDeliveries
	doneOrder []string
	retention int
	running   int           // executions that have not journaled their end
	idle      chan struct{} // closed while running is zero
}

// Option configures a Distributor.
type Option func(*Distributor)

// WithMesh sets the mesh transport used by HYBRID_MESH and as the alternative route.
func WithMesh(m Mesh) Option {
	return func(d *Distributor) { d.mesh = m }
}

// WithOptimizer replaces the default optimizer.
func WithOptimizer(o *optimizer.Optimizer) Option {
	return func(d *Distributor) {
		if o != nil {
			d.opt = o
		}
	}
}

// WithJobManager shares a job table.
func WithJobManager(jm *jobmanager.JobManager) Option {
	return func(d *Distributor) {
		if jm != nil {
			d.jobs = jm
		}
	}
}

// WithJournal appends lifecycle events to j.
func WithJournal(j Journal) Option {
	return func(d *Distributor) { d.journal = j }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(d *Distributor) { d.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Distributor) {
		if l != nil {
			d.log = l.With("component", "distributor")
		}
	}
}

// WithRetention bounds how many finished distributions stay retryable.
func WithRetention(n int) Option {
	return func(d *Distributor) {
		if n > 0 {
			d.retention = n
		}
	}
}

// New creates a distributor over an encryptor and a ledger transport.
func New(enc Encryptor, ledger Ledger, opts ...Option) *Distributor {
	d := &Distributor{
		enc:       enc,
		ledger:    ledger,
		opt:       optimizer.New(),
		jobs:      jobmanager.NewJobManager(jobmanager.DefaultResultRetention),
		log:       slog.With("component", "distributor"),
		now:       time.Now,
		progress:  make(map[string]*events.Broker[types.DistributionProgress]),
		requests:  make(map[string]Request),
		retention: jobmanager.DefaultResultRetention,
		idle:      make(chan struct{}),
	}
	close(d.idle)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Optimizer exposes the optimizer so callers can feed it delivery history.
func (d *Distributor) Optimizer() *optimizer.Optimizer { return d.opt }

// Jobs exposes the job table.
func (d *Distributor) Jobs() *jobmanager.JobManager { return d.jobs }

// ============================================================================
// 公開介面
// ============================================================================

// Handle is a running distribution.
type Handle struct {
	id     string
	d      *Distributor
	done   chan struct{}
	result types.DistributionResult
	err    error
}

// ID returns the distribution id.
func (h *Handle) ID() string { return h.id }

// Progress subscribes to the distribution's progress stream.
func (h *Handle) Progress(ctx context.Context) <-chan types.DistributionProgress {
	ch, err := h.d.ObserveProgress(ctx, h.id)
	if err != nil {
		closed := make(chan types.DistributionProgress)
		close(closed)
		return closed
	}
	return ch
}

// Done is closed when the distribution finishes.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the distribution finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) (types.DistributionResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return types.DistributionResult{}, ctx.Err()
	}
}

// Distribute runs a distribution and waits for it. Partial failure is a nil
// error; see FailedDeliveries.
func (d *Distributor) Distribute(ctx context.Context, req Request) (types.DistributionResult, error) {
	h, err := d.Start(ctx, req)
	if err != nil {
		return types.DistributionResult{}, err
	}
	<-h.done
	return h.result, h.err
}

// Start registers the job and runs it in the background. The job context is
// derived from ctx.
func (d *Distributor) Start(ctx context.Context, req Request) (*Handle, error) {
	if len(req.Recipients) == 0 {
		return nil, ErrNoRecipients
	}
	if d.ledger == nil {
		return nil, ErrNoLedger
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}
	if req.DeviceID == 0 {
		req.DeviceID = 1
	}
	req.Recipients = dedupe(req.Recipients)

	id := uuid.NewString()
	strategy := GetOptimalDistributionStrategy(len(req.Recipients))
	jobCtx, cancel := context.WithCancel(ctx)
	d.enter()

	job := types.DistributionJob{
		DistributionID: id,
		GroupID:        req.GroupID,
		MessageID:      req.MessageID,
		Recipients:     req.Recipients,
		Strategy:       strategy,
	}
	if err := d.jobs.Create(job, cancel); err != nil {
		cancel()
		d.leave()
		return nil, err
	}

	broker := events.NewBroker[types.DistributionProgress](events.DefaultBuffer)
	r := newRun(id, req, strategy, d.now())
	broker.Publish(r.snapshot(d.opt, d.now()))

	d.mu.Lock()
	d.progress[id] = broker
	d.mu.Unlock()

	d.appendJournal(wal.Record{
		Type:           wal.EventCreated,
		DistributionID: id,
		GroupID:        req.GroupID,
		MessageID:      req.MessageID,
		Strategy:       strategy,
		Recipients:     len(req.Recipients),
	}, true)

	if err := d.jobs.MarkInProgress(id); err != nil {
		d.log.Warn("mark in progress", "distribution_id", id, "error", err)
	}
	d.metrics.SetActiveDistributions(d.jobs.ActiveCount())
	d.log.Info("distribution started",
		"distribution_id", id,
		"group_id", req.GroupID,
		"recipients", len(req.Recipients),
		"strategy", strategy)

	h := &Handle{id: id, d: d, done: make(chan struct{})}
	go func() {
		defer cancel()
		defer close(h.done)
		defer d.leave()
		h.result, h.err = d.execute(jobCtx, r, broker)
	}()
	return h, nil
}

func (d *Distributor) enter() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running == 0 {
		d.idle = make(chan struct{})
	}
	d.running++
}

func (d *Distributor) leave() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running--
	if d.running == 0 {
		close(d.idle)
	}
}

// Running returns how many executions have not yet journaled their end
// record. A cancelled job leaves the active set at once but stays running
// until its CANCELLED record is written.
func (d *Distributor) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// WaitIdle blocks until no execution is running or ctx is done.
func (d *Distributor) WaitIdle(ctx context.Context) error {
	d.mu.Lock()
	idle := d.idle
	d.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IfIdle runs fn only when no execution is running, and keeps new ones from
// starting until fn returns. It reports whether fn ran.
func (d *Distributor) IfIdle(fn func() error) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running > 0 {
		return false, nil
	}
	return true, fn()
}

// ObserveProgress streams progress for a running or retained distribution.
// A finished distribution yields its final progress and a closed channel.
func (d *Distributor) ObserveProgress(ctx context.Context, id string) (<-chan types.DistributionProgress, error) {
	d.mu.Lock()
	b, ok := d.progress[id]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDistribution, id)
	}
	return b.Subscribe(ctx), nil
}

// CancelDistribution cancels a running distribution. In-flight attempts are
// abandoned; the job leaves the active table immediately.
func (d *Distributor) CancelDistribution(id string) error {
	if _, err := d.jobs.Cancel(id); err != nil {
		if errors.Is(err, jobmanager.ErrJobNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownDistribution, id)
		}
		return err
	}
	d.metrics.SetActiveDistributions(d.jobs.ActiveCount())
	d.log.Info("distribution cancelled", "distribution_id", id)
	return nil
}

// RetryFailedDeliveries re-sends the message of a finished distribution to
// only its failed recipients, as a new distribution.
func (d *Distributor) RetryFailedDeliveries(ctx context.Context, id string) (types.DistributionResult, error) {
	prev, ok := d.jobs.Result(id)
	d.mu.Lock()
	req, hasReq := d.requests[id]
	d.mu.Unlock()
	if !ok || !hasReq {
		return types.DistributionResult{}, fmt.Errorf("%w: %s", ErrUnknownDistribution, id)
	}
	if len(prev.FailedRecipients) == 0 {
		return types.DistributionResult{
			DistributionID:      id,
			Strategy:            prev.Strategy,
			Status:              types.DistributionCompleted,
			CompletionTimestamp: d.now().UnixMilli(),
		}, nil
	}

	req.Recipients = append([]string(nil), prev.FailedRecipients...)
	d.log.Info("retrying failed deliveries", "distribution_id", id, "recipients", len(req.Recipients))
	return d.Distribute(ctx, req)
}

// ActiveDistributions lists running jobs.
func (d *Distributor) ActiveDistributions() []types.DistributionJob {
	return d.jobs.Active()
}

// Result returns a finished distribution's result.
func (d *Distributor) Result(id string) (types.DistributionResult, bool) {
	return d.jobs.Result(id)
}

// ============================================================================
// 執行
// ============================================================================

func (d *Distributor) execute(ctx context.Context, r *run, broker *events.Broker[types.DistributionProgress]) (types.DistributionResult, error) {
	throttle := d.opt.ApplyRateLimiting(r.req.DeliveryRate, r.req.NetworkLoad)
	ex := &executor{d: d, run: r, broker: broker, throttle: throttle}

	recipients := d.opt.OptimizeDeliveryOrder(r.req.Recipients)
	switch r.strategy {
	case types.StrategyDirect:
		ex.direct(ctx, recipients)
	case types.StrategyBatched:
		ex.batched(ctx, recipients)
	case types.StrategyTreeRouting:
		ex.tree(ctx, recipients)
	default:
		ex.hybrid(ctx, recipients)
	}

	finished := d.now()
	result := r.result(finished)
	cancelled := ctx.Err() != nil
	if cancelled {
		result.Status = types.DistributionCancelled
	}

	stored, err := d.jobs.Finish(r.id, result)
	if err != nil {
		d.log.Warn("finish distribution", "distribution_id", r.id, "error", err)
		stored = result
	}
	if stored.Status == types.DistributionCancelled {
		cancelled = true
	}

	if len(stored.FailedRecipients) > 0 {
		d.appendJournal(wal.Record{
			Type:             wal.EventFailed,
			DistributionID:   r.id,
			GroupID:          r.req.GroupID,
			Failed:           stored.FailedDeliveries,
			FailedRecipients: stored.FailedRecipients,
		}, false)
	}
	endType := wal.EventCompleted
	if cancelled {
		endType = wal.EventCancelled
	}
	d.appendJournal(wal.Record{
		Type:           endType,
		DistributionID: r.id,
		GroupID:        r.req.GroupID,
		MessageID:      r.req.MessageID,
		Strategy:       r.strategy,
		Recipients:     stored.TotalRecipients,
		Delivered:      stored.SuccessfulDeliveries,
		Failed:         stored.FailedDeliveries,
	}, true)

	broker.Publish(r.snapshot(d.opt, finished))
	broker.Close()
	d.retain(r.id, r.req)
	if !cancelled && len(stored.FailedRecipients) == 0 {
		// 無人需要重試，釋放此訊息的密文快取
		d.opt.InvalidateMessage(r.req.MessageID)
	}

	d.metrics.RecordDistribution(string(r.strategy), string(stored.Status), stored.Duration.Seconds())
	d.metrics.SetActiveDistributions(d.jobs.ActiveCount())
	d.log.Info("distribution finished",
		"distribution_id", r.id,
		"status", stored.Status,
		"delivered", stored.SuccessfulDeliveries,
		"failed", stored.FailedDeliveries,
		"duration", stored.Duration)

	if cancelled {
		return stored, ErrDistributionCancelled
	}
	return stored, nil
}

// retain keeps the request of a finished job for retries, bounded by retention.
func (d *Distributor) retain(id string, req Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests[id] = req
	d.doneOrder = append(d.doneOrder, id)
	for len(d.doneOrder) > d.retention {
		oldest := d.doneOrder[0]
		d.doneOrder = d.doneOrder[1:]
		delete(d.requests, oldest)
		delete(d.progress, oldest)
	}
}

func (d *Distributor) appendJournal(rec wal.Record, force bool) {
	if d.journal == nil {
		return
	}
	if _, err := d.journal.Append(rec, force); err != nil {
		d.log.Warn("journal append failed", "distribution_id", rec.DistributionID, "type", rec.Type, "error", err)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
