// Package admission decides, for each archive request, whether a capture
// starts now or waits in the tenant queue. It owns the dispatch cycle that
// drains parked work when a tenant's session goes idle, and the global
// administrative reset.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-archiver/internal/archiver"
	"github.com/JakeFAU/listing-archiver/internal/metrics"
	"github.com/JakeFAU/listing-archiver/internal/queue"
	"github.com/JakeFAU/listing-archiver/internal/session"
)

const tracerName = "github.com/JakeFAU/listing-archiver/internal/admission"

// ErrInvalidRequest wraps request validation failures.
var ErrInvalidRequest = errors.New("invalid archive request")

// Kind classifies what Archive did with a request.
type Kind string

const (
	// OutcomeDispatched means a session picked the request up.
	OutcomeDispatched Kind = "dispatched"
	// OutcomeQueued means the request waits for the next dispatch cycle.
	OutcomeQueued Kind = "queued"
	// OutcomeDuplicate means the URL was already waiting in the tenant queue.
	OutcomeDuplicate Kind = "duplicate"
	// OutcomeIdle means a resume cycle found nothing to dispatch.
	OutcomeIdle Kind = "idle"
)

// Outcome reports the admission decision. It never carries the capture
// result; completion is observed on the archived stream.
type Outcome struct {
	Kind    Kind `json:"outcome"`
	Created bool `json:"created,omitempty"`
	Batch   int  `json:"batch,omitempty"`
	Evicted int  `json:"evicted,omitempty"`
}

// ResetReport counts what an administrative reset removed.
type ResetReport struct {
	Locks       int `json:"locks"`
	QueueKeys   int `json:"queueKeys"`
	WorkerCount int `json:"workerCounts"`
}

// Locks is the lock manager surface used by the controller.
type Locks interface {
	TryAcquire(ctx context.Context, listingUUID string) (bool, error)
	Held(ctx context.Context, listingUUID string) (bool, error)
	Release(ctx context.Context, listingUUIDs ...string) error
	ReleaseAll(ctx context.Context) (int, error)
}

// Queue is the per-tenant pending queue surface used by the controller.
type Queue interface {
	Enqueue(ctx context.Context, clientID string, entry queue.Entry) (queue.Result, error)
	Drain(ctx context.Context, clientID string) ([]queue.Entry, error)
	ClearAll(ctx context.Context) (int, error)
}

// Workers reserves per-tenant worker slots.
type Workers interface {
	Reserve(ctx context.Context, clientID string, limit int) (bool, error)
	Release(ctx context.Context, clientID string) error
	Active(ctx context.Context, clientID string) (int, error)
	Reset(ctx context.Context) (int, error)
}

// Limits resolves a tenant's crawler limit.
type Limits interface {
	Limit(clientID string) int
}

// Sessions hands out idle capture sessions.
type Sessions interface {
	Acquire(clientID string) (*session.Session, bool, error)
}

// Config holds per-request defaults applied to every dispatched target.
type Config struct {
	Options       archiver.RenderOptions
	ResumeTimeout time.Duration
}

// Controller implements archive admission.
type Controller struct {
	locks    Locks
	queue    Queue
	workers  Workers
	limits   Limits
	sessions Sessions
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Controller.
func New(
	locks Locks,
	q Queue,
	workers Workers,
	limits Limits,
	sessions Sessions,
	cfg Config,
	logger *zap.Logger,
) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResumeTimeout <= 0 {
		cfg.ResumeTimeout = 10 * time.Second
	}
	return &Controller{
		locks:    locks,
		queue:    q,
		workers:  workers,
		limits:   limits,
		sessions: sessions,
		cfg:      cfg,
		logger:   logger,
	}
}

// Archive admits one capture request.
func (c *Controller) Archive(ctx context.Context, req archiver.CaptureRequest) (out Outcome, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "admission.Archive")
	span.SetAttributes(
		attribute.String("client_id", req.ClientID),
		attribute.String("listing_uuid", req.ListingUUID),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("outcome", string(out.Kind)))
			metrics.ObserveAdmission(string(out.Kind))
		}
		span.End()
	}()

	if err := req.Validate(); err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	entry := queue.Entry{ListingUUID: req.ListingUUID, ListingURL: req.ListingURL}

	acquired, err := c.locks.TryAcquire(ctx, req.ListingUUID)
	if err != nil {
		return Outcome{}, err
	}
	if !acquired {
		metrics.ObserveLockContention()
		return c.enqueueBusy(ctx, req.ClientID, entry)
	}
	return c.cycle(ctx, req.ClientID, &entry)
}

// Resume runs a dispatch cycle for the tenant's parked work.
func (c *Controller) Resume(ctx context.Context, clientID string) (Outcome, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "admission.Resume")
	span.SetAttributes(attribute.String("client_id", clientID))
	defer span.End()

	out, err := c.cycle(ctx, clientID, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

// HandleIdle is the session run-completion hook: it returns the run's worker
// slot and starts the next dispatch cycle for the tenant.
func (c *Controller) HandleIdle(clientID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ResumeTimeout)
	defer cancel()

	if err := c.workers.Release(ctx, clientID); err != nil {
		c.logger.Error("release worker slot failed", zap.String("client_id", clientID), zap.Error(err))
	}
	out, err := c.Resume(ctx, clientID)
	if err != nil {
		if errors.Is(err, session.ErrClosed) {
			return
		}
		c.logger.Error("resume dispatch failed", zap.String("client_id", clientID), zap.Error(err))
		return
	}
	if out.Kind != OutcomeIdle {
		c.logger.Debug("resumed parked work",
			zap.String("client_id", clientID),
			zap.String("outcome", string(out.Kind)),
			zap.Int("batch", out.Batch),
		)
	}
}

// ReleaseCapture drops the lock of an archived capture and runs a dispatch
// cycle, so a request for the same listing queued behind that lock is picked
// up.
func (c *Controller) ReleaseCapture(ctx context.Context, clientID, listingUUID string) error {
	if err := c.locks.Release(ctx, listingUUID); err != nil {
		return fmt.Errorf("release lock for %s: %w", listingUUID, err)
	}
	out, err := c.Resume(ctx, clientID)
	if err != nil {
		if errors.Is(err, session.ErrClosed) {
			return nil
		}
		return fmt.Errorf("resume after release for %s: %w", clientID, err)
	}
	if out.Kind == OutcomeDispatched {
		c.logger.Debug("dispatched work waiting on a released lock",
			zap.String("client_id", clientID),
			zap.String("listing_uuid", listingUUID),
			zap.Int("batch", out.Batch),
		)
	}
	return nil
}

// Reset force-clears every lock, every tenant queue and all worker counts.
// There is no drain: running sessions keep going but their slots are gone.
func (c *Controller) Reset(ctx context.Context) (ResetReport, error) {
	var report ResetReport
	var err error
	if report.Locks, err = c.locks.ReleaseAll(ctx); err != nil {
		return report, err
	}
	if report.QueueKeys, err = c.queue.ClearAll(ctx); err != nil {
		return report, err
	}
	if report.WorkerCount, err = c.workers.Reset(ctx); err != nil {
		return report, err
	}
	c.logger.Warn("administrative reset",
		zap.Int("locks", report.Locks),
		zap.Int("queue_keys", report.QueueKeys),
		zap.Int("worker_counts", report.WorkerCount),
	)
	return report, nil
}

// enqueueBusy parks a request whose listing is already being captured. If
// the lock vanished while we enqueued, the capture already finished and its
// resume cycle may have missed this entry, so run one here.
func (c *Controller) enqueueBusy(ctx context.Context, clientID string, entry queue.Entry) (Outcome, error) {
	res, err := c.queue.Enqueue(ctx, clientID, entry)
	if err != nil {
		return Outcome{}, err
	}
	metrics.ObserveQueueEvictions(res.Evicted)
	if !res.Accepted {
		return Outcome{Kind: OutcomeDuplicate}, nil
	}
	out := Outcome{Kind: OutcomeQueued, Evicted: res.Evicted}

	held, err := c.locks.Held(ctx, entry.ListingUUID)
	if err != nil || held {
		return out, nil //nolint:nilerr // the entry is parked; a failed lookup only delays it
	}
	if _, err := c.cycle(ctx, clientID, nil); err != nil {
		c.logger.Warn("catch-up dispatch failed", zap.String("client_id", clientID), zap.Error(err))
	}
	return out, nil
}

// cycle drains the tenant queue, merges it with the fresh entry (whose lock
// the caller holds) and either dispatches the batch or parks it again.
func (c *Controller) cycle(ctx context.Context, clientID string, fresh *queue.Entry) (Outcome, error) {
	return c.runCycle(ctx, clientID, fresh, true)
}

func (c *Controller) runCycle(ctx context.Context, clientID string, fresh *queue.Entry, recheck bool) (Outcome, error) {
	drained, err := c.queue.Drain(ctx, clientID)
	if err != nil {
		if fresh != nil {
			c.releaseLocks(clientID, []queue.Entry{*fresh})
		}
		return Outcome{}, err
	}

	batch, waiting, err := c.claim(ctx, drained, fresh)
	if err != nil {
		c.restore(clientID, drained)
		if fresh != nil {
			c.releaseLocks(clientID, []queue.Entry{*fresh})
		}
		return Outcome{}, err
	}
	c.restore(clientID, waiting)
	if len(batch) == 0 {
		return Outcome{Kind: OutcomeIdle}, nil
	}

	reserved, err := c.workers.Reserve(ctx, clientID, c.limits.Limit(clientID))
	if err != nil {
		c.abandon(clientID, batch)
		return Outcome{}, err
	}
	if !reserved {
		evicted := c.park(ctx, clientID, batch)
		out := Outcome{Kind: OutcomeQueued, Evicted: evicted}
		if !recheck || !c.slotFree(ctx, clientID) {
			return out, nil
		}
		// The run holding the slot idled between Reserve and park, and its
		// resume drained the queue before the batch was back in it.
		next, err := c.runCycle(ctx, clientID, nil, false)
		if err != nil {
			c.logger.Warn("catch-up dispatch failed", zap.String("client_id", clientID), zap.Error(err))
			return out, nil
		}
		if next.Kind == OutcomeDispatched {
			return next, nil
		}
		return out, nil
	}

	sess, created, err := c.sessions.Acquire(clientID)
	if err == nil {
		var started bool
		started, err = sess.Dispatch(c.targets(clientID, batch)...)
		if err == nil {
			if !started {
				c.releaseSlot(clientID)
			}
			c.logger.Info("dispatched capture batch",
				zap.String("client_id", clientID),
				zap.Int("batch", len(batch)),
				zap.Bool("created", created),
			)
			return Outcome{Kind: OutcomeDispatched, Created: created, Batch: len(batch)}, nil
		}
	}
	c.releaseSlot(clientID)
	c.abandon(clientID, batch)
	return Outcome{}, fmt.Errorf("dispatch to session for client %s: %w", clientID, err)
}

// claim builds the batch: drained entries oldest first, then the fresh one.
// The fresh entry wins any URL collision. Drained entries must take their
// lock; those still locked by an in-flight capture keep waiting.
func (c *Controller) claim(ctx context.Context, drained []queue.Entry, fresh *queue.Entry) (batch, waiting []queue.Entry, err error) {
	seen := make(map[string]struct{}, len(drained)+1)
	if fresh != nil {
		seen[fresh.ListingURL] = struct{}{}
	}
	for _, e := range drained {
		if _, dup := seen[e.ListingURL]; dup {
			continue
		}
		if fresh != nil && e.ListingUUID == fresh.ListingUUID {
			seen[e.ListingURL] = struct{}{}
			batch = append(batch, e)
			continue
		}
		ok, err := c.locks.TryAcquire(ctx, e.ListingUUID)
		if err != nil {
			c.releaseLocks("", batch)
			return nil, nil, err
		}
		if !ok {
			waiting = append(waiting, e)
			continue
		}
		seen[e.ListingURL] = struct{}{}
		batch = append(batch, e)
	}
	if fresh != nil {
		batch = append(batch, *fresh)
	}
	return batch, waiting, nil
}

// park returns a batch to the tenant queue when no worker slot is free. The
// locks are released so the next cycle can claim the entries again.
func (c *Controller) park(ctx context.Context, clientID string, batch []queue.Entry) int {
	evicted := 0
	for _, e := range batch {
		res, err := c.queue.Enqueue(ctx, clientID, e)
		if err != nil {
			c.logger.Error("park entry failed",
				zap.String("client_id", clientID),
				zap.String("listing_uuid", e.ListingUUID),
				zap.Error(err),
			)
			continue
		}
		evicted += res.Evicted
	}
	metrics.ObserveQueueEvictions(evicted)
	c.releaseLocks(clientID, batch)
	c.logger.Debug("tenant at capacity, parked batch",
		zap.String("client_id", clientID),
		zap.Int("batch", len(batch)),
		zap.Int("evicted", evicted),
	)
	return evicted
}

// slotFree reports whether the tenant is below its limit. A failed count
// counts as busy; the next Archive or idle session picks the batch up.
func (c *Controller) slotFree(ctx context.Context, clientID string) bool {
	active, err := c.workers.Active(ctx, clientID)
	if err != nil {
		c.logger.Warn("read worker count failed", zap.String("client_id", clientID), zap.Error(err))
		return false
	}
	return active < c.limits.Limit(clientID)
}

// abandon undoes a claimed batch after a store failure.
func (c *Controller) abandon(clientID string, batch []queue.Entry) {
	c.releaseLocks(clientID, batch)
	c.restore(clientID, batch)
}

// restore re-enqueues entries best-effort with a detached context.
func (c *Controller) restore(clientID string, entries []queue.Entry) {
	if len(entries) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ResumeTimeout)
	defer cancel()
	for _, e := range entries {
		if _, err := c.queue.Enqueue(ctx, clientID, e); err != nil {
			c.logger.Error("re-enqueue failed",
				zap.String("client_id", clientID),
				zap.String("listing_uuid", e.ListingUUID),
				zap.Error(err),
			)
		}
	}
}

func (c *Controller) releaseLocks(clientID string, entries []queue.Entry) {
	if len(entries) == 0 {
		return
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ListingUUID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ResumeTimeout)
	defer cancel()
	if err := c.locks.Release(ctx, ids...); err != nil {
		c.logger.Error("release locks failed",
			zap.String("client_id", clientID),
			zap.Strings("listing_uuids", ids),
			zap.Error(err),
		)
	}
}

func (c *Controller) releaseSlot(clientID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ResumeTimeout)
	defer cancel()
	if err := c.workers.Release(ctx, clientID); err != nil {
		c.logger.Error("release worker slot failed", zap.String("client_id", clientID), zap.Error(err))
	}
}

func (c *Controller) targets(clientID string, batch []queue.Entry) []archiver.Target {
	out := make([]archiver.Target, 0, len(batch))
	for _, e := range batch {
		out = append(out, archiver.Target{
			URL:         e.ListingURL,
			ListingUUID: e.ListingUUID,
			ClientID:    clientID,
			Options:     c.cfg.Options,
		})
	}
	return out
}
