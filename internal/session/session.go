// Package session runs long-lived, per-tenant capture workers. A Session
// drains its batch of targets through a Renderer, emits one CapturedPayload
// per successful render and releases the lock of every target it touched.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-archiver/internal/archiver"
	"github.com/JakeFAU/listing-archiver/internal/metrics"
	"github.com/JakeFAU/listing-archiver/internal/renderer"
)

// ErrTerminated is returned when work is dispatched to a terminated session.
var ErrTerminated = errors.New("session terminated")

// State is the lifecycle state of a Session.
type State int

const (
	// Idle sessions have no batch and may be handed new work.
	Idle State = iota
	// Running sessions are draining a batch.
	Running
	// Terminated sessions accept no more work.
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// LockReleaser releases listing locks of targets that never reach the
// pipeline.
type LockReleaser interface {
	Release(ctx context.Context, listingUUIDs ...string) error
}

// Deps are the collaborators shared by every session of a Registry.
type Deps struct {
	Renderer    archiver.Renderer
	Locks       LockReleaser
	Captured    chan<- archiver.CapturedPayload
	Screenshots archiver.ScreenshotSink
	IDs         archiver.IDGenerator
	// OnIdle is called once at the end of every run, after the session left
	// Running. It owns releasing the run's worker slot.
	OnIdle func(clientID string)
	// Development demotes batch failures to debug level.
	Development bool
	Logger      *zap.Logger
}

// Session is one capture worker owned by a tenant.
type Session struct {
	clientID string
	deps     Deps
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	claimed bool
	batch   []archiver.Target
	lastErr error
	runs    sync.WaitGroup
}

func newSession(parent context.Context, clientID string, deps Deps) *Session {
	ctx, cancel := context.WithCancel(parent)
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		clientID: clientID,
		deps:     deps,
		logger:   logger.With(zap.String("client_id", clientID)),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ClientID returns the owning tenant.
func (s *Session) ClientID() string {
	return s.clientID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the most recent batch failure, if any.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Pending returns how many targets are waiting in the live batch.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batch)
}

// Dispatch hands targets to the session. A Running session appends them to its
// live batch; an Idle session starts a new run. started reports whether a new
// run began, which is when the caller's worker slot is consumed.
func (s *Session) Dispatch(targets ...archiver.Target) (started bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimed = false
	switch s.state {
	case Terminated:
		return false, ErrTerminated
	case Running:
		s.batch = append(s.batch, targets...)
		return false, nil
	}
	if len(targets) == 0 {
		return false, nil
	}
	s.batch = append(s.batch, targets...)
	s.state = Running
	s.runs.Add(1)
	go s.run()
	return true, nil
}

// Terminate stops the session. The current run is cancelled and its
// remaining targets aborted.
func (s *Session) Terminate() {
	s.mu.Lock()
	s.state = Terminated
	s.mu.Unlock()
	s.cancel()
}

// Wait blocks until the session's runs have finished or ctx ends.
func (s *Session) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for session %s: %w", s.clientID, ctx.Err())
	}
}

// claim marks an Idle session as handed out so no second caller receives it.
func (s *Session) claim() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle || s.claimed {
		return false
	}
	s.claimed = true
	return true
}

func (s *Session) run() {
	defer s.runs.Done()
	metrics.IncActiveSessions()
	defer metrics.DecActiveSessions()

	for {
		target, ok := s.next()
		if !ok {
			break
		}
		handed, err := s.capture(s.ctx, target)
		if !handed {
			s.release(target)
		}
		if err != nil {
			s.fail(target, err)
			break
		}
	}

	if s.deps.OnIdle != nil {
		s.deps.OnIdle(s.clientID)
	}
}

// next pops the head of the batch, moving the session to Idle when empty. A
// terminated session abandons what is left and releases its locks.
func (s *Session) next() (archiver.Target, bool) {
	s.mu.Lock()
	if s.state == Terminated {
		abandoned := s.batch
		s.batch = nil
		s.mu.Unlock()
		s.release(abandoned...)
		return archiver.Target{}, false
	}
	defer s.mu.Unlock()
	if len(s.batch) == 0 {
		s.state = Idle
		return archiver.Target{}, false
	}
	target := s.batch[0]
	s.batch = s.batch[1:]
	return target, true
}

// capture renders one target. Per-target failures are logged and swallowed;
// the returned error is always a batch failure. handed reports that the
// payload reached the pipeline, which then owns the listing lock.
func (s *Session) capture(ctx context.Context, target archiver.Target) (handed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			handed, err = false, fmt.Errorf("renderer panic: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return false, err
	}

	res, err := s.deps.Renderer.Render(ctx, target)
	if err != nil {
		if errors.Is(err, renderer.ErrUnavailable) || ctx.Err() != nil {
			return false, err
		}
		failure := &archiver.RenderFailure{Target: target, Err: err}
		s.logger.Warn("render failed",
			zap.String("listing_uuid", target.ListingUUID),
			zap.String("url", target.URL),
			zap.Error(failure),
		)
		metrics.ObserveCapture(target.URL, "failed")
		return false, nil
	}
	metrics.ObserveCapture(target.URL, "success")

	finalURL := res.FinalURL
	if finalURL == "" {
		finalURL = target.URL
	}
	imageURLs := res.ImageURLs
	if imageURLs == nil {
		imageURLs = []string{}
	}
	payload := archiver.CapturedPayload{
		URL:         finalURL,
		HTML:        res.HTML,
		ImageURLs:   imageURLs,
		ListingURL:  target.URL,
		ListingUUID: target.ListingUUID,
		ListingPID:  s.deps.IDs.ListingPID(target.ListingUUID, target.URL),
		ClientID:    s.clientID,
	}

	if len(res.Screenshot) > 0 && s.deps.Screenshots != nil {
		go s.saveScreenshot(target.ListingUUID, res.Screenshot)
	}

	select {
	case s.deps.Captured <- payload:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (s *Session) saveScreenshot(listingUUID string, image []byte) {
	uri, err := s.deps.Screenshots.SaveScreenshot(s.ctx, listingUUID, image)
	if err != nil {
		s.logger.Warn("save screenshot failed", zap.String("listing_uuid", listingUUID), zap.Error(err))
		return
	}
	s.logger.Debug("screenshot saved", zap.String("listing_uuid", listingUUID), zap.String("uri", uri))
}

// fail aborts the rest of the batch, releases its locks and records the error.
func (s *Session) fail(current archiver.Target, cause error) {
	s.mu.Lock()
	remaining := s.batch
	s.batch = nil
	if s.state == Running {
		s.state = Idle
	}
	failure := &archiver.BatchFailure{ClientID: s.clientID, Remaining: len(remaining), Err: cause}
	s.lastErr = failure
	s.mu.Unlock()

	s.release(remaining...)
	fields := []zap.Field{
		zap.String("listing_uuid", current.ListingUUID),
		zap.Int("remaining", len(remaining)),
		zap.Error(failure),
	}
	if s.deps.Development {
		s.logger.Debug("capture batch failed", fields...)
	} else {
		s.logger.Error("capture batch failed", fields...)
	}
}

// release drops the listing locks of failed or aborted targets. It uses a
// detached context so termination does not leave locks behind.
func (s *Session) release(targets ...archiver.Target) {
	if len(targets) == 0 || s.deps.Locks == nil {
		return
	}
	ids := make([]string, 0, len(targets))
	for _, t := range targets {
		ids = append(ids, t.ListingUUID)
	}
	if err := s.deps.Locks.Release(context.WithoutCancel(s.ctx), ids...); err != nil {
		s.logger.Warn("release locks failed", zap.Strings("listing_uuids", ids), zap.Error(err))
	}
}
