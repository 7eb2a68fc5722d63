// Package pipeline turns captured pages into durable archive records.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-archiver/internal/archiver"
	"github.com/JakeFAU/listing-archiver/internal/ledger"
	"github.com/JakeFAU/listing-archiver/internal/metrics"
)

const tracerName = "github.com/JakeFAU/listing-archiver/internal/pipeline"

const (
	// IndexKey is the hash holding one ArchiveRecord per listing PID.
	IndexKey = "archives"
	// DefaultTopic is the topic archived events are published to.
	DefaultTopic = "archived"
)

// Config controls Pipeline behavior.
type Config struct {
	Workers int
	Topic   string
}

// Releaser gives up the listing lock of a capture the pipeline is done with.
type Releaser interface {
	ReleaseCapture(ctx context.Context, clientID, listingUUID string) error
}

// Pipeline persists, indexes, and announces captured pages.
type Pipeline struct {
	client    redis.UniversalClient
	pages     archiver.PageArchiveStore
	extractor archiver.MetadataExtractor
	ledger    *ledger.Ledger
	mirror    archiver.ArchiveMirror
	publisher archiver.Publisher
	clock     archiver.Clock
	releaser  Releaser
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Pipeline. mirror and publisher are optional.
func New(
	client redis.UniversalClient,
	pages archiver.PageArchiveStore,
	extractor archiver.MetadataExtractor,
	recent *ledger.Ledger,
	mirror archiver.ArchiveMirror,
	publisher archiver.Publisher,
	clock archiver.Clock,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	return &Pipeline{
		client:    client,
		pages:     pages,
		extractor: extractor,
		ledger:    recent,
		mirror:    mirror,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// SetReleaser makes Run release each payload's listing lock after it is
// processed, whether or not archiving succeeded.
func (p *Pipeline) SetReleaser(r Releaser) {
	p.releaser = r
}

// Run consumes captured payloads with cfg.Workers goroutines until the
// channel closes or the context finishes.
func (p *Pipeline) Run(ctx context.Context, captured <-chan archiver.CapturedPayload) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, id, captured)
		}(i)
	}
	wg.Wait()
}

func (p *Pipeline) work(ctx context.Context, id int, captured <-chan archiver.CapturedPayload) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-captured:
			if !ok {
				return
			}
			if _, err := p.Process(ctx, payload); err != nil {
				p.logger.Error("archive capture failed",
					zap.Int("worker", id),
					zap.String("client_id", payload.ClientID),
					zap.String("listing_uuid", payload.ListingUUID),
					zap.String("listing_pid", payload.ListingPID),
					zap.String("url", payload.URL),
					zap.Error(err),
				)
			}
			p.release(ctx, payload)
		}
	}
}

// Process archives one capture: page store, metadata, index and ledger,
// optional mirror, then the archived event.
func (p *Pipeline) Process(ctx context.Context, payload archiver.CapturedPayload) (rec archiver.ArchiveRecord, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.Process")
	span.SetAttributes(
		attribute.String("client_id", payload.ClientID),
		attribute.String("listing_pid", payload.ListingPID),
	)
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.ObserveArchive(status, time.Since(start))
		span.End()
	}()

	if payload.ListingPID == "" {
		return archiver.ArchiveRecord{}, errors.New("captured payload has no listing pid")
	}

	gitURL, err := p.pages.Save(ctx, payload.URL, payload.HTML, payload.ImageURLs)
	if err != nil {
		return archiver.ArchiveRecord{}, fmt.Errorf("save page: %w", err)
	}

	rec = archiver.ArchiveRecord{
		CapturedPayload: payload,
		GitURL:          gitURL,
		ArchivedAt:      p.clock.Now(),
	}
	item := archiver.RecentListing{
		ListingPID: payload.ListingPID,
		Metadata:   p.metadata(payload),
		CreatedAt:  rec.ArchivedAt,
	}

	if err := p.index(ctx, rec, item); err != nil {
		return archiver.ArchiveRecord{}, err
	}

	if p.mirror != nil {
		if err := p.mirror.StoreArchive(ctx, rec); err != nil {
			p.logger.Warn("archive mirror write failed",
				zap.String("listing_pid", rec.ListingPID),
				zap.Error(err),
			)
		}
	}

	if p.publisher != nil {
		if _, err := p.publisher.Publish(ctx, p.cfg.Topic, rec); err != nil {
			return rec, fmt.Errorf("publish archived event: %w", err)
		}
	}

	p.logger.Info("listing archived",
		zap.String("client_id", rec.ClientID),
		zap.String("listing_uuid", rec.ListingUUID),
		zap.String("listing_pid", rec.ListingPID),
		zap.String("git_url", rec.GitURL),
	)
	return rec, nil
}

func (p *Pipeline) release(ctx context.Context, payload archiver.CapturedPayload) {
	if p.releaser == nil || payload.ListingUUID == "" {
		return
	}
	if err := p.releaser.ReleaseCapture(context.WithoutCancel(ctx), payload.ClientID, payload.ListingUUID); err != nil {
		p.logger.Warn("release lock failed",
			zap.String("listing_uuid", payload.ListingUUID),
			zap.Error(err),
		)
	}
}

func (p *Pipeline) metadata(payload archiver.CapturedPayload) archiver.Metadata {
	var meta archiver.Metadata
	if p.extractor != nil {
		parsed, err := p.extractor.ParseMetadata(payload.HTML)
		if err != nil {
			p.logger.Warn("metadata extraction failed",
				zap.String("listing_pid", payload.ListingPID),
				zap.String("url", payload.URL),
				zap.Error(err),
			)
		} else {
			meta = parsed
		}
	}
	if meta.Title == "" {
		meta.Title = payload.URL
	}
	return meta
}

// index writes the record and the ledger entry in one round trip. There is
// no transaction: if only one of the two lands the gap is logged and left.
func (p *Pipeline) index(ctx context.Context, rec archiver.ArchiveRecord, item archiver.RecentListing) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal archive record: %w", err)
	}

	pipe := p.client.Pipeline()
	hset := pipe.HSet(ctx, IndexKey, rec.ListingPID, body)
	insert, err := p.ledger.InsertCmd(ctx, pipe, item)
	if err != nil {
		pipe.Discard()
		return err
	}
	// Exec reports only the first failure; the commands are inspected below.
	_, _ = pipe.Exec(ctx)

	indexErr, ledgerErr := hset.Err(), insert.Err()
	switch {
	case indexErr != nil && ledgerErr != nil:
		return fmt.Errorf("write archive index for %s: %w", rec.ListingPID, errors.Join(indexErr, ledgerErr))
	case indexErr != nil:
		p.logger.Warn("ledger updated but archive index write failed",
			zap.String("listing_pid", rec.ListingPID),
			zap.Error(indexErr),
		)
		return fmt.Errorf("write archive index for %s: %w", rec.ListingPID, indexErr)
	case ledgerErr != nil:
		p.logger.Warn("archive indexed but ledger insert failed",
			zap.String("listing_pid", rec.ListingPID),
			zap.Error(ledgerErr),
		)
	default:
		if evicted, _ := insert.Int(); evicted > 0 {
			p.logger.Debug("ledger evicted oldest listings", zap.Int("evicted", evicted))
		}
	}
	return nil
}

// Get reads an archive record back from the index.
func (p *Pipeline) Get(ctx context.Context, pid string) (archiver.ArchiveRecord, bool, error) {
	raw, err := p.client.HGet(ctx, IndexKey, pid).Bytes()
	if errors.Is(err, redis.Nil) {
		return archiver.ArchiveRecord{}, false, nil
	}
	if err != nil {
		return archiver.ArchiveRecord{}, false, fmt.Errorf("read archive %s: %w", pid, err)
	}
	var rec archiver.ArchiveRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return archiver.ArchiveRecord{}, false, fmt.Errorf("decode archive %s: %w", pid, err)
	}
	return rec, true, nil
}
