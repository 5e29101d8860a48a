// Package write implements the three-stage write workflow (C5):
// prepare, persist, and best-effort index, adapted from the teacher's
// engine/ingest pipeline (fn.Then composition, LoggedTap instrumentation,
// NATS-backed async indexing with retry/DLQ).
package write

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/brainwav/memcore/domain"
	"github.com/brainwav/memcore/embed"
	"github.com/brainwav/memcore/pkg/fn"
	"github.com/brainwav/memcore/pkg/metrics"
	"github.com/brainwav/memcore/pkg/natsutil"
	"github.com/brainwav/memcore/store"
	"github.com/brainwav/memcore/vectorstore"
)

const (
	// DefaultMaxRetries before a failed index request is sent to the DLQ.
	DefaultMaxRetries = 3

	// longTermImportance is the inclusive importance threshold above which
	// a record's payload.memory_layer is "long_term" rather than "semantic"
	// (spec.md §6's payload schema).
	longTermImportance = 8

	memoryLayerVersion = 1
)

var met = metrics.New()

var (
	mRecordsStored = met.Counter("memcore_write_records_stored_total", "Total records persisted via RunStore")
	mIndexSuccess  = func(path string) *metrics.Counter {
		return met.Counter(metrics.WithLabels("memcore_write_index_total", "path", path, "outcome", "success"), "Index attempts by path and outcome")
	}
	mIndexFailure = func(path string) *metrics.Counter {
		return met.Counter(metrics.WithLabels("memcore_write_index_total", "path", path, "outcome", "failure"), "Index attempts by path and outcome")
	}
	mIndexDuration = met.Histogram("memcore_write_index_duration_seconds", "Index stage duration", nil)
)

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Options configures the write workflow.
type Options struct {
	IndexSubject     string
	DLQSubject       string
	MaxRetries       int
	QueueConcurrency int
	Logger           *slog.Logger
	Now              Clock
}

// DefaultOptions mirrors the teacher's engine/ingest subject/retry constants.
func DefaultOptions() Options {
	return Options{
		IndexSubject:     "memcore.index",
		DLQSubject:       "memcore.index.dlq",
		MaxRetries:       DefaultMaxRetries,
		QueueConcurrency: 4,
		Now:              time.Now,
	}
}

// Service runs the prepare->persist->index pipeline.
type Service struct {
	records store.RecordStore
	vectors vectorstore.Store
	embedder embed.Provider
	nc      *nats.Conn
	opts    Options
	log     *slog.Logger
}

// New builds a write Service. nc may be nil, in which case indexing is
// synchronous-inline instead of queued (used by tests and embedded
// deployments without a NATS broker).
func New(records store.RecordStore, vectors vectorstore.Store, embedder embed.Provider, nc *nats.Conn, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.IndexSubject == "" {
		opts.IndexSubject = DefaultOptions().IndexSubject
	}
	if opts.DLQSubject == "" {
		opts.DLQSubject = DefaultOptions().DLQSubject
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{records: records, vectors: vectors, embedder: embedder, nc: nc, opts: opts, log: log}
}

// indexRequest is published to the index queue after a successful persist.
type indexRequest struct {
	RecordID string `json:"record_id"`
	Retries  int    `json:"retries"`
}

// prepare assigns identity/timestamps and normalizes tags/metadata —
// the pipeline's first stage.
var prepareStage = func(now Clock) fn.Stage[domain.Record, domain.Record] {
	return func(_ context.Context, rec domain.Record) fn.Result[domain.Record] {
		if rec.Content == "" {
			return fn.Err[domain.Record](domain.NewError(domain.KindValidation, "content", domain.ErrEmptyContent))
		}
		if rec.Importance == 0 {
			rec.Importance = 1
		}
		if rec.Importance < 1 {
			rec.Importance = 1
		}
		if rec.Importance > 10 {
			rec.Importance = 10
		}
		t := now()
		if rec.ID == "" {
			rec.ID = uuid.NewString()
			rec.CreatedAt = t
		}
		rec.UpdatedAt = t
		rec.Tags = domain.NormalizeTags(rec.Tags)
		rec.Labels = domain.NormalizeTags(rec.Labels)
		if rec.Metadata == nil {
			rec.Metadata = map[string]any{}
		}
		if _, ok := rec.Metadata["content_sha"]; !ok {
			rec.Metadata["content_sha"] = domain.ContentDigest(domain.ScrubForEmbedding(rec.Content))
		}
		return fn.Ok(rec)
	}
}

// persistStage writes the prepared record through the record store.
func persistStage(rs store.RecordStore) fn.Stage[domain.Record, domain.Record] {
	return func(ctx context.Context, rec domain.Record) fn.Result[domain.Record] {
		if err := rs.Put(ctx, rec); err != nil {
			return fn.Err[domain.Record](domain.NewError(domain.KindStorage, "persist record", err))
		}
		return fn.Ok(rec)
	}
}

// RunStore executes prepare->persist synchronously, then kicks off
// best-effort indexing (queued via NATS if configured, inline otherwise).
// Index failures never fail the write (§ C5 invariant: run_store never
// fails solely because indexing failed).
func (s *Service) RunStore(ctx context.Context, rec domain.Record) (domain.StoreResult, error) {
	pipeline := fn.Then(
		fn.TracedStage("write.prepare", prepareStage(s.opts.Now)),
		fn.TracedStage("write.persist", persistStage(s.records)),
	)

	result := pipeline(ctx, rec)
	if result.IsErr() {
		_, err := result.Unwrap()
		return domain.StoreResult{}, err
	}
	prepared, _ := result.Unwrap()
	mRecordsStored.Inc()

	indexed := s.enqueueIndex(ctx, prepared)
	return domain.StoreResult{Record: prepared, VectorIndexed: indexed}, nil
}

// enqueueIndex publishes the index request over NATS if a connection is
// configured, else runs indexing inline. It never returns an error to the
// caller: failures are logged and VectorIndexed is reported false.
func (s *Service) enqueueIndex(ctx context.Context, rec domain.Record) bool {
	if s.nc == nil {
		err := s.indexOne(ctx, rec.ID, 0)
		if err != nil {
			mIndexFailure("inline").Inc()
			return false
		}
		mIndexSuccess("inline").Inc()
		return true
	}
	if err := natsutil.Publish(ctx, s.nc, s.opts.IndexSubject, indexRequest{RecordID: rec.ID}); err != nil {
		s.log.Warn("write: enqueue index failed", "error", err, "record_id", rec.ID)
		mIndexFailure("queued").Inc()
		return false
	}
	return false // queued, not yet confirmed indexed
}

// indexOne embeds and upserts a single record's content into the vector
// store, then persists the eventually-consistent vector_indexed flag back
// onto the record. Called both by the inline path and by
// ProcessIndexQueue.
func (s *Service) indexOne(ctx context.Context, recordID string, retries int) error {
	started := s.opts.Now()
	defer mIndexDuration.Since(started)

	rec, err := s.records.Get(ctx, recordID)
	if err != nil {
		return fmt.Errorf("write: index fetch record: %w", err)
	}

	text := domain.ScrubForEmbedding(rec.Content)
	vec, err := s.embedder.EmbedDense(ctx, text)
	if err != nil {
		return fmt.Errorf("write: index embed: %w", err)
	}

	point := vectorstore.Point{ID: rec.ID, Embedding: vec, Payload: indexPayload(rec)}
	if err := s.vectors.Upsert(ctx, []vectorstore.Point{point}); err != nil {
		return fmt.Errorf("write: index upsert: %w", err)
	}

	if err := s.records.SetVectorIndexed(ctx, rec.ID, true); err != nil {
		return fmt.Errorf("write: persist vector_indexed: %w", err)
	}
	return nil
}

// indexPayload builds the Qdrant point payload per spec.md §6's schema.
func indexPayload(rec domain.Record) map[string]any {
	contentSHA, _ := rec.Metadata["content_sha"].(string)
	if contentSHA == "" {
		contentSHA = domain.ContentDigest(domain.ScrubForEmbedding(rec.Content))
	}

	memoryLayer := "semantic"
	if rec.Importance >= longTermImportance {
		memoryLayer = "long_term"
	}

	payload := map[string]any{
		"content":                 rec.Content,
		"content_sha":             contentSHA,
		"importance":              rec.Importance,
		"created_at":              rec.CreatedAt.Format(time.RFC3339),
		"updated_at":              rec.UpdatedAt.Format(time.RFC3339),
		"memory_layer":            memoryLayer,
		"memory_layer_version":    memoryLayerVersion,
		"memory_layer_updated_at": rec.UpdatedAt.Format(time.RFC3339),
	}
	if rec.Domain != "" {
		payload["domain"] = rec.Domain
	}
	if rec.TenantID != "" {
		payload["tenant"] = rec.TenantID
	}
	if len(rec.Tags) > 0 {
		payload["tags"] = rec.Tags
	}
	if len(rec.Labels) > 0 {
		payload["labels"] = rec.Labels
	}
	return payload
}

// ProcessIndexQueue starts a supervised NATS consumer for the index
// subject with retry/DLQ support, mirroring the teacher's
// engine/ingest.StartConsumer.
func (s *Service) ProcessIndexQueue(ctx context.Context) (*nats.Subscription, error) {
	if s.nc == nil {
		return nil, domain.NewError(domain.KindInternal, "process index queue", fmt.Errorf("no nats connection configured"))
	}

	sem := make(chan struct{}, s.opts.QueueConcurrency)

	return s.nc.Subscribe(s.opts.IndexSubject, func(msg *nats.Msg) {
		var req indexRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.log.Error("write: index unmarshal failed", "error", err)
			return
		}

		sem <- struct{}{}
		defer func() { <-sem }()

		err := s.indexOne(ctx, req.RecordID, req.Retries)
		if err != nil {
			mIndexFailure("queued").Inc()
			req.Retries++
			s.log.Error("write: index failed", "error", err, "record_id", req.RecordID, "retry", req.Retries)
			if req.Retries >= s.opts.MaxRetries {
				data, _ := json.Marshal(req)
				if pubErr := s.nc.Publish(s.opts.DLQSubject, data); pubErr != nil {
					s.log.Error("write: dlq publish failed", "error", pubErr)
				}
				return
			}
			data, _ := json.Marshal(req)
			if pubErr := s.nc.Publish(s.opts.IndexSubject, data); pubErr != nil {
				s.log.Error("write: retry publish failed", "error", pubErr)
			}
			return
		}
		mIndexSuccess("queued").Inc()
		s.log.Info("write: index success", "record_id", req.RecordID)
	})
}
