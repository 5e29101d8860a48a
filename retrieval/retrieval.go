// Package retrieval implements the hybrid retrieval pipeline (C8): seed
// search, graph lift, expansion, context assembly, and citation, adapted
// from the teacher's engine/rag.Service orchestration with answer
// generation removed (non-goal — this pipeline returns assembled context,
// not a chat completion).
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/brainwav/memcore/domain"
	"github.com/brainwav/memcore/embed"
	"github.com/brainwav/memcore/pkg/metrics"
	"github.com/brainwav/memcore/pkg/resilience"
	"github.com/brainwav/memcore/store"
	"github.com/brainwav/memcore/vectorstore"
)

var met = metrics.New()

var (
	mQueriesTotal  = met.Counter("memcore_retrieval_queries_total", "Total retrieval queries accepted")
	mRejectedTotal = met.Counter("memcore_retrieval_rejected_total", "Queries rejected by the admission guard")
	mDegradedTotal = met.Counter("memcore_retrieval_degraded_total", "Queries served by the FTS degraded path")
	mSeedsReturned = met.Histogram("memcore_retrieval_seed_hits", "Seed hits returned per query", []float64{0, 1, 5, 10, 20, 50, 100})
	mQueryDuration = met.Histogram("memcore_retrieval_query_duration_seconds", "End-to-end query duration", nil)
)

// GraphLifter abstracts graph neighbor expansion (C3), narrowed to what
// the retrieval pipeline needs.
type GraphLifter interface {
	Neighbors(ctx context.Context, nodeID string, depth int, edgeTypes []string) ([]domain.Node, error)
}

// SearchType enumerates the request's search mode.
const (
	SearchSemantic = "semantic"
	SearchHybrid   = "hybrid"
	SearchKeyword  = "keyword"
)

// Options configures the retrieval pipeline.
type Options struct {
	SeedTopK             int
	MaxContextChunks     int
	QueryTimeout         time.Duration
	ScoreThreshold       float64
	GraphLiftDepth       int
	EdgeTypeWhitelist    []string
	HybridAlpha          float64 // weight given to semantic score vs fts score
	MaxConcurrentQueries int
	HealthSampleInterval time.Duration
	Logger               *slog.Logger
}

// DefaultOptions mirrors config.Default's retrieval fields.
func DefaultOptions() Options {
	return Options{
		SeedTopK:             20,
		MaxContextChunks:     24,
		QueryTimeout:         30 * time.Second,
		ScoreThreshold:       0.5,
		GraphLiftDepth:       2,
		HybridAlpha:          0.6,
		MaxConcurrentQueries: 5,
		HealthSampleInterval: 5 * time.Second,
	}
}

// admission is the buffered-channel semaphore pattern from pkg/fn.ParMap,
// reused here to cap concurrent in-flight queries.
type admission struct {
	sem chan struct{}
}

func newAdmission(n int) *admission {
	if n <= 0 {
		n = 1
	}
	return &admission{sem: make(chan struct{}, n)}
}

func (a *admission) TryAcquire() bool {
	select {
	case a.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (a *admission) Release() { <-a.sem }

// Service runs the retrieval pipeline end to end.
type Service struct {
	vectors   vectorstore.Store
	graph     GraphLifter
	embedder  embed.Provider
	records   store.RecordStore // optional: enables the FTS degraded path
	breaker   *resilience.Breaker
	opts      Options
	log       *slog.Logger
	admission *admission
}

// New builds a retrieval Service. records may be nil; the FTS degraded
// path and keyword search mode then fail with Internal instead of
// degrading.
func New(vectors vectorstore.Store, graph GraphLifter, embedder embed.Provider, records store.RecordStore, opts Options) *Service {
	if opts.SeedTopK <= 0 {
		opts.SeedTopK = DefaultOptions().SeedTopK
	}
	if opts.MaxContextChunks <= 0 {
		opts.MaxContextChunks = DefaultOptions().MaxContextChunks
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultOptions().QueryTimeout
	}
	if opts.HybridAlpha <= 0 {
		opts.HybridAlpha = DefaultOptions().HybridAlpha
	}
	if opts.MaxConcurrentQueries <= 0 {
		opts.MaxConcurrentQueries = DefaultOptions().MaxConcurrentQueries
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		vectors:   vectors,
		graph:     graph,
		embedder:  embedder,
		records:   records,
		breaker:   resilience.NewBreaker(resilience.DefaultBreakerOpts),
		opts:      opts,
		log:       log,
		admission: newAdmission(opts.MaxConcurrentQueries),
	}
}

// Request is a single retrieval query.
type Request struct {
	Query            string
	SearchType       string // semantic (default), hybrid, keyword
	TenantID         string
	Domain           string
	Tags             []string
	Labels           []string
	MaxChunks        int
	IncludeCitations bool
}

var errAdmissionRejected = fmt.Errorf("retrieval: max concurrent queries reached")

// Query runs the full Reserved->Searched->Lifted->Expanded->Assembled->
// Cited->Released state machine.
func (s *Service) Query(ctx context.Context, req Request) (domain.QueryResult, error) {
	if err := validateSearchGuard(req); err != nil {
		return domain.QueryResult{}, err
	}

	if !s.admission.TryAcquire() {
		mRejectedTotal.Inc()
		return domain.QueryResult{}, domain.NewError(domain.KindValidation, "Maximum concurrent queries reached", errAdmissionRejected)
	}
	defer s.admission.Release()

	queryCtx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()

	started := time.Now()
	defer mQueryDuration.Since(started)
	mQueriesTotal.Inc()

	seeds, err := s.seedSearch(queryCtx, req)
	if err != nil {
		if errors.Is(queryCtx.Err(), context.DeadlineExceeded) {
			return domain.QueryResult{}, domain.NewError(domain.KindTimeout, "retrieval query timed out", queryCtx.Err())
		}
		return domain.QueryResult{}, fmt.Errorf("retrieval: seed search: %w", err)
	}
	mSeedsReturned.Observe(float64(len(seeds)))

	nodes := s.graphLift(queryCtx, seeds)

	maxChunks := s.opts.MaxContextChunks
	if req.MaxChunks > 0 && req.MaxChunks < maxChunks {
		maxChunks = req.MaxChunks
	}
	hybridMode := req.SearchType == SearchHybrid
	assembled, picked := assembleContext(seeds, maxChunks, hybridMode, s.opts.HybridAlpha, req.IncludeCitations)

	return domain.QueryResult{
		Context: assembled,
		Seeds:   seeds,
		Nodes:   nodes,
		Graph: domain.GraphSummary{
			FocusNodes:    len(seeds),
			ExpandedNodes: len(nodes),
			TotalChunks:   len(picked),
		},
	}, nil
}

// validateSearchGuard enforces the mandatory-filter search guard: a query
// must carry at least one of domain, tags, tenant, or labels.
func validateSearchGuard(req Request) error {
	if req.Domain == "" && len(req.Tags) == 0 && req.TenantID == "" && len(req.Labels) == 0 {
		return domain.NewError(domain.KindValidation,
			"missing mandatory filter: at least one of domain, tags, tenant, or labels is required", nil)
	}
	return nil
}

// seedSearch runs stage 3/4 of the pipeline: if C2 is healthy and the
// request wants semantic/hybrid search, embed the scrubbed question and
// run a filtered dense search; otherwise (or on vector-store failure)
// degrade to FTS over C1. Hybrid mode additionally runs FTS and merges it
// with the dense hits for stage 8's scoring.
func (s *Service) seedSearch(ctx context.Context, req Request) ([]domain.SeedHit, error) {
	if req.SearchType == SearchKeyword || !s.HealthOK() {
		mDegradedTotal.Inc()
		return s.keywordSearch(ctx, req)
	}

	scrubbed := domain.ScrubForEmbedding(req.Query)
	vec, err := s.embedder.EmbedDense(ctx, scrubbed)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	if req.SearchType == SearchHybrid {
		if sparse, sErr := s.embedder.EmbedSparse(ctx, scrubbed); sErr == nil && len(sparse) > 0 {
			s.log.Debug("retrieval: sparse embedding computed for hybrid query", "terms", len(sparse))
		}
	}

	filter := vectorstore.Filter{
		Tenant:    req.TenantID,
		Domain:    req.Domain,
		TagsAny:   req.Tags,
		LabelsAll: req.Labels,
	}

	var hits []domain.SeedHit
	err = s.breaker.Call(ctx, func(ctx context.Context) error {
		var searchErr error
		hits, searchErr = s.vectors.Search(ctx, vec, s.opts.SeedTopK, filter)
		return searchErr
	})
	if err != nil {
		if s.records != nil {
			mDegradedTotal.Inc()
			return s.keywordSearch(ctx, req)
		}
		return nil, err
	}
	for i := range hits {
		hits[i].MatchType = "dense"
	}

	if req.SearchType == SearchHybrid {
		ftsHits, ftsErr := s.keywordSearch(ctx, req)
		if ftsErr == nil {
			hits = mergeHybrid(hits, ftsHits)
		}
	}
	return hits, nil
}

// keywordSearch is the FTS degraded path (stage 7): full-text search over
// C1, with the request's filters applied client-side since SearchKeyword
// has no filter parameter of its own. FTS score is approximated as the
// reciprocal of result rank (SearchKeyword already orders by bm25 rank;
// the numeric score itself is not exposed through the RecordStore
// contract).
func (s *Service) keywordSearch(ctx context.Context, req Request) ([]domain.SeedHit, error) {
	if s.records == nil {
		return nil, domain.NewError(domain.KindInternal, "keyword search unavailable: no record store configured", nil)
	}
	recs, err := s.records.SearchKeyword(ctx, req.Query, s.opts.SeedTopK)
	if err != nil {
		return nil, err
	}

	hits := make([]domain.SeedHit, 0, len(recs))
	for i, rec := range recs {
		if !matchesFilter(rec, req) {
			continue
		}
		hits = append(hits, domain.SeedHit{
			RecordID:  rec.ID,
			FTSScore:  1.0 / float32(i+1),
			MatchType: "keyword",
			Content:   rec.Content,
		})
	}
	return hits, nil
}

func matchesFilter(rec domain.Record, req Request) bool {
	if req.TenantID != "" && rec.TenantID != req.TenantID {
		return false
	}
	if req.Domain != "" && rec.Domain != req.Domain {
		return false
	}
	if len(req.Labels) > 0 && !containsAll(rec.Labels, req.Labels) {
		return false
	}
	if len(req.Tags) > 0 && !containsAny(rec.Tags, req.Tags) {
		return false
	}
	return true
}

func containsAll(have, want []string) bool {
	set := toSet(have)
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

func containsAny(have, want []string) bool {
	set := toSet(have)
	for _, w := range want {
		if set[w] {
			return true
		}
	}
	return false
}

func toSet(vals []string) map[string]bool {
	set := make(map[string]bool, len(vals))
	for _, v := range vals {
		set[v] = true
	}
	return set
}

// mergeHybrid combines dense seed hits with FTS hits by record id, keeping
// dense Score and folding in FTSScore for every matching record; FTS-only
// hits are appended with Score left at zero.
func mergeHybrid(dense, fts []domain.SeedHit) []domain.SeedHit {
	byID := make(map[string]*domain.SeedHit, len(dense)+len(fts))
	order := make([]string, 0, len(dense)+len(fts))
	for _, h := range dense {
		hit := h
		hit.MatchType = "hybrid"
		byID[h.RecordID] = &hit
		order = append(order, h.RecordID)
	}
	for _, f := range fts {
		if existing, ok := byID[f.RecordID]; ok {
			existing.FTSScore = f.FTSScore
			continue
		}
		hit := f
		hit.MatchType = "hybrid"
		byID[f.RecordID] = &hit
		order = append(order, f.RecordID)
	}
	out := make([]domain.SeedHit, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

// graphLift expands each seed hit's record id into the knowledge graph,
// respecting the edge-type whitelist. It issues one Neighbors call per
// seed; record ids are not grouped into batched lookups.
func (s *Service) graphLift(ctx context.Context, seeds []domain.SeedHit) []domain.Node {
	if s.graph == nil || len(seeds) == 0 {
		return nil
	}

	seen := make(map[string]bool)
	var out []domain.Node
	for _, seed := range seeds {
		nodes, err := s.graph.Neighbors(ctx, seed.RecordID, s.opts.GraphLiftDepth, s.opts.EdgeTypeWhitelist)
		if err != nil {
			s.log.Warn("retrieval: graph lift failed, continuing without", "record_id", seed.RecordID, "error", err)
			continue
		}
		for _, n := range nodes {
			if !seen[n.ID] {
				seen[n.ID] = true
				out = append(out, n)
			}
		}
	}
	return out
}

// nodeTypePriority implements stage 7's node-type priority: DOC/ADR=4,
// CONTRACT/SERVICE=3, PACKAGE/AGENT/TOOL=2, everything else=1.
func nodeTypePriority(nodeType string) int {
	switch strings.ToUpper(nodeType) {
	case "DOC", "ADR":
		return 4
	case "CONTRACT", "SERVICE":
		return 3
	case "PACKAGE", "AGENT", "TOOL":
		return 2
	default:
		return 1
	}
}

// assembleContext implements stages 7-9: sort by (node-type priority, seed
// score), dedup on path:lineStart-lineEnd, cap at maxChunks, then — for
// hybrid mode only — recompute each picked hit's score as
// alpha*semantic + (1-alpha)*fts and reorder by that combined score.
// Citations are built only when includeCitations is set.
func assembleContext(seeds []domain.SeedHit, maxChunks int, hybridMode bool, alpha float64, includeCitations bool) (domain.AssembledContext, []domain.SeedHit) {
	sorted := make([]domain.SeedHit, len(seeds))
	copy(sorted, seeds)
	sort.SliceStable(sorted, func(i, j int) bool {
		pi, pj := nodeTypePriority(sorted[i].NodeType), nodeTypePriority(sorted[j].NodeType)
		if pi != pj {
			return pi > pj
		}
		return sorted[i].Score > sorted[j].Score
	})

	seen := make(map[string]bool, len(sorted))
	picked := make([]domain.SeedHit, 0, maxChunks)
	for _, hit := range sorted {
		key := hit.DedupKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		picked = append(picked, hit)
		if len(picked) >= maxChunks {
			break
		}
	}

	if hybridMode {
		for i := range picked {
			picked[i].Score = float32(alpha*float64(picked[i].Score) + (1-alpha)*float64(picked[i].FTSScore))
		}
		sort.SliceStable(picked, func(i, j int) bool { return picked[i].Score > picked[j].Score })
	}

	var b strings.Builder
	for _, hit := range picked {
		fmt.Fprintf(&b, "[%s] %s\n", hit.RecordID, hit.Content)
	}

	var citations []domain.Citation
	if includeCitations {
		citations = make([]domain.Citation, 0, len(picked))
		for _, hit := range picked {
			citations = append(citations, domain.Citation{
				RecordID:        hit.RecordID,
				Path:            hit.Path,
				Lines:           lineRange(hit),
				NodeType:        hit.NodeType,
				RelevanceScore:  hit.Score,
				BrainwavIndexed: hit.MatchType != "keyword",
			})
		}
	}

	return domain.AssembledContext{Text: b.String(), Citations: citations}, picked
}

// lineRange renders "lineStart-lineEnd" only if both ends are present
// (treating the zero value as "absent", consistent with 1-indexed lines).
func lineRange(hit domain.SeedHit) string {
	if hit.LineStart == 0 || hit.LineEnd == 0 {
		return ""
	}
	return fmt.Sprintf("%d-%d", hit.LineStart, hit.LineEnd)
}

// HealthOK reports whether the vector store's circuit breaker last
// observed a healthy state. Cached via the breaker's own state machine —
// callers should not sample this more often than HealthSampleInterval.
func (s *Service) HealthOK() bool {
	return s.breaker.State() != resilience.StateOpen
}
