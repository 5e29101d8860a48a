// Package embed defines the pluggable embedding-provider contract (C4) and
// a default Ollama-backed implementation, adapted from the teacher's
// pkg/ollama HTTP client with the gRPC/mlpb wrapper layer removed — C4 is
// a plain Go interface per the spec's pluggable-provider non-goal.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/brainwav/memcore/domain"
)

// Provider is the C4 contract: pluggable dense (and optionally sparse)
// embedding functions. Implementations own their own model/backend choice.
type Provider interface {
	EmbedDense(ctx context.Context, text string) ([]float32, error)
	EmbedSparse(ctx context.Context, text string) (map[uint32]float32, error)
	Dimensions() int
}

// OllamaProvider implements Provider using Ollama's HTTP embeddings API,
// throttled by a token-bucket limiter (grounded on the teacher's use of
// golang.org/x/time/rate in engine/scraper/youtube.go for outbound-call
// throttling, moved here to gate embedding-provider calls).
type OllamaProvider struct {
	baseURL string
	model   string
	dims    int
	client  *http.Client
	limiter *rate.Limiter
}

// NewOllamaProvider creates an Ollama-backed embedding provider. rps/burst
// configure the outbound call rate limiter.
func NewOllamaProvider(baseURL, model string, dims int, rps float64, burst int) *OllamaProvider {
	return &OllamaProvider{
		baseURL: baseURL,
		model:   model,
		dims:    dims,
		client:  &http.Client{},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Dimensions returns the configured embedding width.
func (p *OllamaProvider) Dimensions() int { return p.dims }

type ollamaEmbedReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResp struct {
	Embedding []float64 `json:"embedding"`
}

// EmbedDense calls Ollama's /api/embeddings endpoint for a single dense
// embedding vector.
func (p *OllamaProvider) EmbedDense(ctx context.Context, text string) ([]float32, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, domain.NewError(domain.KindTimeout, "embed rate limit wait", err)
	}

	body, err := json.Marshal(ollamaEmbedReq{Model: p.model, Prompt: domain.ScrubForEmbedding(text)})
	if err != nil {
		return nil, domain.NewError(domain.KindInternal, "marshal embed request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewError(domain.KindInternal, "build embed request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, domain.NewError(domain.KindNetwork, "ollama embed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, domain.NewError(domain.KindNetwork, fmt.Sprintf("ollama embed status %d", resp.StatusCode), nil)
	}

	var result ollamaEmbedResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, domain.NewError(domain.KindInternal, "decode embed response", err)
	}

	out := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}

// EmbedSparse is a no-op for OllamaProvider: Ollama's embeddings endpoint
// is dense-only. Callers that need sparse vectors supply a different
// Provider implementation (e.g. a BM25/SPLADE-backed one); the hybrid
// retrieval pipeline treats a nil/empty sparse result as "dense only".
func (p *OllamaProvider) EmbedSparse(_ context.Context, _ string) (map[uint32]float32, error) {
	return nil, nil
}
