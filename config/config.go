// Package config defines the pure configuration surface for memcore
// components. It deliberately has no flag/env binding: the module ships
// as a library, not a binary (see SPEC_FULL.md Non-goals).
package config

import "time"

// Config holds every tunable referenced by the memory-store components.
type Config struct {
	// Record store (C1)
	SQLiteDSN string

	// Vector store (C2)
	QdrantAddr       string
	QdrantCollection string

	// Graph store (C3)
	Neo4jURL  string
	Neo4jUser string
	Neo4jPass string

	// Embedding provider (C4)
	OllamaBaseURL string
	OllamaModel   string
	EmbedRPS      float64
	EmbedBurst    int

	// Write workflow (C5)
	NATSURL          string
	IndexSubject     string
	IndexDLQSubject  string
	IndexMaxRetries  int
	QueueConcurrency int

	// Short-term memory (C6)
	ShortTermTTL         time.Duration
	ShortTermSweepPeriod time.Duration
	PromotionImportance  int

	// Checkpoint engine (C7)
	CheckpointRetentionMax int
	CheckpointRetentionAge time.Duration
	BranchBudget           int

	// Retrieval pipeline (C8)
	MaxConcurrentQueries int
	SeedTopK             int
	MaxContextChunks     int
	QueryTimeout         time.Duration
	ScoreThreshold       float64
	HybridAlpha          float64
	HealthSampleInterval time.Duration

	// Graph expansion (C8 stage 5/6)
	MaxHops             int
	MaxNeighborsPerNode int
	AllowedEdges        []string
}

// DefaultAllowedEdges is the whitelist of graph edge types the expansion
// stage traverses when no override is configured.
var DefaultAllowedEdges = []string{
	"IMPORTS", "DEPENDS_ON", "IMPLEMENTS_CONTRACT", "CALLS_TOOL",
	"EMITS_EVENT", "EXPOSES_PORT", "REFERENCES_DOC", "DECIDES_WITH",
}

// Default returns the configuration used when a caller supplies none,
// following the teacher's envOr fallback values adapted to this domain,
// with every numeric default taken from spec.md §6's configuration surface.
func Default() Config {
	return Config{
		SQLiteDSN: "memcore.db",

		QdrantAddr:       "localhost:6334",
		QdrantCollection: "memcore",

		Neo4jURL:  "neo4j://localhost:7687",
		Neo4jUser: "neo4j",
		Neo4jPass: "password",

		OllamaBaseURL: "http://localhost:11434",
		OllamaModel:   "nomic-embed-text",
		EmbedRPS:      5,
		EmbedBurst:    10,

		NATSURL:          "nats://localhost:4222",
		IndexSubject:     "memcore.index",
		IndexDLQSubject:  "memcore.index.dlq",
		IndexMaxRetries:  3,
		QueueConcurrency: 4,

		ShortTermTTL:         5 * time.Minute,
		ShortTermSweepPeriod: time.Minute,
		PromotionImportance:  8,

		CheckpointRetentionMax: 20,
		CheckpointRetentionAge: 24 * time.Hour,
		BranchBudget:           3,

		MaxConcurrentQueries: 5,
		SeedTopK:             20,
		MaxContextChunks:     24,
		QueryTimeout:         30 * time.Second,
		ScoreThreshold:       0.5,
		HybridAlpha:          0.6,
		HealthSampleInterval: 5 * time.Second,

		MaxHops:             1,
		MaxNeighborsPerNode: 20,
		AllowedEdges:        DefaultAllowedEdges,
	}
}
