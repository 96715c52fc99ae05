package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
)

// VectorIndex is an in-process cosine-similarity index over knowledge
// passages. It is the default knowledge-base backend; external vector stores
// plug in behind the same Adapter contract.
type VectorIndex struct {
	mu       sync.RWMutex
	entries  map[string]*indexEntry
	embedder Embedder
	seq      uint64
	logger   *zap.Logger
}

type indexEntry struct {
	passage Passage
	vector  []float64
	seq     uint64 // insertion order, used for deterministic tie-breaks
}

// NewVectorIndex creates an empty index over the given embedder.
func NewVectorIndex(embedder Embedder, logger *zap.Logger) *VectorIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VectorIndex{
		entries:  make(map[string]*indexEntry),
		embedder: embedder,
		logger:   logger.With(zap.String("component", "vector_index")),
	}
}

// Add stores a passage. Idempotent on a caller-supplied id: re-adding an id
// replaces the passage rather than duplicating it. Assigns a uuid when id is
// empty. Returns the id.
func (x *VectorIndex) Add(ctx context.Context, id, text string, metadata map[string]any) (string, error) {
	if text == "" {
		return "", fmt.Errorf("text is required")
	}
	if id == "" {
		id = uuid.NewString()
	}
	vector, err := x.embedder.Embed(ctx, text)
	if err != nil {
		return "", fmt.Errorf("embed passage: %w", err)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	seq := x.seq
	if existing, ok := x.entries[id]; ok {
		seq = existing.seq // replacement keeps its original recency rank
	} else {
		x.seq++
	}
	x.entries[id] = &indexEntry{
		passage: Passage{ID: id, Text: text, Metadata: cloneMetadata(metadata)},
		vector:  vector,
		seq:     seq,
	}
	return id, nil
}

// Search returns the top-k passages by cosine similarity, descending. Equal
// scores rank the most recently added passage first so retrieval order is
// stable and reproducible across runs.
func (x *VectorIndex) Search(ctx context.Context, query string, k int) ([]Passage, error) {
	if k <= 0 {
		return []Passage{}, nil
	}
	qv, err := x.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	type scored struct {
		passage Passage
		score   float64
		seq     uint64
	}
	results := make([]scored, 0, len(x.entries))
	for _, ent := range x.entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results = append(results, scored{
			passage: ent.passage,
			score:   cosineSimilarity(qv, ent.vector),
			seq:     ent.seq,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].seq > results[j].seq
	})

	if k > len(results) {
		k = len(results)
	}
	out := make([]Passage, k)
	for i := 0; i < k; i++ {
		p := results[i].passage
		p.Score = results[i].score
		out[i] = p
	}
	return out, nil
}

// Len returns the number of indexed passages.
func (x *VectorIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	dot := floats.Dot(a, b)
	normA := math.Sqrt(floats.Dot(a, a))
	normB := math.Sqrt(floats.Dot(b, b))
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (normA * normB)
}

func cloneMetadata(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// HashingEmbedder is a deterministic local embedder: tokens are hashed into a
// fixed-size bag-of-words vector. It needs no model or network and gives
// reproducible similarity ordering, which is what the engine's retrieval
// contract requires. Swap in a provider-backed Embedder for semantic quality.
type HashingEmbedder struct {
	dim int
}

// NewHashingEmbedder creates a hashing embedder with the given dimension.
func NewHashingEmbedder(dim int) *HashingEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashingEmbedder{dim: dim}
}

func (e *HashingEmbedder) Dimension() int { return e.dim }

func (e *HashingEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, e.dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,;:!?\"'()[]")
		if tok == "" {
			continue
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		vec[int(h.Sum32())%e.dim]++
	}
	return vec, nil
}
