package memory

import (
	"context"

	"go.uber.org/zap"

	"github.com/dossierbot/dossier/internal/metrics"
)

// Store combines the relational conversation log and the vector knowledge
// base into one Adapter. This is the standard production assembly; tests
// substitute mocks for either half.
type Store struct {
	sql       *SQLStore
	index     *VectorIndex
	cache     *SearchCache // optional, nil disables caching
	collector *metrics.Collector
	logger    *zap.Logger
}

var _ Adapter = (*Store)(nil)

// NewStore assembles an Adapter from its collaborators. cache and collector
// may be nil.
func NewStore(sql *SQLStore, index *VectorIndex, cache *SearchCache, collector *metrics.Collector, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		sql:       sql,
		index:     index,
		cache:     cache,
		collector: collector,
		logger:    logger.With(zap.String("component", "memory_store")),
	}
}

func (s *Store) AppendTurn(ctx context.Context, conversationID, role, content, toolCall string) error {
	return s.sql.AppendTurn(ctx, conversationID, role, content, toolCall)
}

func (s *Store) LoadHistory(ctx context.Context, conversationID string, limit int) ([]Turn, error) {
	return s.sql.LoadHistory(ctx, conversationID, limit)
}

func (s *Store) SemanticSearch(ctx context.Context, query string, k int) ([]Passage, error) {
	if s.cache != nil {
		if passages, ok := s.cache.Get(ctx, query, k); ok {
			s.collector.RecordCacheHit()
			return passages, nil
		}
		s.collector.RecordCacheMiss()
	}
	passages, err := s.index.Search(ctx, query, k)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Set(ctx, query, k, passages)
	}
	return passages, nil
}

func (s *Store) AddKnowledge(ctx context.Context, id, text string, metadata map[string]any) (string, error) {
	return s.index.Add(ctx, id, text, metadata)
}

func (s *Store) AddFeedback(ctx context.Context, conversationID string, messageID *uint, rating int, comment string) error {
	return s.sql.AddFeedback(ctx, conversationID, messageID, rating, comment)
}
