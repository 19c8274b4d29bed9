package search

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/poiesic/idp/ai"
	"github.com/poiesic/idp/core"
	"github.com/poiesic/idp/storage"
)

// MaxTopK bounds the number of hits a single query may request.
const MaxTopK = 50

// SearchMonitor receives callbacks as a query is processed.
type SearchMonitor interface {
	Start(query string)
	AfterSimilaritySearch(matches []*core.SearchResult)
	Finish(hits []core.SearchHit)
}

type noopMonitor struct{}

var _ SearchMonitor = (*noopMonitor)(nil)

func (n *noopMonitor) Start(_ string)                             {}
func (n *noopMonitor) AfterSimilaritySearch(_ []*core.SearchResult) {}
func (n *noopMonitor) Finish(_ []core.SearchHit)                  {}

// Searcher finds stored chunks similar to a free-text query.
type Searcher struct {
	vectors       storage.VectorRepository
	embedder      ai.Embedder
	minSimilarity float32
	keywordBoost  float32
	logger        *slog.Logger
}

// Option configures a Searcher.
type Option func(*Searcher) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Searcher) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// WithMinSimilarity drops matches scoring below threshold. Default is 0.
func WithMinSimilarity(threshold float32) Option {
	return func(s *Searcher) error {
		if threshold < -1 || threshold > 1 {
			return fmt.Errorf("%w: minimum similarity %.2f outside [-1, 1]", core.ErrValidation, threshold)
		}
		s.minSimilarity = threshold
		return nil
	}
}

// WithKeywordBoost adds boost to the score of chunks containing every query term.
// Default is 0, which ranks by similarity alone.
func WithKeywordBoost(boost float32) Option {
	return func(s *Searcher) error {
		if boost < 0 {
			return fmt.Errorf("%w: keyword boost must not be negative", core.ErrValidation)
		}
		s.keywordBoost = boost
		return nil
	}
}

// NewSearcher creates a new searcher.
func NewSearcher(vectors storage.VectorRepository, embedder ai.Embedder, opts ...Option) (*Searcher, error) {
	if vectors == nil {
		return nil, ErrVectorRepositoryRequired
	}
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}

	s := &Searcher{
		vectors:  vectors,
		embedder: embedder,
		logger:   slog.Default().With("component", "search"),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Search returns up to topK chunks ranked by score, highest first.
// topK must be between 1 and MaxTopK.
func (s *Searcher) Search(ctx context.Context, query string, topK int) ([]core.SearchHit, error) {
	return s.SearchWithMonitor(ctx, query, topK, nil)
}

// SearchWithMonitor is Search with progress callbacks.
func (s *Searcher) SearchWithMonitor(ctx context.Context, query string, topK int, monitor SearchMonitor) ([]core.SearchHit, error) {
	if monitor == nil {
		monitor = &noopMonitor{}
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", core.ErrValidation)
	}
	if topK < 1 || topK > MaxTopK {
		return nil, fmt.Errorf("%w: top_k must be between 1 and %d", core.ErrValidation, MaxTopK)
	}

	monitor.Start(query)

	embedding, err := s.embedder.EmbedText(ctx, query)
	if err != nil {
		s.logger.Error("error generating embedding for query", "query", query, "err", err)
		return nil, err
	}

	// A boost can reorder hits, so widen the candidate set before truncating.
	limit := topK
	if s.keywordBoost > 0 {
		limit = min(topK*3, MaxTopK*3)
	}
	matches, err := s.vectors.FindSimilar(ctx, ai.NormalizeVector(embedding), s.minSimilarity, limit)
	if err != nil {
		s.logger.Error("error querying for similar chunks", "err", err)
		return nil, err
	}
	monitor.AfterSimilaritySearch(matches)

	terms := queryTerms(query)
	hits := make([]core.SearchHit, 0, len(matches))
	for _, match := range matches {
		score := match.Score
		if s.keywordBoost > 0 && containsAllTerms(match.Entry.Text, terms) {
			score += s.keywordBoost
		}
		hits = append(hits, core.SearchHit{
			ChunkText:  match.Entry.Text,
			Score:      score,
			TaskID:     match.Entry.TaskID,
			Source:     match.Entry.Source,
			ChunkIndex: match.Entry.ChunkIndex,
		})
	}

	slices.SortStableFunc(hits, func(a, b core.SearchHit) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}

	monitor.Finish(hits)
	s.logger.Debug("search complete", "query", query, "hits", len(hits))
	return hits, nil
}
