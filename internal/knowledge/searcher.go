package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"insurance-chat-backend/internal/env"
)

// ScoredDocument is one ranked result from the hosted vector index.
type ScoredDocument struct {
	Content  string  `json:"content"`
	Score    float64 `json:"score"`
	SourceID string  `json:"sourceId"`
}

// Searcher is the knowledge-search collaborator. A low-relevance result
// set means "no information", not an error.
type Searcher interface {
	Search(ctx context.Context, query string) ([]ScoredDocument, error)
}

type HTTPSearcher struct {
	endpoint string
	apiKey   string
	minScore float64
	client   *http.Client
}

func NewHTTPSearcher() *HTTPSearcher {
	minScore := 0.35
	if raw := env.Get(env.KnowledgeMinScore); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
			minScore = parsed
		}
	}
	return &HTTPSearcher{
		endpoint: env.MustGet(env.KnowledgeEndpoint),
		apiKey:   env.Get(env.KnowledgeAPIKey),
		minScore: minScore,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPSearcher) Search(ctx context.Context, query string) ([]ScoredDocument, error) {
	payload, err := json.Marshal(map[string]any{"query": query, "topK": 5})
	if err != nil {
		return nil, fmt.Errorf("knowledge: marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("knowledge: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("knowledge: search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("knowledge: search status %d", resp.StatusCode)
	}

	var body struct {
		Results []ScoredDocument `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("knowledge: decode results: %w", err)
	}

	relevant := make([]ScoredDocument, 0, len(body.Results))
	for _, doc := range body.Results {
		if doc.Score >= s.minScore {
			relevant = append(relevant, doc)
		}
	}
	return relevant, nil
}
