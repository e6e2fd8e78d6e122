package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// HTTPReranker calls a cross-encoder rerank endpoint (Jina/Cohere-style
// POST /rerank contract).
type HTTPReranker struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
	retry    RetryPolicy
}

// NewHTTPReranker builds the client. baseURL may or may not include the
// /rerank path.
func NewHTTPReranker(baseURL, apiKey, model string) *HTTPReranker {
	endpoint := strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(endpoint, "/rerank") {
		endpoint += "/rerank"
	}
	return &HTTPReranker{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: 30 * time.Second},
		retry:    DefaultRetry(),
	}
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank scores documents against the query. Scores come back index-aligned
// with documents; results the endpoint omits keep a zero score.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	if len(documents) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(rerankRequest{Model: r.model, Query: query, Documents: documents})
	if err != nil {
		return nil, fmt.Errorf("encode rerank request: %w", err)
	}

	scores := make([]float64, len(documents))
	err = r.retry.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if r.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+r.apiKey)
		}

		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("rerank endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
		}

		var parsed rerankResponse
		if err := json.Unmarshal(payload, &parsed); err != nil {
			return fmt.Errorf("parse rerank response: %w", err)
		}
		for _, res := range parsed.Results {
			if res.Index >= 0 && res.Index < len(scores) {
				scores[res.Index] = res.RelevanceScore
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rerank call: %w", err)
	}
	return scores, nil
}

// LabelPair is one (query, document) pair for grouped reranking.
type LabelPair struct {
	Query    string
	Document string
}

// RerankPairs scores arbitrary pairs by grouping them per distinct query, one
// request per query, dispatched concurrently. Scores are aligned with the
// input pairs.
func RerankPairs(ctx context.Context, r Reranker, pairs []LabelPair, workers int) ([]float64, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	if workers <= 0 {
		workers = 4
	}

	type group struct {
		docs    []string
		indices []int
	}
	groups := make(map[string]*group)
	order := make([]string, 0)
	for i, p := range pairs {
		g, ok := groups[p.Query]
		if !ok {
			g = &group{}
			groups[p.Query] = g
			order = append(order, p.Query)
		}
		g.docs = append(g.docs, p.Document)
		g.indices = append(g.indices, i)
	}

	scores := make([]float64, len(pairs))
	var mu sync.Mutex

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)
	for _, query := range order {
		g := groups[query]
		query := query
		eg.Go(func() error {
			got, err := r.Rerank(gctx, query, g.docs)
			if err != nil {
				return err
			}
			mu.Lock()
			for j, idx := range g.indices {
				scores[idx] = got[j]
			}
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return scores, nil
}
