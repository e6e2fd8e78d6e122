// Package retrieval selects the topic units an answer should be built from.
// Global questions get a time-stratified cross-section of the whole history
// with anomaly anchors promoted; bounded questions get windowed or semantic
// search.
package retrieval

import (
	"context"
	"fmt"
	"sort"

	"github.com/Chen-speculation/narrarc/internal/llm"
	"github.com/Chen-speculation/narrarc/internal/logging"
	"github.com/Chen-speculation/narrarc/internal/store"
	"github.com/Chen-speculation/narrarc/internal/thread"
	"github.com/Chen-speculation/narrarc/internal/types"
)

const (
	globalSearchTopK  = 30
	globalWindowCount = 4
	windowSearchTopK  = 20
	topicSearchTopK   = 20
)

// Retriever answers scope-directed unit selection requests.
type Retriever struct {
	store    *store.Store
	embedder llm.Embedder
	limit    int
}

func NewRetriever(st *store.Store, embedder llm.Embedder, limit int) *Retriever {
	if limit <= 0 {
		limit = 60
	}
	return &Retriever{store: st, embedder: embedder, limit: limit}
}

// RetrieveByScope selects units for a query according to its scope. The
// result is deduplicated and capped at the retriever's limit. Global and
// time-bounded results are in chronological order; topic-bounded results are
// in similarity order.
func (r *Retriever) RetrieveByScope(ctx context.Context, talkerID string, scope types.Scope, queries []string) ([]types.TopicUnit, error) {
	switch scope.Type {
	case types.ScopeTimeBounded:
		return r.retrieveTimeBounded(ctx, talkerID, scope.TimeHint, queries)
	case types.ScopeTopicBounded:
		return r.retrieveTopicBounded(ctx, talkerID, scope.Topics, queries)
	default:
		return r.retrieveGlobal(ctx, talkerID, queries)
	}
}

// retrieveGlobal builds a cross-section of the full history: anomaly anchors
// and their threads first, then a stratified time sample, then semantic hits
// diversified across four time windows.
func (r *Retriever) retrieveGlobal(ctx context.Context, talkerID string, queries []string) ([]types.TopicUnit, error) {
	units, err := r.store.UnitsForTalker(talkerID)
	if err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return nil, nil
	}

	anchored, err := r.anchoredUnits(talkerID, units)
	if err != nil {
		return nil, err
	}

	buckets := r.limit / 8
	if buckets < 4 {
		buckets = 4
	}
	if buckets > 8 {
		buckets = 8
	}
	sampled := stratifiedSample(units, buckets, 2)

	coll := r.store.Collection(talkerID)
	count, err := coll.Count()
	if err != nil {
		return nil, err
	}

	var searched []types.TopicUnit
	if count > 0 && len(queries) > 0 {
		searched, err = r.timeDiversifiedSearch(ctx, talkerID, coll, units, queries)
		if err != nil {
			return nil, err
		}
	}

	// Anchors lead so the cap never drops them.
	combined := dedupeUnits(concat(anchored, sampled, searched))
	if len(combined) > r.limit {
		combined = combined[:r.limit]
	}
	sortChronological(combined)
	logging.AgentDebug("global retrieval for %s: %d anchored, %d sampled, %d searched, %d returned",
		talkerID, len(anchored), len(sampled), len(searched), len(combined))
	return combined, nil
}

func (r *Retriever) retrieveTimeBounded(ctx context.Context, talkerID, timeHint string, queries []string) ([]types.TopicUnit, error) {
	spanStart, spanEnd, err := r.span(talkerID)
	if err != nil {
		return nil, err
	}
	window := ResolveTimeHint(timeHint, spanStart, spanEnd)

	units, err := r.store.UnitsInWindow(talkerID, window.Start, window.End, r.limit)
	if err != nil {
		return nil, err
	}

	coll := r.store.Collection(talkerID)
	count, err := coll.Count()
	if err != nil {
		return nil, err
	}
	if count > 0 {
		for _, q := range queries {
			hits, err := r.search(ctx, coll, q, windowSearchTopK, &window)
			if err != nil {
				return nil, err
			}
			more, err := r.unitsForHits(hits)
			if err != nil {
				return nil, err
			}
			units = append(units, more...)
		}
	}

	units = dedupeUnits(units)
	if len(units) > r.limit {
		units = units[:r.limit]
	}
	sortChronological(units)
	return units, nil
}

// retrieveTopicBounded searches semantically per topic and per planner query
// and ranks units by their best similarity.
func (r *Retriever) retrieveTopicBounded(ctx context.Context, talkerID string, topics, queries []string) ([]types.TopicUnit, error) {
	coll := r.store.Collection(talkerID)
	count, err := coll.Count()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		// Nothing indexed yet; fall back to the global cross-section.
		return r.retrieveGlobal(ctx, talkerID, nil)
	}

	best := make(map[string]float64)
	for _, q := range append(append([]string{}, topics...), queries...) {
		if q == "" {
			continue
		}
		hits, err := r.search(ctx, coll, q, topicSearchTopK, nil)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			sim := 1 - h.Distance
			if sim > best[h.NodeID] {
				best[h.NodeID] = sim
			}
		}
	}

	ids := make([]string, 0, len(best))
	for id := range best {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if best[ids[i]] != best[ids[j]] {
			return best[ids[i]] > best[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if len(ids) > r.limit {
		ids = ids[:r.limit]
	}

	units := make([]types.TopicUnit, 0, len(ids))
	for _, id := range ids {
		u, err := r.store.UnitByID(id)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, nil
}

// SearchWindow is the explorer's targeted time search: semantic hits inside
// a window, chronological order.
func (r *Retriever) SearchWindow(ctx context.Context, talkerID, query string, window store.TimeWindow, k int) ([]types.TopicUnit, error) {
	coll := r.store.Collection(talkerID)
	count, err := coll.Count()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return r.store.UnitsInWindow(talkerID, window.Start, window.End, k)
	}
	hits, err := r.search(ctx, coll, query, k, &window)
	if err != nil {
		return nil, err
	}
	units, err := r.unitsForHits(hits)
	if err != nil {
		return nil, err
	}
	sortChronological(units)
	return units, nil
}

// SearchSemantic is the explorer's unwindowed expansion: top-k semantic hits
// in similarity order.
func (r *Retriever) SearchSemantic(ctx context.Context, talkerID, query string, k int) ([]types.TopicUnit, error) {
	coll := r.store.Collection(talkerID)
	count, err := coll.Count()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	hits, err := r.search(ctx, coll, query, k, nil)
	if err != nil {
		return nil, err
	}
	return r.unitsForHits(hits)
}

// ExpandThreads returns every unit in the same thread as any of the seeds.
func (r *Retriever) ExpandThreads(talkerID string, seeds []types.TopicUnit) ([]types.TopicUnit, error) {
	var out []types.TopicUnit
	seen := make(map[string]bool)
	for _, u := range seeds {
		ids, err := thread.Closure(r.store, talkerID, u.ID)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			member, err := r.store.UnitByID(id)
			if err == store.ErrNotFound {
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, member)
		}
	}
	sortChronological(out)
	return out, nil
}

// Span returns the first and last unit times for a talker.
func (r *Retriever) Span(talkerID string) (start, end int64, err error) {
	return r.span(talkerID)
}

func (r *Retriever) span(talkerID string) (int64, int64, error) {
	units, err := r.store.UnitsForTalker(talkerID)
	if err != nil {
		return 0, 0, err
	}
	if len(units) == 0 {
		return 0, 0, nil
	}
	start, end := units[0].StartTime, units[0].EndTime
	for _, u := range units {
		if u.StartTime < start {
			start = u.StartTime
		}
		if u.EndTime > end {
			end = u.EndTime
		}
	}
	return start, end, nil
}

// anchoredUnits returns the anchored units plus their thread closures, in
// anchor order.
func (r *Retriever) anchoredUnits(talkerID string, units []types.TopicUnit) ([]types.TopicUnit, error) {
	anchors, err := r.store.AnchorsForTalker(talkerID)
	if err != nil {
		return nil, err
	}
	if len(anchors) == 0 {
		return nil, nil
	}

	byID := make(map[string]types.TopicUnit, len(units))
	for _, u := range units {
		byID[u.ID] = u
	}

	var out []types.TopicUnit
	seen := make(map[string]bool)
	for _, a := range anchors {
		ids, err := thread.Closure(r.store, talkerID, a.NodeID)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			if u, ok := byID[id]; ok {
				out = append(out, u)
			}
		}
	}
	return out, nil
}

// timeDiversifiedSearch splits the history into equal windows and spends the
// search budget evenly across them, so semantic hits cannot all cluster in
// one period.
func (r *Retriever) timeDiversifiedSearch(ctx context.Context, talkerID string, coll *store.Collection, units []types.TopicUnit, queries []string) ([]types.TopicUnit, error) {
	spanStart := units[0].StartTime
	spanEnd := units[len(units)-1].EndTime
	if spanEnd <= spanStart {
		spanEnd = spanStart + 1
	}

	perWindow := globalSearchTopK / globalWindowCount
	width := (spanEnd - spanStart) / globalWindowCount

	var out []types.TopicUnit
	for _, q := range queries {
		for w := 0; w < globalWindowCount; w++ {
			window := store.TimeWindow{
				Start: spanStart + int64(w)*width,
				End:   spanStart + int64(w+1)*width,
			}
			if w == globalWindowCount-1 {
				window.End = spanEnd
			}
			hits, err := r.search(ctx, coll, q, perWindow, &window)
			if err != nil {
				return nil, err
			}
			more, err := r.unitsForHits(hits)
			if err != nil {
				return nil, err
			}
			out = append(out, more...)
		}
	}
	return out, nil
}

func (r *Retriever) search(ctx context.Context, coll *store.Collection, query string, k int, window *store.TimeWindow) ([]store.VectorHit, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return coll.Query(vec, k, window)
}

func (r *Retriever) unitsForHits(hits []store.VectorHit) ([]types.TopicUnit, error) {
	units := make([]types.TopicUnit, 0, len(hits))
	for _, h := range hits {
		u, err := r.store.UnitByID(h.NodeID)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, nil
}

// stratifiedSample splits units chronologically into buckets and takes up to
// perBucket evenly spaced units from each.
func stratifiedSample(units []types.TopicUnit, buckets, perBucket int) []types.TopicUnit {
	if len(units) == 0 || buckets <= 0 || perBucket <= 0 {
		return nil
	}
	if buckets > len(units) {
		buckets = len(units)
	}

	var out []types.TopicUnit
	size := len(units) / buckets
	for b := 0; b < buckets; b++ {
		lo := b * size
		hi := lo + size
		if b == buckets-1 {
			hi = len(units)
		}
		bucket := units[lo:hi]
		n := perBucket
		if n > len(bucket) {
			n = len(bucket)
		}
		step := len(bucket) / n
		for i := 0; i < n; i++ {
			out = append(out, bucket[i*step])
		}
	}
	return out
}

func dedupeUnits(units []types.TopicUnit) []types.TopicUnit {
	seen := make(map[string]bool, len(units))
	out := units[:0:0]
	for _, u := range units {
		if seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		out = append(out, u)
	}
	return out
}

func sortChronological(units []types.TopicUnit) {
	sort.Slice(units, func(i, j int) bool {
		if units[i].StartTime != units[j].StartTime {
			return units[i].StartTime < units[j].StartTime
		}
		return units[i].StartLocalID < units[j].StartLocalID
	})
}

func concat(slices ...[]types.TopicUnit) []types.TopicUnit {
	var out []types.TopicUnit
	for _, s := range slices {
		out = append(out, s...)
	}
	return out
}
