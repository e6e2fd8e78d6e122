// Package thread discovers links between topic units that belong to the same
// evolving conversation thread. Linking runs in three narrowing stages:
// vector similarity proposes candidates, a cross-encoder reranks their topic
// labels, and a reasoning call makes the final judgment per pair.
package thread

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Chen-speculation/narrarc/internal/config"
	"github.com/Chen-speculation/narrarc/internal/llm"
	"github.com/Chen-speculation/narrarc/internal/logging"
	"github.com/Chen-speculation/narrarc/internal/store"
	"github.com/Chen-speculation/narrarc/internal/types"
)

// maxDocumentChars bounds the text embedded per unit. Long units are
// truncated, not split.
const maxDocumentChars = 2000

const arbitrationSystem = `You judge whether two chat conversation segments are part of the same evolving topic thread. The second segment happened after the first. They are linked only if the later one continues, revisits, or resolves the subject of the earlier one.`

// Linker builds thread links for a talker.
type Linker struct {
	store    *store.Store
	embedder llm.Embedder
	reranker llm.Reranker
	reasoner llm.Reasoner
	cfg      config.BuildConfig
	workers  int
}

func NewLinker(st *store.Store, embedder llm.Embedder, reranker llm.Reranker, reasoner llm.Reasoner, cfg config.BuildConfig, workers int) *Linker {
	if workers <= 0 {
		workers = 4
	}
	return &Linker{store: st, embedder: embedder, reranker: reranker, reasoner: reasoner, cfg: cfg, workers: workers}
}

// candidate is a chronologically ordered unit pair under consideration.
type candidate struct {
	from types.TopicUnit
	to   types.TopicUnit
	sim  float64
}

// BuildLinks indexes any unindexed units and then runs the three-stage
// linking pass. New links are written to the store; existing links are never
// re-judged.
func (l *Linker) BuildLinks(ctx context.Context, talkerID string) (int, error) {
	units, err := l.store.UnitsForTalker(talkerID)
	if err != nil {
		return 0, err
	}
	if len(units) < 2 {
		return 0, nil
	}

	coll := l.store.Collection(talkerID)
	if err := l.ensureIndexed(ctx, coll, talkerID, units); err != nil {
		return 0, err
	}

	candidates, err := l.proposeCandidates(coll, units)
	if err != nil {
		return 0, err
	}
	logging.Thread("talker %s: %d candidate pairs from vector search", talkerID, len(candidates))
	if len(candidates) == 0 {
		return 0, nil
	}

	survivors, err := l.rerankCandidates(ctx, candidates)
	if err != nil {
		return 0, err
	}
	logging.Thread("talker %s: %d pairs after rerank", talkerID, len(survivors))
	if len(survivors) == 0 {
		return 0, nil
	}

	return l.arbitrate(ctx, talkerID, survivors)
}

// ensureIndexed embeds and stores every unit missing from the collection.
func (l *Linker) ensureIndexed(ctx context.Context, coll *store.Collection, talkerID string, units []types.TopicUnit) error {
	indexed, err := coll.IndexedIDs()
	if err != nil {
		return err
	}

	var pending []types.TopicUnit
	for _, u := range units {
		if !indexed[u.ID] {
			pending = append(pending, u)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	timer := logging.StartTimer(logging.CategoryThread, fmt.Sprintf("embed %d units", len(pending)))
	defer timer.Stop()

	docs := make([]string, len(pending))
	for i, u := range pending {
		docs[i] = l.unitDocument(talkerID, u)
	}

	batch := l.cfg.EmbedBatchSize
	if batch <= 0 {
		batch = 32
	}
	for start := 0; start < len(pending); start += batch {
		end := start + batch
		if end > len(pending) {
			end = len(pending)
		}
		vecs, err := l.embedder.EmbedBatch(ctx, docs[start:end])
		if err != nil {
			return fmt.Errorf("embed units: %w", err)
		}
		if len(vecs) != end-start {
			return fmt.Errorf("embed units: got %d vectors for %d documents", len(vecs), end-start)
		}
		for i, vec := range vecs {
			u := pending[start+i]
			if err := coll.Upsert(u.ID, vec, u.StartTime, docs[start+i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// unitDocument renders the text that represents a unit in the vector index:
// the topic label followed by the unit's messages, truncated.
func (l *Linker) unitDocument(talkerID string, u types.TopicUnit) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "topic: %s\n", u.TopicLabel)

	msgs, err := l.store.MessagesInIDRange(talkerID, u.StartLocalID, u.EndLocalID)
	if err != nil {
		logging.ThreadDebug("unit %s: load messages: %v", u.ID, err)
	}
	for _, m := range msgs {
		who := "them"
		if m.IsOutgoing {
			who = "me"
		}
		fmt.Fprintf(&sb, "%s: %s\n", who, m.Text)
	}

	doc := sb.String()
	if runes := []rune(doc); len(runes) > maxDocumentChars {
		doc = string(runes[:maxDocumentChars])
	}
	return doc
}

// proposeCandidates queries each unit's nearest neighbors and keeps
// sufficiently similar chronological pairs that are not already linked.
func (l *Linker) proposeCandidates(coll *store.Collection, units []types.TopicUnit) ([]candidate, error) {
	byID := make(map[string]types.TopicUnit, len(units))
	for _, u := range units {
		byID[u.ID] = u
	}

	topK := l.cfg.NeighborTopK
	if topK <= 0 {
		topK = 10
	}

	seen := make(map[string]bool)
	var candidates []candidate
	for _, u := range units {
		vec, err := coll.Vector(u.ID)
		if err != nil {
			return nil, fmt.Errorf("unit %s: %w", u.ID, err)
		}
		// One extra hit because the unit matches itself.
		hits, err := coll.Query(vec, topK+1, nil)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			if h.NodeID == u.ID {
				continue
			}
			sim := 1 - h.Distance
			if sim < l.cfg.SimilarityThreshold {
				continue
			}
			other, ok := byID[h.NodeID]
			if !ok {
				continue
			}
			from, to := u, other
			if to.StartTime < from.StartTime || (to.StartTime == from.StartTime && to.ID < from.ID) {
				from, to = to, from
			}
			key := from.ID + "\x00" + to.ID
			if seen[key] {
				continue
			}
			seen[key] = true

			exists, err := l.store.LinkExists(from.ID, to.ID)
			if err != nil {
				return nil, err
			}
			if exists {
				continue
			}
			candidates = append(candidates, candidate{from: from, to: to, sim: sim})
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].sim > candidates[j].sim })
	return candidates, nil
}

// rerankCandidates scores each pair's topic labels with the cross-encoder and
// keeps the top pairs above the rerank threshold.
func (l *Linker) rerankCandidates(ctx context.Context, candidates []candidate) ([]candidate, error) {
	pairs := make([]llm.LabelPair, len(candidates))
	for i, c := range candidates {
		pairs[i] = llm.LabelPair{Query: c.from.TopicLabel, Document: c.to.TopicLabel}
	}
	scores, err := llm.RerankPairs(ctx, l.reranker, pairs, l.workers)
	if err != nil {
		return nil, fmt.Errorf("rerank candidates: %w", err)
	}

	type rescored struct {
		candidate
		rerank float64
	}
	var kept []rescored
	for i, c := range candidates {
		if scores[i] >= l.cfg.RerankThreshold {
			kept = append(kept, rescored{candidate: c, rerank: scores[i]})
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].rerank > kept[j].rerank })

	topM := l.cfg.RerankTopM
	if topM <= 0 {
		topM = 20
	}
	if len(kept) > topM {
		kept = kept[:topM]
	}

	out := make([]candidate, len(kept))
	for i, k := range kept {
		out[i] = k.candidate
	}
	return out, nil
}

type verdict struct {
	Linked bool   `json:"linked"`
	Reason string `json:"reason"`
}

// arbitrate asks the reasoning service to judge each surviving pair. Calls
// run concurrently; writes are single-threaded afterwards. A malformed
// verdict means not linked, with no retry.
func (l *Linker) arbitrate(ctx context.Context, talkerID string, pairs []candidate) (int, error) {
	verdicts := make([]verdict, len(pairs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)
	for i, c := range pairs {
		i, c := i, c
		g.Go(func() error {
			v := l.judgePair(gctx, talkerID, c)
			mu.Lock()
			verdicts[i] = v
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	linked := 0
	for i, c := range pairs {
		if !verdicts[i].Linked {
			continue
		}
		link := types.ThreadLink{
			FromNodeID: c.from.ID,
			ToNodeID:   c.to.ID,
			Reason:     verdicts[i].Reason,
			Score:      c.sim,
		}
		if err := l.store.InsertLink(talkerID, link); err != nil {
			return linked, err
		}
		linked++
	}
	logging.Thread("talker %s: %d of %d pairs linked", talkerID, linked, len(pairs))
	return linked, nil
}

func (l *Linker) judgePair(ctx context.Context, talkerID string, c candidate) verdict {
	var sb strings.Builder
	sb.WriteString("Earlier segment:\n")
	l.describeUnit(&sb, talkerID, c.from)
	sb.WriteString("\nLater segment:\n")
	l.describeUnit(&sb, talkerID, c.to)
	sb.WriteString("\nAre these two segments part of the same evolving topic thread? Respond with JSON: {\"linked\": true or false, \"reason\": \"...\"}")

	resp, err := l.reasoner.ThinkAndComplete(ctx, llm.CompletionRequest{
		System:    arbitrationSystem,
		Prompt:    sb.String(),
		MaxTokens: 512,
		Schema:    &llm.ResponseSchema{Name: "link_verdict", Definition: llm.GenerateSchema[verdict]()},
	})
	if err != nil {
		logging.ThreadDebug("pair %s -> %s: arbitration failed: %v", c.from.ID, c.to.ID, err)
		return verdict{}
	}

	var v verdict
	if err := llm.UnmarshalResponse(resp, &v); err != nil {
		logging.ThreadDebug("pair %s -> %s: malformed verdict: %v", c.from.ID, c.to.ID, err)
		return verdict{}
	}
	return v
}

// describeUnit writes a compact view of a unit: label, date, and up to eight
// messages.
func (l *Linker) describeUnit(sb *strings.Builder, talkerID string, u types.TopicUnit) {
	fmt.Fprintf(sb, "Topic: %s\n", u.TopicLabel)

	msgs, err := l.store.MessagesInIDRange(talkerID, u.StartLocalID, u.EndLocalID)
	if err != nil {
		logging.ThreadDebug("unit %s: load messages: %v", u.ID, err)
		return
	}
	if len(msgs) > 8 {
		msgs = msgs[:8]
	}
	for _, m := range msgs {
		who := "them"
		if m.IsOutgoing {
			who = "me"
		}
		fmt.Fprintf(sb, "  %s: %s\n", who, m.Text)
	}
}
