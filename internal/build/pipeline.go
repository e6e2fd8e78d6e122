// Package build runs the offline memory pipeline for one talker: segment the
// raw messages into bursts, label each burst's topic units, compute
// behavioral signals and anomaly anchors, then link units into threads.
// Every stage is resumable: bursts that already have units are skipped,
// signals are only computed where missing, and indexed embeddings are never
// recomputed.
package build

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Chen-speculation/narrarc/internal/config"
	"github.com/Chen-speculation/narrarc/internal/llm"
	"github.com/Chen-speculation/narrarc/internal/logging"
	"github.com/Chen-speculation/narrarc/internal/segment"
	"github.com/Chen-speculation/narrarc/internal/signal"
	"github.com/Chen-speculation/narrarc/internal/store"
	"github.com/Chen-speculation/narrarc/internal/thread"
	"github.com/Chen-speculation/narrarc/internal/types"
)

// Options tunes one pipeline run.
type Options struct {
	// ForceSignals recomputes signals for every unit, not just new ones.
	ForceSignals bool
}

// Pipeline owns the build stages for a store.
type Pipeline struct {
	store      *store.Store
	segmenter  *segment.Segmenter
	classifier *segment.Classifier
	signals    *signal.Engine
	linker     *thread.Linker
}

func NewPipeline(st *store.Store, svc *llm.Services, cfg *config.Config) *Pipeline {
	workers := cfg.LLM.MaxWorkers
	return &Pipeline{
		store:      st,
		segmenter:  segment.NewSegmenter(cfg.Build.GapSeconds),
		classifier: segment.NewClassifier(svc.Completer, cfg.Build.ClassifyBatchSize, workers),
		signals:    signal.NewEngine(st, svc.Completer, cfg.Build, workers),
		linker:     thread.NewLinker(st, svc.Embedder, svc.Reranker, svc.Reasoner, cfg.Build, workers),
	}
}

// Run executes all stages for a talker. The progress marker is set at the
// start of each stage and cleared when the run completes, so an interrupted
// build reports in_progress and a rerun picks up where it stopped.
func (p *Pipeline) Run(ctx context.Context, talkerID string, opts Options) error {
	runID := uuid.NewString()
	timer := logging.StartTimer(logging.CategoryBuild, "build "+talkerID)
	defer timer.Stop()

	msgs, err := p.store.MessagesForTalker(talkerID)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return fmt.Errorf("no messages for talker %s", talkerID)
	}
	logging.Build("run %s: building %s from %d messages", runID, talkerID, len(msgs))

	if err := p.segmentAndClassify(ctx, talkerID, runID, msgs); err != nil {
		return err
	}

	if err := p.mark(talkerID, runID, "signals", ""); err != nil {
		return err
	}
	if err := p.signals.ComputeAll(ctx, talkerID, opts.ForceSignals); err != nil {
		return fmt.Errorf("signals: %w", err)
	}

	if err := p.mark(talkerID, runID, "threads", ""); err != nil {
		return err
	}
	linked, err := p.linker.BuildLinks(ctx, talkerID)
	if err != nil {
		return fmt.Errorf("threads: %w", err)
	}
	logging.Build("run %s: %d thread links", runID, linked)

	return p.store.ClearProgress(talkerID)
}

func (p *Pipeline) segmentAndClassify(ctx context.Context, talkerID, runID string, msgs []types.Message) error {
	if err := p.mark(talkerID, runID, "segment", ""); err != nil {
		return err
	}

	bursts := p.segmenter.Segment(msgs)
	if len(bursts) == 0 {
		return fmt.Errorf("no bursts from %d messages", len(msgs))
	}
	if err := p.store.InsertBursts(bursts); err != nil {
		return err
	}
	logging.Build("run %s: %d bursts", runID, len(bursts))

	// Reuse existing units: only bursts without units get classified.
	var pending []types.Burst
	for _, b := range bursts {
		has, err := p.store.HasUnitsForBurst(b.ID)
		if err != nil {
			return err
		}
		if !has {
			pending = append(pending, b)
		}
	}
	if len(pending) == 0 {
		logging.Build("run %s: all bursts already classified", runID)
		return nil
	}

	if err := p.mark(talkerID, runID, "classify", fmt.Sprintf("%d bursts", len(pending))); err != nil {
		return err
	}
	perBurst := p.classifier.ClassifyBursts(ctx, pending)

	var units []types.TopicUnit
	for _, batch := range perBurst {
		units = append(units, batch...)
	}
	if err := p.store.InsertUnits(units); err != nil {
		return err
	}
	logging.Build("run %s: %d units from %d bursts", runID, len(units), len(pending))
	return nil
}

func (p *Pipeline) mark(talkerID, runID, stage, detail string) error {
	return p.store.SetProgress(types.BuildProgress{
		TalkerID:  talkerID,
		RunID:     runID,
		Stage:     stage,
		Detail:    detail,
		UpdatedAt: time.Now(),
	})
}
