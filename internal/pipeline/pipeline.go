// Package pipeline orchestrates one document through segmentation, pattern
// extraction, the model-assisted stages, and resolution. Model stages degrade
// gracefully: a skipped or failed stage leaves pattern candidates in play
// instead of failing the document.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kestrel-lab/paramextract/internal/audit"
	"github.com/kestrel-lab/paramextract/internal/document"
	"github.com/kestrel-lab/paramextract/internal/modelassist"
	"github.com/kestrel-lab/paramextract/internal/pattern"
	"github.com/kestrel-lab/paramextract/internal/record"
	"github.com/kestrel-lab/paramextract/internal/resolve"
	"github.com/kestrel-lab/paramextract/internal/segment"
)

// segmentFn is swappable in tests.
var segmentFn = segment.Segment

// StageError wraps a failure with the pipeline stage it occurred in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func StageNameFromError(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return "pipeline"
}

// RunMetadata records what actually happened during one document run so a
// reviewer can tell a full run from a degraded one.
type RunMetadata struct {
	RunID               string    `json:"run_id"`
	Mode                string    `json:"mode"`
	StartedAt           time.Time `json:"started_at"`
	CompletedAt         time.Time `json:"completed_at"`
	DurationMS          int64     `json:"duration_ms"`
	StagesExecuted      []string  `json:"stages_executed,omitempty"`
	StagesSkipped       []string  `json:"stages_skipped,omitempty"`
	ModelCalls          int       `json:"model_calls"`
	PatternOnlyFallback bool      `json:"pattern_only_fallback,omitempty"`
	NeedsReviewKeys     []string  `json:"needs_review_keys,omitempty"`
	CacheHit            bool      `json:"cache_hit,omitempty"`
}

// ScopeResult is the full output for one experiment scope.
type ScopeResult struct {
	Ordinal       int                             `json:"ordinal"`
	Title         string                          `json:"title,omitempty"`
	IsSharedScope bool                            `json:"is_shared_scope"`
	Canonical     []record.CanonicalParameter     `json:"canonical"`
	Candidates    []record.ParameterCandidate     `json:"candidates"`
	StageReports  []modelassist.StageReport       `json:"stage_reports,omitempty"`
	Proposals     []modelassist.DiscoveryProposal `json:"proposals,omitempty"`
}

// DocumentResult is the whole-document output, also the cache snapshot payload.
type DocumentResult struct {
	StudyID  string        `json:"study_id"`
	DocHash  string        `json:"doc_hash"`
	Scopes   []ScopeResult `json:"scopes"`
	Metadata RunMetadata   `json:"metadata"`
}

// Options assemble a pipeline. Engine may be nil; the pipeline then runs
// pattern-only regardless of Mode and flags the fallback in metadata.
type Options struct {
	Extractor *pattern.Extractor
	Engine    *modelassist.Engine
	Resolver  *resolve.Resolver
	Store     *audit.Store
	Mode      modelassist.Mode
	Discovery bool
	// FallbackThreshold is the confidence below which fallback mode sends a
	// pattern candidate to verification.
	FallbackThreshold float64
}

type Pipeline struct {
	extractor         *pattern.Extractor
	engine            *modelassist.Engine
	resolver          *resolve.Resolver
	store             *audit.Store
	mode              modelassist.Mode
	discovery         bool
	fallbackThreshold float64
	tracer            trace.Tracer
}

func New(opts Options) (*Pipeline, error) {
	if opts.Extractor == nil {
		return nil, errors.New("pipeline: extractor is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("pipeline: resolver is required")
	}
	if opts.Mode == "" {
		opts.Mode = modelassist.ModeFallback
	}
	if opts.FallbackThreshold <= 0 {
		opts.FallbackThreshold = 0.75
	}
	return &Pipeline{
		extractor:         opts.Extractor,
		engine:            opts.Engine,
		resolver:          opts.Resolver,
		store:             opts.Store,
		mode:              opts.Mode,
		discovery:         opts.Discovery,
		fallbackThreshold: opts.FallbackThreshold,
		tracer:            otel.Tracer("paramextract/pipeline"),
	}, nil
}

// Run processes one document end to end. The returned result is also written
// to the snapshot cache keyed by the document's content hash.
func (p *Pipeline) Run(ctx context.Context, runID string, doc document.Document) (DocumentResult, error) {
	mode := p.mode
	fellBack := false
	if p.engine == nil && mode != modelassist.ModePatternOnly {
		mode = modelassist.ModePatternOnly
		fellBack = true
	}

	res := DocumentResult{
		StudyID: doc.ID,
		DocHash: doc.Hash(),
		Metadata: RunMetadata{
			RunID:               runID,
			Mode:                string(mode),
			StartedAt:           time.Now().UTC(),
			PatternOnlyFallback: fellBack,
		},
	}

	ctx, span := p.tracer.Start(ctx, "document.run", trace.WithAttributes(
		attribute.String("study.id", res.StudyID),
		attribute.String("run.mode", string(mode)),
	))
	defer span.End()

	if err := doc.Validate(); err != nil {
		return res, &StageError{Stage: "ingest", Err: err}
	}

	if p.store != nil {
		var cached DocumentResult
		hit, err := p.store.GetSnapshot(res.DocHash, string(mode), &cached)
		if err == nil && hit {
			cached.Metadata.CacheHit = true
			cached.Metadata.RunID = runID
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return cached, nil
		}
	}

	scopes := p.segment(ctx, doc)
	res.Metadata.StagesExecuted = append(res.Metadata.StagesExecuted, "segment")

	for _, scope := range scopes {
		res.Scopes = append(res.Scopes, p.runScope(ctx, runID, res.StudyID, scope, mode, &res.Metadata))
	}

	res.Metadata.CompletedAt = time.Now().UTC()
	res.Metadata.DurationMS = res.Metadata.CompletedAt.Sub(res.Metadata.StartedAt).Milliseconds()

	if p.store != nil {
		if err := p.store.PutSnapshot(res.DocHash, string(mode), res); err != nil {
			// The in-memory result stands; only caching degrades.
			log.Printf("pipeline: snapshot write for %s failed: %v", res.StudyID, err)
			appendUnique(&res.Metadata.StagesSkipped, "cache")
		}
	}
	return res, nil
}

func (p *Pipeline) segment(ctx context.Context, doc document.Document) []document.ExperimentScope {
	_, span := p.tracer.Start(ctx, "segment")
	defer span.End()
	scopes := segmentFn(doc)
	span.SetAttributes(attribute.Int("scopes", len(scopes)))
	return scopes
}

// runScope never fails the document: degraded stages are noted in metadata so
// the remaining scopes still run.
func (p *Pipeline) runScope(ctx context.Context, runID, studyID string, scope document.ExperimentScope, mode modelassist.Mode, meta *RunMetadata) ScopeResult {
	ctx, span := p.tracer.Start(ctx, "scope.run", trace.WithAttributes(
		attribute.Int("scope.ordinal", scope.Ordinal),
	))
	defer span.End()

	sr := ScopeResult{Ordinal: scope.Ordinal, Title: scope.Title, IsSharedScope: scope.IsSharedScope}

	candidates := p.extract(ctx, scope)
	sr.Candidates = candidates
	appendUnique(&meta.StagesExecuted, "pattern-extract")

	if mode != modelassist.ModePatternOnly && p.engine != nil {
		verified, report := p.verify(ctx, scope, candidates, mode)
		sr.Candidates = append(sr.Candidates, verified...)
		sr.StageReports = append(sr.StageReports, report)
		p.recordStage(runID, studyID, scope.Ordinal, report, meta)

		extracted := map[string]bool{}
		for _, c := range sr.Candidates {
			if !c.Abstained {
				extracted[c.Key] = true
			}
		}
		recovered, report := p.recover(ctx, scope, extracted)
		sr.Candidates = append(sr.Candidates, recovered...)
		sr.StageReports = append(sr.StageReports, report)
		p.recordStage(runID, studyID, scope.Ordinal, report, meta)

		if p.discovery {
			proposals, report := p.discover(ctx, scope)
			sr.Proposals = proposals
			sr.StageReports = append(sr.StageReports, report)
			p.recordStage(runID, studyID, scope.Ordinal, report, meta)
		}
	}

	canonical, audits := p.resolver.ResolveAll(sr.Candidates)
	sr.Canonical = canonical
	appendUnique(&meta.StagesExecuted, "resolve")
	for _, c := range canonical {
		if c.RequiresReview {
			meta.NeedsReviewKeys = append(meta.NeedsReviewKeys, c.Key)
		}
	}
	if p.store != nil {
		for _, a := range audits {
			if err := p.store.AppendResolution(runID, studyID, scope.Ordinal, a); err != nil {
				log.Printf("pipeline: resolution audit for %s/%s failed: %v", studyID, a.Key, err)
				appendUnique(&meta.StagesSkipped, "audit:resolve")
			}
		}
	}
	return sr
}

func (p *Pipeline) extract(ctx context.Context, scope document.ExperimentScope) []record.ParameterCandidate {
	_, span := p.tracer.Start(ctx, "pattern.extract")
	defer span.End()
	out := p.extractor.ExtractAll(scope)
	span.SetAttributes(attribute.Int("candidates", len(out)))
	return out
}

func (p *Pipeline) verify(ctx context.Context, scope document.ExperimentScope, candidates []record.ParameterCandidate, mode modelassist.Mode) ([]record.ParameterCandidate, modelassist.StageReport) {
	ctx, span := p.tracer.Start(ctx, "model.verify")
	defer span.End()
	out, report := p.engine.Verify(ctx, scope, candidates, mode, p.fallbackThreshold)
	span.SetAttributes(attribute.Int("accepted", len(report.Accepted)), attribute.Bool("skipped", report.Skipped))
	return out, report
}

func (p *Pipeline) recover(ctx context.Context, scope document.ExperimentScope, extracted map[string]bool) ([]record.ParameterCandidate, modelassist.StageReport) {
	ctx, span := p.tracer.Start(ctx, "model.recover")
	defer span.End()
	out, report := p.engine.Recover(ctx, scope, extracted)
	span.SetAttributes(attribute.Int("accepted", len(report.Accepted)), attribute.Bool("skipped", report.Skipped))
	return out, report
}

func (p *Pipeline) discover(ctx context.Context, scope document.ExperimentScope) ([]modelassist.DiscoveryProposal, modelassist.StageReport) {
	ctx, span := p.tracer.Start(ctx, "model.discover")
	defer span.End()
	out, report := p.engine.Discover(ctx, scope)
	span.SetAttributes(attribute.Int("proposals", len(out)), attribute.Bool("skipped", report.Skipped))
	return out, report
}

func (p *Pipeline) recordStage(runID, studyID string, ordinal int, report modelassist.StageReport, meta *RunMetadata) {
	meta.ModelCalls += report.Calls
	if report.Skipped {
		appendUnique(&meta.StagesSkipped, report.Stage)
	} else {
		appendUnique(&meta.StagesExecuted, report.Stage)
	}
	if p.store != nil {
		if err := p.store.AppendModelCall(runID, studyID, ordinal, report); err != nil {
			// Audit write failures must not lose the in-memory result.
			appendUnique(&meta.StagesSkipped, "audit:"+report.Stage)
		}
	}
}

func appendUnique(list *[]string, stage string) {
	for _, s := range *list {
		if s == stage {
			return
		}
	}
	*list = append(*list, stage)
}
