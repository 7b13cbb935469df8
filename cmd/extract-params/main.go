package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/kestrel-lab/paramextract/internal/audit"
	"github.com/kestrel-lab/paramextract/internal/document"
	"github.com/kestrel-lab/paramextract/internal/modelassist"
	"github.com/kestrel-lab/paramextract/internal/paramlib"
	"github.com/kestrel-lab/paramextract/internal/pattern"
	"github.com/kestrel-lab/paramextract/internal/pipeline"
	"github.com/kestrel-lab/paramextract/internal/report"
	"github.com/kestrel-lab/paramextract/internal/resolve"
	"github.com/kestrel-lab/paramextract/internal/validate"
)

func main() {
	docsDir := flag.String("docs", "", "Directory of document JSON files")
	libraryPath := flag.String("library", "", "Parameter library YAML file")
	policyPath := flag.String("policy", "", "Resolution policy YAML file (optional)")
	auditDB := flag.String("audit-db", "paramextract.db", "Audit/cache SQLite database path")
	mode := flag.String("mode", "fallback", "Model stage mode: verify-all, fallback, or pattern-only")
	discovery := flag.Bool("discovery", false, "Run the discovery stage (proposals go to a review queue)")
	workers := flag.Int("workers", 4, "Concurrent document workers")
	outDir := flag.String("out", "out", "Output directory for results and reports")
	htmlOut := flag.Bool("html", false, "Also render HTML reports")
	otlpEndpoint := flag.String("otlp-endpoint", "", "OTLP trace endpoint host:port (optional)")
	flag.Parse()

	if *docsDir == "" || *libraryPath == "" {
		log.Fatal("-docs and -library are required")
	}

	lib, err := paramlib.Load(*libraryPath)
	if err != nil {
		log.Fatal(err)
	}
	policy := resolve.DefaultPolicy()
	if *policyPath != "" {
		policy, err = resolve.LoadPolicy(*policyPath)
		if err != nil {
			log.Fatal(err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *otlpEndpoint != "" {
		shutdown, err := setupTracing(ctx, *otlpEndpoint)
		if err != nil {
			log.Fatal(err)
		}
		defer shutdown()
	}

	store, err := audit.NewStore(*auditDB)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	var engine *modelassist.Engine
	stageMode := modelassist.Mode(*mode)
	switch stageMode {
	case modelassist.ModeVerifyAll, modelassist.ModeFallback, modelassist.ModePatternOnly:
	default:
		log.Fatalf("unknown mode %q", *mode)
	}
	if stageMode != modelassist.ModePatternOnly {
		gen, err := modelassist.NewAnthropicGeneratorFromEnv()
		if err != nil {
			log.Printf("model assistance unavailable (%v), continuing pattern-only", err)
		} else {
			engine = modelassist.NewEngine(gen, lib, modelassist.EngineOptions{})
		}
	}

	extractor := pattern.New(lib, pattern.Options{
		MinSectionChars:     pattern.DefaultOptions().MinSectionChars,
		WindowChars:         pattern.DefaultOptions().WindowChars,
		SharedScopeDiscount: policy.SharedScopeDiscount,
	})
	resolver := resolve.New(validate.NewEngine(lib), policy)

	pipe, err := pipeline.New(pipeline.Options{
		Extractor: extractor,
		Engine:    engine,
		Resolver:  resolver,
		Store:     store,
		Mode:      stageMode,
		Discovery: *discovery,
	})
	if err != nil {
		log.Fatal(err)
	}

	docs, err := loadDocuments(*docsDir)
	if err != nil {
		log.Fatal(err)
	}
	if len(docs) == 0 {
		log.Fatalf("no document JSON files in %s", *docsDir)
	}

	runID := uuid.NewString()
	log.Printf("run %s: %d documents, mode=%s, workers=%d", runID, len(docs), stageMode, *workers)

	results, failures := pipe.RunAll(ctx, runID, docs, *workers)
	for _, f := range failures {
		log.Printf("%s failed at %s: %v", f.StudyID, pipeline.StageNameFromError(f.Err), f.Err)
	}
	if len(results) == 0 {
		log.Fatalf("run %s: all %d documents failed", runID, len(failures))
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatal(err)
	}
	for _, res := range results {
		if err := writeResult(*outDir, res, *htmlOut); err != nil {
			log.Fatal(err)
		}
		log.Printf("%s: %d scopes, %d model calls, %d keys need review",
			res.StudyID, len(res.Scopes), res.Metadata.ModelCalls, len(res.Metadata.NeedsReviewKeys))
	}
	log.Printf("run %s complete: %d documents written to %s, %d failed", runID, len(results), *outDir, len(failures))
}

func loadDocuments(dir string) ([]document.Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read docs dir: %w", err)
	}
	var docs []document.Document
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var doc document.Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", e.Name(), err)
		}
		if doc.ID == "" {
			doc.ID = strings.TrimSuffix(e.Name(), ".json")
		}
		if err := doc.Validate(); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func writeResult(outDir string, res pipeline.DocumentResult, htmlOut bool) error {
	raw, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(outDir, res.StudyID+".json"), raw, 0o644); err != nil {
		return err
	}
	md := report.BuildRunMarkdown(res)
	if err := os.WriteFile(filepath.Join(outDir, res.StudyID+".md"), []byte(md), 0o644); err != nil {
		return err
	}
	if htmlOut {
		page, err := report.RenderHTML(md, "Extraction Report: "+res.StudyID)
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(outDir, res.StudyID+".html"), []byte(page), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func setupTracing(ctx context.Context, endpoint string) (func(), error) {
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutCtx); err != nil {
			log.Printf("trace shutdown: %v", err)
		}
	}, nil
}
