package pipeline

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kestrel-lab/paramextract/internal/document"
)

// DocumentFailure records one document that could not be processed.
type DocumentFailure struct {
	StudyID string
	Err     error
}

// RunAll processes documents concurrently under a worker limit. A failing
// document never aborts the batch: its error is collected and every other
// document still produces a result. Results and failures come back ordered by
// study ID regardless of completion order.
func (p *Pipeline) RunAll(ctx context.Context, runID string, docs []document.Document, workers int) ([]DocumentResult, []DocumentFailure) {
	if workers <= 0 {
		workers = 4
	}
	var g errgroup.Group
	g.SetLimit(workers)

	var mu sync.Mutex
	results := make([]DocumentResult, 0, len(docs))
	var failures []DocumentFailure

	for _, doc := range docs {
		doc := doc
		g.Go(func() error {
			res, err := p.Run(ctx, runID, doc)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, DocumentFailure{StudyID: doc.ID, Err: err})
				return nil
			}
			results = append(results, res)
			return nil
		})
	}
	// Workers report failures through the slice, never through the group.
	_ = g.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].StudyID < results[j].StudyID })
	sort.Slice(failures, func(i, j int) bool { return failures[i].StudyID < failures[j].StudyID })
	return results, failures
}
