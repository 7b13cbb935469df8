package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/kestrel-lab/paramextract/internal/paramlib"
	"github.com/kestrel-lab/paramextract/internal/pipeline"
	"github.com/kestrel-lab/paramextract/internal/report"
	"github.com/kestrel-lab/paramextract/internal/validate"
)

func main() {
	extractedDir := flag.String("extracted", "", "Directory of extraction result JSON files")
	referenceDir := flag.String("reference", "", "Directory of reference JSON files (study-id.json, flat key/value maps)")
	libraryPath := flag.String("library", "", "Parameter library YAML file")
	outPath := flag.String("out", "", "Write the markdown report to this file instead of stdout")
	htmlOut := flag.Bool("html", false, "Also render an HTML report next to -out")
	flag.Parse()

	if *extractedDir == "" || *referenceDir == "" || *libraryPath == "" {
		log.Fatal("-extracted, -reference, and -library are required")
	}

	lib, err := paramlib.Load(*libraryPath)
	if err != nil {
		log.Fatal(err)
	}
	eq := validate.NewEngine(lib)

	refs, err := loadReferences(*referenceDir)
	if err != nil {
		log.Fatal(err)
	}

	var overall validate.Report
	scored := 0
	entries, err := os.ReadDir(*extractedDir)
	if err != nil {
		log.Fatal(err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(*extractedDir, e.Name()))
		if err != nil {
			log.Fatal(err)
		}
		var res pipeline.DocumentResult
		if err := json.Unmarshal(raw, &res); err != nil {
			log.Fatalf("parse %s: %v", e.Name(), err)
		}
		ref, ok := refs[res.StudyID]
		if !ok {
			log.Printf("no reference for %s, skipped", res.StudyID)
			continue
		}
		rep := eq.Compare(res.StudyID, flatten(res), ref)
		overall.Merge(rep)
		scored++
	}
	if scored == 0 {
		log.Fatal("no extraction results matched a reference record")
	}

	md := report.BuildScoreMarkdown(overall)
	if *outPath == "" {
		fmt.Print(md)
	} else {
		if err := os.WriteFile(*outPath, []byte(md), 0o644); err != nil {
			log.Fatal(err)
		}
		if *htmlOut {
			page, err := report.RenderHTML(md, "Validation Report")
			if err != nil {
				log.Fatal(err)
			}
			htmlPath := strings.TrimSuffix(*outPath, filepath.Ext(*outPath)) + ".html"
			if err := os.WriteFile(htmlPath, []byte(page), 0o644); err != nil {
				log.Fatal(err)
			}
		}
	}
	log.Printf("scored %d studies: precision %.3f, recall %.3f, F1 %.3f",
		scored, overall.Overall.Precision(), overall.Overall.Recall(), overall.Overall.F1())
}

func loadReferences(dir string) (map[string]map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read reference dir: %w", err)
	}
	out := map[string]map[string]string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var ref map[string]string
		if err := json.Unmarshal(raw, &ref); err != nil {
			return nil, fmt.Errorf("parse %s: %w", e.Name(), err)
		}
		out[strings.TrimSuffix(e.Name(), ".json")] = ref
	}
	return out, nil
}

// flatten turns a multi-scope result into one key/value map. Single-experiment
// papers keep bare keys; multi-experiment papers prefix each key with the
// experiment ordinal so references can score experiments independently.
func flatten(res pipeline.DocumentResult) map[string]string {
	out := map[string]string{}
	multi := len(res.Scopes) > 1
	for _, scope := range res.Scopes {
		for _, c := range scope.Canonical {
			key := c.Key
			if multi {
				key = fmt.Sprintf("exp%d.%s", scope.Ordinal, c.Key)
			}
			out[key] = c.Value
		}
	}
	return out
}
