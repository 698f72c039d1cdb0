package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Exporter runs export jobs. Jobs are independent one-shot pipelines; the
// exporter itself only carries tool configuration.
type Exporter struct {
	pdftk         string
	annotateCmd   string
	converter     Converter
	runner        *Runner
	scratchParent string
}

// NewExporter builds an exporter. The scratch parent directory is created
// under the system temp dir so crash leftovers are covered by tmp reapers.
func NewExporter(pdftk, annotateCmd string, converter Converter, runner *Runner) (*Exporter, error) {
	parent := filepath.Join(os.TempDir(), "pdfdraw")
	if err := os.MkdirAll(parent, 0o700); err != nil {
		return nil, fmt.Errorf("create scratch parent: %w", err)
	}
	return &Exporter{
		pdftk:         pdftk,
		annotateCmd:   annotateCmd,
		converter:     converter,
		runner:        runner,
		scratchParent: parent,
	}, nil
}

// Export runs one job: overlays are converted and combined while the source
// document is fetched, the combined overlay is stamped onto the source and
// text annotations are added best-effort. The scratch directory is removed
// on every path out.
func (e *Exporter) Export(ctx context.Context, req Request) (*Result, error) {
	name := req.FileName
	if name == "" {
		name = req.FileID
	}
	filename := downloadFilename(name, time.Now())

	pages := make([]string, 0, len(req.SVGPages))
	for _, svg := range req.SVGPages {
		if strings.TrimSpace(svg) != "" {
			pages = append(pages, svg)
		}
	}
	if len(pages) == 0 {
		// Nothing to bake in; hand back the unmodified source without
		// touching any external tool.
		source, err := req.FetchSource(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
		}
		if len(source) == 0 {
			return nil, ErrSourceUnavailable
		}
		return &Result{Data: source, Filename: filename, MimeType: "application/pdf"}, nil
	}

	scratch, err := os.MkdirTemp(e.scratchParent, "svg2pdf-")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	// The source fetch runs concurrently with overlay conversion.
	type fetchResult struct {
		data []byte
		err  error
	}
	fetchCh := make(chan fetchResult, 1)
	go func() {
		data, err := req.FetchSource(ctx)
		fetchCh <- fetchResult{data, err}
	}()

	combined, err := e.combineOverlays(ctx, scratch, pages)
	if err != nil {
		return nil, err
	}

	fetched := <-fetchCh
	if fetched.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, fetched.err)
	}
	if len(fetched.data) == 0 {
		return nil, ErrSourceUnavailable
	}

	merged, err := e.stamp(ctx, fetched.data, combined)
	if err != nil {
		return nil, err
	}

	merged = e.annotateText(ctx, scratch, merged, req.Text)

	return &Result{Data: merged, Filename: filename, MimeType: "application/pdf"}, nil
}

// combineOverlays converts every distinct overlay once and concatenates the
// pages in their original order.
func (e *Exporter) combineOverlays(ctx context.Context, scratch string, pages []string) (string, error) {
	cache := make(map[string]string)
	paths := make([]string, 0, len(pages))
	for i, svg := range pages {
		if pdfPath, ok := cache[svg]; ok {
			paths = append(paths, pdfPath)
			continue
		}
		svgPath := filepath.Join(scratch, fmt.Sprintf("page-%d.svg", i))
		if err := os.WriteFile(svgPath, []byte(svg), 0o600); err != nil {
			return "", fmt.Errorf("write overlay: %w", err)
		}
		pdfPath, err := e.converter.Convert(ctx, svgPath)
		if err != nil {
			return "", err
		}
		cache[svg] = pdfPath
		paths = append(paths, pdfPath)
	}

	combinedPath := filepath.Join(scratch, "combined.pdf")
	args := append(append([]string{}, paths...), "cat", "output", combinedPath)
	if _, err := e.runner.Run(ctx, e.pdftk, args, nil); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCombineFailed, err)
	}
	info, err := os.Stat(combinedPath)
	if err != nil || info.Size() == 0 {
		return "", fmt.Errorf("%w: %s produced no output", ErrCombineFailed, e.pdftk)
	}
	return combinedPath, nil
}

// stamp merges the combined overlay document onto the source, source PDF on
// stdin and merged output on stdout.
func (e *Exporter) stamp(ctx context.Context, source []byte, combinedPath string) ([]byte, error) {
	merged, err := e.runner.Run(ctx, e.pdftk, []string{"-", "multistamp", combinedPath, "output", "-"}, source)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStampFailed, err)
	}
	if len(merged) == 0 {
		return nil, fmt.Errorf("%w: empty output", ErrStampFailed)
	}
	return merged, nil
}

// annotateText injects text annotations. Failures degrade to the merged
// document without annotations.
func (e *Exporter) annotateText(ctx context.Context, scratch string, merged []byte, text []json.RawMessage) []byte {
	if len(text) == 0 {
		return merged
	}
	payload, err := json.Marshal(text)
	if err != nil {
		log.Printf("serializing text annotations failed: %v", err)
		return merged
	}
	textPath := filepath.Join(scratch, "text-annotations.json")
	if err := os.WriteFile(textPath, payload, 0o600); err != nil {
		log.Printf("writing text annotations failed: %v", err)
		return merged
	}

	annotated, err := e.runner.Run(ctx, e.annotateCmd, []string{"--text", textPath, "-", "-"}, merged)
	if err != nil || len(annotated) == 0 {
		log.Printf("adding text annotations failed, keeping merged document: %v", err)
		return merged
	}
	return annotated
}
