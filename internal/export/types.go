// Package export materializes annotated documents: per-page overlays are
// converted and combined with external tools, then stamped onto the source
// document fetched from the backend.
package export

import (
	"context"
	"encoding/json"
	"errors"
)

// Request is one export job. SVGPages holds the overlay of every page in
// order; pages without annotations carry the empty string. FetchSource
// retrieves the authoritative source document bytes.
type Request struct {
	FileID      string
	FileName    string
	SVGPages    []string
	Text        []json.RawMessage
	FetchSource func(ctx context.Context) ([]byte, error)
}

// Result contains the merged document.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrConvertFailed indicates the overlay converter exited non-zero or
	// produced no page document.
	ErrConvertFailed = errors.New("export: overlay conversion failed")
	// ErrCombineFailed indicates the page combiner exited non-zero or
	// produced no output.
	ErrCombineFailed = errors.New("export: combining pages failed")
	// ErrStampFailed indicates the overlay stamping step exited non-zero
	// or produced no output.
	ErrStampFailed = errors.New("export: stamping overlay failed")
	// ErrSourceUnavailable indicates the source document could not be
	// fetched or was empty.
	ErrSourceUnavailable = errors.New("export: source document unavailable")
)
