package export

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Converter turns one overlay SVG file into a single-page PDF next to it
// and returns the path of the produced page.
type Converter interface {
	Convert(ctx context.Context, svgPath string) (string, error)
}

// ToolConverter shells out to an svg2pdf-style binary that takes the SVG
// path as its only argument and writes <name>.pdf beside it.
type ToolConverter struct {
	Command string
	Runner  *Runner
}

func (c ToolConverter) Convert(ctx context.Context, svgPath string) (string, error) {
	if _, err := c.Runner.Run(ctx, c.Command, []string{svgPath}, nil); err != nil {
		return "", fmt.Errorf("%w: %v", ErrConvertFailed, err)
	}
	pdfPath := strings.TrimSuffix(svgPath, ".svg") + ".pdf"
	info, err := os.Stat(pdfPath)
	if err != nil || info.Size() == 0 {
		return "", fmt.Errorf("%w: %s produced no page", ErrConvertFailed, c.Command)
	}
	return pdfPath, nil
}
