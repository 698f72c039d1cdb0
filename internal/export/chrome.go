package export

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// ChromeConverter renders overlay SVGs to PDF with headless Chrome. It is
// the fallback when no dedicated svg2pdf binary is configured. Renders are
// bounded by Timeout like any other tool run.
type ChromeConverter struct {
	Timeout time.Duration
}

func (c ChromeConverter) Convert(ctx context.Context, svgPath string) (string, error) {
	if _, err := exec.LookPath("chromium-browser"); err != nil {
		if _, fallbackErr := exec.LookPath("chromium"); fallbackErr != nil {
			return "", fmt.Errorf("%w: chromium not installed", ErrConvertFailed)
		}
	}

	ctx, cancel := toolContext(ctx, c.Timeout)
	defer cancel()

	svg, err := os.ReadFile(svgPath)
	if err != nil {
		return "", fmt.Errorf("%w: read overlay: %v", ErrConvertFailed, err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	defer cancel()
	taskCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	// url.QueryEscape uses + for spaces, which is wrong in data URLs.
	dataURL := "data:image/svg+xml;charset=utf-8," + percentEncodeForDataURL(string(svg))

	var pdfData []byte
	err = chromedp.Run(taskCtx,
		chromedp.Navigate(dataURL),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdfData, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithMarginTop(0).
				WithMarginBottom(0).
				WithMarginLeft(0).
				WithMarginRight(0).
				WithPreferCSSPageSize(true).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return "", fmt.Errorf("%w: chrome rendering: %v", ErrConvertFailed, err)
	}
	if len(pdfData) == 0 {
		return "", fmt.Errorf("%w: chrome produced no page", ErrConvertFailed)
	}

	pdfPath := strings.TrimSuffix(svgPath, ".svg") + ".pdf"
	if err := os.WriteFile(pdfPath, pdfData, 0o600); err != nil {
		return "", fmt.Errorf("%w: write page: %v", ErrConvertFailed, err)
	}
	return pdfPath, nil
}

func percentEncodeForDataURL(s string) string {
	var result strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '-', r == '_', r == '.', r == '~':
			result.WriteRune(r)
		case r == ' ':
			result.WriteString("%20")
		default:
			for _, b := range []byte(string(r)) {
				result.WriteString(fmt.Sprintf("%%%02X", b))
			}
		}
	}
	return result.String()
}
