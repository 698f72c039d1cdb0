package export

import (
	"path"
	"strings"
	"time"
)

// downloadFilename derives the Content-Disposition filename for a merged
// document: the original base name, quotes stripped, suffixed with a
// generation timestamp.
func downloadFilename(filename string, now time.Time) string {
	ext := path.Ext(filename)
	base := strings.TrimSuffix(path.Base(filename), ext)
	base = strings.ReplaceAll(base, `"`, "")
	if ext == "" {
		ext = ".pdf"
	}
	return base + "-Annotated-" + now.Format("20060102-150405") + ext
}
