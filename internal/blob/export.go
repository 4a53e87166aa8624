package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"analysis-engine/internal/models"
)

// Exporter copies a completed job's documents to a bucket under
// <prefix>/<job id>/<kind>/<index>_<slug>.md, plus a result.json summary.
type Exporter struct {
	store  Store
	bucket string
	prefix string
}

func NewExporter(store Store, bucket, prefix string) *Exporter {
	return &Exporter{store: store, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Export uploads docs and result and returns the s3:// location.
func (e *Exporter) Export(ctx context.Context, jobID string, result models.JobResult, docs []models.OutputDocument) (string, error) {
	base := path.Join(e.prefix, jobID)
	for _, d := range docs {
		key := path.Join(base, d.Kind, fmt.Sprintf("%02d_%s.md", d.Index, slug(d.Title)))
		if err := e.store.Put(ctx, e.bucket, key, []byte(d.Content), "text/markdown; charset=utf-8"); err != nil {
			return "", fmt.Errorf("export %s/%d: %w", d.Kind, d.Index, err)
		}
	}
	summary, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	if err := e.store.Put(ctx, e.bucket, path.Join(base, "result.json"), summary, "application/json"); err != nil {
		return "", fmt.Errorf("export result: %w", err)
	}
	return "s3://" + e.bucket + "/" + base + "/", nil
}

func slug(title string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	s := strings.TrimSuffix(b.String(), "-")
	if s == "" {
		return "document"
	}
	if len(s) > 60 {
		s = strings.TrimSuffix(s[:60], "-")
	}
	return s
}
