// Package collector gathers the analyzer's output directory into typed
// records: the outline configuration files and the numbered documents.
package collector

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"

	"analysis-engine/internal/models"
)

const (
	AbstractionsFile  = "abstractions.yaml"
	RelationshipsFile = "relationships.json"
	ManifestFile      = "manifest.toml"

	DefaultMaxDocumentBytes = 1 << 20
)

// DocumentDir maps an output subdirectory to the document kind it holds.
type DocumentDir struct {
	Dir  string
	Kind string
}

// DocumentDirs are scanned in this order; documents keep it in the result.
var DocumentDirs = []DocumentDir{
	{Dir: "chapters", Kind: "chapter"},
	{Dir: "reviews", Kind: "review"},
	{Dir: "tutorial", Kind: "tutorial"},
}

var (
	numberedFile = regexp.MustCompile(`^(\d+)[_\-. ]+(.+)\.(?:md|markdown|txt)$`)

	//go:embed relationships.schema.json
	relationshipsSchemaJSON []byte
	relationshipsSchema     = jsonschema.MustCompileString("relationships.schema.json", string(relationshipsSchemaJSON))
)

// Collection is everything found in one output directory.
type Collection struct {
	Outline     models.Outline
	ConfigFiles []string
	Documents   []models.OutputDocument
	Warnings    []string
}

// Empty reports a successful run that produced no documents.
func (c Collection) Empty() bool { return len(c.Documents) == 0 }

// Result summarizes the collection for storage on the job.
func (c Collection) Result() models.JobResult {
	byKind := make(map[string]int)
	for _, d := range c.Documents {
		byKind[d.Kind]++
	}
	warnings := append([]string(nil), c.Warnings...)
	if c.Empty() {
		warnings = append(warnings, "analyzer exited successfully but produced no documents")
	}
	r := models.JobResult{
		DocumentCount:   len(c.Documents),
		DocumentsByKind: byKind,
		Warnings:        warnings,
		Incomplete:      c.Empty(),
	}
	if len(c.ConfigFiles) > 0 {
		outline := c.Outline
		r.Outline = &outline
	}
	return r
}

// Collector reads an output directory. The zero value is usable.
type Collector struct {
	MaxDocumentBytes int64
	md               goldmark.Markdown
}

func New(maxDocumentBytes int64) *Collector {
	return &Collector{MaxDocumentBytes: maxDocumentBytes, md: goldmark.New()}
}

// Collect scans dir. Missing files and directories are skipped; unreadable or
// malformed ones become warnings. Only a failure to inspect dir itself is an error.
func (c *Collector) Collect(dir string) (Collection, error) {
	var col Collection
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		col.Warnings = append(col.Warnings, "output directory missing")
		return col, nil
	}
	if err != nil {
		return col, fmt.Errorf("stat output dir: %w", err)
	}
	if !info.IsDir() {
		return col, fmt.Errorf("output path %s is not a directory", dir)
	}

	c.collectConfig(dir, &col)
	for _, dd := range DocumentDirs {
		c.collectDocuments(filepath.Join(dir, dd.Dir), dd.Kind, &col)
	}
	return col, nil
}

func (c *Collector) collectConfig(dir string, col *Collection) {
	if data, ok := readOptional(filepath.Join(dir, AbstractionsFile), col); ok {
		var abstractions []models.Abstraction
		if err := yaml.Unmarshal(data, &abstractions); err != nil {
			col.warnf("%s: %v", AbstractionsFile, err)
		} else {
			col.Outline.Abstractions = abstractions
			col.ConfigFiles = append(col.ConfigFiles, AbstractionsFile)
		}
	}

	if data, ok := readOptional(filepath.Join(dir, RelationshipsFile), col); ok {
		if rel, err := parseRelationships(data); err != nil {
			col.warnf("%s: %v", RelationshipsFile, err)
		} else {
			col.Outline.Relationships = rel
			col.ConfigFiles = append(col.ConfigFiles, RelationshipsFile)
		}
	}

	if data, ok := readOptional(filepath.Join(dir, ManifestFile), col); ok {
		var m models.Manifest
		if err := toml.Unmarshal(data, &m); err != nil {
			col.warnf("%s: %v", ManifestFile, err)
		} else {
			col.Outline.Manifest = &m
			col.ConfigFiles = append(col.ConfigFiles, ManifestFile)
		}
	}
}

func parseRelationships(data []byte) (*models.Relationships, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if err := relationshipsSchema.Validate(raw); err != nil {
		return nil, fmt.Errorf("does not match schema: %w", err)
	}
	var rel models.Relationships
	if err := json.Unmarshal(data, &rel); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &rel, nil
}

type numbered struct {
	index int
	name  string
	path  string
}

func (c *Collector) collectDocuments(dir, kind string, col *Collection) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		col.warnf("read %s: %v", filepath.Base(dir), err)
		return
	}

	var files []numbered
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		m := numberedFile.FindStringSubmatch(e.Name())
		if m == nil {
			col.warnf("%s/%s: not a numbered document", filepath.Base(dir), e.Name())
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		files = append(files, numbered{index: idx, name: m[2], path: filepath.Join(dir, e.Name())})
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].index < files[j].index })

	seen := make(map[int]bool, len(files))
	for _, f := range files {
		if seen[f.index] {
			col.warnf("%s: duplicate index %d, kept the first", kind, f.index)
			continue
		}
		info, err := os.Stat(f.path)
		if err != nil {
			col.warnf("%s: %v", filepath.Base(f.path), err)
			continue
		}
		if limit := c.maxBytes(); info.Size() > limit {
			col.warnf("%s: %d bytes exceeds limit %d", filepath.Base(f.path), info.Size(), limit)
			continue
		}
		content, err := os.ReadFile(f.path)
		if err != nil {
			col.warnf("%s: %v", filepath.Base(f.path), err)
			continue
		}
		seen[f.index] = true
		col.Documents = append(col.Documents, models.OutputDocument{
			Kind:      kind,
			Index:     f.index,
			Title:     c.title(content, f.name),
			Content:   string(content),
			SizeBytes: int64(len(content)),
		})
	}
}

// title returns the first heading of a markdown document, or the file name
// with separators turned into spaces.
func (c *Collector) title(content []byte, name string) string {
	md := c.md
	if md == nil {
		md = goldmark.New()
	}
	doc := md.Parser().Parse(text.NewReader(content))
	var heading string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		h, ok := n.(*ast.Heading)
		if !ok {
			return ast.WalkContinue, nil
		}
		heading = strings.TrimSpace(string(nodeText(h, content)))
		return ast.WalkStop, nil
	})
	if heading != "" {
		return heading
	}
	return strings.TrimSpace(strings.NewReplacer("_", " ", "-", " ").Replace(name))
}

func nodeText(n ast.Node, source []byte) []byte {
	var buf bytes.Buffer
	for child := n.FirstChild(); child != nil; child = child.NextSibling() {
		if t, ok := child.(*ast.Text); ok {
			buf.Write(t.Segment.Value(source))
			if t.SoftLineBreak() {
				buf.WriteByte(' ')
			}
			continue
		}
		buf.Write(nodeText(child, source))
	}
	return buf.Bytes()
}

func (c *Collector) maxBytes() int64 {
	if c.MaxDocumentBytes > 0 {
		return c.MaxDocumentBytes
	}
	return DefaultMaxDocumentBytes
}

func readOptional(path string, col *Collection) ([]byte, bool) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false
	}
	if err != nil {
		col.warnf("%s: %v", filepath.Base(path), err)
		return nil, false
	}
	return data, true
}

func (c *Collection) warnf(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}
