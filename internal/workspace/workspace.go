// Package workspace prepares the private directory an analyzer run works in.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"analysis-engine/internal/blob"
)

const (
	SourceDirName = "source"
	OutputDirName = "output"
)

// ErrInvalidSubject marks subject references that can never be materialized;
// retrying them is pointless.
var ErrInvalidSubject = errors.New("invalid subject")

// Workspace is an isolated directory tree owned by one job run.
type Workspace struct {
	Root      string
	SourceDir string
	OutputDir string
}

// Remove deletes the workspace tree. Directories the analyzer left without
// write permission are made writable first.
func (w Workspace) Remove() error {
	if w.Root == "" {
		return nil
	}
	if err := os.RemoveAll(w.Root); err == nil {
		return nil
	}
	_ = filepath.WalkDir(w.Root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			_ = os.Chmod(path, 0o700)
		}
		return nil
	})
	if err := os.RemoveAll(w.Root); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}

// Materializer copies a subject into a fresh workspace. Subjects are local
// directories (plain paths or file:// URLs) or s3://bucket/prefix references.
type Materializer struct {
	baseDir  string
	maxBytes int64
	objects  blob.Store
}

// NewMaterializer creates workspaces under baseDir (os.TempDir when empty).
// objects may be nil, in which case s3:// subjects are rejected.
func NewMaterializer(baseDir string, maxBytes int64, objects blob.Store) *Materializer {
	return &Materializer{baseDir: baseDir, maxBytes: maxBytes, objects: objects}
}

// Prepare creates the workspace for jobID and fills its source directory.
// On error nothing is left on disk.
func (m *Materializer) Prepare(ctx context.Context, jobID, subjectRef string) (ws Workspace, err error) {
	if m.baseDir != "" {
		if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
			return Workspace{}, fmt.Errorf("create workspace base: %w", err)
		}
	}
	root, err := os.MkdirTemp(m.baseDir, "job-"+sanitize(jobID)+"-")
	if err != nil {
		return Workspace{}, fmt.Errorf("create workspace: %w", err)
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	ws = Workspace{
		Root:      root,
		SourceDir: filepath.Join(root, SourceDirName),
		OutputDir: filepath.Join(root, OutputDirName),
	}
	defer func() {
		if err != nil {
			_ = ws.Remove()
			ws = Workspace{}
		}
	}()
	for _, dir := range []string{ws.SourceDir, ws.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return ws, fmt.Errorf("create %s: %w", filepath.Base(dir), err)
		}
	}

	switch {
	case strings.HasPrefix(subjectRef, "s3://"):
		err = m.fetchObjects(ctx, subjectRef, ws.SourceDir)
	default:
		err = m.copyLocal(ctx, strings.TrimPrefix(subjectRef, "file://"), ws.SourceDir)
	}
	return ws, err
}

func (m *Materializer) copyLocal(ctx context.Context, src, dst string) error {
	if src == "" {
		return fmt.Errorf("%w: empty subject reference", ErrInvalidSubject)
	}
	info, err := os.Stat(src)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s does not exist", ErrInvalidSubject, src)
	}
	if err != nil {
		return fmt.Errorf("stat subject: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidSubject, src)
	}

	var total int64
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" && rel != "." {
				return filepath.SkipDir
			}
			return os.MkdirAll(filepath.Join(dst, rel), 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		total += fi.Size()
		if m.maxBytes > 0 && total > m.maxBytes {
			return fmt.Errorf("%w: subject exceeds %d bytes", ErrInvalidSubject, m.maxBytes)
		}
		return copyFile(path, filepath.Join(dst, rel))
	})
}

func (m *Materializer) fetchObjects(ctx context.Context, ref, dst string) error {
	if m.objects == nil {
		return fmt.Errorf("%w: s3 subjects are not configured", ErrInvalidSubject)
	}
	bucket, prefix, ok := blob.ParseURL(ref)
	if !ok {
		return fmt.Errorf("%w: malformed %s", ErrInvalidSubject, ref)
	}
	keys, err := m.objects.List(ctx, bucket, prefix)
	if err != nil {
		return fmt.Errorf("list subject objects: %w", err)
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: no objects under %s", ErrInvalidSubject, ref)
	}

	var total int64
	for _, key := range keys {
		rel := strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
		if rel == "" || strings.HasSuffix(key, "/") {
			continue
		}
		target := filepath.Join(dst, filepath.FromSlash(rel))
		if !strings.HasPrefix(target, dst+string(filepath.Separator)) {
			return fmt.Errorf("%w: object key %q escapes workspace", ErrInvalidSubject, key)
		}
		n, err := m.fetchObject(ctx, bucket, key, target)
		if err != nil {
			return err
		}
		total += n
		if m.maxBytes > 0 && total > m.maxBytes {
			return fmt.Errorf("%w: subject exceeds %d bytes", ErrInvalidSubject, m.maxBytes)
		}
	}
	return nil
}

func (m *Materializer) fetchObject(ctx context.Context, bucket, key, target string) (int64, error) {
	body, err := m.objects.Get(ctx, bucket, key)
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	defer body.Close()
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	out, err := os.Create(target)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("write %s: %w", key, err)
	}
	return n, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '_'
	}, id)
}
