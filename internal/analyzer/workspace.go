package analyzer

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"codelens/internal/types"
)

// Directories never worth scanning. Matches the watcher's ignore set.
var ignoredDirs = map[string]bool{
	".git":         true,
	".codelens":    true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"__pycache__":  true,
}

// Extensions the text layers consider source code.
var sourceExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".jsx": true, ".ts": true,
	".tsx": true, ".java": true, ".rs": true, ".c": true, ".h": true,
	".cpp": true, ".hpp": true, ".rb": true, ".cs": true, ".kt": true,
	".swift": true, ".php": true, ".scala": true, ".sh": true,
}

// Workspace is the OS-backed FileSource rooted at a directory. Reads are
// cached by modification time so repeated layer passes over the same file
// do not hit the disk again.
type Workspace struct {
	root string

	mu    sync.Mutex
	reads map[string]cachedRead
}

type cachedRead struct {
	modTime int64
	content string
}

// NewWorkspace roots a file source at dir.
func NewWorkspace(dir string) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: workspace root %q: %v", types.ErrInvalidInput, dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: workspace root %q: %v", types.ErrInvalidInput, dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: workspace root %q is not a directory", types.ErrInvalidInput, dir)
	}
	return &Workspace{root: abs, reads: make(map[string]cachedRead)}, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string { return w.root }

// ReadFile returns the content of uri, which may be a file:// URI, an
// absolute path, or a path relative to the workspace root.
func (w *Workspace) ReadFile(ctx context.Context, uri string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := w.resolve(uri)

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: read %q: %v", types.ErrPersistentIO, uri, err)
	}

	w.mu.Lock()
	if c, ok := w.reads[path]; ok && c.modTime == info.ModTime().UnixNano() {
		w.mu.Unlock()
		return c.content, nil
	}
	w.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: read %q: %v", types.ErrPersistentIO, uri, err)
	}
	content := string(data)

	w.mu.Lock()
	w.reads[path] = cachedRead{modTime: info.ModTime().UnixNano(), content: content}
	w.mu.Unlock()
	return content, nil
}

// Files walks the workspace and returns source file URIs. The walk honors
// ctx so a budget-bounded layer can abandon it midway.
func (w *Workspace) Files(ctx context.Context) ([]string, error) {
	var out []string
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if ignoredDirs[d.Name()] || (strings.HasPrefix(d.Name(), ".") && path != w.root) {
				return filepath.SkipDir
			}
			return nil
		}
		if sourceExtensions[filepath.Ext(path)] {
			out = append(out, FileURI(path))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Invalidate drops the cached read for uri. The watcher calls this on
// change events.
func (w *Workspace) Invalidate(uri string) {
	path := w.resolve(uri)
	w.mu.Lock()
	delete(w.reads, path)
	w.mu.Unlock()
}

func (w *Workspace) resolve(uri string) string {
	path := strings.TrimPrefix(uri, "file://")
	if !filepath.IsAbs(path) {
		path = filepath.Join(w.root, path)
	}
	return filepath.Clean(path)
}

// FileURI converts a filesystem path to a file:// URI.
func FileURI(path string) string {
	return "file://" + filepath.ToSlash(path)
}
