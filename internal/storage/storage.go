// Package storage opens footage and reference photos by storage reference.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrUnreadable means the object is missing, corrupt or otherwise
	// permanently unusable. Retrying will not help.
	ErrUnreadable = errors.New("footage unreadable")
	// ErrTransient means the object could not be read right now.
	ErrTransient = errors.New("storage temporarily unavailable")
)

// Opener opens stored objects for reading.
type Opener interface {
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// Saver stores new objects and returns their reference.
type Saver interface {
	Save(ctx context.Context, name string, r io.Reader) (string, error)
}

// Local stores objects as files under a root directory.
type Local struct {
	root string
}

// NewLocal creates a local store rooted at dir, creating it when missing.
func NewLocal(dir string) (*Local, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("creating storage root: %w", err)
	}
	return &Local{root: abs}, nil
}

// Root returns the absolute root directory.
func (l *Local) Root() string {
	return l.root
}

// Path resolves a reference to a file path inside the root. References that
// escape the root are unreadable.
func (l *Local) Path(ref string) (string, error) {
	clean := filepath.FromSlash(strings.TrimPrefix(ref, "/"))
	if ref == "" || !filepath.IsLocal(clean) {
		return "", fmt.Errorf("invalid storage reference %q: %w", ref, ErrUnreadable)
	}
	return filepath.Join(l.root, clean), nil
}

// Open implements Opener.
func (l *Local) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("opening %s: %w: %w", ref, ErrTransient, err)
	}
	path, err := l.Path(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, classify(ref, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, classify(ref, err)
	}
	if info.IsDir() || info.Size() == 0 {
		_ = f.Close()
		return nil, fmt.Errorf("opening %s: not a footage file: %w", ref, ErrUnreadable)
	}
	return f, nil
}

// Save copies r into a new object whose name keeps the extension of name and
// returns its reference.
func (l *Local) Save(ctx context.Context, name string, r io.Reader) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	ref := uuid.NewString() + ext

	path, err := l.Path(ref)
	if err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", ref, err)
	}
	if _, err := io.Copy(f, contextReader{ctx: ctx, r: r}); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("writing %s: %w", ref, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("closing %s: %w", ref, err)
	}
	return ref, nil
}

// Remove deletes an object. Missing objects are not an error.
func (l *Local) Remove(ref string) error {
	path, err := l.Path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", ref, err)
	}
	return nil
}

func classify(ref string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission), errors.Is(err, fs.ErrInvalid):
		return fmt.Errorf("opening %s: %w: %w", ref, ErrUnreadable, err)
	default:
		return fmt.Errorf("opening %s: %w: %w", ref, ErrTransient, err)
	}
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
