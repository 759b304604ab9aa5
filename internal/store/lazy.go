package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
)

// Lazy is a Store bound to a fixed path whose directory is created on first
// use rather than at construction. It is meant for package-level or
// app-level values that are declared once and loaded much later.
type Lazy[T any] struct {
	path  string
	codec Codec[T]
	opts  Options

	mu    sync.Mutex
	store *Store[T]
}

func NewLazy[T any](path string, codec Codec[T], opts Options) *Lazy[T] {
	return &Lazy[T]{path: path, codec: codec, opts: opts}
}

// Store returns the underlying store, creating the directory on first call.
// A failed directory creation is retried on the next call.
func (l *Lazy[T]) Store() (*Store[T], error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store != nil {
		return l.store, nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, &IOError{Op: "mkdir", Path: l.path, Err: err}
	}
	l.store = New(l.path, l.codec, l.opts)
	return l.store, nil
}

func (l *Lazy[T]) Load(ctx context.Context) (*Guard[T], error) {
	s, err := l.Store()
	if err != nil {
		return nil, err
	}
	return s.Load(ctx)
}
