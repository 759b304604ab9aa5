package store

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	logx "guildbot/pkg/logx"
)

// Locks hands out one mutex per backing path.
//
// A process constructs one Locks and passes it to every Store so two stores
// bound to the same file serialize their checkouts. Stores created without
// Options.Locks share DefaultLocks.
type Locks struct {
	mu    sync.Mutex
	paths map[string]chan struct{}
}

func NewLocks() *Locks { return &Locks{paths: map[string]chan struct{}{}} }

// DefaultLocks is used by stores that were not given an explicit registry.
var DefaultLocks = NewLocks()

func (l *Locks) slot(path string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.paths == nil {
		l.paths = map[string]chan struct{}{}
	}
	ch := l.paths[path]
	if ch == nil {
		ch = make(chan struct{}, 1)
		l.paths[path] = ch
	}
	return ch
}

// acquire blocks until the path is free or ctx is done.
func (l *Locks) acquire(ctx context.Context, path string) (func(), error) {
	ch := l.slot(path)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-ch }) }, nil
}

// Options configures a Store.
type Options struct {
	Locks *Locks
	Log   logx.Logger
	// Perm is applied to the written file. Default 0o600.
	Perm fs.FileMode
	// OnWriteError observes write-back failures (after they are logged).
	OnWriteError func(path string, err error)
}

// Store binds a value of type T to one file.
type Store[T any] struct {
	path  string
	codec Codec[T]
	opts  Options
}

// New binds path to codec (JSON when nil). The parent directory must exist;
// use Lazy to create it on first use.
func New[T any](path string, codec Codec[T], opts Options) *Store[T] {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	} else {
		path = filepath.Clean(path)
	}
	if codec == nil {
		codec = JSON[T]()
	}
	if opts.Locks == nil {
		opts.Locks = DefaultLocks
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Perm == 0 {
		opts.Perm = 0o600
	}
	return &Store[T]{path: path, codec: codec, opts: opts}
}

func (s *Store[T]) Path() string { return s.path }

// Load checks out the value. A missing file yields the zero value of T.
//
// The returned guard holds the path lock until Release, Commit or Take-then-Release.
func (s *Store[T]) Load(ctx context.Context) (*Guard[T], error) {
	if ctx == nil {
		ctx = context.Background()
	}
	unlock, err := s.opts.Locks.acquire(ctx, s.path)
	if err != nil {
		return nil, err
	}
	held := false
	defer func() {
		if !held {
			unlock()
		}
	}()
	g := &Guard[T]{store: s, unlock: unlock, persist: true}

	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		held = true
		return g, nil
	case err != nil:
		return nil, &IOError{Op: "read", Path: s.path, Err: err}
	}
	if err := s.decode(data, &g.value); err != nil {
		return nil, &DecodeError{Path: s.path, Err: err}
	}
	held = true
	return g, nil
}

// decode runs the codec, turning a panic in caller-supplied parse code
// into an error.
func (s *Store[T]) decode(data []byte, v *T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("codec panic: %v", r)
		}
	}()
	return s.codec.Decode(bytes.NewReader(data), v)
}

// write replaces the backing file with v via temp file + rename.
func (s *Store[T]) write(v T) error {
	dir, base := filepath.Split(s.path)
	tmp, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return &IOError{Op: "create temp", Path: s.path, Err: err}
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	bw := bufio.NewWriter(tmp)
	if err := s.codec.Encode(bw, v); err != nil {
		return &EncodeError{Path: s.path, Err: err}
	}
	if err := bw.Flush(); err != nil {
		return &IOError{Op: "write temp", Path: s.path, Err: err}
	}
	if err := tmp.Chmod(s.opts.Perm); err != nil {
		return &IOError{Op: "chmod temp", Path: s.path, Err: err}
	}
	// Contents must be on disk before the rename makes them visible.
	if err := tmp.Sync(); err != nil {
		return &IOError{Op: "sync temp", Path: s.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &IOError{Op: "close temp", Path: s.path, Err: err}
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return &IOError{Op: "rename", Path: s.path, Err: err}
	}
	committed = true
	return nil
}

func (s *Store[T]) reportWriteError(err error) {
	s.opts.Log.Warn("store write-back failed; previous version kept", logx.String("path", s.path), logx.Err(err))
	if s.opts.OnWriteError != nil {
		s.opts.OnWriteError(s.path, err)
	}
}

// Replace writes v under the path lock without reading the current file.
// Owners that always rewrite the whole value (and would rather overwrite a
// corrupt file than fail) use it instead of Load.
func (s *Store[T]) Replace(ctx context.Context, v T) error {
	if ctx == nil {
		ctx = context.Background()
	}
	unlock, err := s.opts.Locks.acquire(ctx, s.path)
	if err != nil {
		return err
	}
	defer unlock()
	if err := s.write(v); err != nil {
		s.reportWriteError(err)
		return err
	}
	return nil
}

// Guard is an exclusive checkout of a stored value.
//
// A guard must be released exactly once; Release after Commit is a no-op,
// so `defer g.Release()` is always safe.
type Guard[T any] struct {
	store   *Store[T]
	value   T
	persist bool
	done    bool
	unlock  func()
}

// Value returns the checked-out value for reading or mutation.
func (g *Guard[T]) Value() *T { return &g.value }

// Take moves the value out, leaves the zero value behind and cancels the
// write-back so the file on disk stays as loaded.
func (g *Guard[T]) Take() T {
	var zero T
	v := g.value
	g.value = zero
	g.persist = false
	return v
}

// Discard cancels the write-back without moving the value.
func (g *Guard[T]) Discard() { g.persist = false }

// Release ends the checkout, writing the value back unless it was taken or
// discarded. Write failures are logged and never returned.
func (g *Guard[T]) Release() {
	_ = g.finish()
}

// Commit is Release that also returns the write-back error.
func (g *Guard[T]) Commit() error {
	return g.finish()
}

func (g *Guard[T]) finish() error {
	if g == nil || g.done {
		return nil
	}
	g.done = true
	defer g.unlock()
	if !g.persist {
		return nil
	}
	if err := g.store.write(g.value); err != nil {
		g.store.reportWriteError(err)
		return err
	}
	return nil
}

// Loader is implemented by Store and Lazy.
type Loader[T any] interface {
	Load(ctx context.Context) (*Guard[T], error)
}

// Update loads the value, applies fn and writes it back. If fn fails the
// value is discarded and the error returned.
func Update[T any](ctx context.Context, l Loader[T], fn func(v *T) error) error {
	g, err := l.Load(ctx)
	if err != nil {
		return err
	}
	defer g.Release()
	if err := fn(g.Value()); err != nil {
		g.Discard()
		return err
	}
	return g.Commit()
}

// Read returns a snapshot of the stored value without rewriting the file.
func Read[T any](ctx context.Context, l Loader[T]) (T, error) {
	g, err := l.Load(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	defer g.Release()
	return g.Take(), nil
}
