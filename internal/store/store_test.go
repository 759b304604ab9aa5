package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "guildbot/pkg/logx"
)

type birthdays struct {
	Guild string            `json:"guild" yaml:"guild"`
	Dates map[string]string `json:"dates" yaml:"dates"`
}

func newTestStore[T any](t *testing.T, name string, codec Codec[T]) *Store[T] {
	t.Helper()
	return New(filepath.Join(t.TempDir(), name), codec, Options{Locks: NewLocks()})
}

func TestLoadMissingFileYieldsZero(t *testing.T) {
	t.Parallel()
	st := newTestStore[birthdays](t, "b.json", nil)

	g, err := st.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, birthdays{}, *g.Value())
	g.Discard()
	g.Release()

	_, err = os.Stat(st.Path())
	assert.True(t, errors.Is(err, os.ErrNotExist), "discarded guard must not create the file")
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore[birthdays](t, "b.json", nil)

	g, err := st.Load(ctx)
	require.NoError(t, err)
	g.Value().Guild = "g1"
	g.Value().Dates = map[string]string{"ann": "03-14"}
	g.Release()

	g, err = st.Load(ctx)
	require.NoError(t, err)
	defer g.Release()
	assert.Equal(t, "g1", g.Value().Guild)
	assert.Equal(t, "03-14", g.Value().Dates["ann"])
}

func TestTakeSkipsWriteBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore[birthdays](t, "b.json", nil)

	require.NoError(t, Update(ctx, st, func(v *birthdays) error {
		v.Guild = "before"
		return nil
	}))
	before, err := os.ReadFile(st.Path())
	require.NoError(t, err)

	g, err := st.Load(ctx)
	require.NoError(t, err)
	got := g.Take()
	assert.Equal(t, "before", got.Guild)
	assert.Equal(t, birthdays{}, *g.Value())
	g.Release()

	after, err := os.ReadFile(st.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)

	v, err := Read[birthdays](ctx, st)
	require.NoError(t, err)
	assert.Equal(t, "before", v.Guild)
}

func TestDecodeErrorPropagates(t *testing.T) {
	t.Parallel()
	st := newTestStore[birthdays](t, "b.json", nil)
	require.NoError(t, os.WriteFile(st.Path(), []byte("{not json"), 0o600))

	_, err := st.Load(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, st.Path(), de.Path)

	// The lock must have been released on the error path.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, os.WriteFile(st.Path(), []byte(`{"guild":"ok"}`), 0o600))
	g, err := st.Load(ctx)
	require.NoError(t, err)
	g.Release()
}

func TestPanickingCodecReleasesLock(t *testing.T) {
	t.Parallel()
	codec := Lines(func([]string, func(string)) {}, func(*[]string, string) error {
		panic("bad line")
	})
	st := newTestStore(t, "names.txt", codec)
	require.NoError(t, os.WriteFile(st.Path(), []byte("alice\n"), 0o600))

	_, err := st.Load(context.Background())
	require.ErrorIs(t, err, ErrDecode)
	assert.Contains(t, err.Error(), "bad line")

	require.NoError(t, os.WriteFile(st.Path(), nil, 0o600))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	g, err := st.Load(ctx)
	require.NoError(t, err)
	g.Release()
}

func TestUnreadableFileIsIOError(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	// A directory at the target path cannot be read as a file.
	path := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(path, 0o755))
	st := New[birthdays](path, nil, Options{Locks: NewLocks()})

	_, err := st.Load(context.Background())
	var ioe *IOError
	require.ErrorAs(t, err, &ioe)
	assert.Equal(t, "read", ioe.Op)
}

func TestWriteFailureKeepsPreviousVersion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var buf bytes.Buffer
	var hookErr error
	st := New(filepath.Join(t.TempDir(), "b.json"), Codec[birthdays](CodecFuncs[birthdays]{
		EncodeFunc: func(w io.Writer, v birthdays) error {
			if v.Guild == "poison" {
				return errors.New("cannot encode poison")
			}
			return JSON[birthdays]().Encode(w, v)
		},
		DecodeFunc: JSON[birthdays]().Decode,
	}), Options{
		Locks:        NewLocks(),
		Log:          logx.NewJSON(&buf, "debug"),
		OnWriteError: func(path string, err error) { hookErr = err },
	})

	require.NoError(t, Update(ctx, st, func(v *birthdays) error {
		v.Guild = "good"
		return nil
	}))

	g, err := st.Load(ctx)
	require.NoError(t, err)
	g.Value().Guild = "poison"
	g.Release() // must not panic

	var ee *EncodeError
	require.ErrorAs(t, hookErr, &ee)
	assert.Contains(t, buf.String(), "store write-back failed")

	v, err := Read[birthdays](ctx, st)
	require.NoError(t, err)
	assert.Equal(t, "good", v.Guild)

	entries, err := os.ReadDir(filepath.Dir(st.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must be cleaned up")
}

func TestOverlappingCheckoutsSerialize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore[birthdays](t, "b.json", nil)

	first, err := st.Load(ctx)
	require.NoError(t, err)

	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		g, err := st.Load(ctx)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, "first", g.Value().Guild, "second load must see the first write-back")
		g.Value().Guild = "second"
		g.Release()
	}()

	select {
	case <-secondDone:
		t.Fatal("second Load returned while the first guard was held")
	case <-time.After(50 * time.Millisecond):
	}
	first.Value().Guild = "first"
	first.Release()
	<-secondDone

	v, err := Read[birthdays](ctx, st)
	require.NoError(t, err)
	assert.Equal(t, "second", v.Guild)
}

func TestLoadHonorsContext(t *testing.T) {
	t.Parallel()
	st := newTestStore[birthdays](t, "b.json", nil)
	g, err := st.Load(context.Background())
	require.NoError(t, err)
	defer g.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = st.Load(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentUpdatesAreNotLost(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore[map[string]int](t, "counter.json", nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, Update(ctx, st, func(v *map[string]int) error {
				if *v == nil {
					*v = map[string]int{}
				}
				(*v)["n"]++
				return nil
			}))
		}()
	}
	wg.Wait()

	v, err := Read[map[string]int](ctx, st)
	require.NoError(t, err)
	assert.Equal(t, 20, v["n"])
}

func TestUpdateErrorDiscards(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore[birthdays](t, "b.json", nil)
	err := Update(ctx, st, func(v *birthdays) error {
		v.Guild = "nope"
		return errors.New("validation failed")
	})
	require.EqualError(t, err, "validation failed")
	_, statErr := os.Stat(st.Path())
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestLazyCreatesDirectoryOnFirstUse(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "deeper", "b.yaml")
	lz := NewLazy(path, YAML[birthdays](), Options{Locks: NewLocks()})

	_, err := os.Stat(filepath.Dir(path))
	require.True(t, errors.Is(err, os.ErrNotExist))

	require.NoError(t, Update(ctx, lz, func(v *birthdays) error {
		v.Guild = "yaml"
		v.Dates = map[string]string{"bo": "12-01"}
		return nil
	}))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "guild: yaml")

	v, err := Read[birthdays](ctx, lz)
	require.NoError(t, err)
	assert.Equal(t, "12-01", v.Dates["bo"])
}

func TestLinesCodec(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	codec := Lines(
		func(v map[string]int, emit func(string)) {
			emit("a=" + strconv.Itoa(v["a"]))
			emit("b=" + strconv.Itoa(v["b"]))
		},
		func(v *map[string]int, line string) error {
			k, raw, ok := strings.Cut(line, "=")
			if !ok {
				return errors.New("missing '='")
			}
			n, err := strconv.Atoi(raw)
			if err != nil {
				return err
			}
			if *v == nil {
				*v = map[string]int{}
			}
			(*v)[k] = n
			return nil
		},
	)
	st := newTestStore(t, "kv.txt", codec)
	require.NoError(t, Update(ctx, st, func(v *map[string]int) error {
		*v = map[string]int{"a": 1, "b": 2}
		return nil
	}))
	raw, err := os.ReadFile(st.Path())
	require.NoError(t, err)
	assert.Equal(t, "a=1\nb=2\n", string(raw))

	require.NoError(t, os.WriteFile(st.Path(), []byte("a=1\n\nbroken\n"), 0o600))
	_, err = st.Load(ctx)
	require.ErrorIs(t, err, ErrDecode)
	assert.Contains(t, err.Error(), "line 3")
}
