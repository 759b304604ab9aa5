package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "guildbot/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	j, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, j)

	_, err = Open(Config{Driver: "postgres", Path: "x"}, logx.Nop())
	assert.Error(t, err)
}

func TestJournalDrivers(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "audit", "journal."+driver)
			j, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
			require.NoError(t, err)
			require.NotNil(t, j)

			deadline := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
			for i := 0; i < 5; i++ {
				require.NoError(t, j.Append(ctx, Record{
					Event:     "executed",
					Scheduler: "reminders",
					TaskID:    fmt.Sprintf("t%d", i),
					Deadline:  deadline,
					Attempts:  1,
				}))
			}
			require.NoError(t, j.Append(ctx, Record{Event: "failed", Scheduler: "reminders", TaskID: "t5", Deadline: deadline, Error: "chat gone"}))

			got, err := j.Recent(ctx, 3)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, "t5", got[0].TaskID)
			assert.Equal(t, "chat gone", got[0].Error)
			assert.Equal(t, "t4", got[1].TaskID)
			assert.True(t, got[1].Deadline.Equal(deadline))
			assert.False(t, got[1].At.IsZero())

			require.NoError(t, j.Close())
			require.NoError(t, j.Close())
			assert.ErrorIs(t, j.Append(ctx, Record{}), ErrClosed)

			// reopening keeps history
			j, err = Open(Config{Driver: driver, Path: path}, logx.Nop())
			require.NoError(t, err)
			defer j.Close()
			got, err = j.Recent(ctx, 100)
			require.NoError(t, err)
			assert.Len(t, got, 6)
		})
	}
}

func TestFileJournalSkipsTornLines(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"event":"executed","task_id":"a"}`+"\n"+`{"event":"exec`+"\n"), 0o600))

	j, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer j.Close()
	require.NoError(t, j.Append(ctx, Record{Event: "executed", TaskID: "b"}))

	got, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].TaskID)
	assert.Equal(t, "a", got[1].TaskID)
}

func TestFileJournalPrunes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	j, err := Open(Config{Driver: "file", Path: path, Keep: 10}, logx.Nop())
	require.NoError(t, err)
	defer j.Close()

	for i := 0; i < pruneEvery; i++ {
		require.NoError(t, j.Append(ctx, Record{Event: "executed", TaskID: fmt.Sprint(i)}))
	}
	got, err := j.Recent(ctx, 1000)
	require.NoError(t, err)
	require.Len(t, got, 10)
	assert.Equal(t, fmt.Sprint(pruneEvery-1), got[0].TaskID)

	// appends continue on the rewritten file
	require.NoError(t, j.Append(ctx, Record{Event: "executed", TaskID: "next"}))
	got, err = j.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "next", got[0].TaskID)
}
