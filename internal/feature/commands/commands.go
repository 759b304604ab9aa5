// Package commands keeps a persisted table of custom text commands that
// chat members define at runtime with /defcmd and remove with /delcmd.
package commands

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"

	"guildbot/internal/eventbus"
	"guildbot/internal/store"
	kit "guildbot/internal/transport"
	logx "guildbot/pkg/logx"
	"guildbot/pkg/smallmap"
)

// Definition is the argument of CommandDefined and CommandRemoved.
type Definition struct {
	Name     string
	Response string
	By       int64
	Chat     kit.ChatTarget
}

type (
	CommandDefined struct{}
	CommandRemoved struct{}
)

func (CommandDefined) Kind(Definition) {}
func (CommandRemoved) Kind(Definition) {}

var (
	ErrBadName  = errors.New("commands: invalid name")
	ErrReserved = errors.New("commands: name is reserved")
)

var reName = regexp.MustCompile(`^[a-z0-9_]{1,32}$`)

// reserved names belong to built-in handlers.
var reserved = []string{"defcmd", "delcmd", "cmds", "remind", "every", "reminders", "forget", "help", "start"}

type Options struct {
	// Owners may define and remove commands. Empty allows everyone.
	Owners []int64
	Locks  *store.Locks
	Logger logx.Logger
}

// Table maps command names to responses.
type Table struct {
	data *store.Lazy[smallmap.Map[string, string]]
	log  logx.Logger

	mu     sync.RWMutex
	owners []int64

	bus  *eventbus.Bus
	chat kit.Sender
}

func New(path string, opts Options) *Table {
	if opts.Logger.IsZero() {
		opts.Logger = logx.Nop()
	}
	log := opts.Logger.With(logx.String("comp", "commands"))
	return &Table{
		data:   store.NewLazy(path, Codec(), store.Options{Locks: opts.Locks, Log: log}),
		log:    log,
		owners: slices.Clone(opts.Owners),
	}
}

// Codec stores one command per line as name<TAB>response. Newlines and
// backslashes in responses are escaped.
func Codec() store.Codec[smallmap.Map[string, string]] {
	return store.Lines(
		func(m smallmap.Map[string, string], emit func(string)) {
			for k, v := range m.All() {
				emit(k + "\t" + escape(v))
			}
		},
		func(m *smallmap.Map[string, string], line string) error {
			name, resp, ok := strings.Cut(line, "\t")
			if !ok || !reName.MatchString(name) {
				return fmt.Errorf("%w: %q", ErrBadName, line)
			}
			m.Set(name, unescape(resp))
			return nil
		},
	)
}

var (
	escaper   = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\t", `\t`)
	unescaper = strings.NewReplacer(`\\`, `\`, `\n`, "\n", `\t`, "\t")
)

func escape(s string) string   { return escaper.Replace(s) }
func unescape(s string) string { return unescaper.Replace(s) }

// Define stores or replaces a command.
func (t *Table) Define(ctx context.Context, name, response string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if !reName.MatchString(name) {
		return ErrBadName
	}
	if slices.Contains(reserved, name) {
		return ErrReserved
	}
	return store.Update[smallmap.Map[string, string]](ctx, t.data, func(m *smallmap.Map[string, string]) error {
		m.Entry(name).Set(response)
		return nil
	})
}

// Remove deletes a command and reports whether it existed.
func (t *Table) Remove(ctx context.Context, name string) (bool, error) {
	var removed bool
	err := store.Update[smallmap.Map[string, string]](ctx, t.data, func(m *smallmap.Map[string, string]) error {
		removed = m.Delete(strings.ToLower(name))
		return nil
	})
	return removed, err
}

func (t *Table) Lookup(ctx context.Context, name string) (string, bool, error) {
	m, err := store.Read[smallmap.Map[string, string]](ctx, t.data)
	if err != nil {
		return "", false, err
	}
	v, ok := m.Get(strings.ToLower(name))
	return v, ok, nil
}

// Names lists commands in definition order.
func (t *Table) Names(ctx context.Context) ([]string, error) {
	m, err := store.Read[smallmap.Map[string, string]](ctx, t.data)
	if err != nil {
		return nil, err
	}
	return m.Keys(), nil
}

// SetOwners replaces the owner list; used on config reload.
func (t *Table) SetOwners(ids []int64) {
	t.mu.Lock()
	t.owners = slices.Clone(ids)
	t.mu.Unlock()
}

func (t *Table) isOwner(id int64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.owners) == 0 || slices.Contains(t.owners, id)
}
