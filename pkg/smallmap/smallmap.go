// Package smallmap is an insertion-ordered map for a handful of keys.
//
// Lookups scan a slice, which beats hashing for the tens of entries it is
// meant for (per-chat command tables, role mappings) and keeps iteration and
// serialization order stable.
package smallmap

import (
	"encoding/json"
	"fmt"
	"iter"
)

type pair[K comparable, V any] struct {
	Key   K
	Value V
}

// Map keeps keys in first-insertion order. The zero value is ready to use.
type Map[K comparable, V any] struct {
	items []pair[K, V]
}

func (m *Map[K, V]) index(k K) int {
	for i := range m.items {
		if m.items[i].Key == k {
			return i
		}
	}
	return -1
}

func (m *Map[K, V]) Len() int { return len(m.items) }

func (m *Map[K, V]) Get(k K) (V, bool) {
	if i := m.index(k); i >= 0 {
		return m.items[i].Value, true
	}
	var zero V
	return zero, false
}

// Set inserts or overwrites k. Overwriting keeps the original position.
func (m *Map[K, V]) Set(k K, v V) {
	if i := m.index(k); i >= 0 {
		m.items[i].Value = v
		return
	}
	m.items = append(m.items, pair[K, V]{Key: k, Value: v})
}

// Delete removes k, preserving the order of the rest.
func (m *Map[K, V]) Delete(k K) bool {
	i := m.index(k)
	if i < 0 {
		return false
	}
	m.items = append(m.items[:i], m.items[i+1:]...)
	return true
}

func (m *Map[K, V]) Keys() []K {
	out := make([]K, len(m.items))
	for i, p := range m.items {
		out[i] = p.Key
	}
	return out
}

// All yields pairs in order.
func (m *Map[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for _, p := range m.items {
			if !yield(p.Key, p.Value) {
				return
			}
		}
	}
}

// Entry looks k up once for a later read-modify-write.
func (m *Map[K, V]) Entry(k K) Entry[K, V] {
	return Entry[K, V]{m: m, key: k, idx: m.index(k)}
}

// Entry refers to a slot by index. It is valid until the next Delete on the
// map; Set and other entries' OrInsert only append and keep it valid.
type Entry[K comparable, V any] struct {
	m   *Map[K, V]
	key K
	idx int
}

func (e Entry[K, V]) Key() K        { return e.key }
func (e Entry[K, V]) Present() bool { return e.idx >= 0 }

// OrInsert stores v when the key is absent and returns the entry bound to
// the (possibly new) slot.
func (e Entry[K, V]) OrInsert(v V) Entry[K, V] {
	if e.idx >= 0 {
		return e
	}
	e.m.items = append(e.m.items, pair[K, V]{Key: e.key, Value: v})
	e.idx = len(e.m.items) - 1
	return e
}

// Value returns a pointer into the map for in-place mutation, or nil when
// the key is absent.
func (e Entry[K, V]) Value() *V {
	if e.idx < 0 {
		return nil
	}
	return &e.m.items[e.idx].Value
}

// Set overwrites the slot, inserting it if absent.
func (e Entry[K, V]) Set(v V) Entry[K, V] {
	e = e.OrInsert(v)
	e.m.items[e.idx].Value = v
	return e
}

type jsonPair[K comparable, V any] struct {
	Key   K `json:"key"`
	Value V `json:"value"`
}

// MarshalJSON encodes the map as an ordered array of {key, value} objects.
func (m Map[K, V]) MarshalJSON() ([]byte, error) {
	out := make([]jsonPair[K, V], len(m.items))
	for i, p := range m.items {
		out[i] = jsonPair[K, V](p)
	}
	return json.Marshal(out)
}

func (m *Map[K, V]) UnmarshalJSON(b []byte) error {
	var in []jsonPair[K, V]
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	m.items = m.items[:0]
	for _, p := range in {
		if m.index(p.Key) >= 0 {
			return fmt.Errorf("smallmap: duplicate key %v", p.Key)
		}
		m.items = append(m.items, pair[K, V](p))
	}
	return nil
}
