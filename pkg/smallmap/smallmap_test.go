package smallmap

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderAndOverwrite(t *testing.T) {
	t.Parallel()
	var m Map[string, int]
	m.Set("b", 1)
	m.Set("a", 2)
	m.Set("c", 3)
	m.Set("b", 10)

	assert.Equal(t, []string{"b", "a", "c"}, m.Keys())
	v, ok := m.Get("b")
	assert.True(t, ok)
	assert.Equal(t, 10, v)

	assert.True(t, m.Delete("a"))
	assert.False(t, m.Delete("a"))
	assert.Equal(t, []string{"b", "c"}, m.Keys())
	assert.Equal(t, 2, m.Len())

	_, ok = m.Get("zzz")
	assert.False(t, ok)
}

func TestEntry(t *testing.T) {
	t.Parallel()
	var m Map[int64, []string]

	e := m.Entry(42)
	assert.False(t, e.Present())
	assert.Nil(t, e.Value())

	e = e.OrInsert(nil)
	*e.Value() = append(*e.Value(), "admin")
	// a second lookup sees the in-place mutation
	e2 := m.Entry(42).OrInsert([]string{"ignored"})
	*e2.Value() = append(*e2.Value(), "mod")

	got, _ := m.Get(42)
	assert.Equal(t, []string{"admin", "mod"}, got)

	m.Entry(7).Set([]string{"guest"})
	m.Entry(7).Set([]string{"member"})
	got, _ = m.Get(7)
	assert.Equal(t, []string{"member"}, got)
	assert.Equal(t, []int64{42, 7}, m.Keys())
}

func TestAllStopsEarly(t *testing.T) {
	t.Parallel()
	var m Map[string, int]
	for i, k := range []string{"x", "y", "z"} {
		m.Set(k, i)
	}
	var seen []string
	for k := range m.All() {
		seen = append(seen, k)
		if k == "y" {
			break
		}
	}
	assert.Equal(t, []string{"x", "y"}, seen)
}

func TestJSONKeepsOrder(t *testing.T) {
	t.Parallel()
	var m Map[string, string]
	m.Set("zeta", "last letter")
	m.Set("alpha", "first letter")

	raw, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"key":"zeta","value":"last letter"},{"key":"alpha","value":"first letter"}]`, string(raw))

	var back Map[string, string]
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, []string{"zeta", "alpha"}, back.Keys())

	assert.Error(t, json.Unmarshal([]byte(`[{"key":"a","value":"1"},{"key":"a","value":"2"}]`), &back))
}
