package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"signalcast/ledger"
)

func TestLedgerIsPerSession(t *testing.T) {
	s := NewStore(4, nil, nil)
	a := s.Ledger("a")
	b := s.Ledger("b")
	require.NotSame(t, a, b)
	assert.Same(t, a, s.Ledger("a"))

	_, err := a.Record(ledger.Entry{Title: "x", Signal: -1})
	require.NoError(t, err)
	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 0, b.Len())
}

func TestStoreEvictsOldest(t *testing.T) {
	var active []int
	s := NewStore(2, nil, func(n int) { active = append(active, n) })
	s.Ledger("a")
	s.Ledger("b")
	s.Ledger("a")
	s.Ledger("c")

	_, ok := s.Lookup("b")
	assert.False(t, ok)
	_, ok = s.Lookup("a")
	assert.True(t, ok)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []int{1, 2, 2}, active)
}

func TestDrop(t *testing.T) {
	s := NewStore(2, nil, nil)
	s.Ledger("a")
	assert.True(t, s.Drop("a"))
	assert.False(t, s.Drop("a"))
	assert.Equal(t, 0, s.Len())
}

func TestDropAndEvictionLogDifferently(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	s := NewStore(1, zap.New(core), nil)

	s.Ledger("a")
	require.True(t, s.Drop("a"))
	assert.Equal(t, 1, logs.FilterMessage("session dropped").Len())
	assert.Equal(t, 0, logs.FilterMessage("session evicted").Len())

	s.Ledger("b")
	s.Ledger("c")
	evicted := logs.FilterMessage("session evicted").All()
	require.Len(t, evicted, 1)
	assert.Equal(t, "b", evicted[0].ContextMap()["session"])
	assert.Equal(t, 1, logs.FilterMessage("session dropped").Len())
}

func TestNewID(t *testing.T) {
	id := NewID()
	assert.True(t, ValidID(id))
	assert.NotEqual(t, id, NewID())
	assert.False(t, ValidID("not-a-session"))
}
