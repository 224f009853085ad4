package session

import (
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgfan/pgfan/pkg/pgwire"
)

func TestStatementStoreDuplicateName(t *testing.T) {
	s := NewStatementStore(nil)

	require.NoError(t, s.Store(&PreparedStatement{Name: "s1", Query: "SELECT 1"}))
	err := s.Store(&PreparedStatement{Name: "s1", Query: "SELECT 2"})
	require.Error(t, err)
	assert.Equal(t, pgerrcode.DuplicatePreparedStatement, pgwire.AsErr(err).Code)

	// Deallocate frees the name.
	require.NoError(t, s.Deallocate("s1"))
	assert.NoError(t, s.Store(&PreparedStatement{Name: "s1", Query: "SELECT 2"}))
}

func TestStatementStoreUnnamedReplacement(t *testing.T) {
	s := NewStatementStore(nil)

	require.NoError(t, s.Store(&PreparedStatement{Name: "", Query: "SELECT 1"}))
	require.NoError(t, s.Store(&PreparedStatement{Name: "", Query: "SELECT 2"}))

	got, err := s.Fetch("")
	require.NoError(t, err)
	assert.Equal(t, "SELECT 2", got.Query)
}

func TestStatementStoreFetchUnknown(t *testing.T) {
	s := NewStatementStore(nil)
	_, err := s.Fetch("nope")
	require.Error(t, err)
	assert.Equal(t, pgerrcode.InvalidSQLStatementName, pgwire.AsErr(err).Code)

	err = s.Deallocate("nope")
	require.Error(t, err)
}

func TestStatementStoreDeallocateAll(t *testing.T) {
	s := NewStatementStore(nil)
	require.NoError(t, s.Store(&PreparedStatement{Name: "a", Query: "SELECT 1"}))
	require.NoError(t, s.Store(&PreparedStatement{Name: "b", Query: "SELECT 2"}))

	s.DeallocateAll()
	assert.Zero(t, s.Len())
}

func TestPlanCacheSharesEntriesAcrossStores(t *testing.T) {
	cache := NewPlanCache(16)
	s1 := NewStatementStore(cache)
	s2 := NewStatementStore(cache)

	require.NoError(t, s1.Store(&PreparedStatement{Name: "a", Query: "SELECT * FROM users"}))
	require.NoError(t, s2.Store(&PreparedStatement{Name: "b", Query: "SELECT * FROM users"}))

	a, err := s1.Fetch("a")
	require.NoError(t, err)
	b, err := s2.Fetch("b")
	require.NoError(t, err)
	assert.Same(t, a.Plan, b.Plan, "same query text interns to one plan entry")
	assert.Equal(t, 1, cache.Len())
}

func TestPlanCacheEvictsLRU(t *testing.T) {
	cache := NewPlanCache(2)

	p1 := cache.Intern("SELECT 1", nil)
	cache.Intern("SELECT 2", nil)
	cache.Touch(p1.QueryHash)
	cache.Intern("SELECT 3", nil)

	assert.Equal(t, 2, cache.Len())
	_, ok := cache.Get(HashQuery("SELECT 1"))
	assert.True(t, ok, "recently touched entry survives")
	_, ok = cache.Get(HashQuery("SELECT 2"))
	assert.False(t, ok, "least recently used entry evicted")
}

func TestPlanCacheRecordDescIsFirstWriteWins(t *testing.T) {
	cache := NewPlanCache(0)
	p := cache.Intern("SELECT * FROM users", nil)

	first := usersRowDescription()
	cache.RecordDesc(p.QueryHash, first)
	cache.RecordDesc(p.QueryHash, usersRowDescription())

	got, ok := cache.Get(p.QueryHash)
	require.True(t, ok)
	assert.True(t, got.Described())
	assert.Same(t, first, got.Desc())
}

func TestPlanCacheUnlimited(t *testing.T) {
	cache := NewPlanCache(0)
	for i := 0; i < 100; i++ {
		cache.Intern(fmt.Sprintf("SELECT %d", i), nil)
	}
	assert.Equal(t, 100, cache.Len())
}
