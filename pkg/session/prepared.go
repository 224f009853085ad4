package session

import (
	"container/list"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgfan/pgfan/pkg/pgwire"
	"github.com/pgfan/pgfan/pkg/router"
)

// PreparedStatement is one named statement in a session. Session-scoped:
// COMMIT and ROLLBACK never create or destroy one; only DEALLOCATE (or Close
// on the wire) and disconnect do.
type PreparedStatement struct {
	Name      string
	Query     string
	ParamOIDs []uint32

	// Stmt is the classified form of Query, computed once at Parse time.
	Stmt router.Statement

	// Plan is the shared cache entry for this query text, if one exists.
	Plan *CachedPlan
}

// StatementStore is the per-session prepared statement table. Single-writer,
// owned by the session worker.
type StatementStore struct {
	stmts map[string]*PreparedStatement
	cache *PlanCache
}

// NewStatementStore creates an empty store. cache may be nil to disable plan
// sharing.
func NewStatementStore(cache *PlanCache) *StatementStore {
	return &StatementStore{stmts: make(map[string]*PreparedStatement), cache: cache}
}

// Store registers a prepared statement. A duplicate non-empty name is an
// error; PostgreSQL requires DEALLOCATE first. The unnamed statement is
// replaced silently, like the unnamed portal.
func (s *StatementStore) Store(stmt *PreparedStatement) error {
	if stmt.Name != "" {
		if _, ok := s.stmts[stmt.Name]; ok {
			return pgwire.NewErr(pgwire.Error, pgerrcode.DuplicatePreparedStatement,
				fmt.Sprintf("prepared statement %q already exists", stmt.Name), nil)
		}
	}
	if s.cache != nil {
		stmt.Plan = s.cache.Intern(stmt.Query, stmt.ParamOIDs)
	}
	s.stmts[stmt.Name] = stmt
	return nil
}

// Fetch looks up a prepared statement by name.
func (s *StatementStore) Fetch(name string) (*PreparedStatement, error) {
	stmt, ok := s.stmts[name]
	if !ok {
		return nil, pgwire.NewErr(pgwire.Error, pgerrcode.InvalidSQLStatementName,
			fmt.Sprintf("prepared statement %q does not exist", name), nil)
	}
	if s.cache != nil && stmt.Plan != nil {
		s.cache.Touch(stmt.Plan.QueryHash)
	}
	return stmt, nil
}

// Deallocate removes a statement by name.
func (s *StatementStore) Deallocate(name string) error {
	if _, ok := s.stmts[name]; !ok {
		return pgwire.NewErr(pgwire.Error, pgerrcode.InvalidSQLStatementName,
			fmt.Sprintf("prepared statement %q does not exist", name), nil)
	}
	delete(s.stmts, name)
	return nil
}

// DeallocateAll drops every statement. Called on disconnect and for
// DEALLOCATE ALL. The shared plan cache is untouched; other sessions may
// still be using the entries.
func (s *StatementStore) DeallocateAll() {
	clear(s.stmts)
}

// Len returns the number of stored statements.
func (s *StatementStore) Len() int { return len(s.stmts) }

// CachedPlan is the process-wide cached metadata for one query text. Sessions
// preparing the same query under different names share an entry.
type CachedPlan struct {
	Query     string
	QueryHash uint64
	ParamOIDs []uint32

	mu sync.Mutex
	// desc is the row description observed the first time the query was
	// described or executed, for answering Describe without a shard round
	// trip. Nil forever for queries that return no rows.
	desc      *pgproto3.RowDescription
	described bool
}

// Described reports whether the query's shape has been learned. A described
// plan with a nil Desc means the query returns no rows.
func (p *CachedPlan) Described() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.described
}

// Desc returns the recorded row description, nil if unknown or rowless.
func (p *CachedPlan) Desc() *pgproto3.RowDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.desc
}

// RecordShape stores the query's observed shape. The first recorded
// description wins; the shape for a given query text does not change within
// a schema epoch.
func (p *CachedPlan) RecordShape(desc *pgproto3.RowDescription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.described = true
	if p.desc == nil {
		p.desc = desc
	}
}

// HashQuery hashes query text for cache keying. FNV-1a.
func HashQuery(query string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(query))
	return h.Sum64()
}

// PlanCache is a thread-safe LRU over CachedPlan entries, keyed by query
// hash. It is the only structure in this package shared across sessions.
type PlanCache struct {
	mu      sync.Mutex
	entries map[uint64]*CachedPlan
	lru     *list.List
	lruMap  map[uint64]*list.Element
	maxSize int
}

// NewPlanCache creates a cache bounded to maxSize entries. maxSize 0 means
// unlimited.
func NewPlanCache(maxSize int) *PlanCache {
	return &PlanCache{
		entries: make(map[uint64]*CachedPlan),
		lru:     list.New(),
		lruMap:  make(map[uint64]*list.Element),
		maxSize: maxSize,
	}
}

// Intern returns the cache entry for the query, creating it if absent. The
// returned entry is shared; only the shape may be written after creation,
// via RecordShape.
func (c *PlanCache) Intern(query string, paramOIDs []uint32) *CachedPlan {
	hash := HashQuery(query)

	c.mu.Lock()
	defer c.mu.Unlock()

	if plan, ok := c.entries[hash]; ok {
		c.lru.MoveToFront(c.lruMap[hash])
		return plan
	}

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	plan := &CachedPlan{Query: query, QueryHash: hash, ParamOIDs: paramOIDs}
	c.entries[hash] = plan
	c.lruMap[hash] = c.lru.PushFront(hash)
	return plan
}

// Get retrieves an entry by hash without affecting LRU order.
func (c *PlanCache) Get(hash uint64) (*CachedPlan, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	plan, ok := c.entries[hash]
	return plan, ok
}

// Touch marks the entry as recently used.
func (c *PlanCache) Touch(hash uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.lruMap[hash]; ok {
		c.lru.MoveToFront(elem)
	}
}

// RecordDesc stores the row description observed for a query's first
// execution. Later calls are ignored; the description for a given query text
// does not change within a schema epoch.
func (c *PlanCache) RecordDesc(hash uint64, desc *pgproto3.RowDescription) {
	c.mu.Lock()
	plan, ok := c.entries[hash]
	c.mu.Unlock()
	if ok {
		plan.RecordShape(desc)
	}
}

// Len returns the number of cached entries.
func (c *PlanCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *PlanCache) evictOldest() {
	elem := c.lru.Back()
	if elem == nil {
		return
	}
	hash := elem.Value.(uint64)
	c.lru.Remove(elem)
	delete(c.lruMap, hash)
	delete(c.entries, hash)
}
