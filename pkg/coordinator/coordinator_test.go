package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgfan/pgfan/pkg/router"
)

// stubParticipant counts coordination verbs and fails them on demand.
type stubParticipant struct {
	id router.ShardID

	mu               sync.Mutex
	begins           int
	prepares         int
	commits          int
	commitPrepareds  int
	rollbacks        int
	rollbackPrepared int

	failPrepare bool
	// failResolveN fails the first N resolution calls (Commit,
	// CommitPrepared, RollbackPrepared, Rollback).
	failResolveN int

	released bool
}

var _ Participant = (*stubParticipant)(nil)

func (s *stubParticipant) Shard() router.ShardID { return s.id }

func (s *stubParticipant) Begin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.begins++
	return nil
}

func (s *stubParticipant) Exec(ctx context.Context, sql string, args *ExecArgs) (*ExecResult, error) {
	return &ExecResult{Tag: "OK"}, nil
}

func (s *stubParticipant) failResolve() error {
	if s.failResolveN > 0 {
		s.failResolveN--
		return fmt.Errorf("shard %s: resolution refused", s.id)
	}
	return nil
}

func (s *stubParticipant) Prepare(ctx context.Context, gid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prepares++
	if s.failPrepare {
		return errors.New("prepare refused")
	}
	return nil
}

func (s *stubParticipant) CommitPrepared(ctx context.Context, gid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitPrepareds++
	return s.failResolve()
}

func (s *stubParticipant) RollbackPrepared(ctx context.Context, gid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbackPrepared++
	return s.failResolve()
}

func (s *stubParticipant) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
	return s.failResolve()
}

func (s *stubParticipant) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbacks++
	return s.failResolve()
}

func (s *stubParticipant) Release() { s.released = true }

func newTestCoordinator() *Coordinator {
	return New(nil, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Microsecond, MaxDelay: time.Microsecond}, nil)
}

// enlisted builds a participant set with every stub in the local-active
// phase, as the session leaves them after Begin.
func enlisted(stubs ...*stubParticipant) *ParticipantSet {
	set := NewParticipantSet()
	for _, s := range stubs {
		set.Join(s)
	}
	return set
}

func TestCommitSingleParticipantSkipsPrepare(t *testing.T) {
	c := newTestCoordinator()
	a := &stubParticipant{id: "a"}
	set := enlisted(a)

	require.NoError(t, c.Commit(context.Background(), "gid", set))
	assert.Zero(t, a.prepares)
	assert.Equal(t, 1, a.commits)
	assert.True(t, set.Resolved())
}

func TestCommitTwoParticipantsUsesTwoPhase(t *testing.T) {
	c := newTestCoordinator()
	a := &stubParticipant{id: "a"}
	b := &stubParticipant{id: "b"}
	set := enlisted(a, b)

	require.NoError(t, c.Commit(context.Background(), "gid", set))
	for _, s := range []*stubParticipant{a, b} {
		assert.Equal(t, 1, s.prepares, "shard %s", s.id)
		assert.Equal(t, 1, s.commitPrepareds, "shard %s", s.id)
		assert.Zero(t, s.commits, "shard %s must not commit directly", s.id)
	}
	assert.True(t, set.Resolved())
}

func TestPrepareFailureFlipsToAbort(t *testing.T) {
	c := newTestCoordinator()
	a := &stubParticipant{id: "a"}
	b := &stubParticipant{id: "b", failPrepare: true}
	set := enlisted(a, b)

	err := c.Commit(context.Background(), "gid", set)
	require.Error(t, err)
	var prepErr *PrepareError
	require.ErrorAs(t, err, &prepErr)
	assert.Equal(t, router.ShardID("b"), prepErr.Shard)

	// Every participant ended aborted: ROLLBACK PREPARED where prepare had
	// succeeded, plain ROLLBACK where it had not.
	assert.True(t, set.Resolved())
	assert.Zero(t, a.commitPrepareds)
	assert.Zero(t, b.commitPrepareds)
	assert.Equal(t, 1, a.rollbackPrepared+a.rollbacks)
	assert.Equal(t, 1, b.rollbacks)
}

func TestResolutionRetriesWithinBudget(t *testing.T) {
	c := newTestCoordinator()
	a := &stubParticipant{id: "a", failResolveN: 2}
	b := &stubParticipant{id: "b"}
	set := enlisted(a, b)

	require.NoError(t, c.Commit(context.Background(), "gid", set))
	assert.Equal(t, 3, a.commitPrepareds, "two failures then success")
	assert.True(t, set.Resolved())
}

func TestResolutionExhaustionIsUnresolved(t *testing.T) {
	c := newTestCoordinator()
	a := &stubParticipant{id: "a", failResolveN: 100}
	b := &stubParticipant{id: "b"}
	set := enlisted(a, b)

	err := c.Commit(context.Background(), "gid", set)
	require.Error(t, err)
	var unresolved *UnresolvedError
	require.ErrorAs(t, err, &unresolved)
	assert.Equal(t, []router.ShardID{"a"}, unresolved.Shards)
	assert.Equal(t, "commit", unresolved.Decision)

	// The healthy participant still committed; only the failing shard is left
	// for reconciliation.
	assert.False(t, set.Resolved())
	m, _ := set.Get("b")
	assert.Equal(t, PhaseCommitted, m.Phase())
	assert.Equal(t, 3, a.commitPrepareds, "the full retry budget was spent")
}

func TestAbortRollsBackActiveParticipants(t *testing.T) {
	c := newTestCoordinator()
	a := &stubParticipant{id: "a"}
	b := &stubParticipant{id: "b"}
	set := enlisted(a, b)

	require.NoError(t, c.Abort(context.Background(), "gid", set))
	assert.Equal(t, 1, a.rollbacks)
	assert.Equal(t, 1, b.rollbacks)
	assert.True(t, set.Resolved())
}

func TestCommitEmptySetIsNoOp(t *testing.T) {
	c := newTestCoordinator()
	require.NoError(t, c.Commit(context.Background(), "gid", NewParticipantSet()))
}

func TestRetryPolicyDelayDoublesAndCaps(t *testing.T) {
	p := RetryPolicy{BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second}.withDefaults()

	assert.Equal(t, 50*time.Millisecond, p.Delay(1))
	assert.Equal(t, 100*time.Millisecond, p.Delay(2))
	assert.Equal(t, 2*time.Second, p.Delay(7), "capped at MaxDelay")
	assert.Equal(t, 2*time.Second, p.Delay(64), "shift overflow falls back to MaxDelay")
}

func TestParticipantSetJoinAndPhases(t *testing.T) {
	set := NewParticipantSet()
	a := &stubParticipant{id: "a"}
	m := set.Join(a)

	assert.Equal(t, PhaseLocalActive, m.Phase())
	assert.Equal(t, []router.ShardID{"a"}, set.Shards())
	assert.False(t, set.Resolved())
	assert.Panics(t, func() { set.Join(a) }, "double join is a caller bug")

	set.ReleaseAll()
	assert.True(t, a.released)
}
