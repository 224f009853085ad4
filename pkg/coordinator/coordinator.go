package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pgfan/pgfan/pkg/observability"
	"github.com/pgfan/pgfan/pkg/router"
)

// RetryPolicy bounds the backoff loop used when a participant does not
// acknowledge a resolution request.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries per participant, including
	// the first. Default 5.
	MaxAttempts int
	// BaseDelay is the delay after the first failure; it doubles per attempt
	// up to MaxDelay. Defaults 50ms / 2s.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 50 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 2 * time.Second
	}
	return p
}

// Delay returns the backoff before retry number attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay << uint(attempt-1)
	if d > p.MaxDelay || d <= 0 {
		return p.MaxDelay
	}
	return d
}

// PrepareError means a participant refused to prepare, flipping the commit
// decision to abort. The block was rolled back everywhere.
type PrepareError struct {
	Shard router.ShardID
	Err   error
}

func (e *PrepareError) Error() string {
	return fmt.Sprintf("shard %s failed to prepare, transaction rolled back: %v", e.Shard, e.Err)
}

func (e *PrepareError) Unwrap() error { return e.Err }

// UnresolvedError means one or more participants never acknowledged the
// decision within the retry budget. Atomicity can no longer be guaranteed by
// the session: the named shards are left for out-of-band reconciliation and
// must never be silently assumed committed or rolled back.
type UnresolvedError struct {
	GID      string
	Decision string
	Shards   []router.ShardID
	Last     error
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("transaction %s: %s outcome unknown on shards %v: %v", e.GID, e.Decision, e.Shards, e.Last)
}

func (e *UnresolvedError) Unwrap() error { return e.Last }

// Coordinator applies a transaction block's terminal decision to every
// participant exactly once. It is stateless across blocks; all per-block
// state lives in the ParticipantSet.
type Coordinator struct {
	logger  *slog.Logger
	retry   RetryPolicy
	metrics *observability.Metrics
	tracer  trace.Tracer
}

func New(logger *slog.Logger, retry RetryPolicy, metrics *observability.Metrics) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		logger:  logger,
		retry:   retry.withDefaults(),
		metrics: metrics,
		tracer:  otel.Tracer("pgfan/coordinator"),
	}
}

// Commit drives the commit decision. With a single participant it issues a
// direct local commit; otherwise it prepares every participant and then
// finalizes. If any participant fails to prepare the decision flips to
// abort, every participant is rolled back, and a *PrepareError is returned.
//
// Once the prepare phase has succeeded, resolution runs on a context
// detached from client cancellation: stopping halfway would strand prepared
// transactions on the shards.
func (c *Coordinator) Commit(ctx context.Context, gid string, set *ParticipantSet) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.Commit",
		trace.WithAttributes(attribute.String("gid", gid), attribute.Int("participants", set.Len())))
	defer span.End()
	start := time.Now()

	active := membersInPhase(set, PhaseLocalActive)
	if len(active) == 0 {
		return nil
	}

	// Single participant: no distributed protocol needed.
	if set.Len() == 1 {
		m := active[0]
		err := c.resolveWithRetry(ctx, gid, m, "commit", func(ctx context.Context) error {
			return m.conn.Commit(ctx)
		})
		if err != nil {
			c.metrics.ObserveCommit(observability.OutcomeUnresolved, time.Since(start))
			return &UnresolvedError{GID: gid, Decision: "commit", Shards: []router.ShardID{m.Shard()}, Last: err}
		}
		m.phase = PhaseCommitted
		c.metrics.ObserveCommit(observability.OutcomeCommitted, time.Since(start))
		return nil
	}

	// Prepare phase.
	if err := c.prepareAll(ctx, gid, active); err != nil {
		// Decision flips to abort: discard prepared state and local work.
		if abortErr := c.Abort(ctx, gid, set); abortErr != nil {
			c.logger.Error("abort after failed prepare did not fully resolve",
				"gid", gid, "error", abortErr)
			c.metrics.ObserveCommit(observability.OutcomeUnresolved, time.Since(start))
			return abortErr
		}
		c.metrics.ObserveCommit(observability.OutcomeAborted, time.Since(start))
		return err
	}

	// Resolution phase. Not cancellable: a prepared transaction must be
	// finalized or it stays pinned on the shard.
	err := c.resolve(context.WithoutCancel(ctx), gid, set, "commit")
	if err != nil {
		c.metrics.ObserveCommit(observability.OutcomeUnresolved, time.Since(start))
		return err
	}
	c.metrics.ObserveCommit(observability.OutcomeCommitted, time.Since(start))
	return nil
}

// Abort drives the abort decision: local rollback for active participants,
// ROLLBACK PREPARED for participants that already prepared. Like commit
// resolution it runs detached from client cancellation.
func (c *Coordinator) Abort(ctx context.Context, gid string, set *ParticipantSet) error {
	ctx, span := c.tracer.Start(context.WithoutCancel(ctx), "coordinator.Abort",
		trace.WithAttributes(attribute.String("gid", gid), attribute.Int("participants", set.Len())))
	defer span.End()
	start := time.Now()

	err := c.resolve(ctx, gid, set, "abort")
	if err != nil {
		c.metrics.ObserveCommit(observability.OutcomeUnresolved, time.Since(start))
		return err
	}
	c.metrics.ObserveCommit(observability.OutcomeAborted, time.Since(start))
	return nil
}

// prepareAll fans the prepare request out concurrently and joins. The first
// failure cancels the remaining prepares.
func (c *Coordinator) prepareAll(ctx context.Context, gid string, members []*Member) error {
	start := time.Now()
	err := fanOut(ctx, members, func(ctx context.Context, m *Member) error {
		if err := m.conn.Prepare(ctx, gid); err != nil {
			return &PrepareError{Shard: m.Shard(), Err: err}
		}
		m.phase = PhasePrepared
		return nil
	})
	c.metrics.ObservePhase("prepare", time.Since(start))
	return err
}

// resolve applies the final decision to every member not yet terminal,
// concurrently, retrying each with bounded backoff.
func (c *Coordinator) resolve(ctx context.Context, gid string, set *ParticipantSet, decision string) error {
	start := time.Now()
	var (
		mu         sync.Mutex
		unresolved []router.ShardID
		lastErr    error
	)

	var wg sync.WaitGroup
	for _, m := range set.Members() {
		if m.phase.Terminal() {
			continue
		}
		wg.Add(1)
		go func(m *Member) {
			defer wg.Done()
			err := c.resolveWithRetry(ctx, gid, m, decision, resolveOp(m, decision, gid))
			if err != nil {
				mu.Lock()
				unresolved = append(unresolved, m.Shard())
				lastErr = err
				mu.Unlock()
				return
			}
			if decision == "commit" {
				m.phase = PhaseCommitted
			} else {
				m.phase = PhaseAborted
			}
		}(m)
	}
	wg.Wait()
	c.metrics.ObservePhase(decision, time.Since(start))

	if len(unresolved) > 0 {
		c.metrics.AddUnresolved(len(unresolved))
		err := &UnresolvedError{GID: gid, Decision: decision, Shards: unresolved, Last: lastErr}
		c.logger.Error("participants left unresolved for out-of-band reconciliation",
			"gid", gid, "decision", decision, "shards", fmt.Sprint(unresolved), "error", lastErr)
		return err
	}
	return nil
}

// resolveOp picks the verb matching the member's phase and the decision.
func resolveOp(m *Member, decision, gid string) func(context.Context) error {
	switch {
	case decision == "commit" && m.phase == PhasePrepared:
		return func(ctx context.Context) error { return m.conn.CommitPrepared(ctx, gid) }
	case decision == "abort" && m.phase == PhasePrepared:
		return func(ctx context.Context) error { return m.conn.RollbackPrepared(ctx, gid) }
	case decision == "commit":
		return func(ctx context.Context) error { return m.conn.Commit(ctx) }
	default:
		return func(ctx context.Context) error { return m.conn.Rollback(ctx) }
	}
}

func (c *Coordinator) resolveWithRetry(ctx context.Context, gid string, m *Member, decision string, op func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if attempt == c.retry.MaxAttempts {
			break
		}
		c.metrics.IncRetries()
		c.logger.Warn("retrying transaction resolution",
			"gid", gid, "shard", m.Shard(), "decision", decision,
			"attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(c.retry.Delay(attempt)):
		}
	}
	return err
}

func membersInPhase(set *ParticipantSet, phase Phase) []*Member {
	var out []*Member
	for _, m := range set.Members() {
		if m.phase == phase {
			out = append(out, m)
		}
	}
	return out
}

// fanOut runs fn for every member concurrently and joins. The first error
// cancels the shared context so slower shards stop early; all goroutines are
// waited for before returning.
func fanOut(ctx context.Context, members []*Member, fn func(context.Context, *Member) error) error {
	if len(members) == 1 {
		return fn(ctx, members[0])
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, m := range members {
		wg.Add(1)
		go func(m *Member) {
			defer wg.Done()
			if err := fn(ctx, m); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				mu.Unlock()
			}
		}(m)
	}
	wg.Wait()
	return firstErr
}
