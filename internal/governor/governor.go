package governor

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/postflow/governor/internal/analytics"
	"github.com/postflow/governor/internal/dispatch"
	apperrors "github.com/postflow/governor/internal/errors"
	"github.com/postflow/governor/internal/formula"
	"github.com/postflow/governor/internal/limits"
	"github.com/postflow/governor/internal/logger"
	"github.com/postflow/governor/internal/metrics"
	"github.com/postflow/governor/internal/rest"
	"github.com/postflow/governor/internal/scope"
	"github.com/postflow/governor/internal/selector"
	"github.com/postflow/governor/internal/violation"
)

// actionPost is the action name every posting counter is keyed under
const actionPost = "post"

// maxBackoff caps the evaluation loop's failure backoff
const maxBackoff = 30 * time.Second

// Options tune the evaluation pool
type Options struct {
	// Concurrency is the number of evaluation goroutines
	Concurrency int
	// PollInterval is how long an idle worker waits between due-feed polls
	PollInterval time.Duration
	// PollBatch caps how many due posts one poll claims
	PollBatch int
	// WorkerRetryDelay is the requeue delay when no worker can take a job
	WorkerRetryDelay time.Duration
	// NoAccountDelay is the requeue delay when no account is eligible
	NoAccountDelay time.Duration
	// ErrorRetryDelay is the requeue delay after an evaluation error
	ErrorRetryDelay time.Duration
}

// DefaultOptions are the production defaults
func DefaultOptions() Options {
	return Options{
		Concurrency:      5,
		PollInterval:     time.Second,
		PollBatch:        50,
		WorkerRetryDelay: 5 * time.Second,
		NoAccountDelay:   time.Minute,
		ErrorRetryDelay:  30 * time.Second,
	}
}

// Governor drains the due-post feed and runs the full evaluation pipeline:
// eligibility per account, distribution selection, atomic limit reservation,
// then hand-off to the dispatcher. Multiple governor instances may run
// against the same Redis; the due feed and every reservation are atomic, so
// they never double-approve a post.
type Governor struct {
	client     *redis.Client
	catalog    Catalog
	counters   *limits.Store
	rests      *rest.Manager
	violations *violation.Recorder
	scores     *analytics.Aggregator
	queue      *dispatch.DueQueue
	dispatcher *dispatch.Dispatcher
	keyPrefix  string
	opts       Options
	log        logger.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	active   atomic.Int64
}

// NewGovernor wires the evaluation core. violations and scores may be nil in
// tests; denials are then only counted, not recorded.
func NewGovernor(client *redis.Client, catalog Catalog, counters *limits.Store, rests *rest.Manager, violations *violation.Recorder, scores *analytics.Aggregator, queue *dispatch.DueQueue, dispatcher *dispatch.Dispatcher, keyPrefix string, opts Options) *Governor {
	if opts.Concurrency == 0 {
		opts = DefaultOptions()
	}
	return &Governor{
		client:     client,
		catalog:    catalog,
		counters:   counters,
		rests:      rests,
		violations: violations,
		scores:     scores,
		queue:      queue,
		dispatcher: dispatcher,
		keyPrefix:  keyPrefix,
		opts:       opts,
		stopChan:   make(chan struct{}),
		log:        logger.Default().WithComponent(logger.ComponentGovernor),
	}
}

func (g *Governor) lastPostKey() string { return g.keyPrefix + "lastpost" }

// Start launches the evaluation pool
func (g *Governor) Start(ctx context.Context) {
	g.log.Info("Starting evaluation pool",
		"concurrency", g.opts.Concurrency,
		"poll_interval", g.opts.PollInterval,
		"poll_batch", g.opts.PollBatch)
	for i := 0; i < g.opts.Concurrency; i++ {
		g.wg.Add(1)
		go g.runWorker(ctx, i)
	}
}

// Stop signals every evaluation worker and waits for them to drain
func (g *Governor) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopChan)
	})
	g.wg.Wait()
	g.log.Info("Evaluation pool stopped")
}

func (g *Governor) runWorker(ctx context.Context, id int) {
	defer g.wg.Done()

	active := g.active.Add(1)
	metrics.Default().RecordWorkerActivity(active, int64(g.opts.Concurrency))
	defer func() {
		metrics.Default().RecordWorkerActivity(g.active.Add(-1), int64(g.opts.Concurrency))
	}()

	g.log.Debug("Evaluation worker started", "worker", id)
	consecutiveFailures := 0

	for {
		select {
		case <-g.stopChan:
			g.log.Debug("Evaluation worker stopping", "worker", id)
			return
		case <-ctx.Done():
			return
		default:
		}

		n, err := g.Tick(ctx, time.Now())
		if err != nil {
			consecutiveFailures++
			backoff := g.opts.PollInterval * time.Duration(1<<uint(consecutiveFailures))
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			g.log.Error("Evaluation tick failed",
				"worker", id,
				"consecutive_failures", consecutiveFailures,
				"backoff", backoff,
				"error", err)
			if !g.sleep(ctx, backoff) {
				return
			}
			continue
		}
		consecutiveFailures = 0

		if n == 0 {
			if !g.sleep(ctx, g.opts.PollInterval) {
				return
			}
		}
	}
}

// sleep waits for d unless the governor is stopping. Returns false on stop.
func (g *Governor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-g.stopChan:
		return false
	case <-ctx.Done():
		return false
	}
}

// Tick claims one batch of due posts and evaluates each. A panic or error in
// one post never takes the batch down: the post is re-queued and the loop
// moves on. Exported so tests can drive the governor with a synthetic clock.
func (g *Governor) Tick(ctx context.Context, now time.Time) (int, error) {
	posts, err := g.queue.PopDue(ctx, now, g.opts.PollBatch)
	if err != nil {
		return 0, err
	}
	if depth, err := g.queue.Depth(ctx); err == nil {
		metrics.Default().RecordDueDepth(depth)
	}

	for _, post := range posts {
		p := post
		err := apperrors.Safe(func() error {
			return g.Process(ctx, p, now)
		})
		if err != nil {
			g.log.Error("Post evaluation failed, re-queued",
				"post_id", p.ID,
				"retry_in", g.opts.ErrorRetryDelay,
				"error", err)
			if rqErr := g.queue.Requeue(ctx, p.ID, now.Add(g.opts.ErrorRetryDelay)); rqErr != nil {
				g.log.Error("Failed to re-queue post", "post_id", p.ID, "error", rqErr)
			}
		}
	}
	return len(posts), nil
}

// candidateEval accumulates one account's evaluation state across every group
// hint that contains it
type candidateEval struct {
	accountID  string
	groupID    string
	weight     float64
	f          *formula.Formula
	resv       []limits.Reservation
	snap       limits.Snapshot
	lastPostAt time.Time
	decisions  []formula.Decision
}

// Process runs the full decision pipeline for one claimed due post. The post
// has already been removed from the due feed; every outcome either hands it
// to the dispatcher, re-queues it for a later tick, or ends it with a
// recorded denial.
func (g *Governor) Process(ctx context.Context, post *dispatch.ScheduledPost, now time.Time) error {
	// A post that already has an assignment is a re-queued jitter delay or a
	// retry; skip straight to dispatch
	if a, err := g.dispatcher.GetAssignment(ctx, post.ID); err == nil {
		return g.resume(ctx, post, a, now)
	} else if !errors.Is(err, dispatch.ErrAssignmentNotFound) {
		return err
	}

	appCaps, err := g.catalog.AppCaps(ctx)
	if err != nil {
		return err
	}

	evals, order, mode, err := g.evaluateCandidates(ctx, post, appCaps, now)
	if err != nil {
		return err
	}
	if len(order) == 0 {
		g.log.Warn("Post has no usable group hints",
			"post_id", post.ID,
			"group_hints", post.GroupHints)
		metrics.Default().RecordEvaluationDenied("NO_ELIGIBLE_ACCOUNT")
		return g.queue.Requeue(ctx, post.ID, now.Add(g.opts.NoAccountDelay))
	}

	// Fold per-group decisions; an account in several groups gets the most
	// restrictive verdict
	folded := make(map[string]formula.Decision, len(order))
	pool := make([]selector.Account, 0, len(order))
	for _, id := range order {
		ev := evals[id]
		d := formula.MostRestrictive(ev.decisions)
		folded[id] = d
		if !d.Allowed {
			// A scope pinned at its cap should rest instead of being
			// re-evaluated forever
			g.checkRestThreshold(ctx, ev, false, now)
			continue
		}
		acct := selector.Account{
			ID:         id,
			GroupID:    ev.groupID,
			Weight:     ev.weight,
			LastPostAt: ev.lastPostAt,
		}
		if g.scores != nil {
			score, has, err := g.scores.Score(ctx, id, now)
			if err != nil {
				g.log.Warn("Failed to read account score", "account_id", id, "error", err)
			} else {
				acct.Score, acct.HasScore = score, has
			}
		}
		pool = append(pool, acct)
	}

	// Selection plus reservation, retried when a concurrent reservation on
	// another governor instance drains the chosen account's headroom first
	for len(pool) > 0 {
		acct, _ := selector.Select(mode, pool, post.ID)
		ev := evals[acct.ID]

		res, err := g.counters.Reserve(ctx, actionPost, now, post.ID, ev.resv)
		if err != nil {
			return err
		}
		if !res.Allowed {
			g.log.Debug("Reservation lost a concurrent race, reselecting",
				"post_id", post.ID,
				"account_id", acct.ID,
				"denied_scope", res.Denied.Scope.Key())
			pool = removeAccount(pool, acct.ID)
			continue
		}
		return g.approve(ctx, post, acct, ev, folded[acct.ID], res.Duplicate, now)
	}

	return g.deny(ctx, post, order, folded, now)
}

// evaluateCandidates walks every group hint and runs the pure evaluator for
// each enabled member account. The selection mode is the first usable group's
// distribution mode.
func (g *Governor) evaluateCandidates(ctx context.Context, post *dispatch.ScheduledPost, appCaps map[limits.Window]int64, now time.Time) (map[string]*candidateEval, []string, formula.DistributionMode, error) {
	evals := make(map[string]*candidateEval)
	var order []string
	mode := formula.DistributionWeighted
	modeSet := false

	for _, groupID := range post.GroupHints {
		grp, err := g.catalog.Group(ctx, groupID)
		if err != nil {
			if errors.Is(err, ErrGroupNotFound) {
				g.log.Warn("Skipping unknown group hint", "post_id", post.ID, "group_id", groupID)
				continue
			}
			return nil, nil, mode, err
		}
		if !grp.Enabled {
			continue
		}
		f, err := g.catalog.Formula(ctx, grp.FormulaID)
		if err != nil {
			return nil, nil, mode, fmt.Errorf("group %s: %w", grp.ID, err)
		}
		if !modeSet {
			mode, modeSet = f.Distribution, true
		}

		groupWeight := grp.Weight
		if groupWeight <= 0 {
			groupWeight = 1
		}

		for _, member := range grp.Accounts {
			if !member.Enabled {
				continue
			}
			ov := member.Overrides
			chain := scope.Chain(member.AccountID, grp.ID)
			resv := f.Reservations(chain, &ov, appCaps)

			snap, err := g.counters.Snapshot(ctx, actionPost, now, resv)
			if err != nil {
				return nil, nil, mode, err
			}
			restEnds, err := g.rests.ActiveEnds(ctx, chain, now)
			if err != nil {
				return nil, nil, mode, err
			}
			lastPost, err := g.lastPosts(ctx, chain)
			if err != nil {
				return nil, nil, mode, err
			}

			d := formula.Evaluate(formula.Input{
				Chain:        chain,
				Formula:      f,
				Overrides:    &ov,
				Reservations: resv,
				Counters:     snap,
				RestEnds:     restEnds,
				LastPost:     lastPost,
				Now:          now,
				Seed:         evalSeed(post.ID, member.AccountID),
			})

			ev := evals[member.AccountID]
			if ev == nil {
				weight := ov.Weight
				if weight <= 0 {
					weight = 1
				}
				ev = &candidateEval{
					accountID:  member.AccountID,
					groupID:    grp.ID,
					weight:     weight * groupWeight,
					f:          f,
					snap:       limits.Snapshot{},
					lastPostAt: lastPost[scope.Account(member.AccountID).Key()],
				}
				evals[member.AccountID] = ev
				order = append(order, member.AccountID)
			}
			ev.decisions = append(ev.decisions, d)
			ev.resv = mergeReservations(ev.resv, resv)
			for k, u := range snap {
				ev.snap[k] = u
			}
		}
	}
	return evals, order, mode, nil
}

// approve hands an allowed post to the dispatcher: immediate dispatch when no
// jitter applies, otherwise re-queued to come back at the jittered time.
func (g *Governor) approve(ctx context.Context, post *dispatch.ScheduledPost, acct selector.Account, ev *candidateEval, d formula.Decision, duplicate bool, now time.Time) error {
	if !duplicate {
		g.stampLastPost(ctx, acct.ID, now)
	}
	metrics.Default().RecordEvaluationAllowed()
	g.checkRestThreshold(ctx, ev, true, now)

	notBefore := now.Add(d.Jitter)
	a, err := g.dispatcher.Assign(ctx, post, acct.ID, acct.GroupID, notBefore, ev.f.BackoffOnFail, now)
	if err != nil {
		return err
	}

	g.log.Info("Post approved",
		"post_id", post.ID,
		"account_id", a.AccountID,
		"group_id", a.GroupID,
		"jitter", d.Jitter,
		"slot_weight", d.SlotWeight)

	if d.Jitter <= 0 {
		if _, err := g.dispatcher.Dispatch(ctx, post, now); err != nil {
			if errors.Is(err, dispatch.ErrNoEligibleWorker) {
				g.log.Warn("No eligible worker, re-queued", "post_id", post.ID)
				return g.queue.Requeue(ctx, post.ID, now.Add(g.opts.WorkerRetryDelay))
			}
			if errors.Is(err, dispatch.ErrConcurrencyConflict) {
				// Another instance already dispatched it
				return nil
			}
			return err
		}
		return nil
	}
	return g.queue.Requeue(ctx, post.ID, notBefore)
}

// resume finishes a post that already carries an assignment from an earlier
// tick: the jitter delay elapsed, or a failed attempt came back for retry
func (g *Governor) resume(ctx context.Context, post *dispatch.ScheduledPost, a *dispatch.Assignment, now time.Time) error {
	if a.Status != dispatch.StatusAssigned {
		// Executing or terminal; the due entry was stale
		return nil
	}
	if now.Before(a.NotBefore) {
		return g.queue.Requeue(ctx, post.ID, a.NotBefore)
	}
	if _, err := g.dispatcher.Dispatch(ctx, post, now); err != nil {
		if errors.Is(err, dispatch.ErrNoEligibleWorker) {
			return g.queue.Requeue(ctx, post.ID, now.Add(g.opts.WorkerRetryDelay))
		}
		if errors.Is(err, dispatch.ErrConcurrencyConflict) {
			return nil
		}
		return err
	}
	return nil
}

// deny ends a post whose every candidate account was refused. One violation
// entry is recorded with the first evaluator denial, and the post comes back
// for another look after the no-account delay. A post whose candidates all
// passed evaluation but lost their reservations to concurrent governor
// instances carries no denial verdict at all; that is contention, not a
// policy breach, so it requeues without a violation entry.
func (g *Governor) deny(ctx context.Context, post *dispatch.ScheduledPost, order []string, folded map[string]formula.Decision, now time.Time) error {
	for _, id := range order {
		d := folded[id]
		if d.Allowed {
			continue
		}
		metrics.Default().RecordEvaluationDenied(string(d.Code))

		if g.violations != nil {
			g.violations.Record(violation.FromDecision(actionPost, d, now))
		}

		g.log.Info("Post denied",
			"post_id", post.ID,
			"code", d.Code,
			"scope", d.Scope.Key(),
			"reason", d.Message,
			"candidates", len(order))
		return g.queue.Requeue(ctx, post.ID, now.Add(g.opts.NoAccountDelay))
	}

	g.log.Debug("Every candidate reservation lost a concurrent race",
		"post_id", post.ID,
		"candidates", len(order))
	return g.queue.Requeue(ctx, post.ID, now.Add(g.opts.NoAccountDelay))
}

// checkRestThreshold opens the formula's rest period for any scope whose
// usage fraction crossed the threshold. reserved adds the unit the approved
// account just consumed; denied candidates are checked on usage as read.
func (g *Governor) checkRestThreshold(ctx context.Context, ev *candidateEval, reserved bool, now time.Time) {
	strat := ev.f.Rest
	if !strat.Enabled() {
		return
	}

	for _, r := range ev.resv {
		u, ok := ev.snap[limits.SnapKey(r.Scope, r.Window)]
		if !ok || u.Limit <= 0 {
			continue
		}
		used := u.Used
		if reserved {
			used++
		}
		if float64(used)/float64(u.Limit) < strat.ThresholdFraction {
			continue
		}

		duration := time.Duration(strat.RestDurationHours) * time.Hour
		reason := fmt.Sprintf("usage threshold reached: %d/%d in %s window", used, u.Limit, r.Window)
		p, existing, err := g.rests.Open(ctx, r.Scope, duration, reason, strat.ResumePolicy, now)
		if err != nil {
			g.log.Error("Failed to open rest period", "scope", r.Scope.Key(), "error", err)
			continue
		}
		if !existing {
			g.log.Warn("Rest period opened",
				"scope", r.Scope.Key(),
				"until", p.EndAt.Format(time.RFC3339),
				"policy", strat.ResumePolicy,
				"reason", reason)
		}
	}
}

// lastPosts reads the last successful post time for every scope in the chain
func (g *Governor) lastPosts(ctx context.Context, chain []scope.Scope) (map[string]time.Time, error) {
	fields := make([]string, len(chain))
	for i, sc := range chain {
		fields[i] = sc.Key()
	}
	vals, err := g.client.HMGet(ctx, g.lastPostKey(), fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read last post times: %w", err)
	}

	out := make(map[string]time.Time, len(chain))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if unix, err := parseUnix(s); err == nil {
			out[fields[i]] = unix
		}
	}
	return out, nil
}

// stampLastPost records the account's reservation time; the min-gap check
// measures from here so two near-simultaneous approvals cannot both land
// inside the gap
func (g *Governor) stampLastPost(ctx context.Context, accountID string, now time.Time) {
	err := g.client.HSet(ctx, g.lastPostKey(), scope.Account(accountID).Key(), now.Unix()).Err()
	if err != nil {
		g.log.Warn("Failed to stamp last post time", "account_id", accountID, "error", err)
	}
}

// mergeReservations unions two reservation lists, deduplicating by counter
// identity and keeping the tighter limit, so an account in two groups never
// double-charges one bucket
func mergeReservations(dst, src []limits.Reservation) []limits.Reservation {
	for _, r := range src {
		found := false
		for i, d := range dst {
			if d.Scope == r.Scope && d.Window == r.Window {
				if r.Limit < d.Limit {
					dst[i].Limit = r.Limit
				}
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, r)
		}
	}
	return dst
}

func removeAccount(pool []selector.Account, id string) []selector.Account {
	out := pool[:0]
	for _, a := range pool {
		if a.ID != id {
			out = append(out, a)
		}
	}
	return out
}

// evalSeed derives the deterministic jitter seed for one (post, account) pair
func evalSeed(postID, accountID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(postID))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(accountID))
	return int64(h.Sum64())
}

func parseUnix(s string) (time.Time, error) {
	unix, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(unix, 0).UTC(), nil
}
