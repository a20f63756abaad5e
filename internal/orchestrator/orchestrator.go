// Package orchestrator runs source adapters tier by tier. A single adapter's
// failure, timeout or panic never aborts the run; it degrades to zero records
// for that adapter.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/concert-crawler/internal/adapter"
	"github.com/JakeFAU/concert-crawler/internal/catalog"
	"github.com/JakeFAU/concert-crawler/internal/clock/system"
	"github.com/JakeFAU/concert-crawler/internal/crawler"
	"github.com/JakeFAU/concert-crawler/internal/id/uuid"
	"github.com/JakeFAU/concert-crawler/internal/logging"
	"github.com/JakeFAU/concert-crawler/internal/metrics"
)

// TierAll selects every tier, in ascending order.
const TierAll = 0

// ErrAdapterTimeout marks an adapter that overran its time budget.
var ErrAdapterTimeout = errors.New("orchestrator: adapter timed out")

// errNotStarted marks adapters skipped because the run was cancelled first.
var errNotStarted = errors.New("orchestrator: run cancelled before adapter started")

// ParseTier reads a tier selector: "1", "2", "3" or "all".
func ParseTier(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "all" {
		return TierAll, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 3 {
		return 0, fmt.Errorf("tier must be 1, 2, 3 or all, got %q", s)
	}
	return n, nil
}

// TierLabel renders a tier selector for logs and notifications.
func TierLabel(tier int) string {
	if tier == TierAll {
		return "all"
	}
	return strconv.Itoa(tier)
}

// Params controls one run.
type Params struct {
	Tier int
	// AdapterTimeout is a hard wall-clock bound per adapter; zero disables it.
	AdapterTimeout time.Duration
	// Delay is paused between consecutive adapters on the same worker.
	Delay time.Duration
	// Concurrency is the worker count; values below 1 run sequentially.
	Concurrency int
}

// AdapterResult is the outcome of one adapter.
type AdapterResult struct {
	Adapter  string
	Tier     int
	Records  []catalog.CandidateRecord
	Duration time.Duration
	Err      error
}

// Outcome labels the result for logs and metrics.
func (r AdapterResult) Outcome() string {
	switch {
	case errors.Is(r.Err, ErrAdapterTimeout):
		return "timeout"
	case errors.Is(r.Err, context.Canceled), errors.Is(r.Err, errNotStarted):
		return "canceled"
	case r.Err != nil:
		return "error"
	case len(r.Records) == 0:
		return "empty"
	default:
		return "ok"
	}
}

// Result is the outcome of a run. Records holds every adapter's output in
// fixed adapter order.
type Result struct {
	RunID     string
	Tier      int
	StartedAt time.Time
	Records   []catalog.CandidateRecord
	Adapters  []AdapterResult
	// Canceled reports that the run's context ended before every adapter
	// finished. Records still holds what was accumulated.
	Canceled bool
	Duration time.Duration
}

// Orchestrator runs a fixed list of adapters.
type Orchestrator struct {
	adapters []adapter.Adapter
	pauser   crawler.Pauser
	ids      crawler.IDGenerator
	clock    crawler.Clock
	logger   *zap.Logger
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = logging.OrNop(l).Named("orchestrator") }
}

// WithPauser replaces the inter-adapter pause implementation.
func WithPauser(p crawler.Pauser) Option {
	return func(o *Orchestrator) { o.pauser = p }
}

// WithIDGenerator replaces the run id source.
func WithIDGenerator(g crawler.IDGenerator) Option {
	return func(o *Orchestrator) { o.ids = g }
}

// WithClock replaces the clock.
func WithClock(c crawler.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// New builds an Orchestrator over adapters in registry order.
func New(adapters []adapter.Adapter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		adapters: adapters,
		pauser:   crawler.TimerPauser{},
		ids:      uuid.New(),
		clock:    system.New(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Select returns the adapters for tier, ordered by tier ascending and by
// registry order within a tier.
func (o *Orchestrator) Select(tier int) []adapter.Adapter {
	out := make([]adapter.Adapter, 0, len(o.adapters))
	for _, a := range o.adapters {
		if tier == TierAll || a.Tier() == tier {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Tier() < out[j].Tier() })
	return out
}

// Run executes the selected adapters and returns their combined records.
// It fails only on invalid parameters; adapter failures are recorded in
// Result.Adapters.
func (o *Orchestrator) Run(ctx context.Context, p Params) (Result, error) {
	if p.Tier < TierAll || p.Tier > 3 {
		return Result{}, fmt.Errorf("invalid tier %d", p.Tier)
	}
	runID, err := o.ids.NewID()
	if err != nil {
		return Result{}, fmt.Errorf("run id: %w", err)
	}
	selected := o.Select(p.Tier)
	logger := o.logger.With(zap.String("run_id", runID), zap.String("tier", TierLabel(p.Tier)))
	start := o.clock.Now()
	logger.Info("crawl run started", zap.Int("adapters", len(selected)), zap.Duration("adapter_timeout", p.AdapterTimeout))

	workers := p.Concurrency
	if workers < 1 {
		workers = 1
	}
	if workers > len(selected) && len(selected) > 0 {
		workers = len(selected)
	}

	slots := make([]AdapterResult, len(selected))
	started := make([]bool, len(selected))
	jobs := make(chan int)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			o.work(ctx, logger, p, selected, jobs, slots, started)
			return nil
		})
	}
feed:
	for i := range selected {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	_ = g.Wait()

	res := Result{
		RunID:     runID,
		Tier:      p.Tier,
		StartedAt: start,
		Adapters:  make([]AdapterResult, 0, len(selected)),
		Records:   []catalog.CandidateRecord{},
	}
	for i, a := range selected {
		if !started[i] {
			slots[i] = AdapterResult{Adapter: a.Name(), Tier: a.Tier(), Err: errNotStarted}
		}
		if slots[i].Outcome() == "canceled" {
			res.Canceled = true
		}
		res.Adapters = append(res.Adapters, slots[i])
		res.Records = append(res.Records, slots[i].Records...)
	}
	res.Duration = o.clock.Now().Sub(start)

	logger.Info("crawl run finished",
		zap.Int("records", len(res.Records)),
		zap.Bool("canceled", res.Canceled),
		zap.Duration("elapsed", res.Duration))
	return res, nil
}

// work drains jobs, pausing between consecutive adapters. Each slot index is
// written by exactly one worker.
func (o *Orchestrator) work(
	ctx context.Context,
	logger *zap.Logger,
	p Params,
	selected []adapter.Adapter,
	jobs <-chan int,
	slots []AdapterResult,
	started []bool,
) {
	first := true
	for idx := range jobs {
		if !first && p.Delay > 0 {
			if err := o.pauser.Pause(ctx, p.Delay); err != nil {
				continue
			}
		}
		first = false
		if ctx.Err() != nil {
			continue
		}
		started[idx] = true
		slots[idx] = o.runAdapter(ctx, logger, selected[idx], p.AdapterTimeout)
	}
}

type crawlOutput struct {
	records []catalog.CandidateRecord
	err     error
}

// runAdapter runs one adapter under its time budget. The orchestrator stops
// waiting at the deadline even if the adapter ignores cancellation.
func (o *Orchestrator) runAdapter(ctx context.Context, logger *zap.Logger, a adapter.Adapter, timeout time.Duration) AdapterResult {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	res := AdapterResult{Adapter: a.Name(), Tier: a.Tier()}
	start := time.Now()

	var (
		actx   context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		actx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	out := make(chan crawlOutput, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				out <- crawlOutput{err: fmt.Errorf("adapter %s panicked: %v\n%s", a.Name(), r, debug.Stack())}
			}
		}()
		records, err := a.Crawl(actx)
		out <- crawlOutput{records: records, err: err}
	}()

	select {
	case got := <-out:
		res.Records, res.Err = got.records, got.err
	case <-actx.Done():
		select {
		case got := <-out:
			res.Records, res.Err = got.records, got.err
		default:
			res.Err = actx.Err()
		}
	}
	if res.Err != nil {
		res.Records = nil
		if ctx.Err() == nil && errors.Is(res.Err, context.DeadlineExceeded) {
			res.Err = fmt.Errorf("%s after %s: %w", a.Name(), timeout, ErrAdapterTimeout)
		}
	}
	for i := range res.Records {
		res.Records[i].Tier = a.Tier()
		if strings.TrimSpace(res.Records[i].SourceName) == "" {
			res.Records[i].SourceName = a.Name()
		}
	}
	res.Duration = time.Since(start)

	outcome := res.Outcome()
	metrics.ObserveAdapter(a.Name(), outcome, len(res.Records), res.Duration)
	fields := []zap.Field{
		zap.String("adapter", a.Name()),
		zap.Int("tier", a.Tier()),
		zap.String("outcome", outcome),
		zap.Int("records", len(res.Records)),
		zap.Duration("elapsed", res.Duration),
	}
	if res.Err != nil {
		logger.Warn("adapter yielded no records", append(fields, zap.Error(res.Err))...)
	} else {
		logger.Info("adapter finished", fields...)
	}
	return res
}
