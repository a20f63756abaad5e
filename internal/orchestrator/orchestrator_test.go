package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/concert-crawler/internal/adapter"
	"github.com/JakeFAU/concert-crawler/internal/catalog"
)

type stubAdapter struct {
	name    string
	tier    int
	records []catalog.CandidateRecord
	err     error
	// block waits for ctx cancellation, optionally ignoring it.
	block       bool
	ignoreCtx   bool
	panicWith   any
	calls       atomic.Int32
	started     chan struct{}
	startedOnce sync.Once
}

func (s *stubAdapter) Name() string { return s.name }
func (s *stubAdapter) Tier() int    { return s.tier }

func (s *stubAdapter) Crawl(ctx context.Context) ([]catalog.CandidateRecord, error) {
	s.calls.Add(1)
	if s.started != nil {
		s.startedOnce.Do(func() { close(s.started) })
	}
	if s.panicWith != nil {
		panic(s.panicWith)
	}
	if s.block {
		if s.ignoreCtx {
			time.Sleep(time.Second)
			return s.records, nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.records, s.err
}

func rec(artist string) []catalog.CandidateRecord {
	return []catalog.CandidateRecord{{Artist: artist, Date: "2026-01-01", Venue: "V"}}
}

type recordingPauser struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (p *recordingPauser) Pause(ctx context.Context, d time.Duration) error {
	p.mu.Lock()
	p.delays = append(p.delays, d)
	p.mu.Unlock()
	return ctx.Err()
}

type fixedIDs struct{}

func (fixedIDs) NewID() (string, error) { return "run-1", nil }

func names(res Result) []string {
	out := make([]string, 0, len(res.Adapters))
	for _, a := range res.Adapters {
		out = append(out, a.Adapter)
	}
	return out
}

func TestParseTier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{in: "all", want: TierAll},
		{in: "", want: TierAll},
		{in: " ALL ", want: TierAll},
		{in: "1", want: 1},
		{in: "3", want: 3},
		{in: "0", wantErr: true},
		{in: "4", wantErr: true},
		{in: "two", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseTier(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
	require.Equal(t, "all", TierLabel(TierAll))
	require.Equal(t, "2", TierLabel(2))
}

func TestRunAllConcatenatesTiersAscending(t *testing.T) {
	t.Parallel()

	adapters := []adapter.Adapter{
		&stubAdapter{name: "indie", tier: 2, records: rec("B")},
		&stubAdapter{name: "kktix", tier: 1, records: rec("A")},
		&stubAdapter{name: "books", tier: 3, records: rec("C")},
		&stubAdapter{name: "tixcraft", tier: 1, records: rec("D")},
	}
	pauser := &recordingPauser{}
	o := New(adapters, WithPauser(pauser), WithIDGenerator(fixedIDs{}))

	res, err := o.Run(context.Background(), Params{Tier: TierAll, Delay: 2 * time.Second})
	require.NoError(t, err)
	require.Equal(t, "run-1", res.RunID)
	require.Equal(t, []string{"kktix", "tixcraft", "indie", "books"}, names(res))
	require.Len(t, res.Records, 4)
	assert.Equal(t, []string{"A", "D", "B", "C"}, []string{
		res.Records[0].Artist, res.Records[1].Artist, res.Records[2].Artist, res.Records[3].Artist,
	})
	assert.Equal(t, 1, res.Records[0].Tier)
	assert.Equal(t, "kktix", res.Records[0].SourceName)
	assert.Equal(t, 3, res.Records[3].Tier)
	assert.False(t, res.Canceled)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second}, pauser.delays)
}

func TestRunSingleTier(t *testing.T) {
	t.Parallel()

	tier2 := &stubAdapter{name: "indie", tier: 2, records: rec("B")}
	tier1 := &stubAdapter{name: "kktix", tier: 1, records: rec("A")}
	o := New([]adapter.Adapter{tier1, tier2}, WithPauser(&recordingPauser{}))

	res, err := o.Run(context.Background(), Params{Tier: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"indie"}, names(res))
	require.Equal(t, int32(0), tier1.calls.Load())

	_, err = o.Run(context.Background(), Params{Tier: 7})
	require.Error(t, err)
}

func TestRunIsolatesFailures(t *testing.T) {
	t.Parallel()

	adapters := []adapter.Adapter{
		&stubAdapter{name: "erroring", tier: 1, err: errors.New("boom")},
		&stubAdapter{name: "panicking", tier: 1, panicWith: "nil map"},
		&stubAdapter{name: "healthy", tier: 1, records: rec("A")},
	}
	o := New(adapters, WithPauser(&recordingPauser{}))

	res, err := o.Run(context.Background(), Params{Tier: 1})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "error", res.Adapters[0].Outcome())
	assert.Equal(t, "error", res.Adapters[1].Outcome())
	assert.Contains(t, res.Adapters[1].Err.Error(), "panicked")
	assert.Equal(t, "ok", res.Adapters[2].Outcome())
}

func TestRunEnforcesAdapterTimeout(t *testing.T) {
	t.Parallel()

	stubborn := &stubAdapter{name: "stubborn", tier: 1, block: true, ignoreCtx: true, records: rec("late")}
	polite := &stubAdapter{name: "polite", tier: 1, block: true}
	fast := &stubAdapter{name: "fast", tier: 1, records: rec("A")}
	o := New([]adapter.Adapter{stubborn, polite, fast}, WithPauser(&recordingPauser{}))

	start := time.Now()
	res, err := o.Run(context.Background(), Params{Tier: 1, AdapterTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	require.Less(t, time.Since(start), 900*time.Millisecond)

	require.Len(t, res.Records, 1)
	assert.Equal(t, "A", res.Records[0].Artist)
	assert.ErrorIs(t, res.Adapters[0].Err, ErrAdapterTimeout)
	assert.Equal(t, "timeout", res.Adapters[1].Outcome())
	assert.False(t, res.Canceled)
}

func TestRunZeroRecordsIsEmptyNotFailed(t *testing.T) {
	t.Parallel()

	o := New([]adapter.Adapter{&stubAdapter{name: "empty", tier: 3}}, WithPauser(&recordingPauser{}))
	res, err := o.Run(context.Background(), Params{Tier: TierAll})
	require.NoError(t, err)
	require.NotNil(t, res.Records)
	require.Empty(t, res.Records)
	require.Equal(t, "empty", res.Adapters[0].Outcome())

	res, err = New(nil).Run(context.Background(), Params{})
	require.NoError(t, err)
	require.Empty(t, res.Records)
	require.Empty(t, res.Adapters)
}

func TestRunCancellationReturnsPartialResults(t *testing.T) {
	t.Parallel()

	done := &stubAdapter{name: "done", tier: 1, records: rec("A")}
	hanging := &stubAdapter{name: "hanging", tier: 1, block: true, started: make(chan struct{})}
	never := &stubAdapter{name: "never", tier: 2, records: rec("C")}
	o := New([]adapter.Adapter{done, hanging, never}, WithPauser(&recordingPauser{}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-hanging.started
		cancel()
	}()

	res, err := o.Run(ctx, Params{Tier: TierAll, AdapterTimeout: time.Minute})
	require.NoError(t, err)
	require.True(t, res.Canceled)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "A", res.Records[0].Artist)
	assert.Equal(t, "canceled", res.Adapters[1].Outcome())
	assert.Equal(t, "canceled", res.Adapters[2].Outcome())
	assert.Equal(t, int32(0), never.calls.Load())
}

func TestRunConcurrentWorkersKeepOrder(t *testing.T) {
	t.Parallel()

	var adapters []adapter.Adapter
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		adapters = append(adapters, &stubAdapter{name: name, tier: 1, records: rec(name)})
	}
	o := New(adapters, WithPauser(&recordingPauser{}))

	res, err := o.Run(context.Background(), Params{Tier: 1, Concurrency: 3})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c", "d", "e"}, names(res))
	for i, r := range res.Records {
		assert.Equal(t, res.Adapters[i].Adapter, r.Artist)
	}
}

func TestRunTierPriorityFeedsDedupe(t *testing.T) {
	t.Parallel()

	tier1 := &stubAdapter{name: "KKTIX", tier: 1, records: rec("A")}
	tier2 := &stubAdapter{name: "iNDIEVOX", tier: 2, records: rec("A")}
	o := New([]adapter.Adapter{tier2, tier1}, WithPauser(&recordingPauser{}))
	res, err := o.Run(context.Background(), Params{Tier: TierAll})
	require.NoError(t, err)

	n := catalog.NewNormalizer(nil)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	first := n.Normalize(res.Records[:1], t0)
	second := n.Normalize(res.Records[1:], t0.Add(time.Hour))
	out := catalog.Dedupe(append(second, first...))
	require.Len(t, out, 1)
	require.Equal(t, "KKTIX", out[0].SourceName)
}
