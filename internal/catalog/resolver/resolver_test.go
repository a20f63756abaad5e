package resolver

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/concert-crawler/internal/catalog"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const oneEntry = `[{"sourceName":"KKTIX","artist":"Mayday","eventTime":"2026-02-15","venue":"Taipei Arena","ticketUrl":"https://kktix.com/events/a"}]`

func TestResolverPrimaryWins(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	primary := writeFile(t, dir, "concerts.json", oneEntry)

	r := New(nil, SnapshotProvider{Path: primary, AcceptEmpty: true})
	res := r.Resolve(context.Background())
	require.Equal(t, primary, res.Source)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, catalog.ID("Mayday", "2026-02-15", "Taipei Arena"), res.Entries[0].ID)
}

func TestResolverAcceptsEmptyPrimary(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	primary := writeFile(t, dir, "concerts.json", `[]`)
	secondary := writeFile(t, dir, "state.json", oneEntry)

	r := New(nil,
		SnapshotProvider{Path: primary, AcceptEmpty: true},
		SnapshotProvider{Path: secondary},
	)
	res := r.Resolve(context.Background())
	require.Equal(t, primary, res.Source)
	require.Empty(t, res.Entries)
	require.NotNil(t, res.Entries)
}

func TestResolverSkipsCookieStateFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	primary := writeFile(t, dir, "concerts.json", `{"cookie": "abc"}`)
	secondary := writeFile(t, dir, "kktix_state.json", `{"cookies": [{"name": "sid"}], "origins": []}`)
	exportDir := filepath.Join(dir, "exports")
	require.NoError(t, os.MkdirAll(exportDir, 0o755))
	writeFile(t, exportDir, "concerts_20260101_000000.json", `{"data": `+oneEntry+`}`)

	r := New(nil,
		SnapshotProvider{Path: primary, AcceptEmpty: true},
		SnapshotProvider{Path: secondary},
		LatestExportProvider{Dir: exportDir, Patterns: []string{"concerts_*.json"}},
	)
	res := r.Resolve(context.Background())
	require.Equal(t, "latest-export", res.Source)
	require.Len(t, res.Entries, 1)
}

func TestResolverSecondaryUnderConcertsKey(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	secondary := writeFile(t, dir, "kktix_state.json", `{"concerts": `+oneEntry+`}`)

	r := New(nil,
		SnapshotProvider{Path: filepath.Join(dir, "missing.json"), AcceptEmpty: true},
		SnapshotProvider{Label: "secondary", Path: secondary},
	)
	res := r.Resolve(context.Background())
	require.Equal(t, "secondary", res.Source)
	require.Len(t, res.Entries, 1)
}

func TestLatestExportPicksNewestAcrossPatterns(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "concerts_20250101_000000.json", `[{"artist":"Old","eventTime":"d","venue":"v"}]`)
	writeFile(t, dir, "演唱會資訊彙整_20260301_120000.json", `[{"演出藝人":"Legacy","演出時間":"d","演出地點":"v"}]`)
	writeFile(t, dir, "concerts_20260401_000000.json", `not json`)

	p := LatestExportProvider{Dir: dir, Patterns: []string{"concerts_*.json", "演唱會資訊彙整_*.json"}}
	entries, ok, err := p.Provide(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, entries, 1)
	require.Equal(t, "Legacy", entries[0].Artist)
}

func TestResolverFallsBackToSeed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r := New(nil,
		SnapshotProvider{Path: writeFile(t, dir, "bad.json", `{"cookie": "abc"}`), AcceptEmpty: true},
		LatestExportProvider{Dir: dir, Patterns: []string{"concerts_*.json"}},
	)
	res := r.Resolve(context.Background())
	require.Equal(t, "seed", res.Source)
	require.Len(t, res.Entries, 2)
	for _, e := range res.Entries {
		require.NotEmpty(t, e.ID)
	}
	require.Len(t, r.Load(context.Background()), 2)
}

func TestParseShapes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		wantLen int
		wantErr bool
	}{
		{name: "list", body: oneEntry, wantLen: 1},
		{name: "data key", body: `{"data": []}`, wantLen: 0},
		{name: "concerts key", body: `{"concerts": ` + oneEntry + `}`, wantLen: 1},
		{name: "object without key", body: `{"cookie": "abc"}`, wantErr: true},
		{name: "key not a list", body: `{"data": {"a": 1}}`, wantErr: true},
		{name: "list of strings", body: `["a", "b"]`, wantErr: true},
		{name: "truncated", body: `[{"artist": "A"`, wantErr: true},
		{name: "empty", body: ``, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			entries, err := Parse([]byte(tt.body))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Len(t, entries, tt.wantLen)
		})
	}
}

func TestResolverKeepsStoredIDs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	primary := writeFile(t, dir, "concerts.json",
		`[{"id":"12345678","sourceName":"KKTIX","artist":"Mayday","eventTime":"2026-02-15","venue":"Taipei Arena"}]`)

	r := New(nil, SnapshotProvider{Path: primary, AcceptEmpty: true})
	svc := catalog.NewService(r)
	e, err := svc.Get(context.Background(), "12345678")
	require.NoError(t, err)
	assert.Equal(t, "Mayday", e.Artist)
}
