package sink

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/concert-crawler/internal/catalog"
	"github.com/JakeFAU/concert-crawler/internal/publisher/memory"
	memstore "github.com/JakeFAU/concert-crawler/internal/storage/memory"
)

var scraped = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func entry(source, artist, when, venue string, tier int) catalog.Entry {
	return catalog.Entry{
		ID:         catalog.ID(artist, when, venue),
		SourceName: source,
		Artist:     artist,
		EventTime:  when,
		Venue:      venue,
		TicketURL:  "https://example.com/" + artist,
		ScrapedAt:  scraped,
		Tier:       tier,
	}
}

func TestEncodeEntriesKeepsLinksReadable(t *testing.T) {
	t.Parallel()

	e := entry("KKTIX", "A", "2026-05-01", "Zepp", 1)
	e.TicketURL = "https://kktix.com/events?a=1&b=2"
	data, err := EncodeEntries([]catalog.Entry{e})
	require.NoError(t, err)
	assert.Contains(t, string(data), "a=1&b=2")

	empty, err := EncodeEntries(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(string(empty)))
}

func TestSnapshotWriteReplacesAtomically(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out", "concerts.json")
	w := NewSnapshotWriter(path, false, nil)
	ctx := context.Background()

	_, err := w.Write(ctx, []catalog.Entry{entry("KKTIX", "Old", "2026-01-01", "V", 1)})
	require.NoError(t, err)

	fresh := []catalog.Entry{
		entry("KKTIX", "A", "2026-05-01", "Zepp", 1),
		entry("iNDIEVOX", "A", "2026-05-01", "Zepp", 2),
		entry("iNDIEVOX", "B", "2026-06-01", "Legacy", 2),
	}
	snap, err := w.Write(ctx, fresh)
	require.NoError(t, err)
	require.Len(t, snap.Entries, 2)
	assert.Equal(t, "KKTIX", snap.Entries[0].SourceName)

	// #nosec G304 -- test reads from the controlled temp directory.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, snap.Data, data)
	var decoded []catalog.Entry
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "A", decoded[0].Artist)

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestSnapshotMergeKeepsExisting(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "concerts.json")
	ctx := context.Background()

	_, err := NewSnapshotWriter(path, false, nil).Write(ctx, []catalog.Entry{
		entry("iNDIEVOX", "A", "2026-05-01", "Zepp", 2),
		entry("Accupass", "Kept", "2026-07-01", "Hall", 2),
	})
	require.NoError(t, err)

	snap, err := NewSnapshotWriter(path, true, nil).Write(ctx, []catalog.Entry{
		entry("KKTIX", "A", "2026-05-01", "Zepp", 1),
		entry("KKTIX", "New", "2026-08-01", "Dome", 1),
	})
	require.NoError(t, err)
	require.Len(t, snap.Entries, 3)
	assert.Equal(t, "KKTIX", snap.Entries[0].SourceName)
	assert.Equal(t, "Kept", snap.Entries[1].Artist)
	assert.Equal(t, "New", snap.Entries[2].Artist)
}

func TestSnapshotMergeRejectsCorruptFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "concerts.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewSnapshotWriter(path, true, nil).Write(context.Background(), nil)
	require.ErrorContains(t, err, "parse snapshot for merge")

	// #nosec G304 -- test reads from the controlled temp directory.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))
}

func TestSnapshotRequiresPath(t *testing.T) {
	t.Parallel()
	_, err := NewSnapshotWriter("", false, nil).Write(context.Background(), nil)
	require.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{in: "json", want: FormatJSON},
		{in: " Excel ", want: FormatExcel},
		{in: "both", want: FormatBoth},
		{in: "none", want: FormatNone},
		{in: "", want: FormatJSON},
		{in: "csv", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExportWritesBothFormats(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	at := time.Date(2026, 3, 1, 9, 30, 15, 0, time.UTC)
	w := NewExportWriter(ExportConfig{Dir: dir, Format: FormatBoth}, nil)

	entries := []catalog.Entry{
		entry("KKTIX", "A", "2026-05-01", "Zepp", 1),
		entry("拓元 TixCraft", "B", "2026-05-02", "Arena", 1),
		entry("KKTIX", "C", "2026-05-03", "Legacy", 1),
	}
	paths, err := w.Write(context.Background(), entries, at)
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(dir, "concerts_20260301_093015.json"),
		filepath.Join(dir, "concerts_20260301_093015.xlsx"),
	}, paths)

	f, err := excelize.OpenFile(paths[1])
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{"All", "KKTIX", "拓元 TixCraft"}, f.GetSheetList())

	all, err := f.GetRows("All")
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "sourceName", all[0][0])
	assert.Equal(t, "B", all[2][1])

	kktix, err := f.GetRows("KKTIX")
	require.NoError(t, err)
	require.Len(t, kktix, 3)
	assert.Equal(t, "C", kktix[2][1])
}

func TestExportNoneWritesNothing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	paths, err := NewExportWriter(ExportConfig{Dir: dir, Format: FormatNone}, nil).
		Write(context.Background(), []catalog.Entry{entry("KKTIX", "A", "d", "v", 1)}, scraped)
	require.NoError(t, err)
	assert.Empty(t, paths)
	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestExportPrunesOlderWorkbooks(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	old := filepath.Join(dir, "concerts_20250101_000000.xlsx")
	unrelated := filepath.Join(dir, "notes.xlsx")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(unrelated, []byte("x"), 0o600))

	w := NewExportWriter(ExportConfig{Dir: dir, Format: FormatExcel, Prune: true}, nil)
	paths, err := w.Write(context.Background(), []catalog.Entry{entry("KKTIX", "A", "d", "v", 1)}, scraped)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.FileExists(t, paths[0])
	assert.NoFileExists(t, old)
	assert.FileExists(t, unrelated)
}

func TestSheetName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "KKTIX", want: "KKTIX"},
		{in: "a/b:c*d?e[f]g\\h", want: "a_b_c_d_e_f_g_h"},
		{in: "'quoted'", want: "quoted"},
		{in: "", want: "source"},
		{in: strings.Repeat("演", 40), want: strings.Repeat("演", 31)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, SheetName(tt.in))
		})
	}

	used := map[string]struct{}{"all": {}}
	assert.Equal(t, "ALL (2)", uniqueSheetName("ALL", used))
	assert.Equal(t, "KKTIX", uniqueSheetName("KKTIX", used))
	assert.Equal(t, "kktix (2)", uniqueSheetName("kktix", used))
}

func TestExportStamps(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	for _, name := range []string{
		"concerts_20260101_000000.json",
		"concerts_20260101_000000.xlsx",
		"concerts_20260201_000000.json",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("[]"), 0o600))
	}
	stamps, err := ExportStamps(dir, "concerts")
	require.NoError(t, err)
	assert.Equal(t, []string{"20260201_000000", "20260101_000000"}, stamps)
}

func TestArchiverWritesRunObject(t *testing.T) {
	t.Parallel()
	store := memstore.NewBlobStore()
	a := NewArchiver(store, "/snapshots/", nil)

	uri, err := a.Archive(context.Background(), "run-7", []byte("[]"))
	require.NoError(t, err)
	assert.Equal(t, "memory://snapshots/run-7.json", uri)
	body, contentType, ok := store.Get("snapshots/run-7.json")
	require.True(t, ok)
	assert.Equal(t, "[]", string(body))
	assert.Equal(t, "application/json", contentType)

	_, err = a.Archive(context.Background(), "", nil)
	require.Error(t, err)
}

func TestNotifierPublishesSummary(t *testing.T) {
	t.Parallel()
	pub := memory.New()
	n := NewNotifier(pub, "crawl-runs", nil)

	id, err := n.Notify(context.Background(), RunSummary{RunID: "run-1", Tier: "all", Entries: 4})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id)
	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "crawl-runs", msgs[0].Topic)
	assert.Contains(t, string(msgs[0].Data), `"runId":"run-1"`)

	pub.Err = errors.New("broker down")
	_, err = n.Notify(context.Background(), RunSummary{RunID: "run-2"})
	require.ErrorContains(t, err, "broker down")
}
