package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/concert-crawler/internal/catalog"
)

type staticLoader []catalog.Entry

func (l staticLoader) Load(context.Context) []catalog.Entry {
	out := make([]catalog.Entry, len(l))
	copy(out, l)
	return out
}

type panicCatalog struct{ Catalog }

func (panicCatalog) Artists(context.Context) []string { panic("boom") }

func testEntries() []catalog.Entry {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mk := func(source, artist, when, venue string) catalog.Entry {
		return catalog.Entry{
			ID: catalog.ID(artist, when, venue), SourceName: source, Artist: artist,
			EventTime: when, Venue: venue, TicketURL: "https://example.com", ScrapedAt: at, Tier: 1,
		}
	}
	return []catalog.Entry{
		mk("KKTIX", "五月天", "2026-02-15", "台北小巨蛋"),
		mk("KKTIX", "五月天", "2026-04-01", "高雄巨蛋"),
		mk("iNDIEVOX", "Coldplay", "2026-03-20", "台北南港展覽館"),
		mk("Accupass", catalog.UnknownArtist, catalog.Unknown, catalog.Unknown),
	}
}

func newTestServer(opts ...Option) *Server {
	return NewServer(catalog.NewService(staticLoader(testEntries())), zap.NewNop(), opts...)
}

func doGet(t *testing.T, s *Server, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthAndReady(t *testing.T) {
	t.Parallel()
	s := newTestServer()

	rec := doGet(t, s, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = doGet(t, s, "/readyz", "X-Request-ID", "req-1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))

	rec = doGet(t, NewServer(nil, nil), "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	s := newTestServer()
	_ = doGet(t, s, "/healthz")

	rec := doGet(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestListConcertsFilters(t *testing.T) {
	t.Parallel()
	s := newTestServer()

	tests := []struct {
		name   string
		target string
		want   int
		total  int
	}{
		{name: "all", target: "/v1/concerts", want: 4, total: 4},
		{name: "query matches venue", target: "/v1/concerts?q=%E5%8F%B0%E5%8C%97", want: 2, total: 2},
		{name: "artist case-insensitive", target: "/v1/concerts?artist=coldPLAY", want: 1, total: 1},
		{name: "venue", target: "/v1/concerts?venue=%E9%AB%98%E9%9B%84", want: 1, total: 1},
		{name: "limit", target: "/v1/concerts?limit=2", want: 2, total: 4},
		{name: "offset past end", target: "/v1/concerts?offset=10", want: 0, total: 4},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := doGet(t, s, tt.target)
			require.Equal(t, http.StatusOK, rec.Code)
			body := decode[concertList](t, rec)
			assert.Len(t, body.Concerts, tt.want)
			assert.Equal(t, tt.want, body.Count)
			assert.Equal(t, tt.total, body.Total)
		})
	}
}

func TestListConcertsRejectsBadPaging(t *testing.T) {
	t.Parallel()
	s := newTestServer()
	for _, target := range []string{"/v1/concerts?limit=0", "/v1/concerts?limit=x", "/v1/concerts?offset=-1"} {
		rec := doGet(t, s, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestGetConcert(t *testing.T) {
	t.Parallel()
	s := newTestServer()
	want := testEntries()[2]

	rec := doGet(t, s, "/v1/concerts/"+want.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[catalog.Entry](t, rec)
	assert.Equal(t, want.Artist, got.Artist)

	rec = doGet(t, s, "/v1/concerts/99999999")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestArtistsExcludeUnknown(t *testing.T) {
	t.Parallel()
	rec := doGet(t, newTestServer(), "/v1/artists")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Artists []string `json:"artists"`
		Count   int      `json:"count"`
	}](t, rec)
	assert.Equal(t, []string{"Coldplay", "五月天"}, body.Artists)
	assert.Equal(t, 2, body.Count)
}

func TestGroupByArtistAndByArtist(t *testing.T) {
	t.Parallel()
	s := newTestServer()

	rec := doGet(t, s, "/v1/concerts/by-artist")
	require.Equal(t, http.StatusOK, rec.Code)
	groups := decode[struct {
		Artists []catalog.ArtistGroup `json:"artists"`
	}](t, rec).Artists
	require.Len(t, groups, 3)

	rec = doGet(t, s, "/v1/concerts/by-artist/%E4%BA%94%E6%9C%88%E5%A4%A9")
	require.Equal(t, http.StatusOK, rec.Code)
	group := decode[catalog.ArtistGroup](t, rec)
	require.Equal(t, 2, group.Count)
	assert.Equal(t, "2026-04-01", group.Entries[0].EventTime)
	assert.Equal(t, "2026-02-15", group.Entries[1].EventTime)

	rec = doGet(t, s, "/v1/concerts/by-artist/nobody")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[catalog.ArtistGroup](t, rec).Count)
}

func TestAPIKeyGuardsV1(t *testing.T) {
	t.Parallel()
	s := newTestServer(WithAPIKey("secret"))

	assert.Equal(t, http.StatusForbidden, doGet(t, s, "/v1/artists").Code)
	assert.Equal(t, http.StatusOK, doGet(t, s, "/v1/artists", "X-API-Key", "secret").Code)
	assert.Equal(t, http.StatusOK, doGet(t, s, "/v1/artists?api_key=secret").Code)
	assert.Equal(t, http.StatusOK, doGet(t, s, "/healthz").Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()
	s := NewServer(panicCatalog{}, nil)
	rec := doGet(t, s, "/v1/artists")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected hijacker not supported, got %v", err)
	}

	hijackable := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: hijackable}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, hijackable.CloseClient())
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
