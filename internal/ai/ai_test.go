package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCandidates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		text    string
		want    int
		artists []string
	}{
		{name: "plain array", text: `[{"artist":"Mayday","date":"2026-02-15","venue":"Arena","url":"https://x"}]`, want: 1, artists: []string{"Mayday"}},
		{name: "json fence", text: "```json\n[{\"artist\":\"A\"},{\"title\":\"B\"}]\n```", want: 2, artists: []string{"A", "B"}},
		{name: "bare fence with prose", text: "Here you go:\n```\n[{\"name\":\"C\"}]\n```\nthanks", want: 1, artists: []string{"C"}},
		{name: "empty array", text: `[]`, want: 0},
		{name: "empty string", text: ``, want: 0},
		{name: "object not array", text: `{"artist":"A"}`, want: 0},
		{name: "truncated json", text: `[{"artist":"A","date":`, want: 0},
		{name: "invalid", text: `not json at all`, want: 0},
		{name: "items without artist dropped", text: `[{"date":"d"},{"artist":"  "},{"artist":"Z"},"str",42]`, want: 1, artists: []string{"Z"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ParseCandidates(tt.text, "KKTIX")
			require.Len(t, got, tt.want)
			for i, a := range tt.artists {
				assert.Equal(t, a, got[i].Artist)
				assert.Equal(t, "KKTIX", got[i].SourceName)
			}
		})
	}
}

func TestParseCandidatesAlternateKeys(t *testing.T) {
	t.Parallel()

	got := ParseCandidates(`[{"title":"T","time":"2026-01-01 19:30","location":"Legacy Taipei","link":"/e/1","price":1800}]`, "iNDIEVOX")
	require.Len(t, got, 1)
	assert.Equal(t, "2026-01-01 19:30", got[0].Date)
	assert.Equal(t, "Legacy Taipei", got[0].Venue)
	assert.Equal(t, "/e/1", got[0].URL)
	assert.Equal(t, "1800", got[0].Price)
}

func TestTruncateKeepsRunes(t *testing.T) {
	t.Parallel()

	s := strings.Repeat("演唱會", 10)
	for limit := 0; limit <= len(s)+1; limit++ {
		out := Truncate(s, limit)
		require.True(t, utf8.ValidString(out), "limit %d", limit)
		if limit > 0 {
			require.LessOrEqual(t, len(out), limit)
		}
	}
	require.Equal(t, "abc", Truncate("abc", 10))
}

type recordingCompleter struct {
	prompt string
	reply  string
	err    error
}

func (r *recordingCompleter) Complete(_ context.Context, prompt string) (string, error) {
	r.prompt = prompt
	return r.reply, r.err
}

func TestExtractorTruncatesAndParses(t *testing.T) {
	t.Parallel()

	rc := &recordingCompleter{reply: "```json\n[{\"artist\":\"A\"}]\n```"}
	e := NewExtractor(rc, 64, 0, nil)
	require.True(t, e.Available())

	markup := "<html>" + strings.Repeat("x", 500) + "</html>"
	recs, err := e.Extract(context.Background(), markup, "Accupass")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Contains(t, rc.prompt, "Accupass")
	require.NotContains(t, rc.prompt, "</html>", "markup must be truncated")
}

func TestExtractorDegrades(t *testing.T) {
	t.Parallel()

	e := NewExtractor(nil, 0, 0, nil)
	require.False(t, e.Available())
	recs, err := e.Extract(context.Background(), "<html></html>", "x")
	require.ErrorIs(t, err, ErrUnavailable)
	require.Empty(t, recs)

	bad := NewExtractor(&recordingCompleter{reply: `{"oops": true}`}, 0, 0, nil)
	recs, err = bad.Extract(context.Background(), "<html></html>", "x")
	require.NoError(t, err)
	require.Empty(t, recs)

	failing := NewExtractor(&recordingCompleter{err: errors.New("quota")}, 0, 0, nil)
	_, err = failing.Extract(context.Background(), "<html></html>", "x")
	require.Error(t, err)

	recs, err = failing.Extract(context.Background(), "   ", "x")
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestAnthropicComplete(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/v1/messages"), r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "test-model", body["model"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "test-model",
			"content": [{"type": "text", "text": "[{\"artist\":\"Mayday\"}]"}],
			"stop_reason": "end_turn", "usage": {"input_tokens": 10, "output_tokens": 5}
		}`))
	}))
	defer srv.Close()

	a, err := NewAnthropic("key", "test-model", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	require.NoError(t, err)
	text, err := a.Complete(context.Background(), "prompt")
	require.NoError(t, err)
	require.Len(t, ParseCandidates(text, "KKTIX"), 1)
}

func TestBackendConstructorsRequireKey(t *testing.T) {
	t.Parallel()

	_, err := NewAnthropic("", "")
	require.Error(t, err)
	_, err = NewGemini(context.Background(), "", "")
	require.Error(t, err)
}
