package cmd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darmiel/cirrus/internal/logging"
	"github.com/darmiel/cirrus/internal/tasks"
)

func TestReadData(t *testing.T) {
	tests := []struct {
		name  string
		arg   string
		stdin string
		want  any
	}{
		{"empty", "", "", nil},
		{"string", `"hi"`, "", "hi"},
		{"big integer stays exact", `{"n": 9007199254740993}`, "", map[string]any{"n": int64(9007199254740993)}},
		{"float", `[1.5, 2]`, "", []any{1.5, int64(2)}},
		{"stdin", "-", `{"text":"from stdin"}`, map[string]any{"text": "from stdin"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readData(tt.arg, strings.NewReader(tt.stdin))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := readData("{", strings.NewReader(""))
	assert.ErrorContains(t, err, "parsing call data")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcdefgh", 5))
	assert.Equal(t, "ab", truncate("abcdefgh", 2))
}

func TestWatchRoutes(t *testing.T) {
	mgr := tasks.NewManager(context.Background())
	t.Cleanup(mgr.Stop)
	require.NoError(t, mgr.Register("noop", 0, func(context.Context, logging.InternalLogger) error { return nil }))

	srv := httptest.NewServer(watchRoutes(prometheus.NewRegistry(), mgr))
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/tasks/noop/trigger", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/tasks/missing/logs")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
