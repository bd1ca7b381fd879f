package version

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"0.1.0", "0.1.0", 0},
		{"0.1.0", "v0.2.0", -1},
		{"1.10.0", "1.9.3", 1},
		{"1.0.0-beta", "1.0.0", 0},
		{"1.2", "1.2.1", -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, compareVersions(tt.a, tt.b), "%s vs %s", tt.a, tt.b)
	}
}

func TestChecker_Latest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "dap-orchestrator/"+Version, r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`{"tag_name": "v9.0.0", "html_url": "https://example.com/r"}`))
	}))
	defer srv.Close()

	c := NewChecker()
	c.url = srv.URL

	rel, err := c.Latest(context.Background())
	require.NoError(t, err)
	assert.True(t, rel.UpdateAvailable)
	assert.Equal(t, "9.0.0", rel.LatestVersion)
	assert.Contains(t, rel.Message(), "v9.0.0")
}

func TestChecker_Latest_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewChecker()
	c.url = srv.URL

	_, err := c.Latest(context.Background())
	assert.ErrorContains(t, err, "status 404")
}
