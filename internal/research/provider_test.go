package research

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/minutegraph/internal/failure"
)

func TestQueryNormalize(t *testing.T) {
	q := Query{Topic: "  Acme  ", Entities: []string{"A", " ", "B", "C", "D", "E", "F"}}.Normalize()
	assert.Equal(t, "Acme", q.Topic)
	assert.Equal(t, []string{"A", "B", "C", "D", "E"}, q.Entities)
	assert.Equal(t, "Acme A B C D E", q.SearchText())
}

func TestExaResearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))

		var req exaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "robotics Acme", req.Query)

		_, _ = w.Write([]byte(`{"results":[{"title":"Acme raises","url":"https://x.test/a","publishedDate":"2026-01-02","text":"Acme raised\n$20M"}]}`))
	}))
	defer srv.Close()

	c, err := NewExaClient("secret", srv.URL)
	require.NoError(t, err)

	out, err := c.Research(context.Background(), Query{Topic: "robotics", Entities: []string{"Acme"}})
	require.NoError(t, err)
	assert.Contains(t, out, "[Acme raises](https://x.test/a) (2026-01-02)")
	assert.Contains(t, out, "Acme raised $20M")
}

func TestExaEmptyResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	c, err := NewExaClient("k", srv.URL)
	require.NoError(t, err)
	_, err = c.Research(context.Background(), Query{Topic: "nothing"})
	assert.Error(t, err)
}

func TestTavilyResearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tv", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"answer":"Acme leads warehouse robotics.","results":[{"title":"Report","url":"https://x.test/r","content":"details"}]}`))
	}))
	defer srv.Close()

	c, err := NewTavilyClient("tv", srv.URL)
	require.NoError(t, err)

	out, err := c.Research(context.Background(), Query{Topic: "Acme"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "Acme leads warehouse robotics."))
	assert.Contains(t, out, "- [Report](https://x.test/r): details")
}

func TestStatusErrorsArePermanentOnlyForClientErrors(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusUnauthorized, true},
		{http.StatusBadRequest, true},
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			c, err := NewTavilyClient("tv", srv.URL)
			require.NoError(t, err)
			_, err = c.Research(context.Background(), Query{Topic: "x"})
			require.Error(t, err)
			assert.Equal(t, tt.permanent, failure.Permanent(err))
		})
	}
}

func TestPerplexityResearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		assert.Equal(t, "Bearer px", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","created":1,"model":"sonar-pro","choices":[{"index":0,"message":{"role":"assistant","content":"Acme was founded in 2019."},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
	}))
	defer srv.Close()

	c, err := NewPerplexityClient("px", "sonar-pro", srv.URL)
	require.NoError(t, err)

	out, err := c.Research(context.Background(), Query{Topic: "Acme", Context: "brief"})
	require.NoError(t, err)
	assert.Equal(t, "Acme was founded in 2019.", out)
}

func TestConstructorsRequireKeys(t *testing.T) {
	_, err := NewExaClient("", "")
	assert.Error(t, err)
	_, err = NewTavilyClient("", "")
	assert.Error(t, err)
	_, err = NewPerplexityClient("", "sonar", "")
	assert.Error(t, err)
}
