package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebFetchTool_ExtractsVisibleText(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>T</title><script>var x=1;</script></head>
			<body><h1>Go Proverbs</h1><p>Clear is better   than clever.</p></body></html>`))
	}))
	defer page.Close()

	tool := NewWebFetchTool(0)
	out, err := tool.Execute(context.Background(), map[string]any{"url": page.URL})
	require.NoError(t, err)

	result, ok := out.(map[string]any)
	require.True(t, ok)
	content, _ := result["content"].(string)
	assert.Contains(t, content, "Go Proverbs")
	assert.Contains(t, content, "Clear is better than clever.")
	assert.NotContains(t, content, "var x=1")
}

func TestWebFetchTool_RequiresURL(t *testing.T) {
	tool := NewWebFetchTool(0)

	_, err := tool.Execute(context.Background(), map[string]any{})
	require.Error(t, err)
}

func TestWebSearchTool_ParsesResults(t *testing.T) {
	searx := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "go concurrency", r.URL.Query().Get("q"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[
			{"title":"Share Memory By Communicating","url":"https://go.dev/blog/codelab-share","content":"blog post"},
			{"title":"Effective Go","url":"https://go.dev/doc/effective_go","content":"reference"}
		]}`))
	}))
	defer searx.Close()

	tool := NewWebSearchTool(searx.URL)
	out, err := tool.Execute(context.Background(), map[string]any{"query": "go concurrency"})
	require.NoError(t, err)

	result, ok := out.(map[string]any)
	require.True(t, ok)
	results, ok := result["results"].([]SearchResult)
	require.True(t, ok)
	require.Len(t, results, 2)
	assert.Equal(t, "Effective Go", results[1].Title)
}

func TestWebSearchTool_RequiresQuery(t *testing.T) {
	tool := NewWebSearchTool("http://localhost:1")

	_, err := tool.Execute(context.Background(), map[string]any{})
	require.Error(t, err)
}
