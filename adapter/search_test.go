package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSearchClientParsesResponse(t *testing.T) {
	var gotReq searchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"answer": "Edge caching keeps content close to readers.",
			"results": []map[string]interface{}{
				{
					"title":          "Edge caching explained",
					"url":            "https://example.com/edge",
					"content":        "CDNs cache at the edge.",
					"score":          0.93,
					"published_date": "2025-11-02",
					"author":         "R. Okafor",
				},
				{"title": "Cache basics", "url": "https://example.com/basics", "content": "c"},
			},
		})
	}))
	defer srv.Close()

	client := NewHTTPSearchClient(srv.URL, "key", WithSearchHTTPClient(srv.Client()))
	out, err := client.Search(context.Background(), "edge caching", 5)
	require.NoError(t, err)

	assert.True(t, gotReq.IncludeAnswer)
	assert.Equal(t, 5, gotReq.MaxResults)
	assert.Equal(t, "Edge caching keeps content close to readers.", out.Answer)
	require.Len(t, out.Results, 2)
	assert.Equal(t, "Edge caching explained", out.Results[0].Title)
	assert.Equal(t, "2025-11-02", out.Results[0].PublishedDate)
	assert.Equal(t, "R. Okafor", out.Results[0].Author)
	// Optional fields stay empty when the provider omits them.
	assert.Empty(t, out.Results[1].PublishedDate)
	assert.Empty(t, out.Results[1].Author)
}

func TestHTTPSearchClientSingleAttempt(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewHTTPSearchClient(srv.URL, "key", WithSearchHTTPClient(srv.Client()))
	_, err := client.Search(context.Background(), "observability", 5)
	require.Error(t, err)
	// One provider call per Search invocation; the error bubbles classified.
	assert.Equal(t, 1, attempts)
	assert.True(t, IsTransient(err))
}

func TestHTTPSearchClientFatalClassification(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewHTTPSearchClient(srv.URL, "key", WithSearchHTTPClient(srv.Client()))
	_, err := client.Search(context.Background(), "q", 5)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.False(t, IsTransient(err))
}
