package chapterlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsAuthAndDecodesResponses(t *testing.T) {
	var gotKey, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v0/runs":
			var body RunRequest
			_ = json.NewDecoder(r.Body).Decode(&body)
			_ = json.NewEncoder(w).Encode(BatchResult{Mode: "manual", Processed: 1, Generated: 1,
				Results: []TemplateResult{{TemplateID: body.TemplateID, Outcome: "generated", ChapterID: "c1"}}})
		case "/v0/chapters":
			gotQuery = r.URL.RawQuery
			_, _ = w.Write([]byte(`{"items":[{"id":"c1","status":"ready","output":{"title":"Week"}}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "cl_secret"
	res, err := c.RunManual(context.Background(), RunRequest{TemplateID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "cl_secret", gotKey)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "t1", res.Results[0].TemplateID)

	items, err := c.ListChapters(context.Background(), ChapterQuery{Status: "ready", Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, "limit=5&status=ready", gotQuery)
	require.Len(t, items, 1)
	assert.JSONEq(t, `{"title":"Week"}`, string(items[0].Output))
}

func TestClientParsesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":"forbidden","message":"scheduler role required"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	_, err := c.RunScheduled(context.Background(), 0)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "forbidden", apiErr.Code)
}
