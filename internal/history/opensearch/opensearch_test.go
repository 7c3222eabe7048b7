package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/autologout/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var (
		gotMethod string
		gotPath   string
		gotBody   []byte
		gotUser   string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotUser, _, _ = r.BasicAuth()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"_id":"1","result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL+"/", "watcher-history").WithBasicAuth("admin", "pw")
	e := history.NewEvent(history.EventLogout, "demo")
	e.Agent = "1001"
	e.ElapsedSeconds = 95
	require.NoError(t, sink.Send(context.Background(), e))

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/watcher-history/_doc", gotPath)
	assert.Equal(t, "admin", gotUser)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &doc))
	assert.Equal(t, "logout", doc["type"])
	assert.Equal(t, "demo", doc["watcher"])
	assert.Equal(t, "1001", doc["agent"])
	assert.EqualValues(t, 95, doc["elapsed_seconds"])
}

func TestOpenSearchSink_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	err := New(server.URL, "idx").Send(context.Background(), history.NewEvent(history.EventCreated, "demo"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestOpenSearchSink_Unreachable(t *testing.T) {
	err := New("http://127.0.0.1:1", "idx").Send(context.Background(), history.NewEvent(history.EventCreated, "demo"))
	assert.Error(t, err)
}
