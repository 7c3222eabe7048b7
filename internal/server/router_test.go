package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/autologout/internal/artifact"
	"github.com/loykin/autologout/internal/orchestrator"
	"github.com/loykin/autologout/internal/service"
	"github.com/loykin/autologout/internal/store"
)

// units is an in-memory service.Controller.
type units struct {
	mu       sync.Mutex
	active   map[string]bool
	failStop error
}

func (u *units) Register(context.Context, string) error { return nil }
func (u *units) Enable(context.Context, string) error   { return nil }
func (u *units) Disable(context.Context, string) error  { return nil }

func (u *units) Start(_ context.Context, name string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.active[name] = true
	return nil
}

func (u *units) Stop(_ context.Context, name string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.failStop != nil {
		return u.failStop
	}
	delete(u.active, name)
	return nil
}

func (u *units) Restart(ctx context.Context, name string) error { return u.Start(ctx, name) }

func (u *units) Status(_ context.Context, name string) service.Status {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.active[name] {
		return service.StatusActive
	}
	return service.StatusInactive
}

func (u *units) Logs(_ context.Context, name string, n int) ([]string, error) {
	out := make([]string, 0, n)
	for i := 0; i < n && i < 3; i++ {
		out = append(out, name+" line")
	}
	return out, nil
}

func setupRouter(t *testing.T, base string) (http.Handler, *units) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	u := &units{active: map[string]bool{}}
	o, err := orchestrator.New(orchestrator.Options{
		Store: store.New(filepath.Join(dir, "watchers.json")),
		Generator: artifact.NewGenerator(artifact.Settings{
			InstallDir: filepath.Join(dir, "lib"),
			UnitDir:    filepath.Join(dir, "units"),
		}),
		Controller: u,
	})
	require.NoError(t, err)
	return NewRouter(o, base, nil).Handler(), u
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func demoBody() map[string]any {
	return map[string]any{
		"name":              "demo",
		"base_url":          "https://dialer.example.com/vicidial",
		"credentials":       map[string]string{"username": "admin", "password": "secret"},
		"target_session_id": "8001",
	}
}

func TestCreateGetListDelete(t *testing.T) {
	h, u := setupRouter(t, "/api")

	rec := doReq(t, h, http.MethodPost, "/api/watchers", demoBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "secret")
	created := decode[orchestrator.Entry](t, rec)
	assert.Equal(t, "demo", created.Config.Name)
	assert.Equal(t, 90, created.Config.TimeThresholdSeconds)
	assert.Equal(t, service.StatusActive, created.Status)
	assert.True(t, u.active["demo"])

	rec = doReq(t, h, http.MethodGet, "/api/watchers/demo", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")

	rec = doReq(t, h, http.MethodGet, "/api/watchers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]orchestrator.Entry](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "********", list[0].Config.Credentials.Password)

	rec = doReq(t, h, http.MethodDelete, "/api/watchers/demo", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doReq(t, h, http.MethodGet, "/api/watchers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestCreateErrors(t *testing.T) {
	h, _ := setupRouter(t, "")

	rec := doReq(t, h, http.MethodPost, "/watchers", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "decode", decode[errorResp](t, rec).Step)

	bad := demoBody()
	bad["base_url"] = "ftp://x"
	rec = doReq(t, h, http.MethodPost, "/watchers", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	e := decode[errorResp](t, rec)
	assert.Equal(t, "validation", e.Error)
	assert.Equal(t, "validate", e.Step)
	assert.Contains(t, e.Detail, "base_url")

	require.Equal(t, http.StatusCreated, doReq(t, h, http.MethodPost, "/watchers", demoBody()).Code)
	rec = doReq(t, h, http.MethodPost, "/watchers", demoBody())
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decode[errorResp](t, rec).Error)
}

func TestNotFound(t *testing.T) {
	h, _ := setupRouter(t, "/api")
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/watchers/ghost"},
		{http.MethodDelete, "/api/watchers/ghost"},
		{http.MethodGet, "/api/watchers/ghost/logs"},
	} {
		rec := doReq(t, h, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, tc.path)
		assert.Equal(t, "not_found", decode[errorResp](t, rec).Error)
	}
	rec := doReq(t, h, http.MethodPatch, "/api/watchers/ghost", map[string]any{"description": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = doReq(t, h, http.MethodPost, "/api/watchers/ghost/action", actionReq{Action: "start"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdate(t *testing.T) {
	h, _ := setupRouter(t, "/api")
	require.Equal(t, http.StatusCreated, doReq(t, h, http.MethodPost, "/api/watchers", demoBody()).Code)

	rec := doReq(t, h, http.MethodPatch, "/api/watchers/demo", map[string]any{"time_threshold_seconds": 120})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 120, decode[orchestrator.Entry](t, rec).Config.TimeThresholdSeconds)

	rec = doReq(t, h, http.MethodPut, "/api/watchers/demo", map[string]any{"credentials": map[string]string{"password": "new"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "new\"")

	rec = doReq(t, h, http.MethodPatch, "/api/watchers/demo", map[string]any{"name": "other"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodPatch, "/api/watchers/demo", map[string]any{"check_interval_seconds": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestActions(t *testing.T) {
	h, u := setupRouter(t, "/api")
	require.Equal(t, http.StatusCreated, doReq(t, h, http.MethodPost, "/api/watchers", demoBody()).Code)

	rec := doReq(t, h, http.MethodPost, "/api/watchers/demo/action", actionReq{Action: "stop"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, actionResp{Name: "demo", Action: "stop", Status: service.StatusInactive}, decode[actionResp](t, rec))

	rec = doReq(t, h, http.MethodPost, "/api/watchers/demo/action", actionReq{Action: "START"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, service.StatusActive, decode[actionResp](t, rec).Status)

	rec = doReq(t, h, http.MethodPost, "/api/watchers/demo/action", actionReq{Action: "status"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, service.StatusActive, decode[actionResp](t, rec).Status)

	rec = doReq(t, h, http.MethodPost, "/api/watchers/demo/action", actionReq{Action: "explode"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/api/watchers/demo/action", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	u.failStop = errors.New("unit busy")
	rec = doReq(t, h, http.MethodPost, "/api/watchers/demo/action", actionReq{Action: "stop"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	e := decode[errorResp](t, rec)
	assert.Equal(t, "service_manager", e.Error)
	assert.Equal(t, "stop", e.Step)
	assert.Equal(t, "unit busy", e.Detail)
}

func TestLogs(t *testing.T) {
	h, _ := setupRouter(t, "/api")
	require.Equal(t, http.StatusCreated, doReq(t, h, http.MethodPost, "/api/watchers", demoBody()).Code)

	rec := doReq(t, h, http.MethodGet, "/api/watchers/demo/logs?lines=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[logsResp](t, rec)
	assert.Equal(t, "demo", got.Name)
	assert.Len(t, got.Lines, 2)

	rec = doReq(t, h, http.MethodGet, "/api/watchers/demo/logs?lines=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBasePathAndHealth(t *testing.T) {
	h, _ := setupRouter(t, "v1/")
	assert.Equal(t, http.StatusOK, doReq(t, h, http.MethodGet, "/v1/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, doReq(t, h, http.MethodGet, "/v1/watchers", nil).Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/watchers", nil).Code)
}

func TestStatusCode(t *testing.T) {
	cases := map[orchestrator.Kind]int{
		orchestrator.KindValidation:     http.StatusBadRequest,
		orchestrator.KindNotFound:       http.StatusNotFound,
		orchestrator.KindConflict:       http.StatusConflict,
		orchestrator.KindIO:             http.StatusInternalServerError,
		orchestrator.KindServiceManager: http.StatusBadGateway,
	}
	for k, want := range cases {
		err := &orchestrator.Error{Kind: k, Step: "x", Err: errors.New("boom")}
		assert.Equal(t, want, statusCode(err), k)
	}
	assert.Equal(t, http.StatusInternalServerError, statusCode(errors.New("plain")))
}
