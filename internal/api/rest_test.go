package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/devghori1264/aerophoenix/cnapi/internal/bootparams"
	"github.com/devghori1264/aerophoenix/cnapi/internal/models"
	"github.com/devghori1264/aerophoenix/cnapi/internal/server"
	"github.com/devghori1264/aerophoenix/cnapi/internal/storage"
	"github.com/devghori1264/aerophoenix/cnapi/internal/ur"
	"github.com/devghori1264/aerophoenix/cnapi/internal/workflow"
	"go.uber.org/zap"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubUr struct{}

func (stubUr) Execute(context.Context, string, ur.Script) (*ur.Result, error) {
	return &ur.Result{Stdout: "done"}, nil
}

func (stubUr) Sysinfo(_ context.Context, id string) (models.Sysinfo, error) {
	return models.Sysinfo{"UUID": id}, nil
}

type testAPI struct {
	ts     *httptest.Server
	store  storage.Store
	runner *workflow.Runner
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store, err := storage.NewBadgerStore("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	log := zap.NewNop()
	srv := server.New(store, stubUr{}, log, server.Options{
		Datacenter: "coal",
		CNAPIURL:   "http://10.99.99.18",
		AssetsURL:  "http://10.99.99.8",
		BootExtras: bootparams.Extras{Rabbitmq: "guest:guest:localhost:5672"},
	})
	runner := workflow.NewRunner(store, log, time.Millisecond)
	runner.Register(workflow.SetupWorkflow(stubUr{}, srv, log))
	runner.Register(workflow.RebootWorkflow(stubUr{}, log))
	srv.SetJobRunner(runner)

	ts := httptest.NewServer(NewHTTPHandler(srv, log))
	t.Cleanup(ts.Close)

	ctx := context.Background()
	for _, s := range []*models.Server{
		{UUID: "b", Hostname: "cn-b", Setup: true, BootPlatform: "20240101T000000Z"},
		{UUID: "a", Hostname: "cn-a", Setup: true},
		{UUID: "c", Hostname: "cn-c"},
	} {
		require.NoError(t, store.PutServer(ctx, s, storage.PutOptions{}))
	}
	return &testAPI{ts: ts, store: store, runner: runner}
}

func (a *testAPI) do(t *testing.T, method, path, body string, header ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, a.ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestPing(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)

	resp := a.do(t, http.MethodGet, "/ping", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decodeBody[map[string]any](t, resp)["ready"])
}

func TestListServers(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"all", "", []string{"a", "b", "c"}},
		{"setup", "?setup=true", []string{"a", "b"}},
		{"not setup", "?setup=false", []string{"c"}},
		{"uuids", "?uuids=c,a,zzz", []string{"a", "c"}},
		{"desc", "?sort=desc", []string{"c", "b", "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := a.do(t, http.MethodGet, "/servers"+tt.query, "")
			require.Equal(t, http.StatusOK, resp.StatusCode)
			var ids []string
			for _, s := range decodeBody[[]models.Server](t, resp) {
				ids = append(ids, s.UUID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	resp := a.do(t, http.MethodGet, "/servers?setup=maybe", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetServer(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)

	resp := a.do(t, http.MethodGet, "/servers/a", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("ETag"))
	assert.Equal(t, "cn-a", decodeBody[models.Server](t, resp).Hostname)

	resp = a.do(t, http.MethodGet, "/servers/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestModifyServer_Etag(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)

	etag := a.do(t, http.MethodGet, "/servers/c", "").Header.Get("ETag")
	require.NotEmpty(t, etag)

	resp := a.do(t, http.MethodPost, "/servers/c", `{"hostname":"renamed"}`, "If-Match", etag)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEqual(t, etag, resp.Header.Get("ETag"))
	assert.Equal(t, "renamed", decodeBody[models.Server](t, resp).Hostname)

	resp = a.do(t, http.MethodPost, "/servers/c", `{"hostname":"again"}`, "If-Match", etag)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = a.do(t, http.MethodPost, "/servers/c", `{"colour":"blue"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = a.do(t, http.MethodPost, "/servers/c", `{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteServer(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)

	assert.Equal(t, http.StatusNoContent, a.do(t, http.MethodDelete, "/servers/c", "").StatusCode)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/servers/c", "").StatusCode)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodDelete, "/servers/c", "").StatusCode)
}

func TestBootParams(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)

	resp := a.do(t, http.MethodPost, "/boot/b", `{"boot_params":{"console":"ttyb"},"kernel_flags":{"-k":"v","-m":"milestone=none"}}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = a.do(t, http.MethodPost, "/boot/b", `{"kernel_flags":{"-k":null,"-m":"foo=bar","-n":"new"}}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = a.do(t, http.MethodGet, "/boot/b", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bp := decodeBody[models.BootParams](t, resp)
	assert.Equal(t, "20240101T000000Z", bp.Platform)
	assert.Equal(t, map[string]any{"-m": "foo=bar", "-n": "new"}, bp.KernelFlags)
	assert.Equal(t, "ttyb", bp.KernelArgs["console"])
	assert.Equal(t, "cn-b", bp.KernelArgs["hostname"])
	assert.Equal(t, "guest:guest:localhost:5672", bp.KernelArgs["rabbitmq"])

	resp = a.do(t, http.MethodPut, "/boot/b", `{"platform":"20240601T000000Z","boot_params":{}}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	bp = decodeBody[models.BootParams](t, a.do(t, http.MethodGet, "/boot/b", ""))
	assert.Equal(t, "20240601T000000Z", bp.Platform)
	assert.Empty(t, bp.KernelFlags)
	_, ok := bp.KernelArgs["console"]
	assert.False(t, ok)

	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/boot/nope", "").StatusCode)
}

func TestBootParams_FlagScalarsKeepTheirType(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)

	resp := a.do(t, http.MethodPost, "/boot/a", `{"kernel_flags":{"-k":true,"-n":3,"-m":"milestone=none"}}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	bp := decodeBody[models.BootParams](t, a.do(t, http.MethodGet, "/boot/a", ""))
	assert.Equal(t, map[string]any{"-k": true, "-n": float64(3), "-m": "milestone=none"}, bp.KernelFlags)
}

func TestSetup(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)

	resp := a.do(t, http.MethodPut, "/servers/c/setup", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobUUID := decodeBody[map[string]string](t, resp)["job_uuid"]
	require.NotEmpty(t, jobUUID)
	a.runner.Wait()

	resp = a.do(t, http.MethodGet, "/jobs/"+jobUUID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job := decodeBody[models.Job](t, resp)
	assert.Equal(t, models.JobSucceeded, job.Execution)
	assert.Equal(t, "c", job.Params["server_uuid"])

	assert.True(t, decodeBody[models.Server](t, a.do(t, http.MethodGet, "/servers/c", "")).Setup)
	assert.Equal(t, http.StatusConflict, a.do(t, http.MethodPut, "/servers/c/setup", "").StatusCode)

	jobs := decodeBody[[]models.Job](t, a.do(t, http.MethodGet, "/jobs?server_uuid=c", ""))
	assert.Len(t, jobs, 1)

	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/jobs/nope", "").StatusCode)
}

func TestReboot(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)

	resp := a.do(t, http.MethodPost, "/servers/a/reboot", `{"origin":"operator","drain":true}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	a.runner.Wait()

	jobUUID := decodeBody[map[string]string](t, resp)["job_uuid"]
	job := decodeBody[models.Job](t, a.do(t, http.MethodGet, "/jobs/"+jobUUID, ""))
	assert.Equal(t, workflow.RebootWorkflowName, job.Name)
	assert.Equal(t, "true", job.Params["drain"])
}

func TestExecute(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)

	resp := a.do(t, http.MethodPost, "/servers/a/execute", `{"script":"#!/bin/bash\nuptime\n","args":["-p"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "done", decodeBody[ur.Result](t, resp).Stdout)

	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, "/servers/a/execute", `{}`).StatusCode)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodPost, "/servers/zz/execute", `{"script":"true"}`).StatusCode)
}
