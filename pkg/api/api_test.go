package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchpanel/remotefs/pkg/backend"
	"github.com/patchpanel/remotefs/pkg/backend/memory"
	"github.com/patchpanel/remotefs/pkg/engine"
	"github.com/patchpanel/remotefs/pkg/jobs"
	"github.com/patchpanel/remotefs/pkg/pool"
	"github.com/patchpanel/remotefs/pkg/progress"
	"github.com/patchpanel/remotefs/pkg/registry"
)

// harness wires an API server against in-memory backends.
type harness struct {
	server *Server
	store  jobs.Store
	reg    *registry.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	reg := registry.New()
	p := pool.New(pool.Config{})
	t.Cleanup(func() { p.Close() })
	store := jobs.NewMemoryStore()
	pub := progress.New(64)
	t.Cleanup(pub.Close)

	eng := engine.New(reg, p, store, pub, engine.Config{
		ProgressMinInterval: time.Millisecond,
		ProgressByteDelta:   1024,
	})

	return &harness{
		server: New(Dependencies{Engine: eng, Registry: reg}),
		store:  store,
		reg:    reg,
	}
}

// addLocation registers a memory-backed location and returns its client.
func (h *harness) addLocation(t *testing.T, id string) *memory.Client {
	t.Helper()
	client := memory.New()
	loc := &registry.Location{
		ID:          id,
		Name:        id,
		BackendType: backend.TypeMemory,
		RootPath:    "/",
	}
	require.NoError(t, h.reg.AddLocation(loc, memory.NewDialer(client)))
	return client
}

// do runs one request through the fiber app and returns the response.
func (h *harness) do(t *testing.T, method, target string, body []byte) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := h.server.App().Test(req, 10_000)
	require.NoError(t, err)
	return resp
}

// decode unmarshals a JSON response body into out.
func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestHealth(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	decode(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestListFiles(t *testing.T) {
	h := newHarness(t)
	client := h.addLocation(t, "loc")
	client.Seed("docs/a.txt", []byte("alpha"))
	client.Seed("docs/b.txt", []byte("bravo"))

	resp := h.do(t, http.MethodGet, "/api/locations/loc/files?path=/docs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Entries []backend.FileEntry `json:"entries"`
	}
	decode(t, resp, &body)
	assert.Len(t, body.Entries, 2)
}

func TestListFilesUnknownLocation(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodGet, "/api/locations/nope/files?path=/", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPathTraversalReturns400(t *testing.T) {
	h := newHarness(t)
	h.addLocation(t, "loc")

	resp := h.do(t, http.MethodGet, "/api/locations/loc/files?path=/../etc", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body errorBody
	decode(t, resp, &body)
	assert.Equal(t, "path_traversal", body.Error.Code)
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.addLocation(t, "loc")

	payload := []byte("the quick brown fox")
	resp := h.do(t, http.MethodPut, "/api/locations/loc/upload?path=/report.txt", payload)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		Size int64 `json:"size"`
	}
	decode(t, resp, &created)
	assert.Equal(t, int64(len(payload)), created.Size)

	resp = h.do(t, http.MethodGet, "/api/locations/loc/download?path=/report.txt", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "report.txt")
}

func TestDownloadMissingFile(t *testing.T) {
	h := newHarness(t)
	h.addLocation(t, "loc")

	resp := h.do(t, http.MethodGet, "/api/locations/loc/download?path=/nope.txt", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDownloadDirectoryRejected(t *testing.T) {
	h := newHarness(t)
	client := h.addLocation(t, "loc")
	client.Seed("dir/file.txt", []byte("x"))

	resp := h.do(t, http.MethodGet, "/api/locations/loc/download?path=/dir", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteFile(t *testing.T) {
	h := newHarness(t)
	client := h.addLocation(t, "loc")
	client.Seed("junk.txt", []byte("x"))

	resp := h.do(t, http.MethodDelete, "/api/locations/loc/files?path=/junk.txt", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/api/locations/loc/stat?path=/junk.txt", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRenameFile(t *testing.T) {
	h := newHarness(t)
	client := h.addLocation(t, "loc")
	client.Seed("old.txt", []byte("x"))

	body, _ := json.Marshal(map[string]string{"path": "/old.txt", "newPath": "/new.txt"})
	resp := h.do(t, http.MethodPost, "/api/locations/loc/rename", body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/api/locations/loc/stat?path=/new.txt", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubmitBulkCopyAndPoll(t *testing.T) {
	h := newHarness(t)
	client := h.addLocation(t, "loc")
	client.Seed("in/a.dat", []byte("aaaa"))
	client.Seed("in/b.dat", []byte("bbbb"))

	body, _ := json.Marshal(map[string]any{
		"type": "copy",
		"sources": []map[string]string{
			{"locationId": "loc", "path": "/in/a.dat"},
			{"locationId": "loc", "path": "/in/b.dat"},
		},
		"target": map[string]string{"locationId": "loc", "path": "/out"},
	})
	resp := h.do(t, http.MethodPost, "/api/operations/", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var job jobs.Job
	decode(t, resp, &job)
	require.NotEmpty(t, job.ID)

	require.Eventually(t, func() bool {
		resp := h.do(t, http.MethodGet, "/api/operations/"+job.ID, nil)
		var got jobs.Job
		decode(t, resp, &got)
		return got.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)

	resp = h.do(t, http.MethodGet, "/api/operations/"+job.ID, nil)
	var final jobs.Job
	decode(t, resp, &final)
	assert.Equal(t, jobs.StatusCompleted, final.Status)
	require.NotNil(t, final.Result)
	assert.Equal(t, 2, final.Result.SuccessCount)
	assert.Equal(t, 0, final.Result.FailureCount)

	assert.NotNil(t, client.Contents("out/a.dat"))
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	h := newHarness(t)
	h.addLocation(t, "loc")

	tests := []struct {
		name string
		body map[string]any
	}{
		{
			name: "unknown type",
			body: map[string]any{
				"type":    "transmogrify",
				"sources": []map[string]string{{"locationId": "loc", "path": "/x"}},
			},
		},
		{
			name: "no sources",
			body: map[string]any{"type": "delete"},
		},
		{
			name: "copy without target",
			body: map[string]any{
				"type":    "copy",
				"sources": []map[string]string{{"locationId": "loc", "path": "/x"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(tt.body)
			resp := h.do(t, http.MethodPost, "/api/operations/", body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestCancelOperation(t *testing.T) {
	h := newHarness(t)

	gate := make(chan struct{})
	client := memory.NewWithHooks(memory.Hooks{
		BeforeOpenRead: func(string) error {
			<-gate
			return nil
		},
	})
	client.Seed("in/big.dat", bytes.Repeat([]byte("x"), 4096))
	loc := &registry.Location{ID: "loc", Name: "loc", BackendType: backend.TypeMemory, RootPath: "/"}
	require.NoError(t, h.reg.AddLocation(loc, memory.NewDialer(client)))

	body, _ := json.Marshal(map[string]any{
		"type":    "copy",
		"sources": []map[string]string{{"locationId": "loc", "path": "/in/big.dat"}},
		"target":  map[string]string{"locationId": "loc", "path": "/out"},
	})
	resp := h.do(t, http.MethodPost, "/api/operations/", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var job jobs.Job
	decode(t, resp, &job)

	resp = h.do(t, http.MethodPost, "/api/operations/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cancelled jobs.Job
	decode(t, resp, &cancelled)
	assert.Equal(t, jobs.StatusCancelled, cancelled.Status)
	close(gate)
}

func TestCancelUnknownJob(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/api/operations/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListOperationsFilter(t *testing.T) {
	h := newHarness(t)
	client := h.addLocation(t, "loc")
	client.Seed("a.txt", []byte("x"))

	body, _ := json.Marshal(map[string]any{
		"type":    "delete",
		"sources": []map[string]string{{"locationId": "loc", "path": "/a.txt"}},
	})
	resp := h.do(t, http.MethodPost, "/api/operations/", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var job jobs.Job
	decode(t, resp, &job)

	require.Eventually(t, func() bool {
		resp := h.do(t, http.MethodGet, "/api/operations/"+job.ID, nil)
		var got jobs.Job
		decode(t, resp, &got)
		return got.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)

	resp = h.do(t, http.MethodGet, "/api/operations/?type=delete&status=completed", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Jobs []jobs.Job `json:"jobs"`
	}
	decode(t, resp, &list)
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, job.ID, list.Jobs[0].ID)

	resp = h.do(t, http.MethodGet, "/api/operations/?type=copy", nil)
	decode(t, resp, &list)
	assert.Empty(t, list.Jobs)
}

func TestLocationAdmin(t *testing.T) {
	h := newHarness(t)

	body, _ := json.Marshal(map[string]any{
		"id":   "scratch",
		"type": "memory",
	})
	resp := h.do(t, http.MethodPost, "/api/locations/", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Duplicate registration conflicts.
	resp = h.do(t, http.MethodPost, "/api/locations/", body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/api/locations/scratch", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var loc registry.Location
	decode(t, resp, &loc)
	assert.Equal(t, backend.TypeMemory, loc.BackendType)
	assert.Equal(t, "/", loc.RootPath)

	resp = h.do(t, http.MethodDelete, "/api/locations/scratch", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/api/locations/scratch", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAddLocationValidation(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{
			name: "missing id",
			body: map[string]any{"type": "memory"},
		},
		{
			name: "unknown type",
			body: map[string]any{"id": "x", "type": "ftp"},
		},
		{
			name: "sftp without host",
			body: map[string]any{"id": "x", "type": "sftp", "options": map[string]any{"user": "u"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(tt.body)
			resp := h.do(t, http.MethodPost, "/api/locations/", body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestSpaceAdmin(t *testing.T) {
	h := newHarness(t)
	h.addLocation(t, "loc-a")
	h.addLocation(t, "loc-b")

	body, _ := json.Marshal(map[string]any{
		"id":   "workspace",
		"name": "Workspace",
		"items": []map[string]string{
			{"locationId": "loc-a", "subPath": "/projects"},
			{"locationId": "loc-b", "subPath": "/archive"},
		},
	})
	resp := h.do(t, http.MethodPost, "/api/spaces/", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/api/spaces/workspace", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got struct {
		Items []registry.ResolvedSpaceItem `json:"items"`
	}
	decode(t, resp, &got)
	require.Len(t, got.Items, 2)
	for _, item := range got.Items {
		assert.True(t, item.Valid)
	}

	resp = h.do(t, http.MethodDelete, "/api/spaces/workspace", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestSpaceWithDanglingLocation(t *testing.T) {
	h := newHarness(t)
	h.addLocation(t, "keep")
	h.addLocation(t, "gone")

	body, _ := json.Marshal(map[string]any{
		"id": "mixed",
		"items": []map[string]string{
			{"locationId": "keep", "subPath": "/"},
			{"locationId": "gone", "subPath": "/"},
		},
	})
	resp := h.do(t, http.MethodPost, "/api/spaces/", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = h.do(t, http.MethodDelete, "/api/locations/gone", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var removed struct {
		DanglingSpaces []string `json:"danglingSpaces"`
	}
	decode(t, resp, &removed)
	assert.Contains(t, removed.DanglingSpaces, "mixed")

	resp = h.do(t, http.MethodGet, "/api/spaces/mixed", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got struct {
		Items []registry.ResolvedSpaceItem `json:"items"`
	}
	decode(t, resp, &got)
	valid := 0
	for _, item := range got.Items {
		if item.Valid {
			valid++
		}
	}
	assert.Equal(t, 1, valid)
	assert.Len(t, got.Items, 2)
}

func TestRemoveLocationWithActiveJobConflicts(t *testing.T) {
	h := newHarness(t)

	gate := make(chan struct{})
	client := memory.NewWithHooks(memory.Hooks{
		BeforeOpenRead: func(string) error {
			<-gate
			return nil
		},
	})
	client.Seed("in/file.dat", []byte("data"))
	loc := &registry.Location{ID: "busy", Name: "busy", BackendType: backend.TypeMemory, RootPath: "/"}
	require.NoError(t, h.reg.AddLocation(loc, memory.NewDialer(client)))

	body, _ := json.Marshal(map[string]any{
		"type":    "copy",
		"sources": []map[string]string{{"locationId": "busy", "path": "/in/file.dat"}},
		"target":  map[string]string{"locationId": "busy", "path": "/out"},
	})
	resp := h.do(t, http.MethodPost, "/api/operations/", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var job jobs.Job
	decode(t, resp, &job)

	resp = h.do(t, http.MethodDelete, "/api/locations/busy", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	close(gate)
	require.Eventually(t, func() bool {
		resp := h.do(t, http.MethodGet, "/api/operations/"+job.ID, nil)
		var got jobs.Job
		decode(t, resp, &got)
		return got.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
}

func TestStreamOperationEventsSnapshotForFinishedJob(t *testing.T) {
	h := newHarness(t)
	client := h.addLocation(t, "loc")
	client.Seed("a.txt", []byte("x"))

	body, _ := json.Marshal(map[string]any{
		"type":    "delete",
		"sources": []map[string]string{{"locationId": "loc", "path": "/a.txt"}},
	})
	resp := h.do(t, http.MethodPost, "/api/operations/", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var job jobs.Job
	decode(t, resp, &job)

	require.Eventually(t, func() bool {
		resp := h.do(t, http.MethodGet, "/api/operations/"+job.ID, nil)
		var got jobs.Job
		decode(t, resp, &got)
		return got.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)

	// A finished job yields exactly the terminal snapshot and the stream
	// closes.
	resp = h.do(t, http.MethodGet, fmt.Sprintf("/api/operations/%s/events", job.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "event: progress")
	assert.Contains(t, string(raw), `"status":"completed"`)
}
