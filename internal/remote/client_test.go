package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teacherly/plansync/internal/entity"
)

func TestHTTPClient_CRUD(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch {
		case r.Method == "GET" && r.URL.Path == "/api/unit-plans":
			w.Write([]byte(`[{"id":"u1","updatedAt":"2026-02-03T10:00:00Z","title":"Fractions"}]`))
		case r.Method == "GET" && r.URL.Path == "/api/unit-plans/u1":
			w.Write([]byte(`{"id":"u1","updatedAt":"2026-02-03T10:00:00Z","title":"Fractions"}`))
		case r.Method == "POST" && r.URL.Path == "/api/unit-plans":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			body["id"] = "u2"
			body["updatedAt"] = "2026-02-03T11:00:00Z"
			json.NewEncoder(w).Encode(body)
		case r.Method == "PATCH" && r.URL.Path == "/api/unit-plans/u1":
			w.Write([]byte(`{"id":"u1","updatedAt":"2026-02-03T12:00:00Z","title":"Fractions v2"}`))
		case r.Method == "DELETE" && r.URL.Path == "/api/unit-plans/u1":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "tok-123")
	ctx := context.Background()

	envs, err := c.List(ctx, entity.TypeUnitPlan)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "u1", envs[0].ID)
	assert.Equal(t, "Bearer tok-123", gotAuth)

	env, err := c.Get(ctx, entity.TypeUnitPlan, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", env.ID)

	env, err = c.Create(ctx, entity.TypeUnitPlan, json.RawMessage(`{"title":"New unit"}`))
	require.NoError(t, err)
	assert.Equal(t, "u2", env.ID, "server assigns the ID")

	env, err = c.Update(ctx, entity.TypeUnitPlan, "u1", json.RawMessage(`{"title":"Fractions v2"}`))
	require.NoError(t, err)
	assert.Equal(t, "u1", env.ID)

	require.NoError(t, c.Delete(ctx, entity.TypeUnitPlan, "u1"))
}

func TestHTTPClient_ErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"version_conflict","message":"entity changed"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "")
	_, err := c.Get(context.Background(), entity.TypeLessonPlan, "l1")
	require.Error(t, err)

	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusConflict, re.Status)
	assert.Equal(t, "version_conflict", re.Code)
	assert.Equal(t, "entity changed", re.Message)
}

func TestHTTPClient_ErrorWithoutBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "")
	err := c.Health(context.Background())
	require.Error(t, err)

	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusBadGateway, re.Status)
	assert.Equal(t, "unknown", re.Code)
}

func TestHTTPClient_ImportJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "POST" && r.URL.Path == "/api/curriculum-import":
			json.NewEncoder(w).Encode(ImportJob{ID: "job-1", Status: ImportUploading})
		case r.Method == "GET" && r.URL.Path == "/api/curriculum-import/job-1":
			json.NewEncoder(w).Encode(ImportJob{ID: "job-1", Status: ImportReady, Progress: 100})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "")
	ctx := context.Background()

	job, err := c.StartImport(ctx, json.RawMessage(`{"name":"Grade 5 Math"}`))
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, ImportUploading, job.Status)

	job, err = c.GetImport(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, ImportReady, job.Status)
	assert.Equal(t, 100, job.Progress)
}

func TestHTTPClient_Health(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			w.Write([]byte(`{"ok":true}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "")
	assert.NoError(t, c.Health(context.Background()))

	srv.Close()
	assert.Error(t, c.Health(context.Background()))
}
