package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type recorded struct {
	method string
	path   string
	query  string
	actor  string
	body   map[string]any
}

func fakeServer(t *testing.T, status int, response string) (*httptest.Server, *recorded) {
	t.Helper()
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.method = r.Method
		rec.path = r.URL.Path
		rec.query = r.URL.RawQuery
		rec.actor = r.Header.Get(actorHeader)
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			require.NoError(t, json.Unmarshal(data, &rec.body))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestFinalizeRejectionIsPrinted(t *testing.T) {
	srv, rec := fakeServer(t, http.StatusUnprocessableEntity, `{"result":"REJECTED","phase":"IDEATION"}`)

	out, err := execute(t, "--server", srv.URL, "--actor", "alice", "finalize", "proj-1", "IDEATION", "--override", "ok")
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, rec.method)
	assert.Equal(t, "/api/v1/projects/proj-1/finalize", rec.path)
	assert.Equal(t, "alice", rec.actor)
	assert.Equal(t, "IDEATION", rec.body["phase"])
	assert.Equal(t, "ok", rec.body["override_reason"])
	assert.Contains(t, out, `"result": "REJECTED"`)
}

func TestErrorEnvelope(t *testing.T) {
	srv, _ := fakeServer(t, http.StatusForbidden,
		`{"error":{"code":"NOT_PROJECT_OWNER","message":"only the project owner may finalize"}}`)

	_, err := execute(t, "--server", srv.URL, "--actor", "mallory", "finalize", "proj-1", "PLANNING")
	require.Error(t, err)

	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "NOT_PROJECT_OWNER", apiErr.Body.Code)
	assert.Contains(t, err.Error(), "only the project owner")
}

func TestYAMLOutput(t *testing.T) {
	srv, rec := fakeServer(t, http.StatusOK, `{"project_id":"proj-1","project_r":0.75}`)

	out, err := execute(t, "--server", srv.URL, "-o", "yaml", "readiness", "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/projects/proj-1/readiness", rec.path)

	var got map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	assert.Equal(t, "proj-1", got["project_id"])
	assert.Equal(t, 0.75, got["project_r"])
}

func TestRequestShapes(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		method string
		path   string
		query  string
		body   map[string]any
	}{
		{
			name:   "scope readiness",
			args:   []string{"readiness", "--scope", "sc-1"},
			method: http.MethodGet,
			path:   "/api/v1/scopes/sc-1/readiness",
		},
		{
			name:   "gate toggle",
			args:   []string{"gates", "set", "proj-1", "license", "true", "--reason", "signed"},
			method: http.MethodPut,
			path:   "/api/v1/projects/proj-1/gates/license",
			body:   map[string]any{"value": true, "reason": "signed"},
		},
		{
			name:   "gate trigger",
			args:   []string{"gates", "trigger", "proj-1"},
			method: http.MethodPost,
			path:   "/api/v1/projects/proj-1/gates/trigger",
		},
		{
			name:   "validate with phases",
			args:   []string{"validate", "proj-1", "--from", "PLAN", "--to", "EXECUTE"},
			method: http.MethodGet,
			path:   "/api/v1/projects/proj-1/transitions/validate",
			query:  "from=PLAN&to=EXECUTE",
		},
		{
			name:   "allocate",
			args:   []string{"wu", "allocate", "sc-1", "12.5"},
			method: http.MethodPost,
			path:   "/api/v1/scopes/sc-1/wu/allocate",
			body:   map[string]any{"amount": 12.5},
		},
		{
			name:   "decisions limit",
			args:   []string{"decisions", "proj-1", "--limit", "5"},
			method: http.MethodGet,
			path:   "/api/v1/projects/proj-1/decisions",
			query:  "limit=5",
		},
		{
			name:   "reassess",
			args:   []string{"reassess", "proj-1", "IDEATION", "--reason", "scope missed a stream"},
			method: http.MethodPost,
			path:   "/api/v1/projects/proj-1/reassess",
			body: map[string]any{
				"from_phase":      "",
				"target_phase":    "IDEATION",
				"reassess_reason": "scope missed a stream",
				"review_summary":  "",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, rec := fakeServer(t, http.StatusOK, `{}`)
			_, err := execute(t, append([]string{"--server", srv.URL}, tt.args...)...)
			require.NoError(t, err)
			assert.Equal(t, tt.method, rec.method)
			assert.Equal(t, tt.path, rec.path)
			assert.Equal(t, tt.query, rec.query)
			assert.Equal(t, tt.body, rec.body)
		})
	}
}

func TestInvalidArguments(t *testing.T) {
	_, err := execute(t, "-o", "xml", "health")
	assert.ErrorContains(t, err, "unknown output format")

	_, err = execute(t, "gates", "set", "proj-1", "license", "maybe")
	assert.ErrorContains(t, err, "invalid gate value")

	_, err = execute(t, "wu", "init", "proj-1", "lots")
	assert.ErrorContains(t, err, "invalid total")
}
