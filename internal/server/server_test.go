package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/exospherehost/state-manager/internal/engine"
	"github.com/exospherehost/state-manager/internal/metrics"
	"github.com/exospherehost/state-manager/internal/model"
	"github.com/exospherehost/state-manager/internal/secrets"
	"github.com/exospherehost/state-manager/internal/store"
	"github.com/exospherehost/state-manager/internal/validate"
)

const testAPIKey = "test-api-key"

func newTestServer(t *testing.T) (*Server, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	env, err := secrets.NewEphemeral()
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	log := zerolog.Nop()
	met := metrics.New()
	eng := engine.New(st, env, log, met)
	runner := &validate.Runner{St: st, Log: log}
	srv := New(Config{
		Addr:        ":0",
		APIKey:      testAPIKey,
		CORSOrigins: []string{"http://localhost:3000"},
	}, eng, st, runner, met, log)
	return srv, st
}

// do issues an authenticated JSON request against the routed stack.
func do(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-API-Key", testAPIKey)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/v0/namespace/acme/graphs/", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest("GET", "/v0/namespace/acme/graphs/", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key status = %d, want 401", rec.Code)
	}
}

func TestHealthUnauthenticated(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestMetricsUnauthenticated(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestRequestIDEchoAndGenerate(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Exosphere-Request-ID", "caller-chosen-id")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Exosphere-Request-ID"); got != "caller-chosen-id" {
		t.Fatalf("request id = %q, want echo", got)
	}

	req = httptest.NewRequest("GET", "/health", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Exosphere-Request-ID"); got == "" {
		t.Fatal("no request id generated")
	}
}

func TestTriggerUnknownGraph(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, "POST", "/v0/namespace/acme/graph/ghost/trigger", map[string]any{})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 (body %s)", rec.Code, rec.Body.String())
	}
}

func registerTestNodes(t *testing.T, srv *Server) {
	t.Helper()
	rec := do(t, srv, "PUT", "/v0/namespace/acme/nodes/", map[string]any{
		"runtime_name": "python-workers",
		"nodes": []map[string]any{
			{
				"name":          "ExtractNode",
				"inputs_schema": map[string]any{"type": "object", "properties": map[string]any{"path": map[string]any{"type": "string"}}},
				"outputs_schema": map[string]any{
					"type":       "object",
					"properties": map[string]any{"rows": map[string]any{"type": "string"}},
				},
				"secrets": []string{"api_key"},
			},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("register nodes: %d %s", rec.Code, rec.Body.String())
	}
}

func upsertTestGraph(t *testing.T, srv *Server) {
	t.Helper()
	rec := do(t, srv, "PUT", "/v0/namespace/acme/graph/etl", map[string]any{
		"secrets": map[string]string{"api_key": "hunter2"},
		"store_config": map[string]any{
			"required_keys": []string{"bucket"},
		},
		"nodes": []map[string]any{
			{
				"node_name":  "ExtractNode",
				"namespace":  "acme",
				"identifier": "extract",
				"inputs":     map[string]string{"path": "s3://${{ store.bucket }}/raw"},
			},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("upsert graph: %d %s", rec.Code, rec.Body.String())
	}
	resp := decode[graphResponse](t, rec)
	if resp.ValidationStatus != model.ValidationPending {
		t.Fatalf("fresh template validation = %s, want PENDING", resp.ValidationStatus)
	}
	if len(resp.SecretNames) != 1 || resp.SecretNames[0] != "api_key" {
		t.Fatalf("secret names = %v", resp.SecretNames)
	}

	// Validation runs on a background goroutine; poll until it lands.
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec := do(t, srv, "GET", "/v0/namespace/acme/graph/etl", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("get graph: %d", rec.Code)
		}
		got := decode[graphResponse](t, rec)
		if got.ValidationStatus == model.ValidationValid {
			return
		}
		if got.ValidationStatus == model.ValidationInvalid {
			t.Fatalf("template invalid: %v", got.ValidationErrors)
		}
		if time.Now().After(deadline) {
			t.Fatalf("validation stuck in %s", got.ValidationStatus)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWorkflowEndToEnd(t *testing.T) {
	srv, _ := newTestServer(t)
	registerTestNodes(t, srv)
	upsertTestGraph(t, srv)

	rec := do(t, srv, "POST", "/v0/namespace/acme/graph/etl/trigger", map[string]any{
		"store": map[string]string{"bucket": "data"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("trigger: %d %s", rec.Code, rec.Body.String())
	}
	trig := decode[engine.TriggerResult](t, rec)
	if trig.RunID == "" || trig.StateStatus != model.StatusCreated {
		t.Fatalf("trigger result = %+v", trig)
	}

	rec = do(t, srv, "POST", "/v0/namespace/acme/states/enqueue", map[string]any{
		"nodes":      []string{"ExtractNode"},
		"batch_size": 10,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("enqueue: %d %s", rec.Code, rec.Body.String())
	}
	batch := decode[enqueueResponse](t, rec)
	if batch.Count != 1 || len(batch.States) != 1 {
		t.Fatalf("batch = %+v", batch)
	}
	leased := batch.States[0]
	if leased.Status != model.StatusQueued {
		t.Fatalf("leased status = %s", leased.Status)
	}
	if leased.Inputs["path"] != "s3://data/raw" {
		t.Fatalf("leased inputs = %v", leased.Inputs)
	}

	rec = do(t, srv, "GET", "/v0/namespace/acme/state/"+leased.ID+"/secrets", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("secrets: %d %s", rec.Code, rec.Body.String())
	}
	plain := decode[map[string]string](t, rec)
	if plain["api_key"] != "hunter2" {
		t.Fatalf("unsealed secrets = %v", plain)
	}

	rec = do(t, srv, "POST", "/v0/namespace/acme/state/"+leased.ID+"/executed", map[string]any{
		"outputs": []map[string]string{{"rows": "42"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("executed: %d %s", rec.Code, rec.Body.String())
	}
	exec := decode[map[string]model.Status](t, rec)
	if exec["status"] != model.StatusSuccess {
		t.Fatalf("executed status = %v", exec)
	}

	rec = do(t, srv, "GET", "/v0/namespace/acme/runs/1/10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("runs: %d %s", rec.Code, rec.Body.String())
	}
	runs := decode[listRunsResponse](t, rec)
	if runs.Total != 1 || len(runs.Runs) != 1 {
		t.Fatalf("runs = %+v", runs)
	}
	if runs.Runs[0].Status != engine.RunSuccess {
		t.Fatalf("run status = %s, want SUCCESS", runs.Runs[0].Status)
	}

	rec = do(t, srv, "GET", "/v0/namespace/acme/states/run/"+trig.RunID+"/graph", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("run graph: %d %s", rec.Code, rec.Body.String())
	}
	rg := decode[engine.RunGraph](t, rec)
	if len(rg.Nodes) != 1 || len(rg.Roots) != 1 {
		t.Fatalf("run graph = %+v", rg)
	}
}

func TestErroredEndpointReportsRetry(t *testing.T) {
	srv, st := newTestServer(t)
	registerTestNodes(t, srv)
	upsertTestGraph(t, srv)

	// Give the stored template a retry budget.
	g, err := st.GetGraphTemplate(context.Background(), "acme", "etl")
	if err != nil {
		t.Fatalf("get template: %v", err)
	}
	g.RetryPolicy.MaxRetries = 2
	if err := st.UpsertGraphTemplate(context.Background(), g); err != nil {
		t.Fatalf("upsert template: %v", err)
	}

	rec := do(t, srv, "POST", "/v0/namespace/acme/graph/etl/trigger", map[string]any{
		"store": map[string]string{"bucket": "data"},
	})
	trig := decode[engine.TriggerResult](t, rec)
	do(t, srv, "POST", "/v0/namespace/acme/states/enqueue", map[string]any{
		"nodes": []string{"ExtractNode"}, "batch_size": 1,
	})

	rec = do(t, srv, "POST", "/v0/namespace/acme/state/"+trig.StateID+"/errored", map[string]any{
		"error": "worker crashed",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("errored: %d %s", rec.Code, rec.Body.String())
	}
	resp := decode[erroredResponse](t, rec)
	if !resp.RetryCreated || resp.Status != model.StatusRetryCreated {
		t.Fatalf("errored response = %+v", resp)
	}
}

func TestSignalPreconditionMapsTo400(t *testing.T) {
	srv, _ := newTestServer(t)
	registerTestNodes(t, srv)
	upsertTestGraph(t, srv)

	rec := do(t, srv, "POST", "/v0/namespace/acme/graph/etl/trigger", map[string]any{
		"store": map[string]string{"bucket": "data"},
	})
	trig := decode[engine.TriggerResult](t, rec)

	// Executed without a lease: state is still CREATED.
	rec = do(t, srv, "POST", "/v0/namespace/acme/state/"+trig.StateID+"/executed", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (body %s)", rec.Code, rec.Body.String())
	}
}

func TestStateNotFoundMapsTo404(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, path := range []string{
		"/v0/namespace/acme/state/ghost/executed",
		"/v0/namespace/acme/state/ghost/errored",
		"/v0/namespace/acme/state/ghost/prune",
	} {
		rec := do(t, srv, "POST", path, map[string]any{})
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: status = %d, want 404 (body %s)", path, rec.Code, rec.Body.String())
		}
	}
	rec := do(t, srv, "GET", "/v0/namespace/acme/state/ghost/secrets", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("secrets: status = %d, want 404", rec.Code)
	}
}

func TestTamperedSecretMapsTo500(t *testing.T) {
	srv, st := newTestServer(t)
	registerTestNodes(t, srv)
	upsertTestGraph(t, srv)

	rec := do(t, srv, "POST", "/v0/namespace/acme/graph/etl/trigger", map[string]any{
		"store": map[string]string{"bucket": "data"},
	})
	trig := decode[engine.TriggerResult](t, rec)

	// Corrupt the stored blob; the envelope must refuse to unseal it.
	g, err := st.GetGraphTemplate(context.Background(), "acme", "etl")
	if err != nil {
		t.Fatalf("get template: %v", err)
	}
	g.Secrets["api_key"] = g.Secrets["api_key"][:len(g.Secrets["api_key"])-4] + "AAAA"
	if err := st.UpsertGraphTemplate(context.Background(), g); err != nil {
		t.Fatalf("upsert template: %v", err)
	}

	rec = do(t, srv, "GET", "/v0/namespace/acme/state/"+trig.StateID+"/secrets", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 (body %s)", rec.Code, rec.Body.String())
	}
}

func TestEnqueueValidationMapsTo400(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, "POST", "/v0/namespace/acme/states/enqueue", map[string]any{
		"nodes": []string{}, "batch_size": 1,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty nodes: %d", rec.Code)
	}
	rec = do(t, srv, "POST", "/v0/namespace/acme/states/enqueue", map[string]any{
		"nodes": []string{"A"}, "batch_size": 0,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("zero batch: %d", rec.Code)
	}
}

func TestListGraphsAndNodes(t *testing.T) {
	srv, _ := newTestServer(t)
	registerTestNodes(t, srv)
	upsertTestGraph(t, srv)

	rec := do(t, srv, "GET", "/v0/namespace/acme/graphs/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list graphs: %d", rec.Code)
	}
	graphs := decode[[]graphResponse](t, rec)
	if len(graphs) != 1 || graphs[0].Name != "etl" {
		t.Fatalf("graphs = %+v", graphs)
	}

	rec = do(t, srv, "GET", "/v0/namespace/acme/nodes/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list nodes: %d", rec.Code)
	}
	nodes := decode[[]*model.RegisteredNode](t, rec)
	if len(nodes) != 1 || nodes[0].Name != "ExtractNode" || nodes[0].RuntimeName != "python-workers" {
		t.Fatalf("nodes = %+v", nodes)
	}
}

func TestUpsertGraphRejectsBadRetryStrategy(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, "PUT", "/v0/namespace/acme/graph/etl", map[string]any{
		"nodes":        []map[string]any{},
		"retry_policy": map[string]any{"strategy": "SOMETIMES", "max_retries": 1},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (body %s)", rec.Code, rec.Body.String())
	}
}

func TestBadJSONBody(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest("POST", "/v0/namespace/acme/states/enqueue", bytes.NewBufferString("{not json"))
	req.Header.Set("X-API-Key", testAPIKey)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var er ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &er); err != nil || er.Error == "" {
		t.Fatalf("error body = %q", rec.Body.String())
	}
}
