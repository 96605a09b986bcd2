package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/kitz-os/opscore/internal/bus"
	"github.com/kitz-os/opscore/internal/guardian"
	"github.com/kitz-os/opscore/internal/lifecycle"
	otelpkg "github.com/kitz-os/opscore/internal/otel"
	"github.com/kitz-os/opscore/internal/permission"
	"github.com/kitz-os/opscore/internal/shared"
	"github.com/kitz-os/opscore/internal/swarm"
	"github.com/kitz-os/opscore/internal/team"
)

type nopDeliverer struct{}

func (nopDeliverer) Deliver(_ context.Context, _ *lifecycle.Task) error { return nil }

type nopRouter struct{}

func (nopRouter) DormantTeammate(_, _ string) (string, bool) { return "", false }
func (nopRouter) Handoff(_ context.Context, _, _, _, _, _ string) error {
	return nil
}

type nopEscalator struct{}

func (nopEscalator) Escalate(_ context.Context, _, _, _ string) error { return nil }

type echoHandler struct{}

func (echoHandler) Execute(_ context.Context, agent, teamName, _ string) (string, error) {
	return fmt.Sprintf("%s/%s done", teamName, agent), nil
}

type staticRegistry struct{ tools []string }

func (r staticRegistry) Has(name string) bool {
	for _, t := range r.tools {
		if t == name {
			return true
		}
	}
	return false
}

func (r staticRegistry) Invoke(_ context.Context, name string, _ map[string]any) (any, error) {
	return name + " ok", nil
}

type testEnv struct {
	server  *httptest.Server
	manager *lifecycle.Manager
	token   string
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New()

	teams, err := team.Load("")
	if err != nil {
		t.Fatalf("load default teams: %v", err)
	}

	seq := 0
	manager := lifecycle.NewManager(lifecycle.Config{
		Bus:       b,
		Logger:    logger,
		Deliverer: nopDeliverer{},
		NewTaskID: func() string {
			seq++
			return fmt.Sprintf("btask_%012d", seq)
		},
	})

	grd := guardian.New(guardian.Config{
		Bus:       b,
		Logger:    logger,
		Router:    nopRouter{},
		Escalator: nopEscalator{},
	})

	coord := swarm.New(swarm.Config{
		Teams:   teams,
		Handler: echoHandler{},
		Bus:     b,
		Logger:  logger,
	})

	bridge := permission.NewBridge(staticRegistry{tools: []string{"dashboard_metrics", "memory_search"}}, logger, nil)

	srv := New(Config{
		Lifecycle: manager,
		Guardian:  grd,
		Swarm:     coord,
		Bridge:    bridge,
		Teams:     teams,
		Bus:       b,
		Logger:    logger,
		AuthToken: token,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, manager: manager, token: token}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && err != io.EOF {
		t.Fatalf("decode %s %s: %v", method, path, err)
	}
	return resp, decoded
}

func (e *testEnv) createTask(t *testing.T, userID, message string) string {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"user_id": userID,
		"channel": "whatsapp",
		"message": message,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create task: status %d body %v", resp.StatusCode, body)
	}
	task := body["task"].(map[string]any)
	return task["id"].(string)
}

func TestAuth(t *testing.T) {
	t.Run("token required when configured", func(t *testing.T) {
		env := newTestEnv(t, "s3cret")

		resp, err := http.Get(env.server.URL + "/api/summary")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("no token: status %d", resp.StatusCode)
		}

		req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/api/summary", nil)
		req.Header.Set("Authorization", "Bearer wrong")
		resp, err = http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("wrong token: status %d", resp.StatusCode)
		}

		if resp, _ := env.do(t, http.MethodGet, "/api/summary", nil); resp.StatusCode != http.StatusOK {
			t.Fatalf("correct token: status %d", resp.StatusCode)
		}
	})

	t.Run("healthz is always open", func(t *testing.T) {
		env := newTestEnv(t, "s3cret")
		resp, err := http.Get(env.server.URL + "/healthz")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("healthz: status %d", resp.StatusCode)
		}
	})

	t.Run("empty token disables auth", func(t *testing.T) {
		env := newTestEnv(t, "")
		resp, err := http.Get(env.server.URL + "/api/summary")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("local mode: status %d", resp.StatusCode)
		}
	})
}

func TestCreateTask(t *testing.T) {
	env := newTestEnv(t, "")

	t.Run("valid request", func(t *testing.T) {
		resp, body := env.do(t, http.MethodPost, "/api/tasks", map[string]any{
			"user_id": "user-1",
			"channel": "whatsapp",
			"message": "reconcile last week's invoices",
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("status %d body %v", resp.StatusCode, body)
		}
		task := body["task"].(map[string]any)
		id := task["id"].(string)
		ack := body["ack"].(string)
		if !strings.Contains(ack, shared.TaskRef(id)) {
			t.Fatalf("ack %q missing ref %q", ack, shared.TaskRef(id))
		}
		if task["status"].(string) != string(lifecycle.StatusReceived) {
			t.Fatalf("status = %v", task["status"])
		}
	})

	t.Run("unknown channel", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodPost, "/api/tasks", map[string]any{
			"user_id": "user-1",
			"channel": "fax",
			"message": "hello",
		})
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status %d", resp.StatusCode)
		}
	})

	t.Run("missing message", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodPost, "/api/tasks", map[string]any{
			"user_id": "user-1",
			"channel": "web",
		})
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status %d", resp.StatusCode)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		resp, err := http.Post(env.server.URL+"/api/tasks", "application/json", strings.NewReader("{nope"))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status %d", resp.StatusCode)
		}
	})
}

func TestTaskReview(t *testing.T) {
	env := newTestEnv(t, "")
	id := env.createTask(t, "user-7", "draft the supplier follow-up email")
	env.manager.MarkProcessing(id)
	if _, ok := env.manager.SetDraftOutput(id, "Dear supplier, following up on order #42.", []string{"email_listInbox"}, 2); !ok {
		t.Fatal("SetDraftOutput failed")
	}

	t.Run("lookup by short ref", func(t *testing.T) {
		resp, body := env.do(t, http.MethodGet, "/api/tasks/"+shared.TaskRef(id)+"?user_id=user-7", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status %d", resp.StatusCode)
		}
		if body["id"].(string) != id {
			t.Fatalf("resolved %v, want %s", body["id"], id)
		}
	})

	t.Run("approve then deliver", func(t *testing.T) {
		resp, body := env.do(t, http.MethodPost, "/api/tasks/"+id+"/approve", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("approve: status %d body %v", resp.StatusCode, body)
		}
		if body["status"].(string) != string(lifecycle.StatusApproved) {
			t.Fatalf("status = %v", body["status"])
		}

		resp, body = env.do(t, http.MethodPost, "/api/tasks/"+id+"/deliver", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("deliver: status %d body %v", resp.StatusCode, body)
		}
		if body["status"].(string) != string(lifecycle.StatusDelivered) {
			t.Fatalf("status = %v", body["status"])
		}
	})

	t.Run("approve without draft conflicts", func(t *testing.T) {
		other := env.createTask(t, "user-7", "another request")
		resp, _ := env.do(t, http.MethodPost, "/api/tasks/"+other+"/approve", nil)
		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("status %d", resp.StatusCode)
		}
	})

	t.Run("reject a fresh draft", func(t *testing.T) {
		id2 := env.createTask(t, "user-7", "summarize the ad spend")
		env.manager.MarkProcessing(id2)
		env.manager.SetDraftOutput(id2, "Ad spend was flat month over month.", nil, 1)
		resp, body := env.do(t, http.MethodPost, "/api/tasks/"+id2+"/reject", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status %d", resp.StatusCode)
		}
		if body["status"].(string) != string(lifecycle.StatusRejected) {
			t.Fatalf("status = %v", body["status"])
		}
	})

	t.Run("unknown task 404s", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodPost, "/api/tasks/btask_ffffffffffff/approve", nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status %d", resp.StatusCode)
		}
	})
}

func TestClarify(t *testing.T) {
	env := newTestEnv(t, "")
	id := env.createTask(t, "user-2", "book something for next week")
	if _, ok := env.manager.RequestClarification(id, "Which day works for you?", ""); !ok {
		t.Fatal("RequestClarification failed")
	}

	t.Run("empty answer rejected", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodPost, "/api/tasks/"+id+"/clarify", map[string]any{"answer": "  "})
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status %d", resp.StatusCode)
		}
	})

	t.Run("answer reopens the task", func(t *testing.T) {
		resp, body := env.do(t, http.MethodPost, "/api/tasks/"+id+"/clarify", map[string]any{"answer": "Tuesday morning"})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status %d body %v", resp.StatusCode, body)
		}
		if body["status"].(string) != string(lifecycle.StatusReceived) {
			t.Fatalf("status = %v", body["status"])
		}
		if msg := body["user_message"].(string); !strings.Contains(msg, "[Clarification]: Tuesday morning") {
			t.Fatalf("user_message = %q", msg)
		}
	})

	t.Run("stray answer conflicts", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodPost, "/api/tasks/"+id+"/clarify", map[string]any{"answer": "again"})
		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("status %d", resp.StatusCode)
		}
	})
}

func TestListTasks(t *testing.T) {
	env := newTestEnv(t, "")
	a := env.createTask(t, "user-a", "first thing")
	env.createTask(t, "user-b", "second thing")

	t.Run("by user", func(t *testing.T) {
		resp, body := env.do(t, http.MethodGet, "/api/tasks?user_id=user-a", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status %d", resp.StatusCode)
		}
		tasks := body["tasks"].([]any)
		if len(tasks) != 1 {
			t.Fatalf("got %d tasks", len(tasks))
		}
		if got := tasks[0].(map[string]any)["id"].(string); got != a {
			t.Fatalf("id = %s", got)
		}
	})

	t.Run("pending filter", func(t *testing.T) {
		resp, body := env.do(t, http.MethodGet, "/api/tasks?status=pending", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status %d", resp.StatusCode)
		}
		if got := len(body["tasks"].([]any)); got != 2 {
			t.Fatalf("got %d pending tasks", got)
		}
	})

	t.Run("no filter at all", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodGet, "/api/tasks", nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status %d", resp.StatusCode)
		}
	})
}

func TestSwarmRunEndpoint(t *testing.T) {
	env := newTestEnv(t, "")

	t.Run("single team", func(t *testing.T) {
		resp, body := env.do(t, http.MethodPost, "/api/swarm/runs", map[string]any{
			"teams":     []string{"finance-billing"},
			"objective": "close the monthly books",
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status %d body %v", resp.StatusCode, body)
		}
		if body["status"].(string) != "completed" {
			t.Fatalf("run status = %v", body["status"])
		}
		teams := body["teams"].([]any)
		if len(teams) != 1 || teams[0].(map[string]any)["team"].(string) != "finance-billing" {
			t.Fatalf("teams = %v", teams)
		}
	})

	t.Run("empty team list", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodPost, "/api/swarm/runs", map[string]any{
			"teams":     []string{},
			"objective": "nothing",
		})
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status %d", resp.StatusCode)
		}
	})
}

func TestAllowedToolsEndpoint(t *testing.T) {
	env := newTestEnv(t, "")

	resp, body := env.do(t, http.MethodGet, "/api/tools/allowed?identity=Analyst&tier=external", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	tools := body["tools"].([]any)
	want := []string{"dashboard_metrics", "memory_search"}
	if len(tools) != len(want) {
		t.Fatalf("tools = %v", tools)
	}
	for i, name := range want {
		if tools[i].(string) != name {
			t.Fatalf("tools[%d] = %v, want %s", i, tools[i], name)
		}
	}

	resp, _ = env.do(t, http.MethodGet, "/api/tools/allowed?tier=root", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad tier: status %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, "")
	env.createTask(t, "user-m", "one open task")

	resp, body := env.do(t, http.MethodGet, "/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if got := body["tasks_total"].(float64); got < 1 {
		t.Fatalf("tasks_total = %v", got)
	}
	if _, ok := body["retry_queue_size"]; !ok {
		t.Fatal("retry_queue_size missing")
	}
}

func TestTeamsEndpoint(t *testing.T) {
	env := newTestEnv(t, "")
	resp, body := env.do(t, http.MethodGet, "/api/teams", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	teams := body["teams"].([]any)
	if len(teams) == 0 {
		t.Fatal("no teams")
	}
	first := teams[0].(map[string]any)
	if first["name"].(string) == "" || first["lead"].(string) == "" {
		t.Fatalf("team = %v", first)
	}
}

func TestRequestInstrumentation(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	met, err := otelpkg.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test"))
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager := lifecycle.NewManager(lifecycle.Config{Logger: logger, Deliverer: nopDeliverer{}})
	srv := New(Config{Lifecycle: manager, Logger: logger, Metrics: met})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	for i := 0; i < 3; i++ {
		resp, err := http.Get(ts.URL + "/healthz")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	var samples uint64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "opscore.request.duration" {
				continue
			}
			h, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("request.duration data = %T", met.Data)
			}
			for _, dp := range h.DataPoints {
				samples += dp.Count
			}
		}
	}
	if samples != 3 {
		t.Fatalf("request.duration samples = %d, want 3", samples)
	}
}
