package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/versecraft/internal/config"
	"github.com/ent0n29/versecraft/internal/execution"
	"github.com/ent0n29/versecraft/internal/hub"
	"github.com/ent0n29/versecraft/internal/llm"
	"github.com/ent0n29/versecraft/internal/observability"
	"github.com/ent0n29/versecraft/internal/parser"
	"github.com/ent0n29/versecraft/internal/prompts"
	"github.com/ent0n29/versecraft/internal/repository"
	"github.com/ent0n29/versecraft/internal/session"
	"github.com/ent0n29/versecraft/internal/taskruntime"
	"github.com/ent0n29/versecraft/internal/tasks"
	"github.com/ent0n29/versecraft/internal/workflow"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()

	repo := repository.NewInMemory()
	require.NoError(t, repo.SavePoem(ctx, workflow.Poem{
		ID: "p1", Title: "Quiet Night", Author: "Li Bai", Text: "Moonlight before my bed", SourceLang: "en",
	}))
	builder, err := prompts.Default()
	require.NoError(t, err)
	sequencer := workflow.NewSequencer(builder)
	metrics := observability.NewMetrics("test_httpapi")

	streams := hub.New(hub.Config{Metrics: metrics}, nil)
	store := tasks.NewStore(tasks.StoreConfig{Notifier: streams})
	streams.SetStore(store)
	runner := execution.NewRunner(llm.NewMockCaller(), execution.Config{Metrics: metrics})
	svc := taskruntime.New(taskruntime.Config{Metrics: metrics}, store, streams, repo, sequencer, parser.New(), runner)
	sessions := session.NewManager(session.Config{Metrics: metrics}, repo, sequencer, parser.New())

	cfg := config.Config{SessionMaxAge: time.Hour}
	ts := httptest.NewServer(New(cfg, svc, sessions, repo, metrics, nil).Router())
	t.Cleanup(func() {
		ts.Close()
		_ = svc.Close()
		store.Close()
	})
	return ts
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(res.Body).Decode(out))
	}
	return res.StatusCode
}

func startTask(t *testing.T, ts *httptest.Server, mode string) string {
	t.Helper()
	var started startWorkflowResponse
	code := doJSON(t, http.MethodPost, ts.URL+"/v1/workflows", map[string]string{
		"poem_id": "p1", "target_lang": "zh", "mode": mode,
	}, &started)
	require.Equal(t, http.StatusAccepted, code)
	require.NotEmpty(t, started.TaskID)
	return started.TaskID
}

func waitCompleted(t *testing.T, ts *httptest.Server, id string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var task map[string]any
		require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/v1/tasks/"+id, nil, &task))
		if task["status"] == "completed" {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not complete in time", id)
	return nil
}

func TestHealthReadyAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	var health map[string]any
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/healthz", nil, &health))
	assert.Equal(t, "ok", health["status"])

	var ready map[string]any
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/readyz", nil, &ready))
	assert.Equal(t, "ready", ready["status"])
	assert.EqualValues(t, 0, ready["active_tasks"])

	res, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), "test_httpapi_http_requests_total")
}

func TestWorkflowLifecycle(t *testing.T) {
	ts := newTestServer(t)
	id := startTask(t, ts, "hybrid")

	task := waitCompleted(t, ts, id)
	assert.Equal(t, id, task["task_id"])
	assert.EqualValues(t, 100, task["progress"])
	result, ok := task["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Revised translation", result["revised_translation"])

	var stored workflow.Result
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/v1/results/"+id, nil, &stored))
	assert.Equal(t, workflow.ModeHybrid, stored.Mode)

	var cancelled cancelTaskResponse
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, ts.URL+"/v1/tasks/"+id+"/cancel", nil, &cancelled))
	assert.False(t, cancelled.Cancelled)

	var stats observability.StepStatsSnapshot
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/v1/stats/steps", nil, &stats))
	require.Len(t, stats.Steps, 3)
	for _, st := range stats.Steps {
		assert.Equal(t, 1, st.Samples)
		assert.Equal(t, 0, st.Errors)
	}
}

func TestErrorResponses(t *testing.T) {
	tests := map[string]struct {
		method  string
		path    string
		body    any
		expCode int
		expErr  string
	}{
		"unknown poem": {
			method:  http.MethodPost,
			path:    "/v1/workflows",
			body:    map[string]string{"poem_id": "nope", "target_lang": "zh", "mode": "hybrid"},
			expCode: http.StatusNotFound,
			expErr:  "poem_not_found",
		},
		"invalid mode": {
			method:  http.MethodPost,
			path:    "/v1/workflows",
			body:    map[string]string{"poem_id": "p1", "target_lang": "zh", "mode": "fast"},
			expCode: http.StatusBadRequest,
			expErr:  "invalid_mode",
		},
		"manual mode on automated route": {
			method:  http.MethodPost,
			path:    "/v1/workflows",
			body:    map[string]string{"poem_id": "p1", "target_lang": "zh", "mode": "manual"},
			expCode: http.StatusBadRequest,
			expErr:  "invalid_mode",
		},
		"missing poem id": {
			method:  http.MethodPost,
			path:    "/v1/workflows",
			body:    map[string]string{"target_lang": "zh"},
			expCode: http.StatusBadRequest,
			expErr:  "invalid_request",
		},
		"unknown task": {
			method:  http.MethodGet,
			path:    "/v1/tasks/missing",
			expCode: http.StatusNotFound,
			expErr:  "task_not_found",
		},
		"unknown task stream": {
			method:  http.MethodGet,
			path:    "/v1/tasks/missing/events",
			expCode: http.StatusNotFound,
			expErr:  "task_not_found",
		},
		"unknown result": {
			method:  http.MethodGet,
			path:    "/v1/results/missing",
			expCode: http.StatusNotFound,
			expErr:  "result_not_found",
		},
		"unknown manual session": {
			method:  http.MethodPost,
			path:    "/v1/manual/sessions/missing/steps",
			body:    map[string]string{"step_name": "initial_translation", "llm_response": "{}"},
			expCode: http.StatusNotFound,
			expErr:  "session_not_found",
		},
		"invalid poem": {
			method:  http.MethodPost,
			path:    "/v1/poems",
			body:    map[string]string{"id": "p2"},
			expCode: http.StatusBadRequest,
			expErr:  "invalid_poem",
		},
		"poem without title": {
			method:  http.MethodPost,
			path:    "/v1/poems",
			body:    map[string]string{"id": "p2", "text": "t", "source_lang": "en"},
			expCode: http.StatusBadRequest,
			expErr:  "invalid_poem",
		},
	}

	ts := newTestServer(t)
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			var body errorResponse
			code := doJSON(t, test.method, ts.URL+test.path, test.body, &body)
			assert.Equal(t, test.expCode, code)
			assert.Equal(t, test.expErr, body.Code)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestCancelUnknownTask(t *testing.T) {
	ts := newTestServer(t)
	var res cancelTaskResponse
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, ts.URL+"/v1/tasks/missing/cancel", nil, &res))
	assert.Equal(t, "missing", res.TaskID)
	assert.False(t, res.Cancelled)
}

func TestTaskEventsSSE(t *testing.T) {
	ts := newTestServer(t)
	id := startTask(t, ts, "non_reasoning")
	waitCompleted(t, ts, id)

	res, err := http.Get(ts.URL + "/v1/tasks/" + id + "/events")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	var names []string
	for _, block := range strings.Split(strings.TrimSpace(string(body)), "\n\n") {
		lines := strings.Split(block, "\n")
		require.Len(t, lines, 2)
		require.True(t, strings.HasPrefix(lines[0], "event: "))
		require.True(t, strings.HasPrefix(lines[1], "data: "))
		names = append(names, strings.TrimPrefix(lines[0], "event: "))

		var payload hub.Payload
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &payload))
		assert.Equal(t, id, payload.TaskID)
	}
	assert.Equal(t, []string{"connected", "status", "completed"}, names)
}

func TestTaskEventsWebSocket(t *testing.T) {
	ts := newTestServer(t)
	id := startTask(t, ts, "reasoning")
	waitCompleted(t, ts, id)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/tasks/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var got []hub.EventType
	for i := 0; i < 3; i++ {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var ev hub.Event
		require.NoError(t, conn.ReadJSON(&ev))
		assert.Equal(t, tasks.StatusCompleted, ev.Data.Status)
		got = append(got, ev.Type)
	}
	assert.Equal(t, []hub.EventType{hub.EventConnected, hub.EventStatus, hub.EventCompleted}, got)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestManualSessionFlow(t *testing.T) {
	ts := newTestServer(t)
	mock := llm.NewMockCaller()

	var prompt session.StepPrompt
	require.Equal(t, http.StatusCreated, doJSON(t, http.MethodPost, ts.URL+"/v1/manual/sessions", map[string]string{
		"poem_id": "p1", "target_lang": "ja",
	}, &prompt))
	require.NotEmpty(t, prompt.SessionID)
	assert.Equal(t, "initial_translation", prompt.StepName)
	assert.Equal(t, 3, prompt.TotalSteps)

	var listed struct {
		Sessions []session.Session `json:"sessions"`
	}
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/v1/manual/sessions", nil, &listed))
	require.Len(t, listed.Sessions, 1)

	step := prompt.StepName
	var res session.SubmitResult
	for i := 0; i < prompt.TotalSteps; i++ {
		raw, err := mock.Invoke(context.Background(), workflow.StepName(step), workflow.Prompt{}, "chat-ui")
		require.NoError(t, err)
		res = session.SubmitResult{}
		require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, ts.URL+"/v1/manual/sessions/"+prompt.SessionID+"/steps",
			map[string]string{"step_name": step, "llm_response": raw, "model_name": "chat-ui"}, &res))
		step = res.StepName
	}
	assert.Equal(t, session.StatusCompleted, res.Status)
	require.NotNil(t, res.Result)
	assert.Equal(t, "ja", res.Result.TargetLang)

	var missing errorResponse
	require.Equal(t, http.StatusNotFound, doJSON(t, http.MethodGet, ts.URL+"/v1/manual/sessions/"+prompt.SessionID, nil, &missing))

	var cleaned cleanupResponse
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, ts.URL+"/v1/manual/sessions/cleanup", map[string]float64{"max_age_hours": 1}, &cleaned))
	assert.Equal(t, 0, cleaned.Removed)
}

func TestManualSubmitParseErrorAndStepMismatch(t *testing.T) {
	ts := newTestServer(t)

	var prompt session.StepPrompt
	require.Equal(t, http.StatusCreated, doJSON(t, http.MethodPost, ts.URL+"/v1/manual/sessions", map[string]string{
		"poem_id": "p1", "target_lang": "ko",
	}, &prompt))
	url := ts.URL + "/v1/manual/sessions/" + prompt.SessionID + "/steps"

	var body errorResponse
	require.Equal(t, http.StatusUnprocessableEntity, doJSON(t, http.MethodPost, url,
		map[string]string{"step_name": "initial_translation", "llm_response": "no json here"}, &body))
	assert.Equal(t, "parse_error", body.Code)

	body = errorResponse{}
	require.Equal(t, http.StatusConflict, doJSON(t, http.MethodPost, url,
		map[string]string{"step_name": "translator_revision", "llm_response": "{}"}, &body))
	assert.Equal(t, "step_mismatch", body.Code)

	var sess session.Session
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/v1/manual/sessions/"+prompt.SessionID, nil, &sess))
	assert.Equal(t, 0, sess.CurrentStepIndex)
}

func TestPoems(t *testing.T) {
	ts := newTestServer(t)

	var saved workflow.Poem
	require.Equal(t, http.StatusCreated, doJSON(t, http.MethodPost, ts.URL+"/v1/poems", workflow.Poem{
		ID: "p2", Title: "Ozymandias", Text: "I met a traveller from an antique land", SourceLang: "EN",
	}, &saved))
	assert.Equal(t, "en", saved.SourceLang)

	var listed struct {
		Poems []workflow.Poem `json:"poems"`
	}
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/v1/poems", nil, &listed))
	require.Len(t, listed.Poems, 2)
	assert.Equal(t, "p1", listed.Poems[0].ID)
	assert.Equal(t, "p2", listed.Poems[1].ID)
}
