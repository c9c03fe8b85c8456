package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hanrei/internal/agent"
	"github.com/ashita-ai/hanrei/internal/auth"
	"github.com/ashita-ai/hanrei/internal/court"
	"github.com/ashita-ai/hanrei/internal/lesson"
	"github.com/ashita-ai/hanrei/internal/model"
	"github.com/ashita-ai/hanrei/internal/redact"
	"github.com/ashita-ai/hanrei/internal/server"
	"github.com/ashita-ai/hanrei/internal/service/embedding"
	"github.com/ashita-ai/hanrei/internal/storage"
	"github.com/ashita-ai/hanrei/internal/testutil"
)

var (
	testSrv       *httptest.Server
	testDB        *storage.DB
	readerToken   string
	operatorToken string
	adminToken    string
)

const testAPIKey = "test-api-key"

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		os.Exit(1)
	}

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create JWT manager: %v\n", err)
		os.Exit(1)
	}
	apiKeyHash, err := auth.HashAPIKey(testAPIKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to hash API key: %v\n", err)
		os.Exit(1)
	}

	policy := redact.DefaultPolicy()
	provider := embedding.NewNoopProvider(1536)
	lessons := lesson.New(testDB, provider, logger)
	orchestrator := court.New(testDB, lessons, agent.NewHeuristicRunner(), policy, "heuristic", logger)

	srv := server.New(server.ServerConfig{
		DB:                  testDB,
		Logger:              logger,
		JWTMgr:              jwtMgr,
		APIKeyHash:          apiKeyHash,
		Courts:              orchestrator,
		Agents:              server.NewAgentRunner(testDB, logger),
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	})

	testSrv = httptest.NewServer(srv.Handler())

	readerToken = mustToken("reader-cli", "reader")
	operatorToken = mustToken("ops-cli", "operator")
	adminToken = mustToken("admin-cli", "admin")

	code := m.Run()
	testSrv.Close()
	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

func mustToken(name, role string) string {
	body, _ := json.Marshal(model.TokenRequest{Name: name, Role: role, APIKey: testAPIKey})
	resp, err := http.Post(testSrv.URL+"/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "token request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "token request returned %d\n", resp.StatusCode)
		os.Exit(1)
	}
	var envelope struct {
		Data model.TokenResponse `json:"data"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&envelope)
	return envelope.Data.Token
}

func doJSON(t *testing.T, method, path, token string, payload any) (*http.Response, map[string]any) {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, testSrv.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func createCase(t *testing.T, summary string) uuid.UUID {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, "/api/court/cases", operatorToken, model.CreateCaseRequest{
		Source:  map[string]any{"kind": "session", "repo": "acme/widgets"},
		Summary: summary,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	data := body["data"].(map[string]any)
	id, err := uuid.Parse(data["id"].(string))
	require.NoError(t, err)
	return id
}

func TestHealth(t *testing.T) {
	resp, body := doJSON(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, "test", data["version"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestAuthTokenRejectsBadKey(t *testing.T) {
	resp, body := doJSON(t, http.MethodPost, "/auth/token", "",
		model.TokenRequest{Name: "intruder", Role: "admin", APIKey: "wrong"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, model.ErrCodeUnauthorized, errObj["code"])
}

func TestAuthRequired(t *testing.T) {
	resp, _ := doJSON(t, http.MethodGet, "/api/court/cases", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, "/api/court/cases", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRoleEnforcement(t *testing.T) {
	// A reader can list cases but not create them.
	resp, _ := doJSON(t, http.MethodGet, "/api/court/cases", readerToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, "/api/court/cases", readerToken, model.CreateCaseRequest{
		Source: map[string]any{"kind": "session"},
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Prompt review is admin-only.
	resp, _ = doJSON(t, http.MethodPost,
		"/api/court/prompt-updates/"+uuid.NewString()+"/review", operatorToken,
		model.ReviewPromptUpdateRequest{Approve: true})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCaseLifecycle(t *testing.T) {
	id := createCase(t, "Session about cache invalidation")

	resp, body := doJSON(t, http.MethodGet, "/api/court/cases/"+id.String(), readerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.Equal(t, "Session about cache invalidation", data["summary"])
	assert.Equal(t, "open", data["status"])

	resp, body = doJSON(t, http.MethodGet, "/api/court/cases/"+id.String()+"/events", readerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["count"])
}

func TestGetCaseNotFound(t *testing.T) {
	resp, body := doJSON(t, http.MethodGet, "/api/court/cases/"+uuid.NewString(), readerToken, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, model.ErrCodeNotFound, errObj["code"])

	resp, _ = doJSON(t, http.MethodGet, "/api/court/cases/not-a-uuid", readerToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateCaseRefusesUnredactedSecret(t *testing.T) {
	resp, body := doJSON(t, http.MethodPost, "/api/court/cases", operatorToken, model.CreateCaseRequest{
		Source:  map[string]any{"kind": "session", "note": "key is sk-proj-abcdefghij1234567890"},
		Summary: "leaky case",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, model.ErrCodeInvalidInput, errObj["code"])
	assert.Contains(t, errObj["message"], "unredacted")
}

func TestCourtRunOverSeededCase(t *testing.T) {
	id := createCase(t, "Agent session with one failure")
	for _, ev := range []model.CaseEvent{
		{CaseID: id, EventType: model.EventModelCall, ActorType: model.ActorAI, ActorID: "response", Content: "drafting reply"},
		{CaseID: id, EventType: model.EventError, ActorType: model.ActorSystem, ActorID: "runtime", Content: "timeout waiting for API"},
		{CaseID: id, EventType: model.EventModelResult, ActorType: model.ActorAI, ActorID: "response", Content: "reply drafted"},
	} {
		_, err := testDB.AppendCaseEvent(context.Background(), ev)
		require.NoError(t, err)
	}

	resp, body := doJSON(t, http.MethodPost, "/api/court/run", operatorToken,
		model.CourtRunRequest{CaseID: id})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := body["data"].(map[string]any)
	run := data["run"].(map[string]any)
	assert.Equal(t, string(model.CourtRunCompleted), run["status"])
	require.NotNil(t, data["judgement"], "a heuristic run over a clean case should persist a judgement")

	runID, err := uuid.Parse(run["id"].(string))
	require.NoError(t, err)
	resp, body = doJSON(t, http.MethodGet, "/api/court/runs/"+runID.String(), readerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	fetched := body["data"].(map[string]any)
	assert.Equal(t, string(model.CourtRunCompleted), fetched["status"])

	// The run journaled stage progress onto the case.
	resp, body = doJSON(t, http.MethodGet, "/api/court/cases/"+id.String()+"/events?limit=100", readerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Greater(t, body["count"].(float64), float64(10))
}

func TestCourtRunStreamSSE(t *testing.T) {
	id := createCase(t, "Streamed session")
	_, err := testDB.AppendCaseEvent(context.Background(), model.CaseEvent{
		CaseID: id, EventType: model.EventModelResult, ActorType: model.ActorAI, ActorID: "response", Content: "done",
	})
	require.NoError(t, err)

	payload, err := json.Marshal(map[string]string{"case_id": id.String()})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, testSrv.URL+"/api/court/run/stream", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+operatorToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			events = append(events, strings.TrimPrefix(line, "event: "))
		}
	}

	assert.Contains(t, events, "start")
	assert.Contains(t, events, "stage_start")
	assert.Contains(t, events, "stage_complete")
	assert.Contains(t, events, "complete")
	require.NotEmpty(t, events)
	assert.Equal(t, "result", events[len(events)-1], "terminal message carries the finished run")
}

func TestCourtRunStreamRejectsBadCaseID(t *testing.T) {
	resp, _ := doJSON(t, http.MethodPost, "/api/court/run/stream", operatorToken, map[string]string{"case_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLessonsListedAfterRun(t *testing.T) {
	resp, body := doJSON(t, http.MethodGet, "/api/court/lessons?role=judge", readerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, ok := body["data"].([]any)
	assert.True(t, ok || body["data"] == nil)
}

func TestPromptUpdateReviewFlow(t *testing.T) {
	caseID := createCase(t, "Prompt update source case")
	update, err := testDB.InsertPromptUpdate(context.Background(), model.PromptUpdate{
		CaseID:   &caseID,
		Role:     "defense",
		Proposal: "Cite at least one concrete event in every praise.",
		Reason:   "Unanchored praise keeps slipping through.",
		Status:   model.PromptProposed,
	})
	require.NoError(t, err)

	// Apply before approval is a conflict.
	resp, _ := doJSON(t, http.MethodPost,
		"/api/court/prompt-updates/"+update.ID.String()+"/apply", adminToken, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost,
		"/api/court/prompt-updates/"+update.ID.String()+"/review", adminToken,
		model.ReviewPromptUpdateRequest{Approve: true, Comment: "sensible"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.Equal(t, string(model.PromptApproved), data["status"])
	assert.Equal(t, "admin-cli", data["approved_by"])

	resp, body = doJSON(t, http.MethodPost,
		"/api/court/prompt-updates/"+update.ID.String()+"/apply", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	prompt := body["data"].(map[string]any)
	assert.Equal(t, "defense", prompt["role"])
	assert.Equal(t, true, prompt["is_active"])

	// The applied prompt is now the role's active prompt.
	resp, body = doJSON(t, http.MethodGet, "/api/court/roles/defense/prompt", readerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	active := body["data"].(map[string]any)
	assert.Equal(t, prompt["id"], active["id"])
}

func TestAgentAnalyzeAndResponse(t *testing.T) {
	issue := model.AnalyzeIssueRequest{
		Number: 42,
		Title:  "Crash when cache TTL expires",
		Body:   "Steps: set TTL to 1s, wait, get. Stack trace attached. panic: nil map",
		Labels: []string{"bug"},
	}

	resp, body := doJSON(t, http.MethodPost, "/api/agents/analyze", operatorToken, issue)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.Equal(t, string(agent.IssueBug), data["issue_type"])

	resp, body = doJSON(t, http.MethodPost, "/api/agents/response", operatorToken,
		model.DraftResponseRequest{Issue: issue})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data = body["data"].(map[string]any)
	draft := data["draft"].(map[string]any)
	assert.NotEmpty(t, draft["body"])
}

func TestAgentRunRecordsCase(t *testing.T) {
	resp, body := doJSON(t, http.MethodPost, "/api/agents/run", operatorToken, model.AgentRunRequest{
		Repo: "acme/widgets",
		Issue: model.AnalyzeIssueRequest{
			Number: 7,
			Title:  "How do I configure redis caching?",
			Body:   "The docs do not mention the cache settings.",
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	caseID, err := uuid.Parse(data["case_id"].(string))
	require.NoError(t, err)

	resp, body = doJSON(t, http.MethodGet, "/api/court/cases/"+caseID.String()+"/events", readerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(4), body["count"], "one artifact per pipeline step")
}

func TestSearchUnconfigured(t *testing.T) {
	resp, _ := doJSON(t, http.MethodPost, "/api/search", readerToken,
		model.SearchAPIRequest{Query: "cache"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBodyTooLarge(t *testing.T) {
	huge := strings.Repeat("x", 2<<20)
	resp, _ := doJSON(t, http.MethodPost, "/api/court/cases", operatorToken, model.CreateCaseRequest{
		Source:  map[string]any{"kind": "session", "blob": huge},
		Summary: "too big",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
