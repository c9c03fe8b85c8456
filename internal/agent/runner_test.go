package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hanrei/internal/model"
	"github.com/ashita-ai/hanrei/internal/storage"
	"github.com/ashita-ai/hanrei/internal/testutil"
)

func courtInput() map[string]any {
	return map[string]any{
		"case": map[string]any{
			"id":      "7c2f7a3e-9d61-4f53-bd4a-10f2f3f3f3f3",
			"source":  "response",
			"summary": "Drafted a reply for issue #12",
		},
		"events": []any{
			map[string]any{"id": "ev-1", "event_type": "model_call", "content": "run started"},
			map[string]any{"id": "ev-2", "event_type": "error", "content": "tool call timed out"},
			map[string]any{"id": "ev-3", "event_type": "model_result", "content": "draft produced"},
		},
	}
}

func TestHeuristicRunnerFanoutStagesValidate(t *testing.T) {
	runner := NewHeuristicRunner()
	input := courtInput()

	for _, stage := range model.FanoutStages {
		res, err := runner.Run(context.Background(), stage, input, nil)
		require.NoError(t, err, stage)
		_, err = model.ParseStageOutput(stage, res.Output)
		require.NoError(t, err, stage)
		assert.Equal(t, "heuristic", res.Meta["runner"])
	}
}

func TestHeuristicRunnerProsecutorFindsError(t *testing.T) {
	res, err := NewHeuristicRunner().Run(context.Background(), model.StageProsecutor, courtInput(), nil)
	require.NoError(t, err)

	out, err := model.ParseStageOutput(model.StageProsecutor, res.Output)
	require.NoError(t, err)
	require.NotNil(t, out.Prosecutor)
	require.Len(t, out.Prosecutor.Criticisms, 1)
	assert.Contains(t, out.Prosecutor.Criticisms[0], "tool call timed out")
	require.Len(t, out.Prosecutor.CandidateLessons, 1)
	assert.Equal(t, "response", out.Prosecutor.CandidateLessons[0].Role)
	assert.Equal(t, []string{"ev-2"}, out.Prosecutor.CandidateLessons[0].EvidenceEventIDs)
}

func TestHeuristicRunnerJudgeSelectsByConfidence(t *testing.T) {
	strong := map[string]any{
		"role": "response", "polarity": "dont", "title": "Strong",
		"content": "c", "confidence": 0.7,
	}
	weak := map[string]any{
		"role": "response", "polarity": "do", "title": "Weak",
		"content": "c", "confidence": 0.3,
	}
	input := map[string]any{
		"stage_outputs": map[string]any{
			"prosecutor": map[string]any{"candidate_lessons": []any{strong}},
			"defense":    map[string]any{"candidate_lessons": []any{weak}},
			"jury":       map[string]any{"candidate_lessons": []any{strong}}, // duplicate title
		},
	}

	res, err := NewHeuristicRunner().Run(context.Background(), model.StageJudge, input, nil)
	require.NoError(t, err)

	out, err := model.ParseStageOutput(model.StageJudge, res.Output)
	require.NoError(t, err)
	require.NotNil(t, out.Judge)
	require.Len(t, out.Judge.SelectedLessons, 1)
	assert.Equal(t, "Strong", out.Judge.SelectedLessons[0].Title)
	require.Len(t, out.Judge.DeferredLessons, 1)
	assert.Equal(t, "Weak", out.Judge.DeferredLessons[0].Lesson.Title)
	assert.Contains(t, out.Judge.DeferredLessons[0].Reason, "below")
}

func TestHeuristicRunnerUnknownStage(t *testing.T) {
	_, err := NewHeuristicRunner().Run(context.Background(), model.Stage("bailiff"), nil, nil)
	assert.Error(t, err)
}

func TestModelForEnvOverride(t *testing.T) {
	assert.Equal(t, "gpt-4.1-mini", ModelFor(TaskJudge))
	t.Setenv("OPENAI_MODEL_JUDGE", "gpt-5")
	assert.Equal(t, "gpt-5", ModelFor(TaskJudge))
	// Tasks without a default fall back to the judge's.
	assert.Equal(t, "gpt-4.1-mini", ModelFor(Task("prosecutor")))
	t.Setenv("OPENAI_MODEL_PROSECUTOR", "gpt-4.1")
	assert.Equal(t, "gpt-4.1", ModelFor(Task("prosecutor")))
}

type fakePrompts struct {
	prompts map[string]string
}

func (f *fakePrompts) GetActiveRolePrompt(_ context.Context, role string) (model.RolePrompt, error) {
	if p, ok := f.prompts[role]; ok {
		return model.RolePrompt{Role: role, Version: 1, Prompt: p, IsActive: true}, nil
	}
	return model.RolePrompt{}, storage.ErrNotFound
}

func TestLLMRunnerRoundTrip(t *testing.T) {
	var gotReq chatRequest
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		resp := map[string]any{
			"choices": []any{map[string]any{
				"message":       map[string]any{"content": `{"praises":[],"candidate_lessons":[]}`},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 11, "completion_tokens": 7, "total_tokens": 18},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	logger := testutil.TestLogger()
	llm := NewLLMClient("sk-test", logger, WithBaseURL(srv.URL))
	runner := NewLLMRunner(llm, &fakePrompts{prompts: map[string]string{"defense": "You defend."}}, logger)

	res, err := runner.Run(context.Background(), model.StageDefense, courtInput(), nil)
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "You defend.", gotReq.Messages[0].Content)
	assert.Equal(t, 0.2, gotReq.Temperature)
	assert.Equal(t, 600, gotReq.MaxTokens)
	assert.Equal(t, map[string]any{"type": "json_object"}, gotReq.ResponseFormat)

	_, err = model.ParseStageOutput(model.StageDefense, res.Output)
	require.NoError(t, err)
	assert.EqualValues(t, 18, res.Usage["total_tokens"])
}

func TestLLMRunnerFallsBackToDefaultPrompt(t *testing.T) {
	var system string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		system = req.Messages[0].Content
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"observations\":[],\"risks\":[],\"missing_info\":[],\"candidate_lessons\":[]}"}}],"usage":{}}`))
	}))
	defer srv.Close()

	logger := testutil.TestLogger()
	llm := NewLLMClient("sk-test", logger, WithBaseURL(srv.URL))
	runner := NewLLMRunner(llm, &fakePrompts{}, logger)

	_, err := runner.Run(context.Background(), model.StageJury, courtInput(), nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultStagePrompt(model.StageJury), system)
}

func TestLLMClientRequiresKey(t *testing.T) {
	llm := NewLLMClient("", testutil.TestLogger())
	_, _, err := llm.GenerateJSON(context.Background(), TaskJudge, "s", "u")
	assert.ErrorContains(t, err, "OPENAI_API_KEY")
}

func TestLLMClientRejectsNonJSONContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"not json"}}],"usage":{}}`))
	}))
	defer srv.Close()

	llm := NewLLMClient("sk-test", testutil.TestLogger(), WithBaseURL(srv.URL))
	_, _, err := llm.GenerateJSON(context.Background(), TaskJudge, "s", "u")
	assert.ErrorContains(t, err, "not valid JSON")
}
