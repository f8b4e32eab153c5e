package llm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mitoshi/internal/model"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNew_ProviderSelection(t *testing.T) {
	r, err := New(Config{}, discard())
	require.NoError(t, err)
	assert.IsType(t, Noop{}, r)

	r, err = New(Config{Model: "llama3.1"}, discard())
	require.NoError(t, err)
	assert.IsType(t, &Ollama{}, r)

	r, err = New(Config{OpenAIAPIKey: "sk-test"}, discard())
	require.NoError(t, err)
	assert.IsType(t, &OpenAI{}, r)

	_, err = New(Config{Provider: "openai"}, discard())
	assert.Error(t, err)
	_, err = New(Config{Provider: "bard"}, discard())
	assert.Error(t, err)
}

func TestNoop(t *testing.T) {
	_, err := Noop{}.Reason(context.Background(), "p", "c")
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestOllama_Reason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3.1", req.Model)
		assert.False(t, req.Stream)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "why?", req.Messages[1].Content)
		_, _ = w.Write([]byte(`{"message":{"content":"ROOT_CAUSE: content"}}`))
	}))
	defer srv.Close()

	out, err := NewOllama(srv.URL, "llama3.1", time.Second).Reason(context.Background(), "why?", SystemContext)
	require.NoError(t, err)
	assert.Equal(t, "ROOT_CAUSE: content", out)
}

func TestOpenAI_ReasonAndStatusError(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":"quota"}`))
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"REASONING: fine"}}]}`))
	}))
	defer srv.Close()

	o := NewOpenAI("sk-test", "", time.Second)
	o.url = srv.URL
	assert.Equal(t, "gpt-4o-mini", o.model)

	out, err := o.Reason(context.Background(), "p", "")
	require.NoError(t, err)
	assert.Equal(t, "REASONING: fine", out)

	status = http.StatusTooManyRequests
	_, err = o.Reason(context.Background(), "p", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.NotErrorIs(t, err, model.ErrDependencyTimeout)
}

func TestReason_TimeoutIsDependencyTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewOllama(srv.URL, "m", 50*time.Millisecond).Reason(context.Background(), "p", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrDependencyTimeout)
}

func TestReason_ParentCancelIsNotTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewOllama("http://127.0.0.1:1", "m", time.Second).Reason(ctx, "p", "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, model.ErrDependencyTimeout)
}

func TestParseDiagnosis(t *testing.T) {
	res, err := ParseDiagnosis(`Here you go.
ROOT_CAUSE: [Algorithmic]
CONFIDENCE: 0.72
EVIDENCE: position fell 4.1; impressions flat ;
REASONING: Rankings slipped while demand held.`)
	require.NoError(t, err)
	assert.Equal(t, model.RootCauseAlgorithmic, res.RootCause)
	assert.InDelta(t, 0.72, res.Confidence, 1e-9)
	assert.Equal(t, []string{"position fell 4.1", "impressions flat"}, res.Evidence)
	assert.Equal(t, "Rankings slipped while demand held.", res.Reasoning)

	res, err = ParseDiagnosis("root_cause: seasonal\nconfidence: 80%")
	require.NoError(t, err)
	assert.InDelta(t, 0.8, res.Confidence, 1e-9)

	for _, bad := range []string{
		"no structure at all",
		"ROOT_CAUSE: gremlins",
		"ROOT_CAUSE: content\nCONFIDENCE: high",
		"ROOT_CAUSE: content\nCONFIDENCE: 1.7",
	} {
		_, err := ParseDiagnosis(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseStrategy(t *testing.T) {
	res, err := ParseStrategy("PRIORITY: 2\nREASONING: Fix the crawl errors first.")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Priority)

	res, err = ParseStrategy("PRIORITY: 9\nREASONING: ok")
	require.NoError(t, err)
	assert.Zero(t, res.Priority)

	_, err = ParseStrategy("PRIORITY: 1")
	assert.Error(t, err)
}

func TestDiagnosisPrompt_SortsMetrics(t *testing.T) {
	p := DiagnosisPrompt(DiagnosisInput{
		Finding: model.Finding{
			Property: "example.com",
			Summary:  "clicks down",
			Severity: model.SeverityHigh,
			Metrics:  map[string]float64{"z": 1, "a": 2.5},
		},
		RuleCause:      model.RootCauseContent,
		RuleConfidence: 0.6,
	})
	assert.Contains(t, p, "  a: 2.5\n  z: 1")
	assert.Contains(t, p, "Affected entities: (none)")
	assert.Contains(t, p, "content (confidence 0.60)")
}
