package hiring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opspawn/agentos/internal/llm"
	"github.com/opspawn/agentos/internal/registry"
)

type stubLLM struct {
	reply string
	err   error
	got   llm.Request
}

func (s *stubLLM) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.got = req
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Reply: s.reply}, nil
}

func TestHTTPInvokerPostsInvocation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var inv Invocation
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&inv))
		assert.Equal(t, "T", inv.TaskID)
		_ = json.NewEncoder(w).Encode(Result{Output: "echo:" + inv.Input})
	}))
	defer server.Close()

	invoker := NewHTTPInvoker(time.Second, "secret")
	result, err := invoker.Invoke(context.Background(), registry.Agent{ID: "a1", Endpoint: server.URL}, Invocation{TaskID: "T", Input: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", result.Output)
}

func TestHTTPInvokerSurfacesStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewHTTPInvoker(time.Second, "").Invoke(context.Background(), registry.Agent{ID: "a1", Endpoint: server.URL}, Invocation{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	_, err = NewHTTPInvoker(time.Second, "").Invoke(context.Background(), registry.Agent{ID: "a2"}, Invocation{})
	assert.Error(t, err)
}

func TestRouterPrefersInternalWorkers(t *testing.T) {
	router := &Router{
		Internal: map[string]Invoker{"internal-writer": echo("local")},
		Remote:   echo("remote"),
	}
	res, err := router.Invoke(context.Background(), registry.Agent{ID: "internal-writer"}, Invocation{})
	require.NoError(t, err)
	assert.Equal(t, "local", res.Output)

	res, err = router.Invoke(context.Background(), registry.Agent{ID: "ext"}, Invocation{})
	require.NoError(t, err)
	assert.Equal(t, "remote", res.Output)

	_, err = (&Router{}).Invoke(context.Background(), registry.Agent{ID: "ext"}, Invocation{})
	assert.Error(t, err)
}

func TestRouterSendsUnmappedInternalAgentsToLocal(t *testing.T) {
	router := &Router{Local: echo("pool"), Remote: echo("remote")}

	res, err := router.Invoke(context.Background(), registry.Agent{ID: "desk", Internal: true}, Invocation{})
	require.NoError(t, err)
	assert.Equal(t, "pool", res.Output)

	res, err = router.Invoke(context.Background(), registry.Agent{ID: "ext"}, Invocation{})
	require.NoError(t, err)
	assert.Equal(t, "remote", res.Output)
}

func TestLLMVerifierParsesVerdict(t *testing.T) {
	client := &stubLLM{reply: "```json\n{\"passed\": true, \"quality\": 0.8, \"notes\": \"solid\"}\n```"}
	v := NewLLMVerifier(client, 0.5)

	verdict, err := v.Verify(context.Background(), Check{TaskID: "T", Subtask: "s1", Capability: "research", Goal: "find facts", Result: Result{Output: "facts"}})
	require.NoError(t, err)
	assert.True(t, verdict.Passed)
	assert.InDelta(t, 0.8, verdict.Quality, 1e-9)
	assert.Equal(t, llm.PurposeVerify, client.got.Purpose)
	require.Len(t, client.got.History, 1)
	assert.Equal(t, "facts", client.got.History[0].Output)
}

func TestLLMVerifierAppliesThreshold(t *testing.T) {
	client := &stubLLM{reply: `{"passed": true, "quality": 0.3}`}
	verdict, err := NewLLMVerifier(client, 0.6).Verify(context.Background(), Check{Result: Result{Output: "meh"}})
	require.NoError(t, err)
	assert.False(t, verdict.Passed)

	empty, err := NewLLMVerifier(client, 0.6).Verify(context.Background(), Check{})
	require.NoError(t, err)
	assert.False(t, empty.Passed)
}

func TestLLMVerifierErrors(t *testing.T) {
	_, err := NewLLMVerifier(&stubLLM{err: errors.New("down")}, 0).Verify(context.Background(), Check{Result: Result{Output: "x"}})
	assert.Error(t, err)

	_, err = NewLLMVerifier(&stubLLM{reply: "not json"}, 0).Verify(context.Background(), Check{Result: Result{Output: "x"}})
	assert.Error(t, err)
}

func TestPredicateVerifiers(t *testing.T) {
	ok, err := NonEmpty().Verify(context.Background(), Check{Result: Result{Output: " x "}})
	require.NoError(t, err)
	assert.True(t, ok.Passed)
	assert.Equal(t, 1.0, ok.Quality)

	bad, err := NonEmpty().Verify(context.Background(), Check{Result: Result{Output: "  "}})
	require.NoError(t, err)
	assert.False(t, bad.Passed)
}
