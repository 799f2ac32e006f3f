package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shanehull/bsescraper/internal/layout"
	"github.com/shanehull/bsescraper/internal/retry"
	"github.com/shanehull/bsescraper/internal/store"
	"github.com/shanehull/bsescraper/internal/types"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "Yes", want: AnswerYes},
		{in: "NO.", want: AnswerNo},
		{in: "yes, the dividend is declared", want: AnswerYes},
		{in: "No. Yes would require a record date.", want: AnswerNo},
		{in: "Nothing in the document says so", want: AnswerUnclear},
		{in: "Yesterday's meeting", want: AnswerUnclear},
		{in: "", want: AnswerUnclear},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 100))
	assert.Equal(t, "unbounded", Truncate("unbounded", 0))

	text := strings.Repeat("a", 400) + strings.Repeat("m", 200) + strings.Repeat("z", 400)
	got := Truncate(text, 100)

	want := strings.Repeat("a", 40) + beginningMarker + strings.Repeat("m", 20) + middleMarker + strings.Repeat("z", 40)
	assert.Equal(t, want, got)
}

func TestTruncate_MultiByte(t *testing.T) {
	text := strings.Repeat("₹", 500)
	got := Truncate(text, 50)
	assert.Equal(t, 50, strings.Count(got, "₹"))
}

func TestBuildUserPrompt(t *testing.T) {
	p := buildUserPrompt("Board approved a final dividend.", "Is there a dividend?", 5000)
	assert.Contains(t, p, "Board approved a final dividend.")
	assert.Contains(t, p, "Is there a dividend?")
	assert.Contains(t, p, "just Yes or NO")
}

func newOllamaServer(t *testing.T, handler func(w http.ResponseWriter, req generateRequest)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			_, _ = w.Write([]byte(`{"models":[{"name":"tinyllama:latest"},{"name":"llama3:8b"}]}`))
		case "/api/generate":
			var req generateRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			handler(w, req)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOllamaClient_Generate(t *testing.T) {
	srv := newOllamaServer(t, func(w http.ResponseWriter, req generateRequest) {
		assert.Equal(t, "tinyllama:latest", req.Model)
		assert.False(t, req.Stream)
		assert.Equal(t, "hello", req.Prompt)
		_, _ = w.Write([]byte(`{"model":"tinyllama:latest","response":"  Yes\n","done":true}`))
	})

	out, err := NewOllamaClient(srv.URL+"/", "tinyllama:latest").Generate(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "Yes", out)
}

func TestOllamaClient_GenerateErrors(t *testing.T) {
	t.Run("missing response field", func(t *testing.T) {
		srv := newOllamaServer(t, func(w http.ResponseWriter, _ generateRequest) {
			_, _ = w.Write([]byte(`{"done":true}`))
		})
		_, err := NewOllamaClient(srv.URL, "m").Generate(context.Background(), "p")
		require.ErrorContains(t, err, "unexpected response format")
	})

	t.Run("server error", func(t *testing.T) {
		srv := newOllamaServer(t, func(w http.ResponseWriter, _ generateRequest) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"out of memory"}`))
		})
		_, err := NewOllamaClient(srv.URL, "m").Generate(context.Background(), "p")
		require.ErrorContains(t, err, "status 500: out of memory")
	})
}

func TestOllamaClient_Available(t *testing.T) {
	srv := newOllamaServer(t, nil)

	assert.NoError(t, NewOllamaClient(srv.URL, "tinyllama").Available(context.Background()))
	assert.NoError(t, NewOllamaClient(srv.URL, "tinyllama:latest").Available(context.Background()))
	assert.NoError(t, NewOllamaClient(srv.URL, "llama3:8b").Available(context.Background()))

	err := NewOllamaClient(srv.URL, "mistral").Available(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "ollama pull mistral")

	err = NewOllamaClient("http://127.0.0.1:1", "tinyllama").Available(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestNewAnswerer(t *testing.T) {
	a, err := NewAnswerer(context.Background(), Config{Backend: BackendOllama, BaseURL: "http://localhost:11434", Model: "tinyllama"})
	require.NoError(t, err)
	assert.IsType(t, &OllamaClient{}, a)

	_, err = NewAnswerer(context.Background(), Config{Backend: BackendGemini})
	require.ErrorIs(t, err, ErrUnavailable)

	_, err = NewAnswerer(context.Background(), Config{Backend: "openai"})
	require.Error(t, err)
}

// scriptedAnswerer replies per question, failing the first failures[q] calls.
type scriptedAnswerer struct {
	answers  map[string]string
	failures map[string]int
	calls    atomic.Int32
	seen     map[string]int
}

func (s *scriptedAnswerer) Generate(ctx context.Context, prompt string) (string, error) {
	s.calls.Add(1)
	for q, a := range s.answers {
		if !strings.Contains(prompt, q) {
			continue
		}
		s.seen[q]++
		if s.seen[q] <= s.failures[q] {
			return "", errors.New("connection reset")
		}
		return a, nil
	}
	return "", errors.New("unknown question")
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func testAnnouncement() types.Announcement {
	return types.Announcement{
		Date:        "24-02-2025",
		CompanyName: "Infosys Ltd",
		ScriptID:    "500209",
		Description: "Outcome of Board Meeting",
	}
}

func TestRunner_Run(t *testing.T) {
	st := store.New(layout.New(t.TempDir()), zerolog.Nop())
	answerer := &scriptedAnswerer{
		answers: map[string]string{
			"Is a dividend declared?": "Yes.",
			"Is there a merger?":      "No",
			"Is there a buyback?":     "Yes",
		},
		failures: map[string]int{"Is there a merger?": 1, "Is there a buyback?": 5},
		seen:     map[string]int{},
	}
	cfg := Config{
		Questions:       []string{"Is a dividend declared?", "Is there a merger?", "Is there a buyback?"},
		Model:           "tinyllama",
		Timeout:         time.Second,
		MaxContextChars: 5000,
		Retry:           fastPolicy(),
	}
	ann := testAnnouncement()

	rec, err := NewRunner(cfg, answerer, st, zerolog.Nop()).Run(context.Background(), ann, "Board declared a dividend.")
	require.NoError(t, err)
	require.Len(t, rec.Results, 3)

	assert.Equal(t, types.QAStatusOK, rec.Results[0].Status)
	assert.Equal(t, "Yes.", rec.Results[0].Answer)
	assert.Equal(t, AnswerYes, rec.Results[0].Normalized)
	assert.Equal(t, 1, rec.Results[0].Attempts)

	assert.Equal(t, types.QAStatusOK, rec.Results[1].Status)
	assert.Equal(t, AnswerNo, rec.Results[1].Normalized)
	assert.Equal(t, 2, rec.Results[1].Attempts)

	assert.Equal(t, types.QAStatusFailed, rec.Results[2].Status)
	assert.Empty(t, rec.Results[2].Answer, "failed questions never carry an answer")
	assert.Equal(t, "connection reset", rec.Results[2].Error)
	assert.Equal(t, 3, rec.Results[2].Attempts)
	assert.Equal(t, 1, rec.Details.Failed)

	saved := st.LoadQA(ann)
	require.NotNil(t, saved)
	assert.Len(t, saved.Results, 3)
	assert.Equal(t, "Yes.", saved.QuestionsAndAnswers["Is a dividend declared?"])

	// A rerun only asks the question that failed.
	answerer.calls.Store(0)
	answerer.failures = nil
	rec, err = NewRunner(cfg, answerer, st, zerolog.Nop()).Run(context.Background(), ann, "Board declared a dividend.")
	require.NoError(t, err)
	assert.Equal(t, int32(1), answerer.calls.Load())
	assert.Equal(t, types.QAStatusOK, rec.Results[2].Status)
	assert.Equal(t, 0, rec.Details.Failed)
}

func TestRunner_RerunLeavesResultsUntouched(t *testing.T) {
	l := layout.New(t.TempDir())
	st := store.New(l, zerolog.Nop())
	answerer := &scriptedAnswerer{
		answers: map[string]string{"Is a dividend declared?": "Yes", "Is there a merger?": "No"},
		seen:    map[string]int{},
	}
	cfg := Config{
		Questions:       []string{"Is a dividend declared?", "Is there a merger?"},
		Model:           "tinyllama",
		Timeout:         time.Second,
		MaxContextChars: 5000,
		Retry:           fastPolicy(),
	}
	ann := testAnnouncement()
	runner := NewRunner(cfg, answerer, st, zerolog.Nop())

	_, err := runner.Run(context.Background(), ann, "Board declared a dividend.")
	require.NoError(t, err)
	first, err := os.ReadFile(l.QAResultsPath(ann))
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	rec, err := runner.Run(context.Background(), ann, "Board declared a dividend.")
	require.NoError(t, err)
	second, err := os.ReadFile(l.QAResultsPath(ann))
	require.NoError(t, err)

	assert.Equal(t, int32(2), answerer.calls.Load(), "nothing is asked twice")
	assert.Equal(t, string(first), string(second))
	assert.Len(t, rec.Results, 2)
}

func TestRunner_Canceled(t *testing.T) {
	st := store.New(layout.New(t.TempDir()), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	answerer := &scriptedAnswerer{answers: map[string]string{"Is there a dividend?": "Yes"}, seen: map[string]int{}}
	_, err := NewRunner(Config{Questions: []string{"Is there a dividend?"}, Retry: fastPolicy()}, answerer, st, zerolog.Nop()).
		Run(ctx, testAnnouncement(), "text")
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, st.LoadQA(testAnnouncement()))
}
