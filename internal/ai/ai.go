/*
Package ai answers the configured analyst questions against an announcement's extracted text,
using a local Ollama model or, optionally, the Gemini API.
*/
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/shanehull/bsescraper/internal/retry"
	"github.com/shanehull/bsescraper/internal/store"
	"github.com/shanehull/bsescraper/internal/types"
)

const (
	BackendOllama = "ollama"
	BackendGemini = "gemini"

	AnswerYes     = "Yes"
	AnswerNo      = "No"
	AnswerUnclear = "Unclear"
)

// ErrUnavailable is returned when the inference endpoint or model cannot be used at all.
var ErrUnavailable = errors.New("inference endpoint unavailable")

var (
	yesPattern = regexp.MustCompile(`(?i)\byes\b`)
	noPattern  = regexp.MustCompile(`(?i)\bno\b`)
)

type Config struct {
	Questions       []string
	Model           string
	BaseURL         string
	Backend         string
	APIKey          string
	Timeout         time.Duration
	MaxContextChars int
	Retry           retry.Policy
}

// Answerer sends one prompt to a model and returns its reply.
type Answerer interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Checker is implemented by answerers that can verify their endpoint before a run.
type Checker interface {
	Available(ctx context.Context) error
}

// NewAnswerer builds the client for the configured backend.
func NewAnswerer(ctx context.Context, cfg Config) (Answerer, error) {
	switch cfg.Backend {
	case "", BackendOllama:
		return NewOllamaClient(cfg.BaseURL, cfg.Model), nil
	case BackendGemini:
		return NewGeminiClient(ctx, cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown inference backend %q", cfg.Backend)
	}
}

// Normalize reduces a free-form model reply to Yes, No or Unclear. A reply mentioning both
// words is decided by whichever comes first.
func Normalize(answer string) string {
	y := yesPattern.FindStringIndex(answer)
	n := noPattern.FindStringIndex(answer)
	switch {
	case y != nil && n != nil:
		if y[0] < n[0] {
			return AnswerYes
		}
		return AnswerNo
	case y != nil:
		return AnswerYes
	case n != nil:
		return AnswerNo
	default:
		return AnswerUnclear
	}
}

type Runner struct {
	cfg      Config
	answerer Answerer
	store    *store.Store
	logger   zerolog.Logger
}

func NewRunner(cfg Config, answerer Answerer, st *store.Store, logger zerolog.Logger) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	return &Runner{
		cfg:      cfg,
		answerer: answerer,
		store:    st,
		logger:   logger.With().Str("stage", "qa").Logger(),
	}
}

// Run asks every configured question about ann and rewrites its qa_results.json. Questions
// that already hold an answer from an earlier run are not asked again; failed ones are. When
// nothing needs asking the stored record is returned untouched.
// Only cancellation and storage failures are returned as errors.
func (r *Runner) Run(ctx context.Context, ann types.Announcement, text string) (*store.QARecord, error) {
	start := time.Now()
	logger := r.logger.With().Str("company", ann.CompanyName).Str("script_id", ann.ScriptID).Logger()

	previous := r.store.LoadQA(ann)
	rec := &store.QARecord{
		Announcement: ann,
		Details: store.ProcessingDetails{
			TextChars:     len([]rune(text)),
			ContextChars:  len([]rune(Truncate(text, r.cfg.MaxContextChars))),
			Model:         r.cfg.Model,
			Backend:       r.cfg.backend(),
			QuestionCount: len(r.cfg.Questions),
		},
	}

	asked := 0
	for i, q := range r.cfg.Questions {
		if prev, ok := previous.Result(q); ok && prev.Status == types.QAStatusOK {
			rec.Results = append(rec.Results, prev)
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res := r.ask(ctx, logger, text, q)
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		asked++
		logger.Debug().Int("question", i+1).Str("answer", res.Answer).Str("status", string(res.Status)).Msg("question answered")
		rec.Results = append(rec.Results, res)
	}

	if asked == 0 && previous != nil && len(previous.Results) == len(rec.Results) {
		logger.Debug().Msg("all questions already answered")
		return previous, nil
	}

	rec.Details.Failed = rec.Failed()
	rec.ProcessedAt = time.Now()
	rec.ProcessingTimeSeconds = time.Since(start).Seconds()

	if err := r.store.SaveQA(rec); err != nil {
		return nil, err
	}

	logger.Info().
		Int("asked", asked).
		Int("failed", rec.Details.Failed).
		Dur("duration", time.Since(start)).
		Msg("QA results saved")
	return rec, nil
}

func (r *Runner) ask(ctx context.Context, logger zerolog.Logger, text, question string) types.QAResult {
	prompt := buildUserPrompt(text, question, r.cfg.MaxContextChars)
	res := types.QAResult{Question: question}
	start := time.Now()

	var answer string
	err := r.cfg.Retry.Do(ctx, logger, "generate", func(ctx context.Context, attempt int) error {
		res.Attempts = attempt

		callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()

		out, err := r.answerer.Generate(callCtx, prompt)
		if err != nil {
			return err
		}
		if strings.TrimSpace(out) == "" {
			return errors.New("empty response from model")
		}
		answer = strings.TrimSpace(out)
		return nil
	})

	res.DurationSeconds = time.Since(start).Seconds()
	res.AnsweredAt = time.Now()

	if err != nil {
		logger.Warn().Err(err).Str("question", question).Int("attempts", res.Attempts).Msg("failed to answer question")
		res.Status = types.QAStatusFailed
		res.Error = err.Error()
		return res
	}

	res.Status = types.QAStatusOK
	res.Answer = answer
	res.Normalized = Normalize(answer)
	return res
}

func (c Config) backend() string {
	if c.Backend == "" {
		return BackendOllama
	}
	return c.Backend
}

type geminiAnswer struct {
	Answer string `json:"answer"`
}

// GeminiClient answers through the Gemini API with a constrained JSON reply.
type GeminiClient struct {
	client *genai.Client
	model  string
}

func NewGeminiClient(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: gemini API key is required", ErrUnavailable)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiClient{client: client, model: model}, nil
}

func (g *GeminiClient) Generate(ctx context.Context, prompt string) (string, error) {
	userContent := &genai.Content{
		Parts: []*genai.Part{
			{Text: prompt},
		},
		Role: "user",
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, []*genai.Content{userContent}, &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: systemInstruction}},
		},
		ResponseMIMEType: "application/json",
		ResponseSchema:   getResponseSchema(),
	})
	if err != nil {
		return "", fmt.Errorf("gemini API call failed: %w", err)
	}

	respText := resp.Text()

	var out geminiAnswer
	if err := json.Unmarshal([]byte(respText), &out); err != nil {
		return "", fmt.Errorf("failed to unmarshal gemini JSON response: %w. Raw text: %s", err, respText)
	}
	return out.Answer, nil
}

// Available only confirms the client was configured.
func (g *GeminiClient) Available(ctx context.Context) error {
	if g.client == nil {
		return ErrUnavailable
	}
	return nil
}

func getResponseSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"answer": {
				Type:        genai.TypeString,
				Enum:        []string{AnswerYes, AnswerNo},
				Description: "Yes if the announcement clearly supports the question, otherwise No.",
			},
		},
		Required: []string{"answer"},
	}
}
