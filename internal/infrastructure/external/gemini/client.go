// Package gemini implements the text-generation collaborator on top of the
// Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
	"github.com/tutorhub/tutor-ledger/internal/domain/tutoring"
	"github.com/tutorhub/tutor-ledger/pkg/circuitbreaker"
	"github.com/tutorhub/tutor-ledger/pkg/logger"
	"github.com/tutorhub/tutor-ledger/pkg/retry"
)

// DefaultModel is the model used when none is configured.
const DefaultModel = "gemini-2.5-flash"

// Config configures the client.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// Client implements tutoring.Generator.
type Client struct {
	genai   *genai.Client
	model   string
	timeout time.Duration
	breaker *circuitbreaker.CircuitBreaker
	retrier *retry.Retrier
	logger  *logger.Logger
}

var _ tutoring.Generator = (*Client)(nil)

// New creates a client. A missing API key is not an error here: every
// Generate call then fails with shared.ErrMissingCredential, which callers
// turn into an advisory.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*Client, error) {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	log = log.With(logger.Component("gemini"))

	c := &Client{
		model:   cfg.Model,
		timeout: cfg.Timeout,
		logger:  log,
		breaker: circuitbreaker.GeminiBreaker(func(name string, from, to circuitbreaker.State) {
			log.Warn("circuit breaker state changed",
				logger.String("breaker", name),
				logger.Stringer("from", from),
				logger.Stringer("to", to),
			)
		}, circuitbreaker.WithIsFailure(upstreamFault)),
		retrier: retry.GeminiRetrier(retry.WithRetryIf(isTransient)),
	}

	if cfg.APIKey == "" {
		log.Warn("gemini api key not configured; chat requests will be refused")
		return c, nil
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	c.genai = client
	return c, nil
}

// Configured reports whether an API key was supplied.
func (c *Client) Configured() bool { return c.genai != nil }

// SystemInstruction builds the tutor persona for a subject and lesson.
func SystemInstruction(subject, topic string) string {
	if strings.TrimSpace(topic) == "" {
		topic = "general concepts"
	}
	return fmt.Sprintf(`You are an expert tutor specializing in %s.
You are currently teaching: %s.

Your role is to:
1. Explain concepts clearly and engagingly
2. Answer questions with detailed explanations
3. Provide examples when helpful
4. Encourage the student
5. When a student completes understanding a topic, acknowledge their progress

Keep responses concise but informative. Use analogies when helpful.`, subject, topic)
}

type generation struct {
	text    string
	blocked string
}

// Generate returns one completion for the conversation.
func (c *Client) Generate(ctx context.Context, req tutoring.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if c.genai == nil {
		return "", shared.ErrMissingCredential
	}
	req = req.Trimmed()

	contents := make([]*genai.Content, 0, len(req.Turns))
	for _, t := range req.Turns {
		role := genai.Role(genai.RoleUser)
		if t.Role == tutoring.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(t.Content, role))
	}
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(SystemInstruction(req.Subject, req.Topic), genai.RoleUser),
	}

	start := time.Now()
	out, err := circuitbreaker.Call(ctx, c.breaker, func(ctx context.Context) (generation, error) {
		var g generation
		err := c.retrier.Do(ctx, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			var err error
			g, err = c.generate(callCtx, contents, config)
			return err
		})
		return g, err
	})
	if err != nil {
		c.logger.Error("generation failed", logger.Err(err), logger.Latency(time.Since(start)))
		return "", classify(err)
	}
	if out.blocked != "" {
		c.logger.Info("generation blocked", logger.String("reason", out.blocked))
		return "", shared.WrapError("tutoring", "Generate", shared.ErrForbidden, out.blocked, shared.ErrContentBlocked)
	}

	c.logger.Debug("generation complete",
		logger.Int("turns", len(req.Turns)),
		logger.Int("chars", len(out.text)),
		logger.Latency(time.Since(start)),
	)
	return out.text, nil
}

// generate performs one API call. Safety blocks are returned as a value so
// they do not count against the breaker.
func (c *Client) generate(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (generation, error) {
	resp, err := c.genai.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return generation{}, err
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return generation{blocked: "prompt blocked: " + string(resp.PromptFeedback.BlockReason)}, nil
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return generation{blocked: "response blocked: SAFETY"}, nil
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return generation{}, errors.New("empty completion")
	}
	return generation{text: text}, nil
}

func apiError(err error) (genai.APIError, bool) {
	var v genai.APIError
	if errors.As(err, &v) {
		return v, true
	}
	var p *genai.APIError
	if errors.As(err, &p) && p != nil {
		return *p, true
	}
	return genai.APIError{}, false
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if ae, ok := apiError(err); ok {
		return ae.Code == http.StatusTooManyRequests || ae.Code >= 500
	}
	return false
}

// upstreamFault reports whether err says the API itself is unhealthy. A
// caller hanging up or a request the API refuses does not.
func upstreamFault(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if ae, ok := apiError(err); ok && ae.Code >= 400 && ae.Code < 500 {
		return ae.Code == http.StatusTooManyRequests
	}
	return true
}

// classify maps a failed call onto the tutoring error kinds.
func classify(err error) error {
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return shared.WrapError("tutoring", "Generate", shared.ErrServiceUnavailable, "tutor temporarily disabled", shared.ErrUpstreamFailure)
	}
	msg := err.Error()
	if ae, ok := apiError(err); ok {
		if ae.Code == http.StatusUnauthorized || ae.Code == http.StatusForbidden ||
			strings.Contains(msg, "API_KEY_INVALID") || strings.Contains(msg, "API key not valid") {
			return shared.WrapError("tutoring", "Generate", shared.ErrUnauthorized, "credential rejected", shared.ErrMissingCredential)
		}
	}
	if strings.Contains(msg, "SAFETY") {
		return shared.WrapError("tutoring", "Generate", shared.ErrForbidden, msg, shared.ErrContentBlocked)
	}
	return shared.WrapError("tutoring", "Generate", shared.ErrExternalService, "upstream error", errors.Join(shared.ErrUpstreamFailure, err))
}
