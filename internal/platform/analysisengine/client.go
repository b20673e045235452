package analysisengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fraterny/quest-backend/internal/pkg/httpx"
	"github.com/fraterny/quest-backend/internal/platform/ctxutil"
	"github.com/fraterny/quest-backend/internal/platform/envutil"
	"github.com/fraterny/quest-backend/internal/platform/logger"
)

// Client talks to the AI analysis engine. Run produces the free-tier
// report from the questionnaire transcript; RunPremium produces the
// extended report context used for the paid artifact.
type Client interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
	RunPremium(ctx context.Context, req RunRequest) (*RunResult, error)
}

type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

func ConfigFromEnv() Config {
	timeoutSec := envutil.Int("ANALYSIS_ENGINE_TIMEOUT_SECONDS", 300)
	maxRetries := envutil.Int("ANALYSIS_ENGINE_MAX_RETRIES", 2)

	return Config{
		APIKey:     strings.TrimSpace(os.Getenv("ANALYSIS_ENGINE_API_KEY")),
		BaseURL:    strings.TrimSpace(os.Getenv("ANALYSIS_ENGINE_BASE_URL")),
		Model:      envutil.String("ANALYSIS_ENGINE_MODEL", "gpt-4o"),
		Timeout:    time.Duration(timeoutSec) * time.Second,
		MaxRetries: maxRetries,
	}
}

func NewFromEnv(log *logger.Logger) (Client, error) {
	return New(log, ConfigFromEnv())
}

func New(log *logger.Logger, cfg Config) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("missing ANALYSIS_ENGINE_API_KEY")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")

	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	return &client{
		log:        log.With("client", "AnalysisEngineClient"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.MaxRetries,
	}, nil
}

type client struct {
	log        *logger.Logger
	cfg        Config
	httpClient *http.Client
	maxRetries int
}

type RunRequest struct {
	SystemPrompt string
	Transcript   string
}

type RunResult struct {
	Raw        string
	Model      string
	DurationMS int64
}

// --- chat completions wire types ---

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (c *client) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	return c.run(ctx, req)
}

func (c *client) RunPremium(ctx context.Context, req RunRequest) (*RunResult, error) {
	return c.run(ctx, req)
}

func (c *client) run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if c == nil || c.httpClient == nil {
		return nil, fmt.Errorf("analysis engine client unavailable")
	}
	if strings.TrimSpace(req.Transcript) == "" {
		return nil, fmt.Errorf("analysisengine: transcript required")
	}

	messages := []chatMessage{}
	if p := strings.TrimSpace(req.SystemPrompt); p != "" {
		messages = append(messages, chatMessage{Role: "system", Content: p})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Transcript})

	started := time.Now()
	raw, err := c.do(ctx, "/v1/chat/completions", chatRequest{
		Model:    c.cfg.Model,
		Messages: messages,
	})
	if err != nil {
		return nil, err
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("analysisengine: decode response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("analysisengine: %s (%s)", parsed.Error.Message, parsed.Error.Type)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("analysisengine: empty choices in response")
	}

	return &RunResult{
		Raw:        parsed.Choices[0].Message.Content,
		Model:      parsed.Model,
		DurationMS: time.Since(started).Milliseconds(),
	}, nil
}

type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "analysisengine: <nil error>"
	}
	msg := strings.TrimSpace(e.Body)
	if msg == "" {
		msg = "<empty body>"
	}
	if len(msg) > 4000 {
		msg = msg[:4000] + "..."
	}
	return fmt.Sprintf("analysisengine http %d: %s", e.StatusCode, msg)
}

func (e *HTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

func (c *client) do(ctx context.Context, path string, body any) ([]byte, error) {
	backoff := 2 * time.Second

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		resp, raw, err := c.doOnce(ctx, path, body)
		if err == nil {
			return raw, nil
		}

		if !httpx.IsRetryableError(err) || attempt == c.maxRetries {
			return nil, err
		}

		sleepFor := httpx.RetryAfterDuration(resp, backoff, 30*time.Second)
		sleepFor = httpx.JitterSleep(sleepFor)

		c.log.Warn("Analysis engine request retrying",
			"path", path,
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)

		time.Sleep(sleepFor)
		backoff *= 2
	}

	return nil, errors.New("unreachable retry loop")
}

func (c *client) doOnce(ctx context.Context, path string, body any) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), http.MethodPost, c.cfg.BaseURL+path, &buf)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}

	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	return resp, raw, nil
}
