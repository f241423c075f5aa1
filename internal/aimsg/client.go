// Package aimsg generates message text through the OpenAI chat completions
// API. It is an optional content source: callers fall back to stored text on
// any error, so every failure here is soft.
package aimsg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	logx "autosend/pkg/logx"
)

const (
	defaultBaseURL   = "https://api.openai.com"
	defaultModel     = "gpt-4o-mini"
	defaultMaxLength = 100
	completionsPath  = "/v1/chat/completions"

	systemPrompt = "You are a helpful assistant that generates text messages. " +
		"Always respond with just the message content, no quotes or additional text."
)

var ErrNoAPIKey = errors.New("openai api key not configured")

type Config struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxLength int           // soft character budget mentioned in the prompt
	Timeout   time.Duration // per HTTP request
	RetryMax  int           // extra attempts on 429
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.MaxLength <= 0 {
		c.MaxLength = defaultMaxLength
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	return c
}

type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate produces message text for contactName. A non-empty prompt drives
// a context-based request; otherwise style picks one of the preset moods.
func (c *Client) Generate(ctx context.Context, contactName, prompt, style string) (string, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return "", ErrNoAPIKey
	}

	var userPrompt string
	temperature := 0.8
	if strings.TrimSpace(prompt) != "" {
		userPrompt = fmt.Sprintf(
			"Generate a text message to send to %s based on this context: '%s'. Keep it under %d characters. Make it relevant and appropriate.",
			contactName, prompt, c.cfg.MaxLength)
		temperature = 0.7
	} else {
		userPrompt = stylePrompt(contactName, style, c.cfg.MaxLength)
	}

	req := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		MaxTokens:   150,
		Temperature: temperature,
	}
	return c.complete(ctx, req)
}

func stylePrompt(contactName, style string, maxLength int) string {
	switch strings.ToLower(strings.TrimSpace(style)) {
	case "friendly":
		return fmt.Sprintf("Generate a friendly, casual text message to send to %s. Keep it under %d characters. Make it sound natural and personal.", contactName, maxLength)
	case "professional":
		return fmt.Sprintf("Generate a professional text message to send to %s. Keep it under %d characters. Make it business-appropriate.", contactName, maxLength)
	case "funny":
		return fmt.Sprintf("Generate a funny or humorous text message to send to %s. Keep it under %d characters. Make it lighthearted and entertaining.", contactName, maxLength)
	case "romantic":
		return fmt.Sprintf("Generate a romantic text message to send to %s. Keep it under %d characters. Make it sweet and affectionate.", contactName, maxLength)
	default:
		return fmt.Sprintf("Generate a random text message to send to %s. Keep it under %d characters. Make it engaging and appropriate.", contactName, maxLength)
	}
}

func (c *Client) complete(ctx context.Context, req chatRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	maxAttempts := 1 + c.cfg.RetryMax
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		text, retryAfter, err := c.once(ctx, body, attempt)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if retryAfter < 0 || attempt == maxAttempts-1 {
			break
		}
		c.log.Debug("rate limited, backing off",
			logx.Duration("delay", retryAfter), logx.Int("attempt", attempt+1))
		t := time.NewTimer(retryAfter)
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return "", ctx.Err()
		}
	}
	return "", lastErr
}

// once performs a single request. retryAfter >= 0 marks a retryable 429 and
// carries the wait; -1 means do not retry.
func (c *Client) once(ctx context.Context, body []byte, attempt int) (text string, retryAfter time.Duration, err error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+completionsPath, bytes.NewReader(body))
	if err != nil {
		return "", -1, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", -1, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", backoffDelay(resp.Header, attempt), errors.New("rate limited by api (429)")
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", -1, fmt.Errorf("api error: %d - %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", -1, err
	}
	if len(out.Choices) == 0 {
		return "", -1, errors.New("no message generated")
	}
	text = strings.TrimSpace(out.Choices[0].Message.Content)
	if text == "" {
		return "", -1, errors.New("no message generated")
	}
	return text, -1, nil
}

// backoffDelay derives the 429 wait from the rate-limit headers when present,
// floored by exponential backoff (1.5s, 3s, 6s, ...) plus a little jitter.
func backoffDelay(h http.Header, attempt int) time.Duration {
	var headerDelay time.Duration
	for _, name := range []string{"Retry-After", "X-Ratelimit-Reset-Requests", "X-Ratelimit-Reset-Tokens"} {
		d, ok := parseResetValue(h.Get(name))
		if !ok {
			continue
		}
		if headerDelay == 0 || d < headerDelay {
			headerDelay = d
		}
	}
	base := 1500 * time.Millisecond << attempt
	d := base
	if headerDelay > d {
		d = headerDelay
	}
	return d + time.Duration(200+rand.Intn(500))*time.Millisecond
}

// parseResetValue accepts plain seconds ("2"), decimal seconds ("1.5"), or
// unit-suffixed values ("200ms", "2s", "1m").
func parseResetValue(raw string) (time.Duration, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return 0, false
	}
	switch {
	case strings.HasSuffix(raw, "ms"):
		v, err := strconv.ParseFloat(strings.TrimSuffix(raw, "ms"), 64)
		if err != nil {
			return 0, false
		}
		return time.Duration(v * float64(time.Millisecond)), true
	case strings.HasSuffix(raw, "m"):
		v, err := strconv.ParseFloat(strings.TrimSuffix(raw, "m"), 64)
		if err != nil {
			return 0, false
		}
		return time.Duration(v * float64(time.Minute)), true
	case strings.HasSuffix(raw, "s"):
		v, err := strconv.ParseFloat(strings.TrimSuffix(raw, "s"), 64)
		if err != nil {
			return 0, false
		}
		return time.Duration(v * float64(time.Second)), true
	default:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, false
		}
		return time.Duration(v * float64(time.Second)), true
	}
}
