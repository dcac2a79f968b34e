// Package verification предоставляет клиент сервиса проверки фотографий (Gemini generateContent).
package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/ecokoin/internal/imaging"
)

const (
	selfiePrompt   = "Analyze this verification photo. Does it clearly show at least two human faces (User and Operator)? Return 'YES' if verified, 'NO' otherwise."
	weightPrompt   = "Look at the digital scale in this photo. Extract ONLY the numeric value shown on the screen in kilograms. If the value is '2.0', just return '2.0'. Return exactly the number, nothing else."
	identityPrompt = "Compare the person in the KTP photo with the person in the selfie. Do they appear to be the same person? Return a JSON object with 'match' (boolean) and 'score' (0-100 percentage)."
)

// ErrNotConfigured возвращается, если ключ API не задан.
var ErrNotConfigured = errors.New("verification client not configured")

// ErrNoWeight возвращается, если на фото весов не удалось распознать число.
var ErrNoWeight = errors.New("weight not recognized")

// Config задаёт параметры клиента.
type Config struct {
	BaseURL       string
	APIKey        string
	Model         string
	IdentityModel string
	Timeout       time.Duration
	RetryMax      int
	RetryWaitMin  time.Duration
	RetryWaitMax  time.Duration
}

// Client инкапсулирует HTTP-взаимодействие с сервисом проверки.
// Каждый запрос ограничен по времени, временные ошибки (5xx, 429, сетевые) повторяются.
type Client struct {
	baseURL       string
	apiKey        string
	model         string
	identityModel string
	httpClient    *retryablehttp.Client
}

// NewClient создаёт клиент сервиса проверки.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		rc.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		rc.RetryWaitMax = cfg.RetryWaitMax
	}
	if cfg.Timeout > 0 {
		rc.HTTPClient.Timeout = cfg.Timeout
	}
	if logger != nil {
		rc.Logger = leveledLogger{logger.Sugar()}
	} else {
		rc.Logger = nil
	}

	identityModel := cfg.IdentityModel
	if identityModel == "" {
		identityModel = cfg.Model
	}

	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		model:         cfg.Model,
		identityModel: identityModel,
		httpClient:    rc,
	}
}

// Enabled сообщает, настроен ли клиент.
func (c *Client) Enabled() bool {
	return c != nil && c.apiKey != "" && c.baseURL != ""
}

// VerifySelfie проверяет, что на фото видны пользователь и оператор.
func (c *Client) VerifySelfie(ctx context.Context, photo *imaging.Photo) (bool, error) {
	text, err := c.generate(ctx, c.model, []part{inline(photo), {Text: selfiePrompt}}, nil)
	if err != nil {
		return false, err
	}
	return strings.Contains(strings.ToUpper(text), "YES"), nil
}

// ExtractWeight распознаёт показания весов на фото в килограммах.
func (c *Client) ExtractWeight(ctx context.Context, photo *imaging.Photo) (decimal.Decimal, error) {
	text, err := c.generate(ctx, c.model, []part{inline(photo), {Text: weightPrompt}}, nil)
	if err != nil {
		return decimal.Zero, err
	}
	return parseWeight(text)
}

// MatchIdentity сравнивает фото KTP с селфи и возвращает признак совпадения и оценку 0-100.
func (c *Client) MatchIdentity(ctx context.Context, ktp, selfie *imaging.Photo) (bool, int, error) {
	cfg := &generationConfig{
		ResponseMimeType: "application/json",
		ResponseSchema: map[string]any{
			"type": "OBJECT",
			"properties": map[string]any{
				"match": map[string]string{"type": "BOOLEAN"},
				"score": map[string]string{"type": "NUMBER"},
			},
			"required": []string{"match", "score"},
		},
	}

	text, err := c.generate(ctx, c.identityModel, []part{inline(ktp), inline(selfie), {Text: identityPrompt}}, cfg)
	if err != nil {
		return false, 0, err
	}

	var res struct {
		Match bool    `json:"match"`
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		return false, 0, fmt.Errorf("decode identity result: %w", err)
	}

	score := int(res.Score)
	score = max(0, min(100, score))
	return res.Match, score, nil
}

func parseWeight(text string) (decimal.Decimal, error) {
	var b strings.Builder
	for _, r := range text {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		} else if r == ',' {
			b.WriteRune('.')
		}
	}

	w, err := decimal.NewFromString(strings.Trim(b.String(), "."))
	if err != nil || !w.IsPositive() {
		return decimal.Zero, ErrNoWeight
	}
	return w, nil
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type part struct {
	InlineData *inlineData `json:"inlineData,omitempty"`
	Text       string      `json:"text,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type generationConfig struct {
	ResponseMimeType string         `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]any `json:"responseSchema,omitempty"`
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

func inline(p *imaging.Photo) part {
	return part{InlineData: &inlineData{MimeType: p.MIME, Data: p.Base64()}}
}

func (c *Client) generate(ctx context.Context, model string, parts []part, cfg *generationConfig) (string, error) {
	if !c.Enabled() {
		return "", ErrNotConfigured
	}

	body, err := json.Marshal(generateRequest{
		Contents:         []content{{Parts: parts}},
		GenerationConfig: cfg,
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, model)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	if len(result.Candidates) == 0 {
		return "", errors.New("empty response")
	}

	var text strings.Builder
	for _, p := range result.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}
	return strings.TrimSpace(text.String()), nil
}

// leveledLogger направляет журнал повторов retryablehttp в zap.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Infow(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
