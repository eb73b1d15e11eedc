package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/reelworks/reelfix/internal/config"
	"github.com/reelworks/reelfix/pkg/models"
)

const analysisPrompt = `You are a media quality inspector. The object %q (%s) was uploaded for review.
List the quality problems you detect as a JSON array of objects with fields
"id" (one of: low-light, overexposed, noise, shaky, blurry, color-cast, clipping),
"severity" (0..1) and "summary" (one sentence). Respond with the JSON array only.`

// Provider implements models.AIProvider against an OpenAI-compatible chat
// completions endpoint.
type Provider struct {
	cfg    config.OpenAIConfig
	client *http.Client
}

func NewProvider(cfg config.OpenAIConfig) *Provider {
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: 90 * time.Second},
	}
}

func (p *Provider) Name() string { return "openai" }

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (p *Provider) Analyze(ctx context.Context, req models.AnalysisRequest) (models.AnalysisResult, error) {
	body, err := json.Marshal(chatRequest{
		Model: p.cfg.Model,
		Messages: []chatMessage{
			{Role: "user", Content: fmt.Sprintf(analysisPrompt, req.InputRef, req.MediaType)},
		},
	})
	if err != nil {
		return models.AnalysisResult{}, fmt.Errorf("marshal chat request: %w", err)
	}

	u := strings.TrimSuffix(p.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return models.AnalysisResult{}, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return models.AnalysisResult{}, classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest:
		return models.AnalysisResult{}, fmt.Errorf("%w: status %d", models.ErrInvalidMedia, resp.StatusCode)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return models.AnalysisResult{}, fmt.Errorf("%w: status %d", models.ErrProviderUnavailable, resp.StatusCode)
	default:
		return models.AnalysisResult{}, fmt.Errorf("%w: status %d", models.ErrInvalidResponse, resp.StatusCode)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return models.AnalysisResult{}, fmt.Errorf("%w: %v", models.ErrInvalidResponse, err)
	}
	if len(chat.Choices) == 0 {
		return models.AnalysisResult{}, fmt.Errorf("%w: empty choices", models.ErrInvalidResponse)
	}

	problems, err := parseProblems(chat.Choices[0].Message.Content)
	if err != nil {
		return models.AnalysisResult{}, err
	}
	return models.AnalysisResult{Problems: problems, Model: p.cfg.Model}, nil
}

// parseProblems extracts the problem array from the model's reply, tolerating
// surrounding prose or code fences.
func parseProblems(content string) ([]models.Problem, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("%w: no JSON array in reply", models.ErrInvalidResponse)
	}
	var problems []models.Problem
	if err := json.Unmarshal([]byte(content[start:end+1]), &problems); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidResponse, err)
	}
	for i := range problems {
		if problems[i].Severity < 0 {
			problems[i].Severity = 0
		}
		if problems[i].Severity > 1 {
			problems[i].Severity = 1
		}
	}
	return problems, nil
}

func classifyError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", models.ErrInferenceTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", models.ErrInferenceTimeout, err)
	}
	return fmt.Errorf("%w: %v", models.ErrProviderUnavailable, err)
}

var _ models.AIProvider = (*Provider)(nil)
