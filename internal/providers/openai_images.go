package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	OpenAIIllustratorName     = "openai"
	openAIDefaultImageModel   = openai.ImageModelGPTImage1
	openAIDefaultImageSize    = "1024x1536"
	openAIDefaultRequestLimit = 4 // requests per rolling minute
)

// OpenAIConfig holds configuration for the OpenAI illustration client.
type OpenAIConfig struct {
	APIKey     string
	Model      string        // "gpt-image-1" (default)
	Size       string        // "1024x1536" (default), "1024x1024", "1536x1024"
	RateLimit  int           // Requests per rolling minute
	MaxRetries int           // Retry attempts for SDK transport
	RetryDelay time.Duration // Base retry delay for orchestrator backoff
	Timeout    time.Duration // HTTP timeout
	BaseURL    string        // Optional (tests)
	HTTPClient *http.Client  // Optional (tests)
}

// OpenAIIllustrator implements Illustrator using the official OpenAI
// SDK's image edits endpoint: the reference image is sent with every
// call so the generated page keeps the character likeness.
type OpenAIIllustrator struct {
	model      string
	size       string
	rateLimit  int
	maxRetries int
	retryDelay time.Duration
	client     openai.Client
}

// NewOpenAIIllustrator creates a new OpenAI illustration client.
func NewOpenAIIllustrator(cfg OpenAIConfig) *OpenAIIllustrator {
	if cfg.Model == "" {
		cfg.Model = openAIDefaultImageModel
	}
	if cfg.Size == "" {
		cfg.Size = openAIDefaultImageSize
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = openAIDefaultRequestLimit
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 300 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIIllustrator{
		model:      cfg.Model,
		size:       cfg.Size,
		rateLimit:  cfg.RateLimit,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		client:     openai.NewClient(opts...),
	}
}

// Name returns the provider identifier.
func (c *OpenAIIllustrator) Name() string {
	return OpenAIIllustratorName
}

// RequestsPerMinute returns the configured rate limit.
func (c *OpenAIIllustrator) RequestsPerMinute() int {
	return c.rateLimit
}

// MaxRetries returns the maximum SDK transport retry attempts.
func (c *OpenAIIllustrator) MaxRetries() int {
	return c.maxRetries
}

// RetryDelayBase returns the base delay for orchestrator backoff.
func (c *OpenAIIllustrator) RetryDelayBase() time.Duration {
	return c.retryDelay
}

// Synthesize generates one illustration from a prompt and reference image.
func (c *OpenAIIllustrator) Synthesize(ctx context.Context, req *SynthesisRequest) (*SynthesisResult, error) {
	start := time.Now()

	fail := func(err error) (*SynthesisResult, error) {
		res := &SynthesisResult{
			Provider:      OpenAIIllustratorName,
			ModelUsed:     c.model,
			RequestID:     req.RequestID,
			ErrorType:     ErrorType(err),
			ErrorMessage:  err.Error(),
			ExecutionTime: time.Since(start),
		}
		var rle *RateLimitError
		if errors.As(err, &rle) {
			res.RetryAfter = rle.RetryAfter
		}
		return res, err
	}

	if req == nil || strings.TrimSpace(req.Prompt) == "" {
		return fail(fmt.Errorf("prompt is required"))
	}
	if len(req.ReferenceImage) == 0 {
		return fail(fmt.Errorf("reference image is required"))
	}

	prompt := req.Prompt
	if req.Style != "" {
		prompt = fmt.Sprintf("%s, in a %s style", prompt, req.Style)
	}

	size := req.Size
	if size == "" {
		size = c.size
	}

	params := openai.ImageEditParams{
		Image: openai.ImageEditParamsImageUnion{
			OfFile: openai.File(bytes.NewReader(req.ReferenceImage), "reference.png", "image/png"),
		},
		Prompt: prompt,
		Model:  openai.ImageModel(c.model),
		N:      openai.Int(1),
		Size:   openai.ImageEditParamsSize(size),
	}

	resp, err := c.client.Images.Edit(ctx, params)
	if err != nil {
		return fail(mapImageError(err))
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return fail(&TransientError{Message: "OpenAI returned no image data"})
	}

	imageBytes, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return fail(&TransientError{Message: fmt.Sprintf("failed to decode image payload: %v", err)})
	}

	return &SynthesisResult{
		Success:       true,
		Image:         imageBytes,
		Provider:      OpenAIIllustratorName,
		ModelUsed:     c.model,
		RequestID:     req.RequestID,
		ExecutionTime: time.Since(start),
	}, nil
}

// mapImageError translates SDK errors into the provider taxonomy.
// 429 -> RateLimitError, content-policy 400/403 -> ModerationError,
// 5xx/408 -> TransientError; anything else passes through unchanged
// and is treated as a permanent page failure by the orchestrator.
func mapImageError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}

	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		retryAfter := time.Duration(0)
		if apiErr.Response != nil {
			retryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		return &RateLimitError{
			Message:    fmt.Sprintf("OpenAI rate limited: %s", apiErr.Message),
			RetryAfter: retryAfter,
			StatusCode: apiErr.StatusCode,
		}

	case isModerationMessage(apiErr) &&
		(apiErr.StatusCode == http.StatusBadRequest || apiErr.StatusCode == http.StatusForbidden):
		return &ModerationError{Message: apiErr.Message}

	case apiErr.StatusCode >= http.StatusInternalServerError,
		apiErr.StatusCode == http.StatusRequestTimeout:
		return &TransientError{
			Message:    fmt.Sprintf("OpenAI service error (status %d): %s", apiErr.StatusCode, apiErr.Message),
			StatusCode: apiErr.StatusCode,
		}
	}

	if apiErr.Message != "" {
		return fmt.Errorf("OpenAI image error (status %d): %s", apiErr.StatusCode, apiErr.Message)
	}
	return fmt.Errorf("OpenAI image error (status %d)", apiErr.StatusCode)
}

func isModerationMessage(apiErr *openai.Error) bool {
	text := strings.ToLower(apiErr.Code + " " + apiErr.Type + " " + apiErr.Message)
	return strings.Contains(text, "moderation") ||
		strings.Contains(text, "content_policy") ||
		strings.Contains(text, "content policy") ||
		strings.Contains(text, "safety system")
}

var _ Illustrator = (*OpenAIIllustrator)(nil)
