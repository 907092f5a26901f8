package editor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pic4k/internal/imageinfo"
	"pic4k/internal/logging"

	"google.golang.org/genai"
)

// GeminiConfig configures the Gemini image backend.
type GeminiConfig struct {
	APIKey      string
	Model       string
	AspectRatio string
	ImageSize   string // 1K, 2K, 4K; case-insensitive
	BaseURL     string // overrides the API endpoint (tests, proxies)
	Timeout     time.Duration
}

// contentGenerator is the slice of genai.Models the editor needs.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiClient implements Editor with Gemini image models.
type GeminiClient struct {
	models contentGenerator
	cfg    GeminiConfig
}

// NewGeminiClient creates a Gemini editor.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-3-pro-image-preview"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.BaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GeminiClient{models: client.Models, cfg: cfg}, nil
}

// Name identifies the backend.
func (c *GeminiClient) Name() string {
	return "gemini:" + c.cfg.Model
}

// Edit sends the image and prompt and stores the first inline image returned.
func (c *GeminiClient) Edit(ctx context.Context, req Request) (*Result, error) {
	ctx, cancel := withDefaultTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	startTime := time.Now()

	image, err := readInput(req.InputPath)
	if err != nil {
		return nil, err
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(image, imageinfo.MIMEType(req.InputPath)),
			genai.NewPartFromText(req.Prompt),
		}, genai.RoleUser),
	}

	genCfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"IMAGE"},
	}
	if c.cfg.AspectRatio != "" || c.cfg.ImageSize != "" {
		genCfg.ImageConfig = &genai.ImageConfig{
			AspectRatio: c.cfg.AspectRatio,
			ImageSize:   strings.ToUpper(c.cfg.ImageSize),
		}
	}

	logging.Edit("[Gemini] GenerateContent model=%s aspect_ratio=%s size=%s", c.cfg.Model, c.cfg.AspectRatio, c.cfg.ImageSize)

	resp, err := c.models.GenerateContent(ctx, c.cfg.Model, contents, genCfg)
	if err != nil {
		return nil, fmt.Errorf("GenAI generate failed: %w", err)
	}

	data := firstInlineImage(resp)
	if data == nil {
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return nil, fmt.Errorf("%w: blocked (%s)", ErrNoImageData, resp.PromptFeedback.BlockReason)
		}
		return nil, ErrNoImageData
	}

	n, err := writeImage(req.OutputPath, data)
	if err != nil {
		return nil, err
	}

	result := &Result{
		OutputPath: req.OutputPath,
		Bytes:      n,
		Source:     SourceInline,
		Elapsed:    time.Since(startTime),
	}
	logging.Edit("[Gemini] saved %s (%.2f KB) in %v", req.OutputPath, float64(n)/1024, result.Elapsed)
	return result, nil
}

func firstInlineImage(resp *genai.GenerateContentResponse) []byte {
	if resp == nil {
		return nil
	}
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part == nil || part.Thought || part.InlineData == nil {
				continue
			}
			if len(part.InlineData.Data) > 0 && strings.HasPrefix(part.InlineData.MIMEType, "image/") {
				return part.InlineData.Data
			}
		}
	}
	return nil
}
