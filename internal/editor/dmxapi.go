package editor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"pic4k/internal/download"
	"pic4k/internal/imageinfo"
	"pic4k/internal/logging"

	"github.com/dustin/go-humanize"
)

// DMXConfig configures the DMXAPI images/edits backend.
type DMXConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	AspectRatio    string
	Size           string
	ResponseFormat string
	Timeout        time.Duration
}

// DefaultDMXConfig returns the nano-banana-2 defaults.
func DefaultDMXConfig(apiKey string) DMXConfig {
	return DMXConfig{
		APIKey:         apiKey,
		BaseURL:        "https://www.dmxapi.cn/v1",
		Model:          "nano-banana-2",
		AspectRatio:    "16:9",
		Size:           "2k",
		ResponseFormat: SourceURL,
		Timeout:        10 * time.Minute,
	}
}

// DMXClient implements Editor against an OpenAI-compatible /images/edits API.
type DMXClient struct {
	cfg        DMXConfig
	httpClient *http.Client
	downloader *download.Downloader
}

// NewDMXClient creates a DMXAPI editor. Results delivered as URLs are
// fetched with dl; a nil dl uses download defaults.
func NewDMXClient(cfg DMXConfig, dl *download.Downloader) *DMXClient {
	if dl == nil {
		dl = download.New(download.DefaultConfig(), nil)
	}
	return &DMXClient{
		cfg:        cfg,
		httpClient: &http.Client{},
		downloader: dl,
	}
}

// Name identifies the backend.
func (c *DMXClient) Name() string {
	return "dmxapi:" + c.cfg.Model
}

type imagesResponse struct {
	Data  []imageDatum `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type imageDatum struct {
	URL           string `json:"url,omitempty"`
	B64JSON       string `json:"b64_json,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// Edit uploads the input image with the prompt and stores the returned image.
func (c *DMXClient) Edit(ctx context.Context, req Request) (*Result, error) {
	ctx, cancel := withDefaultTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	startTime := time.Now()
	if c.cfg.APIKey == "" {
		return nil, fmt.Errorf("API key not configured")
	}

	image, err := readInput(req.InputPath)
	if err != nil {
		return nil, err
	}
	logging.EditDebug("[DMX] loaded %s (%s)", req.InputPath, humanize.IBytes(uint64(len(image))))

	body, contentType, err := c.buildForm(req, image)
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/images/edits"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", contentType)

	logging.Edit("[DMX] POST %s model=%s aspect_ratio=%s size=%s", endpoint, c.cfg.Model, c.cfg.AspectRatio, c.cfg.Size)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logging.EditError("[DMX] status %d: %s", resp.StatusCode, truncate(string(raw), 512))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var parsed imagesResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != nil && parsed.Error.Message != "" {
		return nil, fmt.Errorf("API error: %s", parsed.Error.Message)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoImageData, truncate(string(raw), 512))
	}

	datum := parsed.Data[0]
	result := &Result{OutputPath: req.OutputPath}

	var imageBytes []byte
	switch {
	case datum.URL != "":
		logging.Edit("[DMX] image url: %s", datum.URL)
		imageBytes, err = c.downloader.Fetch(ctx, datum.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to download result: %w", err)
		}
		result.Source = SourceURL
		result.URL = datum.URL
	case datum.B64JSON != "":
		imageBytes, err = base64.StdEncoding.DecodeString(datum.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("failed to decode b64_json: %w", err)
		}
		result.Source = SourceBase64
	default:
		return nil, ErrNoImageData
	}

	n, err := writeImage(req.OutputPath, imageBytes)
	if err != nil {
		return nil, err
	}
	result.Bytes = n
	result.Elapsed = time.Since(startTime)

	logging.Edit("[DMX] saved %s (%.2f KB) in %v", req.OutputPath, float64(n)/1024, result.Elapsed)
	return result, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func (c *DMXClient) buildForm(req Request, image []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := []struct{ name, value string }{
		{"prompt", req.Prompt},
		{"n", strconv.Itoa(1)},
		{"model", c.cfg.Model},
		{"aspect_ratio", c.cfg.AspectRatio},
		{"size", c.cfg.Size},
		{"response_format", c.cfg.ResponseFormat},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if err := w.WriteField(f.name, f.value); err != nil {
			return nil, "", fmt.Errorf("failed to build form: %w", err)
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="%s"`,
		quoteEscaper.Replace(filepath.Base(req.InputPath))))
	h.Set("Content-Type", imageinfo.MIMEType(req.InputPath))
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build form: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, "", fmt.Errorf("failed to build form: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to build form: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...[truncated]"
}
