package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// minImagePixels is the smallest acceptable image area. Anything below it is
// bumped to the preset closest in aspect ratio.
const minImagePixels = 3686400

// DefaultImageSize is used when a request carries no size at all.
const DefaultImageSize = "2560x1440"

// imagePresets are the sizes the generation provider renders at full
// quality: landscape, portrait, square.
var imagePresets = [][2]int{
	{2560, 1440},
	{1440, 2560},
	{1920, 1920},
}

// ImageOut describes one generated image.
type ImageOut struct {
	URL           string
	Size          string
	RevisedPrompt string
}

// ImageClient generates illustrations for articles.
type ImageClient interface {
	Generate(ctx context.Context, prompt, size string) (ImageOut, error)
}

// NormalizeImageSize parses a "WxH" size and returns it unchanged when the
// area meets the floor. Undersized or unparseable values are replaced by the
// preset whose aspect ratio is closest to the request, so a small landscape
// request still comes back landscape.
func NormalizeImageSize(size string) string {
	w, h, err := ParseImageSize(size)
	if err != nil {
		return DefaultImageSize
	}
	if w*h >= minImagePixels {
		return size
	}

	requested := float64(w) / float64(h)
	best := imagePresets[0]
	bestDiff := math.MaxFloat64
	for _, preset := range imagePresets {
		diff := math.Abs(float64(preset[0])/float64(preset[1]) - requested)
		if diff < bestDiff {
			bestDiff = diff
			best = preset
		}
	}
	return fmt.Sprintf("%dx%d", best[0], best[1])
}

// ParseImageSize splits a "WxH" string into positive dimensions.
func ParseImageSize(size string) (int, int, error) {
	parts := strings.SplitN(strings.ToLower(strings.TrimSpace(size)), "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("image size %q: want WxH", size)
	}
	w, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("image size %q: %w", size, err)
	}
	h, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("image size %q: %w", size, err)
	}
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("image size %q: dimensions must be positive", size)
	}
	return w, h, nil
}

// HTTPImageClient talks to an OpenAI-compatible image generation endpoint.
type HTTPImageClient struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPImageClient creates an image client. The endpoint is the full
// generations URL, for example "https://api.example.com/v1/images/generations".
func NewHTTPImageClient(endpoint, apiKey, model string, httpClient *http.Client) *HTTPImageClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &HTTPImageClient{
		endpoint:   endpoint,
		apiKey:     apiKey,
		model:      model,
		httpClient: httpClient,
		logger:     slog.Default(),
	}
}

type imageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Size   string `json:"size"`
	N      int    `json:"n"`
}

type imageResponse struct {
	Data []struct {
		URL           string `json:"url"`
		RevisedPrompt string `json:"revised_prompt,omitempty"`
	} `json:"data"`
}

// Generate implements ImageClient. The size is normalized before the call.
func (c *HTTPImageClient) Generate(ctx context.Context, prompt, size string) (ImageOut, error) {
	size = NormalizeImageSize(size)

	body, err := json.Marshal(imageRequest{Model: c.model, Prompt: prompt, Size: size, N: 1})
	if err != nil {
		return ImageOut{}, NewFatalError(fmt.Errorf("marshal image request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return ImageOut{}, NewFatalError(fmt.Errorf("create image request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ImageOut{}, err
		}
		return ImageOut{}, NewTransientError(fmt.Errorf("image request: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return ImageOut{}, NewTransientError(fmt.Errorf("read image response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return ImageOut{}, NewTransientError(fmt.Errorf("image status %d: %s", resp.StatusCode, truncate(data, 200)))
	default:
		return ImageOut{}, NewFatalError(fmt.Errorf("image status %d: %s", resp.StatusCode, truncate(data, 200)))
	}

	var parsed imageResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return ImageOut{}, NewTransientError(fmt.Errorf("decode image response: %w", err))
	}
	if len(parsed.Data) == 0 {
		return ImageOut{}, NewTransientError(errors.New("image response has no data"))
	}
	return ImageOut{
		URL:           parsed.Data[0].URL,
		Size:          size,
		RevisedPrompt: parsed.Data[0].RevisedPrompt,
	}, nil
}

// DownloadImage fetches url into dir and returns the local path. Failures
// are reported but callers treat them as best effort; the remote URL stays
// in the result either way.
func DownloadImage(ctx context.Context, httpClient *http.Client, url, dir, name string) (string, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create image dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create download request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create image file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", fmt.Errorf("write image file: %w", err)
	}
	return path, nil
}
