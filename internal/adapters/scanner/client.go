package scanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/stoik/content-inspection/internal/domain"
	"github.com/stoik/content-inspection/internal/domain/detection"
)

// Config configures the remote scanning API
type Config struct {
	Enabled bool          `koanf:"enabled"`
	URL     string        `koanf:"url" validate:"required_if=Enabled true"`
	APIKey  string        `koanf:"api_key"`
	Timeout time.Duration `koanf:"timeout"`
	// Kinds restricts which artifact kinds are sent; empty means all
	Kinds []string `koanf:"kinds"`
	// FailureThreshold is the number of consecutive failures that open the breaker
	FailureThreshold uint32 `koanf:"failure_threshold"`
	// OpenTimeout is how long the breaker stays open before probing again
	OpenTimeout time.Duration `koanf:"open_timeout"`
}

// maxResponseSize bounds how much of a response body is read
const maxResponseSize = 1 << 20

type scanRequest struct {
	Hash    string `json:"sha256"`
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	Content []byte `json:"content"`
}

type scanResponse struct {
	Verdict    string   `json:"verdict"`
	Reason     string   `json:"reason"`
	Confidence *float64 `json:"confidence"`
}

// Client calls the remote scanning API over HTTP.
// It implements detection.RemoteScanner.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a scanning API client
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
	}
}

// StatusError is returned for non-2xx responses
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("scanner returned %d: %s", e.Code, e.Body)
}

// Scan submits the artifact and maps the remote verdict to a classification
func (c *Client) Scan(ctx context.Context, artifact domain.Artifact) (detection.RemoteResult, error) {
	body, err := json.Marshal(scanRequest{
		Hash:    artifact.Hash,
		Kind:    string(artifact.Kind),
		Name:    artifact.Name,
		Size:    artifact.Size,
		Content: artifact.Payload,
	})
	if err != nil {
		return detection.RemoteResult{}, fmt.Errorf("encode scan request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/scan", bytes.NewReader(body))
	if err != nil {
		return detection.RemoteResult{}, fmt.Errorf("build scan request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return detection.RemoteResult{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return detection.RemoteResult{}, fmt.Errorf("read scan response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return detection.RemoteResult{}, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var out scanResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return detection.RemoteResult{}, fmt.Errorf("decode scan response: %w", err)
	}
	if out.Confidence != nil && (*out.Confidence < 0 || *out.Confidence > 1) {
		return detection.RemoteResult{}, errors.New("scanner returned confidence outside [0,1]")
	}

	return detection.RemoteResult{
		Classification: classify(out.Verdict),
		Reason:         out.Reason,
		Confidence:     out.Confidence,
	}, nil
}

func classify(verdict string) domain.Classification {
	switch strings.ToLower(strings.TrimSpace(verdict)) {
	case "clean", "harmless", "undetected":
		return domain.ClassClean
	case "suspicious":
		return domain.ClassSuspicious
	case "malicious", "infected":
		return domain.ClassMalicious
	default:
		return domain.ClassInconclusive
	}
}
