package training

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PreviewConfig configures the sidecar preview client.
type PreviewConfig struct {
	BaseURL       string        `json:"base_url"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
}

// DefaultPreviewConfig returns default preview settings.
func DefaultPreviewConfig() PreviewConfig {
	return PreviewConfig{
		BaseURL:       "http://localhost:8080",
		Timeout:       5 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Second,
	}
}

// PreviewUpdate is the payload posted to the sidecar after each epoch:
// the curves so far plus a PNG render of the current patch.
type PreviewUpdate struct {
	Epoch        int       `json:"epoch"`
	Epochs       int       `json:"epochs"`
	TrainLoss    []float64 `json:"train_loss"`
	ValLoss      []float64 `json:"val_loss"`
	TrainSuccess []float64 `json:"train_success"`
	ValSuccess   []float64 `json:"val_success"`
	PatchPNG     []byte    `json:"patch_png,omitempty"`
}

// PreviewClient posts training progress to a local sidecar service for
// live plotting. It is best-effort: failures are reported once and
// never interrupt training. Disabled until Enable is called.
type PreviewClient struct {
	baseURL    string
	httpClient *http.Client
	config     PreviewConfig
	enabled    bool
	warned     bool
}

// NewPreviewClient creates a preview client. The client starts
// disabled.
func NewPreviewClient(config PreviewConfig) *PreviewClient {
	if config.BaseURL == "" {
		config = DefaultPreviewConfig()
	}
	return &PreviewClient{
		baseURL: config.BaseURL,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		config: config,
	}
}

// Enable turns on preview publishing.
func (pc *PreviewClient) Enable() {
	pc.enabled = true
}

// Disable turns off preview publishing.
func (pc *PreviewClient) Disable() {
	pc.enabled = false
}

// IsEnabled returns whether the client publishes updates.
func (pc *PreviewClient) IsEnabled() bool {
	return pc.enabled
}

// Publish sends one update. Errors are swallowed after a single warning
// so an absent sidecar cannot fail or slow a run.
func (pc *PreviewClient) Publish(update PreviewUpdate) {
	if !pc.enabled {
		return
	}
	if err := pc.send(update); err != nil && !pc.warned {
		pc.warned = true
		fmt.Printf("Warning: preview service unavailable, continuing without it: %v\n", err)
	}
}

// send posts the update with retries.
func (pc *PreviewClient) send(update PreviewUpdate) error {
	jsonData, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal preview update: %w", err)
	}

	attempts := pc.config.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = pc.post(jsonData)
		if lastErr == nil {
			return nil
		}
		if attempt < attempts-1 {
			time.Sleep(pc.config.RetryDelay)
		}
	}
	return fmt.Errorf("failed to send preview update after %d attempts: %w", attempts, lastErr)
}

func (pc *PreviewClient) post(jsonData []byte) error {
	url := fmt.Sprintf("%s/api/preview", pc.baseURL)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "advpatch-training")

	resp, err := pc.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("preview service returned status %d", resp.StatusCode)
	}
	return nil
}

// CheckHealth checks whether the sidecar answers on its health
// endpoint.
func (pc *PreviewClient) CheckHealth() error {
	url := fmt.Sprintf("%s/health", pc.baseURL)
	resp, err := pc.httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("failed to reach preview service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("preview service health check returned status %d", resp.StatusCode)
	}
	return nil
}
