package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// DefaultTimeout is the classifier budget. A turn never waits longer than this for an intent.
const DefaultTimeout = 800 * time.Millisecond

// Classifier labels an utterance. Implementations never fail: errors degrade to None.
type Classifier interface {
	Classify(ctx context.Context, text string) Classification
}

// HTTPClassifier calls a remote service speaking {"text"} -> {"name", "confidence"}.
type HTTPClassifier struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

// NewHTTPClassifier creates a classifier posting to url.
func NewHTTPClassifier(url string, timeout time.Duration) *HTTPClassifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClassifier{url: url, timeout: timeout, client: &http.Client{}}
}

// Classify implements Classifier.
func (c *HTTPClassifier) Classify(ctx context.Context, text string) Classification {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.classify(ctx, text)
	if err != nil {
		slog.Warn("HTTPClassifier.Classify: classifier unavailable, assuming no intent", "error", err)
		return None
	}
	slog.Debug("HTTPClassifier.Classify: classified", "name", out.Name, "confidence", out.Confidence)
	return out
}

func (c *HTTPClassifier) classify(ctx context.Context, text string) (Classification, error) {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return None, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return None, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return None, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return None, fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}
	var out Classification
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return None, fmt.Errorf("failed to decode classifier response: %w", err)
	}
	return out, nil
}

// Disabled is the classifier used when no service is configured.
type Disabled struct{}

// Classify always returns None.
func (Disabled) Classify(context.Context, string) Classification { return None }
