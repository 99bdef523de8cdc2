package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPClassifier calls an external classification service. Transient
// failures (network, 5xx, 429) are retried exactly once with a short
// backoff; validation-level responses are never retried.
type HTTPClassifier struct {
	BaseURL string
	Client  *http.Client
	Backoff time.Duration
}

type classifyRequest struct {
	Text     string `json:"text"`
	Location string `json:"location"`
}

func (h HTTPClassifier) Classify(ctx context.Context, text string, locationLabel string) (Classification, error) {
	if h.Client == nil {
		h.Client = &http.Client{Timeout: 15 * time.Second}
	}
	backoff := h.Backoff
	if backoff == 0 {
		backoff = 500 * time.Millisecond
	}

	payload, _ := json.Marshal(classifyRequest{Text: text, Location: locationLabel})

	result, retryable, err := h.classifyOnce(ctx, payload)
	if err != nil && retryable {
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return Classification{}, ctx.Err()
		}
		result, _, err = h.classifyOnce(ctx, payload)
	}
	return result, err
}

func (h HTTPClassifier) classifyOnce(ctx context.Context, payload []byte) (Classification, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+"/classify", bytes.NewReader(payload))
	if err != nil {
		return Classification{}, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		return Classification{}, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return Classification{}, true, fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Classification{}, false, fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}

	var c Classification
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		return Classification{}, false, err
	}
	return clampClassification(c), false, nil
}

func clampClassification(c Classification) Classification {
	if c.Category == "" {
		c.Category = "other"
	}
	if c.Severity < 1 {
		c.Severity = 1
	}
	if c.Severity > 5 {
		c.Severity = 5
	}
	if c.Confidence < 0 {
		c.Confidence = 0
	}
	if c.Confidence > 1 {
		c.Confidence = 1
	}
	return c
}
