package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Notifier is the agent-notification sink. Implementations must be safe for
// concurrent use. Delivery is best effort; callers log and ignore failures.
type Notifier interface {
	// Wake delivers a one-shot advisory text.
	Wake(ctx context.Context, text string) error

	// Agent starts a dedicated conversation turn with the given text.
	Agent(ctx context.Context, text string) error
}

// NoopNotifier discards all notifications.
type NoopNotifier struct{}

// Wake implements Notifier.
func (NoopNotifier) Wake(ctx context.Context, text string) error { return nil }

// Agent implements Notifier.
func (NoopNotifier) Agent(ctx context.Context, text string) error { return nil }

// HTTPNotifier posts notifications to a trusted local agent host using a
// bearer token. We use an object for this to make testing a little easier.
type HTTPNotifier struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewHTTPNotifier returns a notifier targeting the two hook endpoints under
// baseURL, e.g. http://127.0.0.1:3001.
func NewHTTPNotifier(baseURL, token string) *HTTPNotifier {
	return &HTTPNotifier{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		token:      token,
	}
}

// Wake posts a one-shot advisory to /hooks/wake.
func (n *HTTPNotifier) Wake(ctx context.Context, text string) error {
	return n.post(ctx, "/hooks/wake", text)
}

// Agent posts to /hooks/agent to start a dedicated conversation turn.
func (n *HTTPNotifier) Agent(ctx context.Context, text string) error {
	return n.post(ctx, "/hooks/agent", text)
}

func (n *HTTPNotifier) post(ctx context.Context, path, text string) error {
	body, err := json.Marshal(struct {
		Text string `json:"text"`
	}{Text: text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		n.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}
	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("agent hook returned status %d", resp.StatusCode)
	}
	return nil
}
