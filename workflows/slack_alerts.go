package workflows

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// Alerter is told when a scheduled business run fails.
type Alerter interface {
	BusinessRunFailed(ctx context.Context, businessID uuid.UUID, businessName, reason string, err error) error
}

type SlackPayload struct {
	Text string `json:"text"`
}

// SlackAlerter posts run failures to a Slack incoming webhook.
type SlackAlerter struct {
	webhookURL string
	client     *http.Client
	now        func() time.Time
}

// NewSlackAlerter returns nil when webhookURL is empty, which disables alerts.
func NewSlackAlerter(webhookURL string) *SlackAlerter {
	if webhookURL == "" {
		return nil
	}
	return &SlackAlerter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 5 * time.Second},
		now:        time.Now,
	}
}

func (a *SlackAlerter) BusinessRunFailed(ctx context.Context, businessID uuid.UUID, businessName, reason string, err error) error {
	if err == nil {
		return nil
	}
	if businessName == "" {
		businessName = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}

	message := fmt.Sprintf(
		":rotating_light: *Visibility Run Failed*\n"+
			"*Time:* %s\n"+
			"*Business:* %s (%s)\n"+
			"*Reason:* %s\n"+
			"*Error:* ```%s```",
		a.now().UTC().Format(time.RFC3339),
		businessName,
		businessID,
		reason,
		err.Error(),
	)
	return a.post(ctx, SlackPayload{Text: message})
}

func (a *SlackAlerter) post(ctx context.Context, payload SlackPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrap(err, "failed to encode slack payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.webhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "failed to build slack request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "slack webhook request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return eris.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}
