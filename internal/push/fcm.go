package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultMessagingBaseURL = "https://fcm.googleapis.com"

// FCMClient sends notifications through the FCM v1 messaging API. Calls are
// authenticated with the bearer token minted by TokenSource for the same
// invocation.
type FCMClient struct {
	projectID string
	baseURL   string
	client    *http.Client
}

// NewFCMClient creates a client for the given project
func NewFCMClient(projectID string) *FCMClient {
	return &FCMClient{
		projectID: projectID,
		baseURL:   defaultMessagingBaseURL,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// fcmSendRequest mirrors the v1 messages:send body
type fcmSendRequest struct {
	Message fcmMessage `json:"message"`
}

type fcmMessage struct {
	Token        string            `json:"token"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Send delivers one notification to a single registration token
func (c *FCMClient) Send(ctx context.Context, accessToken, deviceToken string, n Notification) error {
	payload := fcmSendRequest{
		Message: fcmMessage{
			Token: deviceToken,
			Notification: fcmNotification{
				Title: n.Title,
				Body:  n.Body,
			},
			Data: n.Data,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/projects/%s/messages:send", c.baseURL, c.projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build send request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("messaging send failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("messaging send returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}
