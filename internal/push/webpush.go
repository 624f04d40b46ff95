package push

import (
	"context"
	"encoding/json"
	"fmt"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// WebPushClient delivers notifications to browser subscriptions using the
// service's VAPID key pair and subject identity.
type WebPushClient struct {
	opts webpush.Options
}

// NewWebPushClient creates a client signing with the given VAPID keys
func NewWebPushClient(publicKey, privateKey, subject string) *WebPushClient {
	return &WebPushClient{
		opts: webpush.Options{
			Subscriber:      subject,
			VAPIDPublicKey:  publicKey,
			VAPIDPrivateKey: privateKey,
			TTL:             600,
		},
	}
}

// Send pushes one notification to a stored subscription. The subscription
// argument is the serialized object captured at registration time (endpoint
// plus p256dh/auth keys).
func (c *WebPushClient) Send(ctx context.Context, subscription string, n Notification) error {
	var sub webpush.Subscription
	if err := json.Unmarshal([]byte(subscription), &sub); err != nil {
		return fmt.Errorf("failed to parse stored subscription: %w", err)
	}
	if sub.Endpoint == "" {
		return fmt.Errorf("stored subscription has no endpoint")
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode push payload: %w", err)
	}

	opts := c.opts
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &sub, &opts)
	if err != nil {
		return fmt.Errorf("web push send failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	return nil
}
