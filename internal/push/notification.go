// Package push delivers notifications to user devices over the two supported
// protocols: the FCM v1 messaging API (mobile registration tokens) and the
// web push protocol (browser subscriptions).
package push

// Notification is the content of a single push message. Data travels as an
// opaque string map so both protocols can carry it unchanged.
type Notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}
