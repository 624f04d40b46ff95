package models

import "time"

// Device platforms. PlatformWeb tokens are delivered over the web push
// protocol; everything else goes through the FCM messaging API.
const (
	PlatformWeb     = "web"
	PlatformAndroid = "android"
	PlatformIOS     = "ios"
)

// DeviceToken is a push delivery target registered by one of a user's
// devices. For PlatformWeb the Token field holds the serialized push
// subscription captured in the browser; for the mobile platforms it is a raw
// FCM registration token. Registration is owned by an external flow; this
// service only reads tokens and touches LastUsedAt after a dispatch attempt.
type DeviceToken struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	UserID     string    `gorm:"size:128;not null;index" json:"user_id"`
	Token      string    `gorm:"type:text;not null" json:"-"`
	Platform   string    `gorm:"size:20;not null" json:"platform"`
	LastUsedAt time.Time `json:"last_used_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// IsWebPush reports whether this token is a web push subscription
func (t *DeviceToken) IsWebPush() bool {
	return t.Platform == PlatformWeb
}
