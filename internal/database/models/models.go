package models

import "time"

// Account represents a tenant owning clients, numbers and applications.
type Account struct {
	ID           int64
	FriendlyName string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Client represents a SIP client (softphone or WebRTC endpoint) that can
// register and place calls. Password is stored in plaintext because SIP
// digest authentication needs the shared secret.
type Client struct {
	ID                  int64
	AccountID           int64
	Login               string
	Password            string
	FriendlyName        string
	Status              string // "enabled" | "disabled"
	VoiceURL            string
	VoiceMethod         string
	VoiceFallbackURL    string
	VoiceFallbackMethod string
	VoiceApplicationID  *int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Application is a reusable voice script reference that clients and
// incoming numbers can point at instead of carrying their own URL.
type Application struct {
	ID                  int64
	AccountID           int64
	FriendlyName        string
	VoiceURL            string
	VoiceMethod         string
	VoiceFallbackURL    string
	VoiceFallbackMethod string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IncomingNumber maps a hosted DID to a voice script.
type IncomingNumber struct {
	ID                   int64
	AccountID            int64
	PhoneNumber          string
	FriendlyName         string
	VoiceURL             string
	VoiceMethod          string
	VoiceFallbackURL     string
	VoiceFallbackMethod  string
	StatusCallbackURL    string
	StatusCallbackMethod string
	VoiceApplicationID   *int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Registration is a live SIP binding for a client.
type Registration struct {
	ID          int64
	InstanceID  string // node that accepted the registration
	User        string // address-of-record user part
	DisplayName string
	ContactURI  string // contact after NAT patching
	UserAgent   string
	Transport   string
	SourceIP    string
	SourcePort  int
	TTL         int // granted expiry in seconds
	WebRTC      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time // refreshed by re-registration and keepalive pongs
}

// Expires returns the instant the registration lapses. Re-registration and
// keepalive pongs push it forward by refreshing UpdatedAt.
func (r *Registration) Expires() time.Time {
	return r.UpdatedAt.Add(time.Duration(r.TTL) * time.Second)
}

// Notification is an operator-visible event raised by the signaling core.
type Notification struct {
	ID        int64
	Level     string // "warning" | "error"
	ErrorCode int
	Message   string
	CreatedAt time.Time
}

// Notification levels.
const (
	NotificationWarning = "warning"
	NotificationError   = "error"
)

// CallRecord is the detail record for one call through the core.
type CallRecord struct {
	ID         int64
	CallSid    string // uuid assigned at call creation
	CallID     string // SIP Call-ID of the inbound leg
	From       string
	To         string
	Direction  string // "inbound" | "outbound" | "client"
	Status     string
	StartTime  time.Time
	AnswerTime *time.Time
	EndTime    *time.Time
	Duration   *int // seconds, set when the call completes
}

// Call record statuses.
const (
	CallStatusRinging    = "ringing"
	CallStatusInProgress = "in-progress"
	CallStatusCompleted  = "completed"
	CallStatusFailed     = "failed"
	CallStatusCanceled   = "canceled"
)
