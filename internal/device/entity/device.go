package entity

// Device is one row of the devices table: a fingerprint seen for an
// identity. Eviction flips Active off; rows are never deleted.
type Device struct {
	ID           string `db:"id" json:"id"`
	Identity     string `db:"identity" json:"identity"`
	Fingerprint  string `db:"fingerprint" json:"fingerprint"`
	FirstSeen    string `db:"first_seen" json:"first_seen"`
	LastSeen     string `db:"last_seen" json:"last_seen"`
	LastActivity string `db:"last_activity" json:"last_activity"`
	Active       bool   `db:"active" json:"active"`
	SessionCount int    `db:"session_count" json:"session_count"`
	APICallCount int    `db:"api_call_count" json:"api_call_count"`
}

// Signals are the client-presented inputs the fingerprint is derived from.
type Signals struct {
	UserAgent string `json:"user_agent"`
	Address   string `json:"address"`
	Extra     string `json:"extra,omitempty"`
}

// Admission outcomes.
const (
	ReasonKnownDevice        = "known_device"
	ReasonNewDevice          = "new_device"
	ReasonDeviceReplaced     = "device_replaced"
	ReasonDeviceLimit        = "device_limit_exceeded"
	ReasonPremiumDeviceLimit = "premium_device_limit"
	ReasonBanned             = "banned"
)

// Decision is the outcome of an admission attempt.
type Decision struct {
	Allowed    bool    `json:"allowed"`
	Reason     string  `json:"reason"`
	Suggestion string  `json:"suggestion,omitempty"`
	Device     *Device `json:"device,omitempty"`
}
