package entity

// Role is the closed set of identity roles. Anything else is rejected at
// parse time so invalid roles are unrepresentable downstream.
type Role string

const (
	RoleAdmin   Role = "admin"
	RolePremium Role = "premium"
	RoleFree    Role = "free"
	RoleBanned  Role = "banned"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RolePremium, RoleFree, RoleBanned:
		return true
	}
	return false
}

// ParseRole maps a wire string to a Role.
func ParseRole(s string) (Role, bool) {
	r := Role(s)
	return r, r.Valid()
}

// Permission is one row of the permissions table. Timestamps are stored in
// the canonical string encoding (pkg/database.TimeLayout); subscription
// fields are empty when no subscription was ever granted.
type Permission struct {
	Identity          string `db:"identity"`
	Role              Role   `db:"role"`
	SubscriptionStart string `db:"subscription_start"`
	SubscriptionEnd   string `db:"subscription_end"`
	DailyCallCount    int    `db:"daily_call_count"`
	DailyCallLimit    int    `db:"daily_call_limit"`
	LastCallDate      string `db:"last_call_date"`
	MaxDeviceCount    int    `db:"max_device_count"`
	LastLoginIP       string `db:"last_login_ip"`
	CreatedAt         string `db:"created_at"`
	UpdatedAt         string `db:"updated_at"`
}

// QuotaDecision is the outcome of a quota check or charge. Remaining is -1
// for unlimited (admin).
type QuotaDecision struct {
	Allowed   bool   `json:"allowed"`
	Role      Role   `json:"role"`
	Remaining int    `json:"quota_remaining"`
	Reason    string `json:"reason,omitempty"`
}
