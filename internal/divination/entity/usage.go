package entity

import "encoding/json"

// Usage is one weekly divination record. At most one row exists per
// (identity, week_start); the table's unique constraint is the sole
// eligibility gate. Rows are immutable once written.
type Usage struct {
	ID          string `db:"id" json:"id"`
	Identity    string `db:"identity" json:"identity"`
	WeekStart   string `db:"week_start" json:"week_start"`
	PerformedAt string `db:"performed_at" json:"performed_at"`
	Payload     string `db:"payload" json:"-"`
}

// Result exposes the stored chart payload as raw JSON.
func (u *Usage) Result() json.RawMessage {
	if u.Payload == "" {
		return nil
	}
	return json.RawMessage(u.Payload)
}
