package entity

import (
	"encoding/json"

	"github.com/ovaphlow/hexagram/access-core-go/pkg/apperr"
)

// BirthData is the payload supplied on the unauthenticated channel.
type BirthData struct {
	Year   int    `json:"year"`
	Month  int    `json:"month"`
	Day    int    `json:"day"`
	Hour   int    `json:"hour"`
	Gender string `json:"gender,omitempty"`
}

// Validate rejects malformed birth payloads before anything is persisted.
func (b BirthData) Validate() error {
	if b.Year < 1850 || b.Year > 2100 {
		return apperr.Validation("invalid_year")
	}
	if b.Month < 1 || b.Month > 12 {
		return apperr.Validation("invalid_month")
	}
	if b.Day < 1 || b.Day > 31 {
		return apperr.Validation("invalid_day")
	}
	if b.Hour < 0 || b.Hour > 23 {
		return apperr.Validation("invalid_hour")
	}
	switch b.Gender {
	case "", "M", "F":
	default:
		return apperr.Validation("invalid_gender")
	}
	return nil
}

func (b BirthData) Marshal() string {
	raw, _ := json.Marshal(b)
	return string(raw)
}

// PendingBinding is a short-lived single-use offer: birth data waiting for a
// claiming identity. No identity is attached until the claim.
type PendingBinding struct {
	ID        string `db:"id"`
	BirthData string `db:"birth_data"`
	CreatedAt string `db:"created_at"`
	ExpiresAt string `db:"expires_at"`
	Consumed  bool   `db:"consumed"`
	ClaimedBy string `db:"claimed_by"`
}

// Profile is the bound birth data for an identity.
type Profile struct {
	Identity  string `db:"identity" json:"identity"`
	BirthData string `db:"birth_data" json:"birth_data"`
	Gender    string `db:"gender" json:"gender,omitempty"`
	CreatedAt string `db:"created_at" json:"created_at"`
	UpdatedAt string `db:"updated_at" json:"updated_at"`
}

// Birth unmarshals the stored payload.
func (p *Profile) Birth() (BirthData, error) {
	var b BirthData
	err := json.Unmarshal([]byte(p.BirthData), &b)
	return b, err
}
