// Package chart declares the contracts toward the external computation
// collaborators. The real engine lives outside this core; LocalEngine is a
// deterministic stand-in so the pipeline can run end to end in development.
package chart

import (
	"context"
	"encoding/json"
	"time"
)

// Input is either bound birth data or, absent a binding, the moment the
// divination was requested.
type Input struct {
	Year  int  `json:"year"`
	Month int  `json:"month"`
	Day   int  `json:"day"`
	Hour  int  `json:"hour"`
	IsNow bool `json:"is_now"`
}

// Engine computes a chart payload from an input and gender. Pure: it never
// touches this core's state.
type Engine interface {
	Compute(ctx context.Context, in Input, gender string) (json.RawMessage, error)
}

// CalendarService resolves calendar descriptors for a timestamp. Consumed by
// engine implementations, never called by this core directly.
type CalendarService interface {
	Lookup(ctx context.Context, ts time.Time, tzOffset int) (json.RawMessage, error)
}

// LocalEngine derives sexagenary cycle indices arithmetically. Good enough
// to exercise the access-control pipeline; not an astrology implementation.
type LocalEngine struct{}

var stems = []string{"jia", "yi", "bing", "ding", "wu", "ji", "geng", "xin", "ren", "gui"}
var branches = []string{"zi", "chou", "yin", "mao", "chen", "si", "wu", "wei", "shen", "you", "xu", "hai"}

func (LocalEngine) Compute(_ context.Context, in Input, gender string) (json.RawMessage, error) {
	// 1984 opened a sexagenary cycle (jia-zi year)
	y := in.Year - 1984
	yearIdx := ((y % 60) + 60) % 60
	hourIdx := ((in.Hour+1)/2 + ((in.Day % 12) * 12)) % 12

	out := map[string]any{
		"year_pillar":  stems[yearIdx%10] + "-" + branches[yearIdx%12],
		"hour_branch":  branches[hourIdx],
		"gender":       gender,
		"input":        in,
		"generated_by": "local",
	}
	return json.Marshal(out)
}
