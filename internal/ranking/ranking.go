// Package ranking orders an event's registrants for the reveal.
//
// The order is:
//   - organizers before everyone else
//   - then ascending last attendance in the event's group, where a
//     participant who never attended sorts as the Unix epoch (first)
//   - then a random tie-break
//
// The tie-break draws one random key per participant before sorting, so a
// single pass yields a consistent total order. The caller supplies the random
// source: seeded in tests, time-seeded in production.
package ranking

import (
	"math/rand"
	"sort"
	"time"

	"fairplay/internal/model"
)

// Lookup returns a participant's last attendance in the relevant group, or
// false when there is no record.
type Lookup func(uid string) (time.Time, bool)

// MapLookup adapts a uid -> timestamp map to a Lookup.
func MapLookup(m map[string]time.Time) Lookup {
	return func(uid string) (time.Time, bool) {
		t, ok := m[uid]
		if !ok || t.IsZero() {
			return time.Time{}, false
		}
		return t, true
	}
}

// Ranked is a participant annotated with the data the order was built from.
type Ranked struct {
	model.Participant

	// LastAttended is nil when the participant never attended the group.
	LastAttended *time.Time
	// IsLate reports a registration after the reveal time. Informational
	// only; it does not affect the order.
	IsLate bool

	tiebreak int64
}

func (r Ranked) attendanceKey() int64 {
	if r.LastAttended == nil {
		return 0
	}
	return r.LastAttended.UnixMilli()
}

// Rank returns the participants in reveal order. The input slice is not
// modified and no participant is added or dropped. rnd must not be nil.
func Rank(participants []model.Participant, lookup Lookup, revealAt time.Time, rnd *rand.Rand) []Ranked {
	out := make([]Ranked, len(participants))
	for i, p := range participants {
		r := Ranked{
			Participant: p,
			IsLate:      p.RegisteredAt.After(revealAt),
			tiebreak:    rnd.Int63(),
		}
		if lookup != nil {
			if t, ok := lookup(p.UID); ok {
				r.LastAttended = &t
			}
		}
		out[i] = r
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.IsOrganizer != b.IsOrganizer {
			return a.IsOrganizer
		}
		if ak, bk := a.attendanceKey(), b.attendanceKey(); ak != bk {
			return ak < bk
		}
		return a.tiebreak < b.tiebreak
	})
	return out
}

// Participants strips the ranking annotations.
func Participants(ranked []Ranked) []model.Participant {
	out := make([]model.Participant, len(ranked))
	for i, r := range ranked {
		out[i] = r.Participant
	}
	return out
}

// NewSource returns a time-seeded random source for production use.
func NewSource() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
