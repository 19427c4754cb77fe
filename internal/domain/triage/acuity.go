package triage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AcuityLevel is a Manchester Triage Protocol classification. Lower values
// are more urgent.
type AcuityLevel int

const (
	Emergency AcuityLevel = iota + 1
	VeryUrgent
	Urgent
	LessUrgent
	NonUrgent
)

type acuityInfo struct {
	name    string
	color   string
	ceiling time.Duration
}

// Ceilings are non-decreasing as urgency decreases.
var acuityTable = map[AcuityLevel]acuityInfo{
	Emergency:  {name: "emergency", color: "red", ceiling: 0},
	VeryUrgent: {name: "very_urgent", color: "orange", ceiling: 10 * time.Minute},
	Urgent:     {name: "urgent", color: "yellow", ceiling: 60 * time.Minute},
	LessUrgent: {name: "less_urgent", color: "green", ceiling: 120 * time.Minute},
	NonUrgent:  {name: "non_urgent", color: "blue", ceiling: 240 * time.Minute},
}

// Levels returns every acuity level, most urgent first.
func Levels() []AcuityLevel {
	return []AcuityLevel{Emergency, VeryUrgent, Urgent, LessUrgent, NonUrgent}
}

func (a AcuityLevel) Valid() bool {
	_, ok := acuityTable[a]
	return ok
}

// Rank is the integer urgency rank, 1 (most urgent) through 5.
func (a AcuityLevel) Rank() int { return int(a) }

// Ceiling is the target maximum wait before the patient is overdue.
func (a AcuityLevel) Ceiling() time.Duration { return acuityTable[a].ceiling }

// CeilingMinutes returns Ceiling in real-valued minutes.
func (a AcuityLevel) CeilingMinutes() float64 { return a.Ceiling().Minutes() }

// Color returns the wristband colour label.
func (a AcuityLevel) Color() string {
	if info, ok := acuityTable[a]; ok {
		return info.color
	}
	return "unknown"
}

func (a AcuityLevel) String() string {
	if info, ok := acuityTable[a]; ok {
		return info.name
	}
	return fmt.Sprintf("acuity(%d)", int(a))
}

// Classification describes one acuity level for selectors and boards.
type Classification struct {
	Rank           int     `json:"rank"`
	Name           string  `json:"name"`
	Color          string  `json:"color"`
	CeilingMinutes float64 `json:"ceiling_minutes"`
}

// Classifications lists every level, most urgent first.
func Classifications() []Classification {
	levels := Levels()
	out := make([]Classification, 0, len(levels))
	for _, a := range levels {
		out = append(out, Classification{
			Rank:           a.Rank(),
			Name:           a.String(),
			Color:          a.Color(),
			CeilingMinutes: a.CeilingMinutes(),
		})
	}
	return out
}

// AcuityFromRank converts a numeric rank, rejecting anything outside 1..5.
func AcuityFromRank(rank int) (AcuityLevel, error) {
	a := AcuityLevel(rank)
	if !a.Valid() {
		return 0, fmt.Errorf("%w: rank %d", ErrInvalidAcuity, rank)
	}
	return a, nil
}

// ParseAcuity accepts a rank ("1".."5"), a colour ("red".."blue") or a level
// name ("emergency", "very_urgent", ...). Matching is case-insensitive.
func ParseAcuity(s string) (AcuityLevel, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(v); err == nil {
		return AcuityFromRank(n)
	}
	for level, info := range acuityTable {
		if v == info.color || v == info.name {
			return level, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidAcuity, s)
}

func (a AcuityLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(int(a))
}

// UnmarshalJSON accepts either a JSON number or a string understood by
// ParseAcuity. Out-of-range values are rejected here, before they can reach
// the ordering engine.
func (a *AcuityLevel) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		level, err := AcuityFromRank(n)
		if err != nil {
			return err
		}
		*a = level
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAcuity, string(data))
	}
	level, err := ParseAcuity(s)
	if err != nil {
		return err
	}
	*a = level
	return nil
}
