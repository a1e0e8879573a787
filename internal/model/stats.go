package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StatisticSnapshot is the reading state captured when a book was completed.
type StatisticSnapshot struct {
	DateKey            string  `json:"dateKey"`
	CharactersRead     int64   `json:"charactersRead"`
	ReadingTime        float64 `json:"readingTime"`
	MinReadingSpeed    float64 `json:"minReadingSpeed"`
	AltMinReadingSpeed float64 `json:"altMinReadingSpeed"`
	LastReadingSpeed   float64 `json:"lastReadingSpeed"`
	MaxReadingSpeed    float64 `json:"maxReadingSpeed"`
}

// Statistic is one day of reading activity for one book, keyed by
// (Title, DateKey). DateKey is formatted YYYY-MM-DD.
type Statistic struct {
	Title                 string             `json:"title"`
	DateKey               string             `json:"dateKey"`
	CharactersRead        int64              `json:"charactersRead"`
	ReadingTime           float64            `json:"readingTime"`
	MinReadingSpeed       float64            `json:"minReadingSpeed"`
	AltMinReadingSpeed    float64            `json:"altMinReadingSpeed"`
	LastReadingSpeed      float64            `json:"lastReadingSpeed"`
	MaxReadingSpeed       float64            `json:"maxReadingSpeed"`
	LastStatisticModified int64              `json:"lastStatisticModified"`
	CompletedBook         Flag               `json:"completedBook,omitempty"`
	CompletedData         *StatisticSnapshot `json:"completedData,omitempty"`
}

// Key returns the identity of s within a merged set.
func (s Statistic) Key() string {
	return s.Title + "\x00" + s.DateKey
}

// Flag is a boolean stored as 1 or absent, as older exports write it.
type Flag bool

// MarshalJSON writes true as 1.
func (f Flag) MarshalJSON() ([]byte, error) {
	if f {
		return []byte("1"), nil
	}
	return []byte("0"), nil
}

// UnmarshalJSON accepts booleans, numbers and null.
func (f *Flag) UnmarshalJSON(data []byte) error {
	switch v := strings.TrimSpace(string(data)); v {
	case "true":
		*f = true
	case "false", "null", "0", "":
		*f = false
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("decoding flag: %w", err)
		}
		*f = n != 0
	}
	return nil
}

// GoalFrequency is how often a reading goal resets.
type GoalFrequency string

const (
	FrequencyDaily   GoalFrequency = "daily"
	FrequencyWeekly  GoalFrequency = "weekly"
	FrequencyMonthly GoalFrequency = "monthly"
)

// UnmarshalJSON normalises the frequency to lower case and rejects unknown values.
func (f *GoalFrequency) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decoding goal frequency: %w", err)
	}
	switch v := GoalFrequency(strings.ToLower(s)); v {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		*f = v
		return nil
	default:
		return fmt.Errorf("unknown goal frequency %q", s)
	}
}

// ReadingGoal is a reading target over a date range. Dates are YYYY-MM-DD so
// that string comparison orders them. An empty GoalEndDate marks the goal as
// open (still running).
type ReadingGoal struct {
	TimeGoal         int64         `json:"timeGoal"`
	CharacterGoal    int64         `json:"characterGoal"`
	GoalFrequency    GoalFrequency `json:"goalFrequency"`
	GoalStartDate    string        `json:"goalStartDate"`
	GoalEndDate      string        `json:"goalEndDate"`
	GoalOriginalEnd  string        `json:"goalOriginalEndDate,omitempty"`
	LastGoalModified int64         `json:"lastGoalModified"`
}

// IsOpen reports whether the goal has no end date.
func (g ReadingGoal) IsOpen() bool {
	return g.GoalEndDate == ""
}

// Overlaps reports whether the inclusive date ranges of two closed goals intersect.
func (g ReadingGoal) Overlaps(o ReadingGoal) bool {
	return (g.GoalStartDate >= o.GoalStartDate && g.GoalStartDate <= o.GoalEndDate) ||
		(o.GoalStartDate >= g.GoalStartDate && o.GoalStartDate <= g.GoalEndDate)
}
