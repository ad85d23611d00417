package models

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusServing   Status = "serving"
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusSkipped
}

func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusServing, StatusCompleted, StatusSkipped:
		return true
	}
	return false
}

type Ticket struct {
	ID          string     `json:"id"`
	Number      string     `json:"number"`
	Category    Category   `json:"service_category"`
	ServiceName string     `json:"service_name"`
	BusinessDay string     `json:"business_day"`
	Status      Status     `json:"status"`
	Counter     *string    `json:"counter,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CalledAt    *time.Time `json:"called_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Clone returns a copy that shares no pointers with t.
func (t Ticket) Clone() Ticket {
	out := t
	if t.Counter != nil {
		counter := *t.Counter
		out.Counter = &counter
	}
	if t.CalledAt != nil {
		calledAt := *t.CalledAt
		out.CalledAt = &calledAt
	}
	if t.FinishedAt != nil {
		finishedAt := *t.FinishedAt
		out.FinishedAt = &finishedAt
	}
	return out
}

// CounterID returns the serving counter or "" while the ticket is waiting.
func (t Ticket) CounterID() string {
	if t.Counter == nil {
		return ""
	}
	return *t.Counter
}

// FormatNumber renders the display number for an ordinal, e.g. CS001.
// Ordinals beyond 999 are not truncated.
func FormatNumber(category Category, ordinal int64) string {
	return fmt.Sprintf("%s%03d", category, ordinal)
}

const businessDayLayout = "2006-01-02"

// BusinessDay returns the calendar day of t in loc, used to key number allocation.
func BusinessDay(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(businessDayLayout)
}

func ValidBusinessDay(day string) bool {
	_, err := time.Parse(businessDayLayout, day)
	return err == nil
}
