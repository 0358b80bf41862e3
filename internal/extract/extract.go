package extract

import (
	"errors"
	"time"
)

var (
	ErrNoDates          = errors.New("no dates found")
	ErrConflictingDates = errors.New("conflicting start dates")
	ErrDurationMismatch = errors.New("duration does not match dates")
	ErrInvalidRange     = errors.New("invalid date range")
)

// Part flags a piece of a range the text stated itself.
type Part uint8

const (
	PartStart Part = 1 << iota
	PartEnd
	PartDuration
)

// Complete reports whether the stated parts pin down a range on their own.
func (p Part) Complete() bool {
	switch {
	case p&PartStart != 0:
		return p&(PartEnd|PartDuration) != 0
	default:
		return p&PartEnd != 0 && p&PartDuration != 0
	}
}

// Result is an inclusive calendar range. Dates lists every day from Start to End.
type Result struct {
	Start    time.Time
	End      time.Time
	Duration int
	Dates    []time.Time
	Stated   Part
}

// Extractor turns free text into a leave date range relative to now.
// Merge completes a partial follow-up range from an earlier one.
type Extractor interface {
	Extract(text string, now time.Time) (Result, error)
	Merge(current, previous Result) (Result, error)
}

func newResult(start, end time.Time) Result {
	dates := make([]time.Time, 0)
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		dates = append(dates, day)
	}
	return Result{Start: start, End: end, Duration: len(dates), Dates: dates}
}
