package extract

import (
	"errors"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/iago/leave-bot/internal/domain"
)

var (
	numericDatePattern = regexp.MustCompile(`\b(\d{1,2})[/.](\d{1,2})(?:[/.](\d{2,4}))?\b`)
	textDatePattern    = regexp.MustCompile(`\b(\d{1,2})(?:st|nd|rd|th)?\s+(jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?(?:\s+(\d{4}))?\b`)
	relativePattern    = regexp.MustCompile(`\b(today|tomorrow|tmr|next\s+(?:mon|tue|tues|wed|thu|thur|thurs|fri|sat|sun)[a-z]*)\b`)
	durationPattern    = regexp.MustCompile(`\b(\d{1,2})\s*(?:days?|d)\b`)
	rangeJoinPattern   = regexp.MustCompile(`^\s*(?:to|until|till|through|and|-|–)\s*$`)
	endMarkerPattern   = regexp.MustCompile(`\b(?:to|until|till|through)\s*$`)
	intentPattern      = regexp.MustCompile(`\b(leave|mc|sick|medical|annual|vacation|off|childcare|compassionate|on\s+leave)\b`)
)

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "sept": time.September, "oct": time.October,
	"nov": time.November, "dec": time.December,
}

var weekdays = map[string]time.Weekday{
	"mon": time.Monday, "tue": time.Tuesday, "tues": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday, "fri": time.Friday,
	"sat": time.Saturday, "sun": time.Sunday,
}

type RegexConfig struct {
	Location *time.Location
	MaxDays  int
	// YearRollover moves a date without a year into next year when it lies
	// further than this in the past.
	YearRollover time.Duration
}

// Regex recognises day/month dates, "12 May" style dates, today, tomorrow,
// next <weekday> and "<n> days".
type Regex struct {
	location     *time.Location
	maxDays      int
	yearRollover time.Duration
}

func NewRegex(config RegexConfig) *Regex {
	if config.Location == nil {
		config.Location = time.UTC
	}
	if config.MaxDays <= 0 {
		config.MaxDays = 60
	}
	if config.YearRollover <= 0 {
		config.YearRollover = 180 * 24 * time.Hour
	}
	return &Regex{
		location:     config.Location,
		maxDays:      config.MaxDays,
		yearRollover: config.YearRollover,
	}
}

type match struct {
	start int
	end   int
	date  time.Time
}

func (r *Regex) Extract(text string, now time.Time) (Result, error) {
	normalized := strings.ToLower(text)
	today := domain.Day(now.In(r.location))

	absolute, err := r.absoluteDates(normalized, today)
	if err != nil {
		return Result{}, err
	}
	duration, hasDuration, err := parseDuration(normalized)
	if err != nil {
		return Result{}, err
	}

	var (
		start, end time.Time
		stated     Part
	)
	switch {
	case len(absolute) > 0:
		start, end, stated, err = r.resolveAbsolute(normalized, absolute, today)
	default:
		start, err = r.resolveRelative(normalized, today)
		end, stated = start, PartStart
	}
	if err != nil {
		if errors.Is(err, ErrNoDates) && hasDuration {
			start, end, stated = today, today, 0
		} else {
			return Result{}, err
		}
	}

	if hasDuration {
		stated |= PartDuration
		switch {
		case stated&PartStart == 0 && stated&PartEnd != 0:
			start = end.AddDate(0, 0, -(duration - 1))
		case end.Equal(start):
			end = start.AddDate(0, 0, duration-1)
		case daysBetween(start, end)+1 != duration:
			return Result{}, ErrDurationMismatch
		}
	}
	return r.bounded(start, end, stated)
}

// Merge fills what a follow-up left out from the previous range. A missing
// start is taken from previous and a lone start keeps the previous length.
func (r *Regex) Merge(current, previous Result) (Result, error) {
	if previous.Start.IsZero() || current.Stated.Complete() {
		return current, nil
	}

	start, end := current.Start, current.End
	switch {
	case current.Stated&PartStart == 0:
		start = previous.Start
		if current.Stated&PartEnd == 0 {
			end = start.AddDate(0, 0, current.Duration-1)
		}
	case previous.Duration > 1:
		end = start.AddDate(0, 0, previous.Duration-1)
	default:
		return current, nil
	}
	return r.bounded(start, end, PartStart|PartEnd)
}

func (r *Regex) bounded(start, end time.Time, stated Part) (Result, error) {
	if end.Before(start) {
		return Result{}, ErrInvalidRange
	}
	if daysBetween(start, end)+1 > r.maxDays {
		return Result{}, ErrInvalidRange
	}
	result := newResult(start, end)
	result.Stated = stated
	return result, nil
}

// HasLeaveIntent reports whether text looks like a new leave request.
func HasLeaveIntent(text string) bool {
	normalized := strings.ToLower(text)
	return intentPattern.MatchString(normalized)
}

func (r *Regex) absoluteDates(text string, today time.Time) ([]match, error) {
	matches := make([]match, 0)
	for _, loc := range numericDatePattern.FindAllStringSubmatchIndex(text, -1) {
		day, _ := strconv.Atoi(text[loc[2]:loc[3]])
		month, _ := strconv.Atoi(text[loc[4]:loc[5]])
		year := ""
		if loc[6] >= 0 {
			year = text[loc[6]:loc[7]]
		}
		date, ok := r.buildDate(day, time.Month(month), year, today)
		if !ok {
			return nil, ErrInvalidRange
		}
		matches = append(matches, match{start: loc[0], end: loc[1], date: date})
	}
	for _, loc := range textDatePattern.FindAllStringSubmatchIndex(text, -1) {
		day, _ := strconv.Atoi(text[loc[2]:loc[3]])
		month := months[text[loc[4]:loc[5]]]
		year := ""
		if loc[6] >= 0 {
			year = text[loc[6]:loc[7]]
		}
		date, ok := r.buildDate(day, month, year, today)
		if !ok {
			return nil, ErrInvalidRange
		}
		matches = append(matches, match{start: loc[0], end: loc[1], date: date})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].start < matches[j].start })
	return matches, nil
}

func (r *Regex) buildDate(day int, month time.Month, year string, today time.Time) (time.Time, bool) {
	if month < time.January || month > time.December || day < 1 || day > 31 {
		return time.Time{}, false
	}
	y := today.Year()
	explicitYear := year != ""
	if explicitYear {
		parsed, err := strconv.Atoi(year)
		if err != nil {
			return time.Time{}, false
		}
		if parsed < 100 {
			parsed += 2000
		}
		y = parsed
	}
	date := time.Date(y, month, day, 0, 0, 0, 0, r.location)
	if date.Day() != day {
		return time.Time{}, false
	}
	if !explicitYear && today.Sub(date) > r.yearRollover {
		date = date.AddDate(1, 0, 0)
	}
	return date, true
}

// resolveAbsolute accepts one date or two dates joined by a range word. A lone
// date after "until" is an end date and the range then starts today.
func (r *Regex) resolveAbsolute(text string, matches []match, today time.Time) (time.Time, time.Time, Part, error) {
	if len(matches) == 1 {
		if endMarkerPattern.MatchString(text[:matches[0].start]) {
			return today, matches[0].date, PartEnd, nil
		}
		return matches[0].date, matches[0].date, PartStart, nil
	}
	if len(matches) == 2 && rangeJoinPattern.MatchString(text[matches[0].end:matches[1].start]) {
		return matches[0].date, matches[1].date, PartStart | PartEnd, nil
	}
	first := matches[0].date
	for _, m := range matches[1:] {
		if !m.date.Equal(first) {
			return time.Time{}, time.Time{}, 0, ErrConflictingDates
		}
	}
	return first, first, PartStart, nil
}

func (r *Regex) resolveRelative(text string, today time.Time) (time.Time, error) {
	var (
		start time.Time
		found bool
	)
	for _, token := range relativePattern.FindAllString(text, -1) {
		candidate := relativeDate(token, today)
		if found && !candidate.Equal(start) {
			return time.Time{}, ErrConflictingDates
		}
		start, found = candidate, true
	}
	if !found {
		return time.Time{}, ErrNoDates
	}
	return start, nil
}

func relativeDate(token string, today time.Time) time.Time {
	switch token {
	case "today":
		return today
	case "tomorrow", "tmr":
		return today.AddDate(0, 0, 1)
	}
	name := strings.TrimSpace(strings.TrimPrefix(token, "next"))
	var target time.Weekday
	for prefix, weekday := range weekdays {
		if strings.HasPrefix(name, prefix) {
			target = weekday
			break
		}
	}
	offset := (int(target) - int(today.Weekday()) + 7) % 7
	if offset == 0 {
		offset = 7
	}
	return today.AddDate(0, 0, offset)
}

func parseDuration(text string) (int, bool, error) {
	found := durationPattern.FindAllStringSubmatch(text, -1)
	if len(found) == 0 {
		return 0, false, nil
	}
	value := 0
	for _, groups := range found {
		parsed, _ := strconv.Atoi(groups[1])
		if value != 0 && parsed != value {
			return 0, false, ErrDurationMismatch
		}
		value = parsed
	}
	if value <= 0 {
		return 0, false, ErrInvalidRange
	}
	return value, true, nil
}

func daysBetween(start, end time.Time) int {
	a := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	b := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}
