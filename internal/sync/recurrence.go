package sync

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

var weekdayNames = map[string]rrule.Weekday{
	"monday":    rrule.MO,
	"tuesday":   rrule.TU,
	"wednesday": rrule.WE,
	"thursday":  rrule.TH,
	"friday":    rrule.FR,
	"saturday":  rrule.SA,
	"sunday":    rrule.SU,
}

// TranslateRecurrence converts a source recurrence descriptor into an RRULE
// value string. Unknown pattern types yield an empty rule and an error the
// caller logs as a warning; a recurrence the engine cannot express must not
// fail the sync.
func TranslateRecurrence(rec *Recurrence) (string, error) {
	if rec == nil {
		return "", nil
	}

	opt := rrule.ROption{}

	interval := rec.Pattern.Interval
	if interval < 1 {
		interval = 1
	}
	opt.Interval = interval

	switch rec.Pattern.Type {
	case "daily":
		opt.Freq = rrule.DAILY
	case "weekly":
		opt.Freq = rrule.WEEKLY
		for _, day := range rec.Pattern.DaysOfWeek {
			wd, ok := weekdayNames[strings.ToLower(day)]
			if !ok {
				return "", fmt.Errorf("unknown day of week %q", day)
			}
			opt.Byweekday = append(opt.Byweekday, wd)
		}
	case "absoluteMonthly":
		opt.Freq = rrule.MONTHLY
		if rec.Pattern.DayOfMonth > 0 {
			opt.Bymonthday = []int{rec.Pattern.DayOfMonth}
		}
	case "absoluteYearly":
		opt.Freq = rrule.YEARLY
		if rec.Pattern.Month > 0 {
			opt.Bymonth = []int{rec.Pattern.Month}
		}
		if rec.Pattern.DayOfMonth > 0 {
			opt.Bymonthday = []int{rec.Pattern.DayOfMonth}
		}
	default:
		return "", fmt.Errorf("unsupported recurrence pattern type %q", rec.Pattern.Type)
	}

	switch rec.Range.Type {
	case "endDate":
		end, err := time.Parse("2006-01-02", rec.Range.EndDate)
		if err != nil {
			return "", fmt.Errorf("invalid recurrence end date %q: %w", rec.Range.EndDate, err)
		}
		// Last day is inclusive.
		opt.Until = end.Add(24*time.Hour - time.Second).UTC()
	case "numbered":
		if rec.Range.NumberOfOccurrences > 0 {
			opt.Count = rec.Range.NumberOfOccurrences
		}
	case "", "noEnd":
		// Repeats forever.
	default:
		return "", fmt.Errorf("unsupported recurrence range type %q", rec.Range.Type)
	}

	rule, err := rrule.NewRRule(opt)
	if err != nil {
		return "", fmt.Errorf("failed to build recurrence rule: %w", err)
	}
	return rule.String(), nil
}
