// Package recurrence implements the subset of RFC 5545 RRULE used for
// repeating tasks: FREQ, INTERVAL, BYDAY, BYMONTHDAY, COUNT and UNTIL.
package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Freq int

const (
	Daily Freq = iota
	Weekly
	Monthly
	Yearly
)

var freqNames = map[Freq]string{
	Daily:   "DAILY",
	Weekly:  "WEEKLY",
	Monthly: "MONTHLY",
	Yearly:  "YEARLY",
}

var freqUnits = map[Freq]string{
	Daily:   "day",
	Weekly:  "week",
	Monthly: "month",
	Yearly:  "year",
}

var dayCodes = map[string]time.Weekday{
	"SU": time.Sunday,
	"MO": time.Monday,
	"TU": time.Tuesday,
	"WE": time.Wednesday,
	"TH": time.Thursday,
	"FR": time.Friday,
	"SA": time.Saturday,
}

const untilLayout = "20060102T150405Z"

type Rule struct {
	Freq       Freq
	Interval   int            // 1 unless INTERVAL is given
	ByDay      []time.Weekday // WEEKLY only; empty repeats on the start weekday
	ByMonthDay int            // MONTHLY only; 0 repeats on the start day
	Count      int            // total occurrences in the series, 0 = unbounded
	Until      *time.Time     // last instant an occurrence may fall on
}

// Parse reads a rule such as "FREQ=WEEKLY;BYDAY=MO,WE;INTERVAL=2". An
// optional "RRULE:" prefix is accepted and keys are case-insensitive.
func Parse(s string) (Rule, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.ToUpper(s), "RRULE:")
	if s == "" {
		return Rule{}, fmt.Errorf("empty rule")
	}

	r := Rule{Interval: 1}
	seen := make(map[string]bool)

	for _, part := range strings.Split(s, ";") {
		key, val, ok := strings.Cut(part, "=")
		if !ok || val == "" {
			return Rule{}, fmt.Errorf("invalid rule part: %q", part)
		}
		if seen[key] {
			return Rule{}, fmt.Errorf("duplicate rule key: %q", key)
		}
		seen[key] = true

		switch key {
		case "FREQ":
			found := false
			for f, name := range freqNames {
				if name == val {
					r.Freq, found = f, true
				}
			}
			if !found {
				return Rule{}, fmt.Errorf("unknown frequency: %q", val)
			}

		case "INTERVAL":
			n, err := strconv.Atoi(val)
			if err != nil || n < 1 || n > 365 {
				return Rule{}, fmt.Errorf("invalid interval: %q", val)
			}
			r.Interval = n

		case "BYDAY":
			for _, code := range strings.Split(val, ",") {
				wd, ok := dayCodes[strings.TrimSpace(code)]
				if !ok {
					return Rule{}, fmt.Errorf("unknown day: %q", code)
				}
				r.ByDay = append(r.ByDay, wd)
			}

		case "BYMONTHDAY":
			n, err := strconv.Atoi(val)
			if err != nil || n < 1 || n > 31 {
				return Rule{}, fmt.Errorf("invalid BYMONTHDAY: %q", val)
			}
			r.ByMonthDay = n

		case "COUNT":
			n, err := strconv.Atoi(val)
			if err != nil || n < 1 {
				return Rule{}, fmt.Errorf("invalid count: %q", val)
			}
			r.Count = n

		case "UNTIL":
			t, err := time.Parse(untilLayout, val)
			if err != nil {
				d, derr := time.Parse("20060102", val)
				if derr != nil {
					return Rule{}, fmt.Errorf("invalid UNTIL: %q", val)
				}
				// A bare date includes the whole day.
				t = d.Add(24*time.Hour - time.Second)
			}
			r.Until = &t

		default:
			return Rule{}, fmt.Errorf("unsupported rule key: %q", key)
		}
	}

	if !seen["FREQ"] {
		return Rule{}, fmt.Errorf("FREQ is required")
	}
	if len(r.ByDay) > 0 && r.Freq != Weekly {
		return Rule{}, fmt.Errorf("BYDAY requires FREQ=WEEKLY")
	}
	if r.ByMonthDay > 0 && r.Freq != Monthly {
		return Rule{}, fmt.Errorf("BYMONTHDAY requires FREQ=MONTHLY")
	}
	if r.Count > 0 && r.Until != nil {
		return Rule{}, fmt.Errorf("COUNT and UNTIL are mutually exclusive")
	}
	sortDays(r.ByDay)

	return r, nil
}

// sortDays orders weekdays Monday first, matching the week start used when
// stepping through BYDAY rules.
func sortDays(days []time.Weekday) {
	idx := func(d time.Weekday) int { return (int(d) + 6) % 7 }
	for i := 1; i < len(days); i++ {
		for j := i; j > 0 && idx(days[j]) < idx(days[j-1]); j-- {
			days[j], days[j-1] = days[j-1], days[j]
		}
	}
}

// String returns the canonical RRULE form stored on tasks.
func (r Rule) String() string {
	parts := []string{"FREQ=" + freqNames[r.Freq]}

	if r.Interval > 1 {
		parts = append(parts, "INTERVAL="+strconv.Itoa(r.Interval))
	}
	if len(r.ByDay) > 0 {
		codes := make([]string, len(r.ByDay))
		for i, d := range r.ByDay {
			codes[i] = strings.ToUpper(d.String()[:2])
		}
		parts = append(parts, "BYDAY="+strings.Join(codes, ","))
	}
	if r.ByMonthDay > 0 {
		parts = append(parts, "BYMONTHDAY="+strconv.Itoa(r.ByMonthDay))
	}
	if r.Count > 0 {
		parts = append(parts, "COUNT="+strconv.Itoa(r.Count))
	}
	if r.Until != nil {
		parts = append(parts, "UNTIL="+r.Until.UTC().Format(untilLayout))
	}
	return strings.Join(parts, ";")
}

// Describe renders the rule for notification text, e.g. "every 2 weeks on Mon, Wed".
func (r Rule) Describe() string {
	unit := freqUnits[r.Freq]
	var b strings.Builder
	if r.Interval > 1 {
		fmt.Fprintf(&b, "every %d %ss", r.Interval, unit)
	} else {
		switch r.Freq {
		case Daily:
			b.WriteString("daily")
		default:
			b.WriteString(unit + "ly")
		}
	}
	if len(r.ByDay) > 0 {
		names := make([]string, len(r.ByDay))
		for i, d := range r.ByDay {
			names[i] = d.String()[:3]
		}
		b.WriteString(" on " + strings.Join(names, ", "))
	}
	if r.ByMonthDay > 0 {
		fmt.Fprintf(&b, " on day %d", r.ByMonthDay)
	}
	if r.Count > 0 {
		fmt.Fprintf(&b, ", %d times", r.Count)
	}
	if r.Until != nil {
		b.WriteString(", until " + r.Until.Format("Jan 2, 2006"))
	}
	return b.String()
}
