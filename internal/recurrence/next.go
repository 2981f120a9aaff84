package recurrence

import "time"

// maxMonthSteps bounds the search for a month containing the wanted day.
const maxMonthSteps = 48

// Next returns the occurrence that follows from, treating from as the current
// occurrence of the series. ok is false once UNTIL has passed. COUNT is not
// applied here because only the caller knows how far into the series it is.
func Next(r Rule, from time.Time) (time.Time, bool) {
	interval := r.Interval
	if interval < 1 {
		interval = 1
	}

	var next time.Time
	switch r.Freq {
	case Daily:
		next = from.AddDate(0, 0, interval)
	case Weekly:
		if len(r.ByDay) == 0 {
			next = from.AddDate(0, 0, 7*interval)
		} else {
			next = nextByDay(r.ByDay, interval, from)
		}
	case Monthly:
		next = nextMonthly(r.ByMonthDay, interval, from)
	case Yearly:
		next = nextYearly(interval, from)
	}

	if next.IsZero() {
		return time.Time{}, false
	}
	if r.Until != nil && next.After(*r.Until) {
		return time.Time{}, false
	}
	return next, true
}

// Occurrences lists up to n occurrences starting with first, honoring COUNT
// and UNTIL.
func Occurrences(r Rule, first time.Time, n int) []time.Time {
	if r.Count > 0 && n > r.Count {
		n = r.Count
	}
	if n <= 0 || (r.Until != nil && first.After(*r.Until)) {
		return nil
	}
	out := []time.Time{first}
	cur := first
	for len(out) < n {
		t, ok := Next(r, cur)
		if !ok {
			break
		}
		out = append(out, t)
		cur = t
	}
	return out
}

// weekdayIndex numbers days from Monday = 0.
func weekdayIndex(d time.Weekday) int {
	return (int(d) + 6) % 7
}

func nextByDay(days []time.Weekday, interval int, from time.Time) time.Time {
	cur := weekdayIndex(from.Weekday())
	for _, d := range days {
		if idx := weekdayIndex(d); idx > cur {
			return from.AddDate(0, 0, idx-cur)
		}
	}
	// Start of the next active week, then its first listed day.
	monday := from.AddDate(0, 0, -cur+7*interval)
	return monday.AddDate(0, 0, weekdayIndex(days[0]))
}

func nextMonthly(byMonthDay, interval int, from time.Time) time.Time {
	day := byMonthDay
	if day == 0 {
		day = from.Day()
	}
	year, month, _ := from.Date()

	if byMonthDay > 0 && from.Day() < day && day <= daysInMonth(year, month) {
		return atDay(from, year, month, day)
	}

	first := time.Date(year, month, 1, 0, 0, 0, 0, from.Location())
	for step := 1; step <= maxMonthSteps; step++ {
		m := first.AddDate(0, step*interval, 0)
		y, mo, _ := m.Date()
		// Months without the day are skipped rather than clamped.
		if day <= daysInMonth(y, mo) {
			return atDay(from, y, mo, day)
		}
	}
	return time.Time{}
}

func nextYearly(interval int, from time.Time) time.Time {
	year, month, day := from.Date()
	for step := 1; step <= 8; step++ {
		y := year + step*interval
		if day <= daysInMonth(y, month) {
			return atDay(from, y, month, day)
		}
	}
	return time.Time{}
}

func atDay(clock time.Time, year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, clock.Hour(), clock.Minute(), clock.Second(), clock.Nanosecond(), clock.Location())
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
