package ledger

import "time"

// FinancialYear labels the April-March year containing t by its starting year.
func FinancialYear(t time.Time) int {
	if t.Month() >= time.April {
		return t.Year()
	}
	return t.Year() - 1
}

// FinancialYearRange returns [start, end) of financial year fy in loc.
func FinancialYearRange(fy int, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	start := time.Date(fy, time.April, 1, 0, 0, 0, 0, loc)
	return start, start.AddDate(1, 0, 0)
}
