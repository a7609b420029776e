package generic

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - Accounting month, the key of schedule rows and posting locks
// =============================================================================

// Period identifies one accounting month.
//
// Schedule rows are unique per (component, period) and posting locks per
// (entity, period), so Period is the unit every rebuild and posting works in.
type Period struct {
	Year  int
	Month time.Month
}

func NewPeriod(year int, month time.Month) Period { return Period{Year: year, Month: month} }

// Index returns a monotonic month number, convenient for ordering and distance.
func (p Period) Index() int { return p.Year*12 + int(p.Month) - 1 }

func PeriodFromIndex(i int) Period { return Period{Year: i / 12, Month: time.Month(i%12 + 1)} }

func (p Period) Add(n int) Period            { return PeriodFromIndex(p.Index() + n) }
func (p Period) Next() Period                { return p.Add(1) }
func (p Period) Before(other Period) bool    { return p.Index() < other.Index() }
func (p Period) After(other Period) bool     { return p.Index() > other.Index() }
func (p Period) Equal(other Period) bool     { return p.Index() == other.Index() }
func (p Period) AfterOrEqual(o Period) bool  { return p.Index() >= o.Index() }
func (p Period) BeforeOrEqual(o Period) bool { return p.Index() <= o.Index() }
func (p Period) Start() Date                 { return StartOfMonth(p.Year, p.Month) }
func (p Period) End() Date                   { return EndOfMonth(p.Year, p.Month) }

// MonthsUntil returns other - p in months.
func (p Period) MonthsUntil(other Period) int { return other.Index() - p.Index() }

func (p Period) String() string { return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month)) }

// Validate rejects month numbers outside 1..12.
func (p Period) Validate() error {
	if p.Month < time.January || p.Month > time.December {
		return &ValidationError{Field: "month", Reason: fmt.Sprintf("month %d out of range", p.Month)}
	}
	if p.Year < 1900 || p.Year > 9999 {
		return &ValidationError{Field: "year", Reason: fmt.Sprintf("year %d out of range", p.Year)}
	}
	return nil
}
