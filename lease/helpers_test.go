package lease_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/lease-engine/generic"
	"github.com/warp/lease-engine/generic/store"
	"github.com/warp/lease-engine/lease"
	"github.com/warp/lease-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	company generic.CompanyID = "acme"
	leaseID generic.LeaseID   = "lease-1"
)

type fixture struct {
	engine  *lease.Engine
	store   *sqlite.Store
	journal *store.Journal
	lease   generic.Lease
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }

// newFixture stores a 60-month lease from 2025-01 at 5% with liability and
// ROU of 100,000 and a monthly payment of 1,887.12 due at each month end.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	l := generic.Lease{
		ID:               leaseID,
		CompanyID:        company,
		Code:             "HQ-OFFICE",
		Commence:         generic.NewDate(2025, time.January, 1),
		End:              generic.NewDate(2029, time.December, 31),
		DiscountRate:     dec("0.05"),
		Currency:         "USD",
		PaymentFrequency: generic.FrequencyMonthly,
	}
	require.NoError(t, s.SaveLease(ctx, l))
	require.NoError(t, s.SaveOpeningMeasures(ctx, generic.OpeningMeasures{
		LeaseID:            leaseID,
		CompanyID:          company,
		InitialLiability:   dec("100000"),
		InitialROU:         dec("100000"),
		IncentivesReceived: dec("1000"),
		RestorationCost:    dec("5000"),
	}))

	var flows []generic.Cashflow
	start := l.Commence.Period()
	for i := 0; i < l.TermMonths(); i++ {
		p := start.Add(i)
		flows = append(flows, generic.Cashflow{LeaseID: leaseID, DueOn: p.End(), Amount: dec("1887.12")})
	}
	require.NoError(t, s.SaveCashflows(ctx, company, leaseID, flows))

	journal := store.NewJournal()
	return &fixture{
		engine:  lease.NewEngine(s, journal, nil),
		store:   s,
		journal: journal,
		lease:   l,
	}
}

// twoComponents is a 40/60 split: building on SL over the full term,
// fit-out on DDB over 36 months.
func twoComponents() []lease.ComponentSpec {
	return []lease.ComponentSpec{
		{Code: "BUILDING", Class: "property", CGUCode: "CGU-1", PctOfROU: dec("0.4"),
			UsefulLifeMonths: 60, Method: generic.MethodStraightLine},
		{Code: "FITOUT", Class: "improvements", CGUCode: "CGU-1", PctOfROU: dec("0.6"),
			UsefulLifeMonths: 36, Method: generic.MethodDoubleDeclining},
	}
}

func (f *fixture) design(t *testing.T, specs []lease.ComponentSpec) *lease.BuildResult {
	t.Helper()
	res, err := f.engine.Design(context.Background(), company, leaseID, specs)
	require.NoError(t, err)
	return res
}

func componentByCode(t *testing.T, cs []generic.Component, code string) generic.Component {
	t.Helper()
	for _, c := range cs {
		if c.Code == code {
			return c
		}
	}
	t.Fatalf("component %s not found", code)
	return generic.Component{}
}

// rowStrings renders rows for comparison; decimals read back from the store
// carry a different exponent than freshly computed ones.
func rowStrings(rows []generic.ScheduleRow) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = fmt.Sprintf("%s %s open=%s amort=%s int=%s close=%s",
			r.ComponentID, r.Period, r.OpenCarry, r.Amortization, r.Interest, r.CloseCarry)
	}
	return out
}
