package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dollars(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func donationOn(date string, amount string) Donation {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		panic(err)
	}
	return Donation{
		UUID:         "d-" + date + "-" + amount,
		CreatedDate:  t.UTC(),
		ModifiedDate: t.UTC(),
		Amount:       dollars(amount),
		DonorID:      "p1",
	}
}

func TestComputeDonationSummary(t *testing.T) {
	donations := []Donation{
		donationOn("2020-03-02", "25.50"),
		donationOn("2020-01-15", "250"),
		donationOn("2021-06-30", "100"),
		donationOn("2019-12-31", "999"),
	}

	total, summary := ComputeDonationSummary(donations, 2020)
	require.True(t, total.Equal(dollars("275.50")), "total was %s", total)
	require.Equal(t, "$250 (01/15/20), $26 (03/02/20)", summary)

	total, summary = ComputeDonationSummary(donations, 2021)
	require.True(t, total.Equal(dollars("100")))
	require.Equal(t, "$100 (06/30/21)", summary)
}

func TestComputeDonationSummaryEmptyPeriod(t *testing.T) {
	total, summary := ComputeDonationSummary(nil, 2020)
	require.True(t, total.IsZero())
	require.Empty(t, summary)
}

func TestComputeDonationSummaryDeterministic(t *testing.T) {
	a := []Donation{
		donationOn("2020-01-15", "250"),
		donationOn("2020-03-02", "25.50"),
	}
	b := []Donation{a[1], a[0]}

	totalA, summaryA := ComputeDonationSummary(a, 2020)
	totalB, summaryB := ComputeDonationSummary(b, 2020)
	require.True(t, totalA.Equal(totalB))
	require.Equal(t, summaryA, summaryB)
}

func TestApplySummariesFunderFlag(t *testing.T) {
	cutoff := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	p := &Person{UUID: "p1"}

	changed := p.ApplySummaries([]Donation{donationOn("2021-06-30", "100")}, cutoff)
	require.True(t, changed, "a new total is a publishable change")
	require.False(t, p.Funder.IsActive, "pre-cutoff donations must not mark a funder")
	require.True(t, p.Total2021.Equal(dollars("100")))

	changed = p.ApplySummaries([]Donation{
		donationOn("2021-06-30", "100"),
		donationOn("2022-02-01", "50"),
	}, cutoff)
	require.True(t, changed)
	require.True(t, p.Funder.IsActive)
	require.Equal(t, donationOn("2022-02-01", "50").CreatedDate, p.LastDonation)

	// Steady state reports no change.
	changed = p.ApplySummaries([]Donation{
		donationOn("2021-06-30", "100"),
		donationOn("2022-02-01", "50"),
	}, cutoff)
	require.False(t, changed)
}

func TestApplySummariesReportsTotalGrowth(t *testing.T) {
	cutoff := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	p := &Person{UUID: "p1"}

	first := []Donation{donationOn("2022-02-01", "50")}
	require.True(t, p.ApplySummaries(first, cutoff))
	require.True(t, p.Funder.IsActive)

	// A second donation moves the total but not the funder flag; the person
	// must still be reported as changed so the destination row refreshes.
	second := append(first, donationOn("2022-03-01", "25"))
	require.True(t, p.ApplySummaries(second, cutoff))
	require.True(t, p.Funder.IsActive)
}

func recurringDonationOn(date, amount, pageID string) Donation {
	d := donationOn(date, amount)
	d.RecurrenceJSON = EncodeRecurrence(Recurrence{Recurring: true, Period: "monthly"})
	d.FundraisingPageID = pageID
	return d
}

func TestApplySummariesRecurrenceWindowAndPage(t *testing.T) {
	cutoff := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	p := &Person{UUID: "p1"}
	donations := []Donation{
		donationOn("2021-03-01", "10"),
		recurringDonationOn("2021-05-01", "20", "fp1"),
		recurringDonationOn("2021-08-01", "20", ""),
	}

	require.True(t, p.ApplySummaries(donations, cutoff))
	require.Equal(t, donations[1].CreatedDate, p.RecurStart,
		"window opens at the first recurring donation")
	require.Equal(t, donations[2].CreatedDate, p.RecurEnd)
	require.True(t, p.FunderHasPage)

	require.False(t, p.ApplySummaries(donations, cutoff), "recompute is idempotent")
}
