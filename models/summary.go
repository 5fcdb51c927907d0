package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SummaryYears are the giving periods tracked as dedicated summary columns
// on the person row.
var SummaryYears = []int{2020, 2021}

// ComputeDonationSummary derives a period total and its human-readable
// summary from the full donation set of one person. It is deterministic:
// called with the same donations it always produces the same result, which
// is why summaries are recomputed wholesale instead of patched
// incrementally.
//
// The summary string lists each of the period's donations in creation
// order, e.g. "$250 (01/15/21), $1 (02/03/21)". Entry amounts are rounded
// to whole dollars for readability; the total is the exact arithmetic sum.
func ComputeDonationSummary(donations []Donation, year int) (decimal.Decimal, string) {
	lo := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	hi := time.Date(year+1, 1, 1, 0, 0, 0, 0, time.UTC)

	inPeriod := make([]Donation, 0, len(donations))
	for _, d := range donations {
		if !d.CreatedDate.Before(lo) && d.CreatedDate.Before(hi) {
			inPeriod = append(inPeriod, d)
		}
	}
	sort.Slice(inPeriod, func(i, j int) bool {
		return inPeriod[i].CreatedDate.Before(inPeriod[j].CreatedDate)
	})

	total := decimal.Zero
	entries := make([]string, 0, len(inPeriod))
	for _, d := range inPeriod {
		total = total.Add(d.Amount)
		entries = append(entries, fmt.Sprintf("$%s (%s)",
			d.Amount.Round(0).StringFixed(0),
			d.CreatedDate.UTC().Format("01/02/06")))
	}
	return total, strings.Join(entries, ", ")
}

// ApplySummaries rebuilds every donation-derived column on the person from
// the full donation set: period totals and summaries, the most recent
// donation date, the recurring-giving window, whether any donation came in
// through a fundraising page, and the funder flag (a person is a funder
// once any donation on or after the cutoff exists). Returns whether any of
// those columns changed, which is what decides a re-publish.
func (p *Person) ApplySummaries(donations []Donation, cutoff time.Time) bool {
	prev := *p

	for _, year := range SummaryYears {
		total, summary := ComputeDonationSummary(donations, year)
		switch year {
		case 2020:
			p.Total2020, p.Summary2020 = total, summary
		case 2021:
			p.Total2021, p.Summary2021 = total, summary
		}
	}

	isFunder := false
	hasPage := false
	var recurStart, recurEnd time.Time
	for _, d := range donations {
		if d.CreatedDate.After(p.LastDonation) {
			p.LastDonation = d.CreatedDate
		}
		if !d.CreatedDate.Before(cutoff) {
			isFunder = true
		}
		if d.FundraisingPageID != "" {
			hasPage = true
		}
		if DecodeRecurrence(d.RecurrenceJSON).Recurring {
			if recurStart.IsZero() || d.CreatedDate.Before(recurStart) {
				recurStart = d.CreatedDate
			}
			if d.CreatedDate.After(recurEnd) {
				recurEnd = d.CreatedDate
			}
		}
	}
	p.Funder.IsActive = isFunder
	p.FunderHasPage = hasPage
	p.RecurStart, p.RecurEnd = recurStart, recurEnd

	return !p.Total2020.Equal(prev.Total2020) || p.Summary2020 != prev.Summary2020 ||
		!p.Total2021.Equal(prev.Total2021) || p.Summary2021 != prev.Summary2021 ||
		!p.LastDonation.Equal(prev.LastDonation) ||
		!p.RecurStart.Equal(prev.RecurStart) || !p.RecurEnd.Equal(prev.RecurEnd) ||
		p.FunderHasPage != prev.FunderHasPage ||
		p.Funder.IsActive != prev.Funder.IsActive
}
