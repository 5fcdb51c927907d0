package publisher

import (
	"time"

	"github.com/greenfieldops/organizer_mirror/models"
)

// rowFor maps a person (plus their external engagement row, zero when none
// exists) onto the destination columns for one table. Email is always
// present; it is the upsert key.
func (p *Publisher) rowFor(kind models.StatusKind, person *models.Person, ext models.ExternalInfo) Row {
	switch kind {
	case models.StatusVolunteer:
		return volunteerRow(person, ext)
	case models.StatusFunder:
		return funderRow(person)
	default:
		return contactRow(person, ext)
	}
}

func contactRow(person *models.Person, ext models.ExternalInfo) Row {
	fields := map[string]any{
		"Email":        person.EmailOrEmpty(),
		"Given Name":   person.GivenName,
		"Family Name":  person.FamilyName,
		"Phone":        person.Phone,
		"Locality":     person.Locality,
		"Region":       person.Region,
		"Postal Code":  person.PostalCode,
		"Is Volunteer": person.Volunteer.IsActive,
		"Is Funder":    person.Funder.IsActive,
		"Shift Count":  ext.ShiftCount,
		"Event Count":  ext.EventCount,
	}
	setIfPresent(fields, "Street Address", person.StreetAddress)
	setIfPresent(fields, "Connected To", ext.Connected)
	setIfPresent(fields, "Notes", ext.Notes)
	return Row{Fields: fields}
}

func volunteerRow(person *models.Person, ext models.ExternalInfo) Row {
	fields := map[string]any{
		"Email":                person.EmailOrEmpty(),
		"Given Name":           person.GivenName,
		"Family Name":          person.FamilyName,
		"Phone":                person.Phone,
		"Region":               person.Region,
		"Shift Count":          ext.ShiftCount,
		"Event Count":          ext.EventCount,
		"Interest: Fundraise":  ext.Fundraise,
		"Interest: Door Knock": ext.DoorKnock,
		"Interest: Phone Bank": ext.PhoneBank,
		"Interest: Recruit":    ext.Recruit,
	}
	setIfPresent(fields, "Assignments", ext.Assigns)
	setIfPresent(fields, "Notes", ext.Notes)
	setIfPresent(fields, "History", ext.History)
	return Row{Fields: fields}
}

func funderRow(person *models.Person) Row {
	fields := map[string]any{
		"Email":       person.EmailOrEmpty(),
		"Given Name":  person.GivenName,
		"Family Name": person.FamilyName,
		"Total 2020":  person.Total2020.InexactFloat64(),
		"Total 2021":  person.Total2021.InexactFloat64(),
		"Has Page":    person.FunderHasPage,
	}
	setIfPresent(fields, "Summary 2020", person.Summary2020)
	setIfPresent(fields, "Summary 2021", person.Summary2021)
	setDateIfSet(fields, "Last Donation", person.LastDonation)
	setDateIfSet(fields, "Recurring Since", person.RecurStart)
	setDateIfSet(fields, "Recurring Until", person.RecurEnd)
	return Row{Fields: fields}
}

func setIfPresent(fields map[string]any, key, val string) {
	if val != "" {
		fields[key] = val
	}
}

func setDateIfSet(fields map[string]any, key string, t time.Time) {
	if !t.IsZero() {
		fields[key] = t.UTC().Format("2006-01-02")
	}
}
