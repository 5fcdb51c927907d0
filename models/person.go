package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type StatusKind string

const (
	StatusContact   StatusKind = "contact"
	StatusVolunteer StatusKind = "volunteer"
	StatusFunder    StatusKind = "funder"
)

// VolunteerSignupField is the CRM custom field that marks a person as a
// volunteer signup independently of form submissions.
const VolunteerSignupField = "volunteer_signup"

// StatusRecord is one of a person's three independent publication states.
// Each carries its own Updated stamp: the three are synced to the
// destination platform independently and may be stale relative to each
// other, so they never share a timestamp.
type StatusRecord struct {
	IsActive bool      `gorm:"index" json:"is_active"`
	RecordID string    `gorm:"size:32;index" json:"record_id"`
	Updated  time.Time `gorm:"index" json:"updated"`
}

type Person struct {
	UUID         string    `gorm:"primaryKey;size:64" json:"uuid"`
	CreatedDate  time.Time `gorm:"index;not null" json:"created_date"`
	ModifiedDate time.Time `gorm:"index;not null" json:"modified_date"`
	// UpdatedDate is the local reconciliation time, not a CRM field.
	UpdatedDate time.Time `gorm:"index" json:"updated_date"`

	Email       *string `gorm:"size:254;uniqueIndex" json:"email"`
	EmailStatus string  `gorm:"size:32" json:"email_status"`
	Phone       string  `gorm:"size:32;index" json:"phone"`
	PhoneType   string  `gorm:"size:32" json:"phone_type"`
	PhoneStatus string  `gorm:"size:32" json:"phone_status"`

	GivenName     string `gorm:"size:100;index" json:"given_name"`
	FamilyName    string `gorm:"size:100;index" json:"family_name"`
	StreetAddress string `gorm:"type:text" json:"street_address"`
	Locality      string `gorm:"size:100" json:"locality"`
	Region        string `gorm:"size:100;index" json:"region"`
	PostalCode    string `gorm:"size:20;index" json:"postal_code"`
	Country       string `gorm:"size:100" json:"country"`

	CustomFieldsJSON []byte `gorm:"type:json" json:"custom_fields_json"`

	HasSubmission bool      `json:"has_submission"`
	LastDonation  time.Time `json:"last_donation"`
	RecurStart    time.Time `json:"recur_start"`
	RecurEnd      time.Time `json:"recur_end"`

	Total2020   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_2020"`
	Summary2020 string          `gorm:"type:text" json:"summary_2020"`
	Total2021   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_2021"`
	Summary2021 string          `gorm:"type:text" json:"summary_2021"`

	Contact   StatusRecord `gorm:"embedded;embeddedPrefix:contact_" json:"contact"`
	Volunteer StatusRecord `gorm:"embedded;embeddedPrefix:volunteer_" json:"volunteer"`
	Funder    StatusRecord `gorm:"embedded;embeddedPrefix:funder_" json:"funder"`

	FunderHasPage bool `json:"funder_has_page"`
}

func (Person) TableName() string { return "person_info" }

func (p *Person) Kind() EntityKind    { return KindPerson }
func (p *Person) RecordUUID() string  { return p.UUID }
func (p *Person) Modified() time.Time { return p.ModifiedDate }

func (p *Person) Status(kind StatusKind) *StatusRecord {
	switch kind {
	case StatusContact:
		return &p.Contact
	case StatusVolunteer:
		return &p.Volunteer
	case StatusFunder:
		return &p.Funder
	}
	return nil
}

func (p *Person) EmailOrEmpty() string {
	if p.Email == nil {
		return ""
	}
	return *p.Email
}

// NewPlaceholderPerson builds the minimal row inserted when a donation
// arrives for a donor we have never seen. The real person record is fetched
// by a follow-up sync task; until then the placeholder only satisfies the
// donation's donor reference.
func NewPlaceholderPerson(uuid string, seen time.Time) *Person {
	epoch := time.Unix(0, 0).UTC()
	return &Person{
		UUID:         uuid,
		CreatedDate:  seen,
		ModifiedDate: epoch,
		UpdatedDate:  time.Now().UTC(),
	}
}

// RefreshFlags recomputes the contact and volunteer flags from the person's
// current attributes. The funder flag is owned by the donation summary
// recompute. Returns whether any flag flipped. Flag changes never touch the
// per-status Updated stamps: those belong to the publisher.
func (p *Person) RefreshFlags(cutoff time.Time) bool {
	fields := DecodeFields(p.CustomFieldsJSON)

	isVolunteer := p.HasSubmission || fields.Truthy(VolunteerSignupField)
	isContact := p.Email != nil &&
		(p.HasSubmission || p.Funder.IsActive || !p.CreatedDate.Before(cutoff))

	changed := p.Contact.IsActive != isContact || p.Volunteer.IsActive != isVolunteer
	p.Contact.IsActive = isContact
	p.Volunteer.IsActive = isVolunteer
	return changed
}

// MergeSyncState copies the locally-owned columns from the stored row onto a
// freshly-fetched version of the person, so an upstream update cannot wipe
// out summaries, flags, or destination record ids.
func (p *Person) MergeSyncState(stored *Person) {
	p.HasSubmission = stored.HasSubmission
	p.LastDonation = stored.LastDonation
	p.RecurStart = stored.RecurStart
	p.RecurEnd = stored.RecurEnd
	p.Total2020 = stored.Total2020
	p.Summary2020 = stored.Summary2020
	p.Total2021 = stored.Total2021
	p.Summary2021 = stored.Summary2021
	p.Contact = stored.Contact
	p.Volunteer = stored.Volunteer
	p.Funder = stored.Funder
	p.FunderHasPage = stored.FunderHasPage
}
