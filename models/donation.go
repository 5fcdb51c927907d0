package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Donation struct {
	UUID         string    `gorm:"primaryKey;size:64" json:"uuid"`
	CreatedDate  time.Time `gorm:"index;not null" json:"created_date"`
	ModifiedDate time.Time `gorm:"index;not null" json:"modified_date"`
	UpdatedDate  time.Time `gorm:"index" json:"updated_date"`

	Amount            decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	RecurrenceJSON    []byte          `gorm:"type:json" json:"recurrence_json"`
	DonorID           string          `gorm:"size:64;index;not null" json:"donor_id"`
	FundraisingPageID string          `gorm:"size:64;index" json:"fundraising_page_id"`
}

func (Donation) TableName() string { return "donation_info" }

func (d *Donation) Kind() EntityKind    { return KindDonation }
func (d *Donation) RecordUUID() string  { return d.UUID }
func (d *Donation) Modified() time.Time { return d.ModifiedDate }

type Recurrence struct {
	Recurring bool   `json:"recurring"`
	Period    string `json:"period,omitempty"`
}

func DecodeRecurrence(raw []byte) Recurrence {
	if len(raw) == 0 {
		return Recurrence{}
	}
	var r Recurrence
	if err := jsonUnmarshal(raw, &r); err != nil {
		return Recurrence{}
	}
	return r
}
