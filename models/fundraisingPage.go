package models

import "time"

type FundraisingPage struct {
	UUID         string    `gorm:"primaryKey;size:64" json:"uuid"`
	CreatedDate  time.Time `gorm:"not null" json:"created_date"`
	ModifiedDate time.Time `gorm:"index;not null" json:"modified_date"`
	UpdatedDate  time.Time `gorm:"index" json:"updated_date"`

	Title        string `gorm:"type:text;not null" json:"title"`
	OriginSystem string `gorm:"size:100;index" json:"origin_system"`
}

func (FundraisingPage) TableName() string { return "fundraising_page_info" }

func (f *FundraisingPage) Kind() EntityKind    { return KindFundraisingPage }
func (f *FundraisingPage) RecordUUID() string  { return f.UUID }
func (f *FundraisingPage) Modified() time.Time { return f.ModifiedDate }
