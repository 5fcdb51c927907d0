package models

import "time"

type Submission struct {
	UUID         string    `gorm:"primaryKey;size:64" json:"uuid"`
	CreatedDate  time.Time `gorm:"not null" json:"created_date"`
	ModifiedDate time.Time `gorm:"index;not null" json:"modified_date"`

	PersonID string `gorm:"size:64;index;not null" json:"person_id"`
	FormID   string `gorm:"size:64;index;not null" json:"form_id"`
}

func (Submission) TableName() string { return "submission_info" }

func (s *Submission) Kind() EntityKind    { return KindSubmission }
func (s *Submission) RecordUUID() string  { return s.UUID }
func (s *Submission) Modified() time.Time { return s.ModifiedDate }
