package models

// ExternalInfo is the per-email projection of volunteer-shift and engagement
// data maintained by campaign staff outside the CRM. It is keyed by email,
// joined to people only at publish time, and never used as a sync source of
// truth. Rows are replaced wholesale by the spreadsheet importer.
type ExternalInfo struct {
	Email string `gorm:"primaryKey;size:254" json:"email"`

	ShiftCount int    `gorm:"default:0" json:"shift_count"`
	EventCount int    `gorm:"default:0" json:"event_count"`
	Connected  string `gorm:"size:100" json:"connected"`
	Assigns    string `gorm:"type:text" json:"assigns"`
	Notes      string `gorm:"type:text" json:"notes"`
	History    string `gorm:"type:text" json:"history"`

	Fundraise bool `json:"fundraise"`
	DoorKnock bool `json:"door_knock"`
	PhoneBank bool `json:"phone_bank"`
	Recruit   bool `json:"recruit"`
}

func (ExternalInfo) TableName() string { return "external_info" }
