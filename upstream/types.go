package upstream

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/ttacon/libphonenumber"

	"github.com/greenfieldops/organizer_mirror/models"
	"github.com/greenfieldops/organizer_mirror/syncerr"
)

// Wire shapes of the CRM's entity feeds.

type wirePerson struct {
	ID           string         `json:"id"`
	CreatedDate  string         `json:"created_date"`
	ModifiedDate string         `json:"modified_date"`
	GivenName    string         `json:"given_name"`
	FamilyName   string         `json:"family_name"`
	Emails       []wireEmail    `json:"email_addresses"`
	Phones       []wirePhone    `json:"phone_numbers"`
	Addresses    []wireAddress  `json:"postal_addresses"`
	CustomFields map[string]any `json:"custom_fields"`
}

type wireEmail struct {
	Primary bool   `json:"primary"`
	Address string `json:"address"`
	Status  string `json:"status"`
}

type wirePhone struct {
	Primary bool   `json:"primary"`
	Number  string `json:"number"`
	Type    string `json:"number_type"`
	Status  string `json:"status"`
}

type wireAddress struct {
	Primary      bool     `json:"primary"`
	AddressLines []string `json:"address_lines"`
	Locality     string   `json:"locality"`
	Region       string   `json:"region"`
	PostalCode   string   `json:"postal_code"`
	Country      string   `json:"country"`
}

type wireDonation struct {
	ID                string          `json:"id"`
	CreatedDate       string          `json:"created_date"`
	ModifiedDate      string          `json:"modified_date"`
	Amount            json.Number     `json:"amount"`
	Recurrence        json.RawMessage `json:"recurrence"`
	PersonID          string          `json:"person_id"`
	FundraisingPageID string          `json:"fundraising_page_id"`
}

type wireSubmission struct {
	ID           string `json:"id"`
	CreatedDate  string `json:"created_date"`
	ModifiedDate string `json:"modified_date"`
	PersonID     string `json:"person_id"`
	FormID       string `json:"form_id"`
}

type wirePage struct {
	ID           string `json:"id"`
	CreatedDate  string `json:"created_date"`
	ModifiedDate string `json:"modified_date"`
	Title        string `json:"title"`
	OriginSystem string `json:"origin_system"`
}

func decodeRecord(kind models.EntityKind, raw json.RawMessage) (models.SyncRecord, error) {
	switch kind {
	case models.KindPerson:
		return decodePerson(raw)
	case models.KindDonation:
		return decodeDonation(raw)
	case models.KindSubmission:
		return decodeSubmission(raw)
	case models.KindFundraisingPage:
		return decodePage(raw)
	}
	return nil, &syncerr.Validation{Field: "entity_kind", Detail: "unknown kind " + string(kind)}
}

func decodePerson(raw json.RawMessage) (*models.Person, error) {
	var w wirePerson
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, &syncerr.Validation{Detail: err.Error()}
	}
	created, modified, err := requireDates(w.ID, w.CreatedDate, w.ModifiedDate)
	if err != nil {
		return nil, err
	}

	p := &models.Person{
		UUID:         w.ID,
		CreatedDate:  created,
		ModifiedDate: modified,
		GivenName:    strings.TrimSpace(w.GivenName),
		FamilyName:   strings.TrimSpace(w.FamilyName),
	}
	for _, e := range w.Emails {
		if e.Primary {
			if addr := strings.ToLower(strings.TrimSpace(e.Address)); addr != "" {
				p.Email = &addr
			}
			p.EmailStatus = e.Status
			break
		}
	}
	for _, ph := range w.Phones {
		if ph.Primary {
			p.Phone = normalizePhone(ph.Number)
			p.PhoneType = ph.Type
			p.PhoneStatus = ph.Status
			break
		}
	}
	for _, a := range w.Addresses {
		if a.Primary {
			p.StreetAddress = strings.Join(a.AddressLines, "\n")
			p.Locality = a.Locality
			p.Region = a.Region
			p.PostalCode = a.PostalCode
			p.Country = a.Country
			break
		}
	}
	if p.Email == nil && p.Phone == "" {
		return nil, &syncerr.Validation{Field: "email", Detail: "person must have a primary email or phone"}
	}
	p.CustomFieldsJSON = models.EncodeFields(models.FieldsFromMap(w.CustomFields))
	return p, nil
}

func decodeDonation(raw json.RawMessage) (*models.Donation, error) {
	var w wireDonation
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, &syncerr.Validation{Detail: err.Error()}
	}
	created, modified, err := requireDates(w.ID, w.CreatedDate, w.ModifiedDate)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(w.PersonID) == "" {
		return nil, &syncerr.Validation{Field: "person_id", Detail: "donation must reference a donor"}
	}

	// Donations sometimes get later updates that remove the amount; treat a
	// missing amount as zero so the newer version still wins.
	amount := decimal.Zero
	if s := w.Amount.String(); s != "" {
		if d, perr := decimal.NewFromString(s); perr == nil {
			amount = d
		}
	}
	return &models.Donation{
		UUID:              w.ID,
		CreatedDate:       created,
		ModifiedDate:      modified,
		Amount:            amount,
		RecurrenceJSON:    []byte(w.Recurrence),
		DonorID:           w.PersonID,
		FundraisingPageID: w.FundraisingPageID,
	}, nil
}

func decodeSubmission(raw json.RawMessage) (*models.Submission, error) {
	var w wireSubmission
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, &syncerr.Validation{Detail: err.Error()}
	}
	created, modified, err := requireDates(w.ID, w.CreatedDate, w.ModifiedDate)
	if err != nil {
		return nil, err
	}
	if w.PersonID == "" || w.FormID == "" {
		return nil, &syncerr.Validation{Field: "person_id", Detail: "submission must carry person_id and form_id"}
	}
	return &models.Submission{
		UUID:         w.ID,
		CreatedDate:  created,
		ModifiedDate: modified,
		PersonID:     w.PersonID,
		FormID:       w.FormID,
	}, nil
}

func decodePage(raw json.RawMessage) (*models.FundraisingPage, error) {
	var w wirePage
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, &syncerr.Validation{Detail: err.Error()}
	}
	created, modified, err := requireDates(w.ID, w.CreatedDate, w.ModifiedDate)
	if err != nil {
		return nil, err
	}
	return &models.FundraisingPage{
		UUID:         w.ID,
		CreatedDate:  created,
		ModifiedDate: modified,
		Title:        strings.TrimSpace(w.Title),
		OriginSystem: w.OriginSystem,
	}, nil
}

func requireDates(id, created, modified string) (time.Time, time.Time, error) {
	if strings.TrimSpace(id) == "" {
		return time.Time{}, time.Time{}, &syncerr.Validation{Field: "id", Detail: "record id missing"}
	}
	c, err := time.Parse(time.RFC3339, created)
	if err != nil {
		return time.Time{}, time.Time{}, &syncerr.Validation{Field: "created_date", Detail: err.Error()}
	}
	m, err := time.Parse(time.RFC3339, modified)
	if err != nil {
		return time.Time{}, time.Time{}, &syncerr.Validation{Field: "modified_date", Detail: err.Error()}
	}
	return c.UTC(), m.UTC(), nil
}

// normalizePhone stores numbers in E.164 when they parse; raw otherwise.
func normalizePhone(number string) string {
	number = strings.TrimSpace(number)
	if number == "" {
		return ""
	}
	parsed, err := libphonenumber.Parse(number, "US")
	if err != nil {
		return number
	}
	return libphonenumber.Format(parsed, libphonenumber.E164)
}
