package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/greenfieldops/organizer_mirror/models"
	"github.com/greenfieldops/organizer_mirror/syncerr"
)

// AutoMigrate creates or updates every table the mirror owns.
func (s *GormStore) AutoMigrate() error {
	return s.DB.AutoMigrate(
		&models.Person{},
		&models.Donation{},
		&models.Submission{},
		&models.FundraisingPage{},
		&models.ExternalInfo{},
		&models.DeadLetterTask{},
	)
}

// GetRecord loads one stored entity by kind and id.
func (s *GormStore) GetRecord(ctx context.Context, kind models.EntityKind, id string) (models.SyncRecord, error) {
	var rec models.SyncRecord
	switch kind {
	case models.KindPerson:
		rec = &models.Person{}
	case models.KindDonation:
		rec = &models.Donation{}
	case models.KindSubmission:
		rec = &models.Submission{}
	case models.KindFundraisingPage:
		rec = &models.FundraisingPage{}
	default:
		return nil, &syncerr.NotFound{Kind: string(kind), ID: id}
	}
	err := s.DB.WithContext(ctx).Where("uuid = ?", id).Take(rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &syncerr.NotFound{Kind: string(kind), ID: id}
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *GormStore) PersonByID(ctx context.Context, id string) (*models.Person, error) {
	var p models.Person
	err := s.DB.WithContext(ctx).Where("uuid = ?", id).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &syncerr.NotFound{Kind: string(models.KindPerson), ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *GormStore) PeopleByIDs(ctx context.Context, ids []string) ([]models.Person, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var people []models.Person
	err := s.DB.WithContext(ctx).Where("uuid IN ?", ids).Find(&people).Error
	return people, err
}

// ExternalInfoByEmails returns the engagement rows for the given emails,
// keyed by email. Missing emails are simply absent from the map.
func (s *GormStore) ExternalInfoByEmails(ctx context.Context, emails []string) (map[string]models.ExternalInfo, error) {
	out := make(map[string]models.ExternalInfo, len(emails))
	if len(emails) == 0 {
		return out, nil
	}
	var rows []models.ExternalInfo
	if err := s.DB.WithContext(ctx).Where("email IN ?", emails).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.Email] = r
	}
	return out, nil
}

// ReplaceExternalInfo swaps the whole external_info table for the imported
// rows in one transaction, so readers never see a half-imported mix.
func (s *GormStore) ReplaceExternalInfo(ctx context.Context, rows []models.ExternalInfo) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&models.ExternalInfo{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, 200).Error
	})
}

// AllPersonIDs streams every person id in stable order, used by the
// periodic full scan.
func (s *GormStore) AllPersonIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.DB.WithContext(ctx).Model(&models.Person{}).
		Order("uuid").Pluck("uuid", &ids).Error
	return ids, err
}

// RecentlyModifiedIDs lists ids of donations or submissions whose upstream
// modified_date falls inside the recent window. The full scan re-enqueues
// these to catch webhooks that never arrived.
func (s *GormStore) RecentlyModifiedIDs(ctx context.Context, kind models.EntityKind, since time.Time) ([]string, error) {
	var ids []string
	q := s.DB.WithContext(ctx).Order("uuid")
	switch kind {
	case models.KindDonation:
		q = q.Model(&models.Donation{})
	case models.KindSubmission:
		q = q.Model(&models.Submission{})
	case models.KindFundraisingPage:
		q = q.Model(&models.FundraisingPage{})
	default:
		q = q.Model(&models.Person{})
	}
	err := q.Where("modified_date >= ?", since).Pluck("uuid", &ids).Error
	return ids, err
}

func (s *GormStore) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterTask, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.DeadLetterTask
	err := s.DB.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

func (s *GormStore) GetDeadLetter(ctx context.Context, id uint) (*models.DeadLetterTask, error) {
	var dl models.DeadLetterTask
	err := s.DB.WithContext(ctx).Where("id = ?", id).Take(&dl).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &syncerr.NotFound{Kind: "dead_letter", ID: strconv.FormatUint(uint64(id), 10)}
	}
	if err != nil {
		return nil, err
	}
	return &dl, nil
}

func (s *GormStore) DeleteDeadLetter(ctx context.Context, id uint) error {
	return s.DB.WithContext(ctx).Delete(&models.DeadLetterTask{}, id).Error
}

// DonationHistoryRow is one line of the historical giving report.
type DonationHistoryRow struct {
	Email       string    `json:"email"`
	GivenName   string    `json:"given_name"`
	FamilyName  string    `json:"family_name"`
	Amount      string    `json:"amount"`
	CreatedDate time.Time `json:"created_date"`
	PageTitle   string    `json:"page_title"`
}

// DonationHistory joins donations to donors and fundraising pages for the
// report export, oldest first.
func (s *GormStore) DonationHistory(ctx context.Context, since time.Time) ([]DonationHistoryRow, error) {
	var rows []DonationHistoryRow
	err := s.DB.WithContext(ctx).Model(&models.Donation{}).
		Select(`person_info.email AS email,
			person_info.given_name AS given_name,
			person_info.family_name AS family_name,
			donation_info.amount AS amount,
			donation_info.created_date AS created_date,
			fundraising_page_info.title AS page_title`).
		Joins("JOIN person_info ON person_info.uuid = donation_info.donor_id").
		Joins("LEFT JOIN fundraising_page_info ON fundraising_page_info.uuid = donation_info.fundraising_page_id").
		Where("donation_info.created_date >= ?", since).
		Order("donation_info.created_date").
		Scan(&rows).Error
	return rows, err
}
