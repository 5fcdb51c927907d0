// Package store is the relational cache of canonical entity state. All
// writes apply the last-writer-by-timestamp-wins rule inside one
// transaction per entity; no error path leaves a partial write behind.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/greenfieldops/organizer_mirror/models"
)

type GormStore struct {
	DB *gorm.DB
	// PublishCutoff marks the start of the period whose donations are
	// mirrored to the destination platform (funder classification).
	PublishCutoff time.Time
}

func New(db *gorm.DB, publishCutoff time.Time) *GormStore {
	return &GormStore{DB: db, PublishCutoff: publishCutoff}
}

// Upsert applies one fetched record. The stored row is only overwritten
// when the incoming modified_date is the same or later; older versions
// report UpsertStale and change nothing.
func (s *GormStore) Upsert(ctx context.Context, rec models.SyncRecord) (models.UpsertResult, error) {
	switch r := rec.(type) {
	case *models.Person:
		return s.upsertPerson(ctx, r)
	case *models.Donation:
		return s.upsertDonation(ctx, r)
	case *models.Submission:
		return s.upsertSubmission(ctx, r)
	case *models.FundraisingPage:
		return s.upsertFundraisingPage(ctx, r)
	}
	return models.UpsertResult{}, fmt.Errorf("unsupported record kind %q", rec.Kind())
}

func (s *GormStore) upsertPerson(ctx context.Context, p *models.Person) (models.UpsertResult, error) {
	res := models.UpsertResult{PersonID: p.UUID}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stored models.Person
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("uuid = ?", p.UUID).Take(&stored).Error
		switch {
		case err == nil:
			if !models.Supersedes(p, &stored) {
				res.Outcome = models.UpsertStale
				return nil
			}
			res.DataChanged = models.Advances(p, &stored)
			p.MergeSyncState(&stored)
			res.StatusChanged = p.RefreshFlags(s.PublishCutoff)
			p.UpdatedDate = time.Now().UTC()
			res.Outcome = models.UpsertUpdated
			return tx.Save(p).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			res.StatusChanged = p.RefreshFlags(s.PublishCutoff)
			res.DataChanged = true
			p.UpdatedDate = time.Now().UTC()
			res.Outcome = models.UpsertInserted
			return tx.Create(p).Error
		default:
			return err
		}
	})
	return res, err
}

func (s *GormStore) upsertDonation(ctx context.Context, d *models.Donation) (models.UpsertResult, error) {
	res := models.UpsertResult{PersonID: d.DonorID}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Lock the donor row first: donation upserts and summary recomputes
		// for the same person must never interleave.
		var donor models.Person
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("uuid = ?", d.DonorID).Take(&donor).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			placeholder := models.NewPlaceholderPerson(d.DonorID, d.CreatedDate)
			if err := tx.Create(placeholder).Error; err != nil {
				return err
			}
			res.BackfilledDonor = true
		} else if err != nil {
			return err
		}

		var stored models.Donation
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("uuid = ?", d.UUID).Take(&stored).Error
		switch {
		case err == nil:
			if !models.Supersedes(d, &stored) {
				res.Outcome = models.UpsertStale
				return nil
			}
			res.DataChanged = models.Advances(d, &stored)
			d.UpdatedDate = time.Now().UTC()
			res.Outcome = models.UpsertUpdated
			return tx.Save(d).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			res.DataChanged = true
			d.UpdatedDate = time.Now().UTC()
			res.Outcome = models.UpsertInserted
			return tx.Create(d).Error
		default:
			return err
		}
	})
	return res, err
}

func (s *GormStore) upsertSubmission(ctx context.Context, sub *models.Submission) (models.UpsertResult, error) {
	res := models.UpsertResult{PersonID: sub.PersonID}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stored models.Submission
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("uuid = ?", sub.UUID).Take(&stored).Error
		switch {
		case err == nil:
			if !models.Supersedes(sub, &stored) {
				res.Outcome = models.UpsertStale
				return nil
			}
			res.DataChanged = models.Advances(sub, &stored)
			res.Outcome = models.UpsertUpdated
			return tx.Save(sub).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			res.DataChanged = true
			res.Outcome = models.UpsertInserted
			return tx.Create(sub).Error
		default:
			return err
		}
	})
	return res, err
}

func (s *GormStore) upsertFundraisingPage(ctx context.Context, f *models.FundraisingPage) (models.UpsertResult, error) {
	var res models.UpsertResult
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stored models.FundraisingPage
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("uuid = ?", f.UUID).Take(&stored).Error
		switch {
		case err == nil:
			if !models.Supersedes(f, &stored) {
				res.Outcome = models.UpsertStale
				return nil
			}
			res.DataChanged = models.Advances(f, &stored)
			f.UpdatedDate = time.Now().UTC()
			res.Outcome = models.UpsertUpdated
			return tx.Save(f).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			res.DataChanged = true
			f.UpdatedDate = time.Now().UTC()
			res.Outcome = models.UpsertInserted
			return tx.Create(f).Error
		default:
			return err
		}
	})
	return res, err
}

// RecomputeDonationSummary rebuilds the person's donation-derived columns
// from the full current donation set. The donations are read inside the
// same transaction that writes the summary, and the person row is locked,
// so a concurrent donation upsert can never be half-visible. Returns
// whether any published column changed.
func (s *GormStore) RecomputeDonationSummary(ctx context.Context, personID string) (bool, error) {
	var changed bool
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var person models.Person
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("uuid = ?", personID).Take(&person).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		var donations []models.Donation
		if err := tx.Where("donor_id = ?", personID).
			Order("created_date").Find(&donations).Error; err != nil {
			return err
		}

		changed = person.ApplySummaries(donations, s.PublishCutoff)
		// Funder status feeds the contact rule.
		if person.RefreshFlags(s.PublishCutoff) {
			changed = true
		}
		person.UpdatedDate = time.Now().UTC()
		return tx.Save(&person).Error
	})
	return changed, err
}

// RefreshPersonFlags re-derives has_submission and the contact/volunteer
// flags. Returns whether any flag flipped.
func (s *GormStore) RefreshPersonFlags(ctx context.Context, personID string) (bool, error) {
	var changed bool
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var person models.Person
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("uuid = ?", personID).Take(&person).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&models.Submission{}).
			Where("person_id = ?", personID).Count(&count).Error; err != nil {
			return err
		}
		hadSubmission := person.HasSubmission
		person.HasSubmission = count > 0

		changed = person.RefreshFlags(s.PublishCutoff)
		if !changed && hadSubmission == person.HasSubmission {
			return nil
		}
		person.UpdatedDate = time.Now().UTC()
		return tx.Save(&person).Error
	})
	return changed, err
}

// MarkPublished records a successful destination upsert for one of the
// person's status sub-records: the destination record id and the moment of
// publication. Only the published sub-record's stamp moves.
func (s *GormStore) MarkPublished(ctx context.Context, personID string, kind models.StatusKind, recordID string, at time.Time) error {
	prefix := string(kind)
	return s.DB.WithContext(ctx).Model(&models.Person{}).
		Where("uuid = ?", personID).
		Updates(map[string]interface{}{
			prefix + "_record_id": recordID,
			prefix + "_updated":   at,
		}).Error
}

func (s *GormStore) CreateDeadLetter(ctx context.Context, dl *models.DeadLetterTask) error {
	return s.DB.WithContext(ctx).Create(dl).Error
}
