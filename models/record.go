package models

import "time"

// EntityKind names the upstream CRM feeds we mirror, plus the internal
// publish task kind that flows through the same change queue.
type EntityKind string

const (
	KindPerson          EntityKind = "person"
	KindDonation        EntityKind = "donation"
	KindSubmission      EntityKind = "submission"
	KindFundraisingPage EntityKind = "fundraising_page"

	// KindPublish tasks carry a person uuid whose destination rows need refreshing.
	KindPublish EntityKind = "publish"
)

// SyncRecord is implemented by every mirrored entity. Identity is the
// CRM-assigned id; ModifiedDate drives the last-writer-wins rule.
type SyncRecord interface {
	Kind() EntityKind
	RecordUUID() string
	Modified() time.Time
}

// Supersedes reports whether an incoming version of a record should
// overwrite the stored one under last-writer-wins. Equal modified dates
// overwrite, so a redelivered change converges on the same row instead of
// being treated as stale.
func Supersedes(incoming, stored SyncRecord) bool {
	return !incoming.Modified().Before(stored.Modified())
}

// Advances reports whether the incoming version carries genuinely newer
// data than the stored one. A redelivered duplicate supersedes but does not
// advance, so it never triggers a re-publish.
func Advances(incoming, stored SyncRecord) bool {
	return incoming.Modified().After(stored.Modified())
}

type UpsertOutcome string

const (
	UpsertInserted UpsertOutcome = "inserted"
	UpsertUpdated  UpsertOutcome = "updated"
	// UpsertStale means the incoming version carried an older modified_date
	// than the stored row and was deliberately skipped. Not an error.
	UpsertStale UpsertOutcome = "stale"
)

type UpsertResult struct {
	Outcome UpsertOutcome
	// PersonID is the person whose derived state may be affected by this
	// upsert: the row itself for people, the donor/submitter otherwise.
	PersonID string
	// StatusChanged reports that one of the person's status flags flipped
	// inside the upsert transaction, which warrants a publish task.
	StatusChanged bool
	// DataChanged reports that the stored row actually moved: an insert, or
	// an update whose modified_date is strictly newer than what was stored.
	// Redelivered duplicates overwrite in place without setting it.
	DataChanged bool
	// BackfilledDonor is set when a minimal placeholder person had to be
	// created so a donation could reference an existing donor row.
	BackfilledDonor bool
}

func ValidKind(kind EntityKind) bool {
	switch kind {
	case KindPerson, KindDonation, KindSubmission, KindFundraisingPage, KindPublish:
		return true
	}
	return false
}
