package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// NOTE: these drive the same version comparison the store's upsert
// transactions use, without a database: apply versions through Supersedes
// and check the surviving row.

func personVersion(name string, modified time.Time) *Person {
	return &Person{UUID: "p1", GivenName: name, ModifiedDate: modified}
}

func applyVersions(versions ...*Person) *Person {
	var stored *Person
	for _, v := range versions {
		if stored == nil || Supersedes(v, stored) {
			next := *v
			stored = &next
		}
	}
	return stored
}

func TestArrivalOrderIndependence(t *testing.T) {
	t0 := personVersion("Old Name", time.Date(2021, 5, 1, 10, 0, 0, 0, time.UTC))
	t1 := personVersion("New Name", t0.ModifiedDate.Add(time.Hour))

	inOrder := applyVersions(t0, t1)
	reversed := applyVersions(t1, t0)

	require.Equal(t, "New Name", inOrder.GivenName)
	require.Equal(t, inOrder, reversed, "final row must not depend on arrival order")
}

func TestOlderVersionIsStale(t *testing.T) {
	t0 := personVersion("Old Name", time.Date(2021, 5, 1, 10, 0, 0, 0, time.UTC))
	t1 := personVersion("New Name", t0.ModifiedDate.Add(time.Hour))

	require.True(t, Supersedes(t1, t0))
	require.False(t, Supersedes(t0, t1), "an older modified_date must be skipped")
}

func TestRedeliveryConvergesWithoutAdvancing(t *testing.T) {
	t1 := personVersion("New Name", time.Date(2021, 5, 1, 11, 0, 0, 0, time.UTC))
	dup := *t1

	// A redelivered duplicate overwrites with identical data however many
	// times it arrives.
	final := applyVersions(t1, &dup, &dup, &dup)
	require.Equal(t, "New Name", final.GivenName)
	require.True(t, Supersedes(&dup, t1))

	// But it is not a data change, so it never triggers a re-publish.
	require.False(t, Advances(&dup, t1))
	require.True(t, Advances(t1, personVersion("Old Name", t1.ModifiedDate.Add(-time.Hour))))
}
