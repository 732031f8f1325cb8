package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEvent(t *testing.T) *Event {
	t.Helper()
	pk := []Column{{Name: "user_id", Type: "uuid", Value: "u-1"}}
	ck := []Column{{Name: "created_at", Type: "timestamp", Value: int64(1000)}}
	cols := []Column{{Name: "email", Type: "text", Value: "a@b.com"}}
	ev, err := New(
		DeriveID("CommitLog-1.log", pk, ck, 1000),
		KindInsert, "app", "users", pk, ck, cols, 1000, 0, time.Now(),
	)
	require.NoError(t, err)
	return ev
}

func TestNewValidation(t *testing.T) {
	pk := []Column{{Name: "user_id", Type: "uuid", Value: "u-1"}}
	cols := []Column{{Name: "email", Type: "text", Value: "a@b.com"}}
	id := DeriveID("CommitLog-1.log", pk, nil, 1000)
	now := time.Now()

	cases := []struct {
		name string
		fn   func() (*Event, error)
	}{
		{"missing keyspace", func() (*Event, error) {
			return New(id, KindInsert, "", "users", pk, nil, cols, 1000, 0, now)
		}},
		{"missing table", func() (*Event, error) {
			return New(id, KindInsert, "app", "", pk, nil, cols, 1000, 0, now)
		}},
		{"empty partition key", func() (*Event, error) {
			return New(id, KindInsert, "app", "users", nil, nil, cols, 1000, 0, now)
		}},
		{"zero timestamp", func() (*Event, error) {
			return New(id, KindInsert, "app", "users", pk, nil, cols, 0, 0, now)
		}},
		{"negative ttl", func() (*Event, error) {
			return New(id, KindInsert, "app", "users", pk, nil, cols, 1000, -1, now)
		}},
		{"insert without columns", func() (*Event, error) {
			return New(id, KindInsert, "app", "users", pk, nil, nil, 1000, 0, now)
		}},
		{"delete with columns", func() (*Event, error) {
			return New(id, KindDelete, "app", "users", pk, nil, cols, 1000, 0, now)
		}},
		{"captured in the future", func() (*Event, error) {
			return New(id, KindInsert, "app", "users", pk, nil, cols, 1000, 0, now.Add(time.Minute))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.fn()
			assert.Error(t, err)
		})
	}

	_, err := New(id, KindDelete, "app", "users", pk, nil, nil, 1000, 0, now)
	assert.NoError(t, err, "delete without columns is valid")
}

func TestDeriveIDDeterminism(t *testing.T) {
	pk := []Column{{Name: "user_id", Type: "uuid", Value: "u-1"}}
	ck := []Column{{Name: "seq", Type: "int", Value: 7}}

	a := DeriveID("CommitLog-1.log", pk, ck, 1000)
	b := DeriveID("CommitLog-1.log", pk, ck, 1000)
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, DeriveID("CommitLog-2.log", pk, ck, 1000))
	assert.NotEqual(t, a, DeriveID("CommitLog-1.log", pk, ck, 1001))
	otherPK := []Column{{Name: "user_id", Type: "uuid", Value: "u-2"}}
	assert.NotEqual(t, a, DeriveID("CommitLog-1.log", otherPK, ck, 1000))
}

func TestKindRoundTrip(t *testing.T) {
	for _, k := range []Kind{KindInsert, KindUpdate, KindDelete} {
		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	_, err := ParseKind("TRUNCATE")
	assert.Error(t, err)
}

func TestWithColumnsLeavesOriginalUntouched(t *testing.T) {
	ev := validEvent(t)
	masked := ev.WithColumns([]Column{{Name: "email", Type: "text", Value: "xxxx"}})

	orig, _ := ev.Column("email")
	assert.Equal(t, "a@b.com", orig.Value)
	repl, _ := masked.Column("email")
	assert.Equal(t, "xxxx", repl.Value)
	assert.Equal(t, ev.ID, masked.ID)
}

func TestPrimaryKeyOrder(t *testing.T) {
	ev := validEvent(t)
	pk := ev.PrimaryKey()
	require.Len(t, pk, 2)
	assert.Equal(t, "user_id", pk[0].Name)
	assert.Equal(t, "created_at", pk[1].Name)
}

func TestPartitionIDStable(t *testing.T) {
	a := validEvent(t)
	b := validEvent(t)
	assert.Equal(t, a.PartitionID(), b.PartitionID())

	pk := []Column{{Name: "user_id", Type: "uuid", Value: "u-2"}}
	cols := []Column{{Name: "email", Type: "text", Value: "a@b.com"}}
	other, err := New(DeriveID("CommitLog-1.log", pk, nil, 1000),
		KindInsert, "app", "users", pk, nil, cols, 1000, 0, time.Now())
	require.NoError(t, err)
	assert.NotEqual(t, a.PartitionID(), other.PartitionID())
}

func TestAllColumnsOrder(t *testing.T) {
	ev := validEvent(t)
	all := ev.AllColumns()
	require.Len(t, all, 3)
	assert.Equal(t, []string{"user_id", "created_at", "email"},
		[]string{all[0].Name, all[1].Name, all[2].Name})
}

func TestColumnLookup(t *testing.T) {
	ev := validEvent(t)
	_, ok := ev.Column("email")
	assert.True(t, ok)
	// Key columns are not value columns.
	_, ok = ev.Column("user_id")
	assert.False(t, ok)
}

func TestCanonicalValue(t *testing.T) {
	assert.Equal(t, "", CanonicalValue(nil))
	assert.Equal(t, "plain", CanonicalValue("plain"))
	assert.Equal(t, "bytes", CanonicalValue([]byte("bytes")))
	assert.Equal(t, "42", CanonicalValue(42))

	// Map keys render sorted regardless of insertion order.
	m1 := map[string]interface{}{"b": "2", "a": "1"}
	m2 := map[string]interface{}{"a": "1", "b": "2"}
	assert.Equal(t, CanonicalValue(m1), CanonicalValue(m2))
	assert.Equal(t, "{a:1,b:2}", CanonicalValue(m1))

	// Set semantics: element order does not change the rendering.
	s1 := []interface{}{"x", "y"}
	s2 := []interface{}{"y", "x"}
	assert.Equal(t, CanonicalValue(s1), CanonicalValue(s2))
	assert.Equal(t, "[x,y]", CanonicalValue(s1))
}

func TestEstimateSize(t *testing.T) {
	ev := validEvent(t)
	base := ev.EstimateSize()
	assert.Greater(t, base, 0)

	bigger := ev.WithColumns(append(ev.Columns,
		Column{Name: "bio", Type: "text", Value: "a much longer text value"}))
	assert.Greater(t, bigger.EstimateSize(), base)
}
