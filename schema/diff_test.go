package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usersSnapshot(version int) *Snapshot {
	return &Snapshot{
		Keyspace: "app",
		Table:    "users",
		Columns: []ColumnDef{
			{Name: "user_id", Type: "uuid", IsPartitionKey: true},
			{Name: "created_at", Type: "timestamp", IsClusteringKey: true},
			{Name: "age", Type: "int"},
			{Name: "email", Type: "text"},
		},
		PartitionKeys:  []string{"user_id"},
		ClusteringKeys: []string{"created_at"},
		Version:        version,
	}
}

func TestDiffNoChanges(t *testing.T) {
	old := usersSnapshot(1)
	fresh := usersSnapshot(0)
	assert.Empty(t, Diff(old, fresh, nil))
}

func TestDiffOrdersDropsAddsAlters(t *testing.T) {
	old := usersSnapshot(1)
	fresh := &Snapshot{
		Keyspace: "app",
		Table:    "users",
		Columns: []ColumnDef{
			{Name: "user_id", Type: "uuid", IsPartitionKey: true},
			{Name: "created_at", Type: "timestamp", IsClusteringKey: true},
			{Name: "age", Type: "bigint"},
			{Name: "nickname", Type: "text"},
			{Name: "active", Type: "boolean"},
		},
		PartitionKeys:  []string{"user_id"},
		ClusteringKeys: []string{"created_at"},
	}

	ops := Diff(old, fresh, func(oldType, newType string) bool {
		return oldType == "int" && newType == "bigint"
	})
	require.Len(t, ops, 4)

	assert.Equal(t, ChangeDropColumn, ops[0].Kind)
	assert.Equal(t, "email", ops[0].Column)
	assert.True(t, ops[0].Compatible)

	assert.Equal(t, ChangeAddColumn, ops[1].Kind)
	assert.Equal(t, "active", ops[1].Column)
	assert.Equal(t, ChangeAddColumn, ops[2].Kind)
	assert.Equal(t, "nickname", ops[2].Column)

	assert.Equal(t, ChangeAlterType, ops[3].Kind)
	assert.Equal(t, "age", ops[3].Column)
	assert.True(t, ops[3].Compatible)
}

func TestDiffKeyColumnDropIsIncompatible(t *testing.T) {
	old := usersSnapshot(1)
	fresh := &Snapshot{
		Keyspace: "app",
		Table:    "users",
		Columns: []ColumnDef{
			{Name: "user_id", Type: "uuid", IsPartitionKey: true},
			{Name: "age", Type: "int"},
			{Name: "email", Type: "text"},
		},
		PartitionKeys: []string{"user_id"},
	}

	ops := Diff(old, fresh, nil)
	require.Len(t, ops, 1)
	assert.Equal(t, ChangeDropColumn, ops[0].Kind)
	assert.Equal(t, "created_at", ops[0].Column)
	assert.False(t, ops[0].Compatible)
	assert.Contains(t, ops[0].Reason, "primary key")
}

func TestDiffNonWideningAlterIsIncompatible(t *testing.T) {
	old := usersSnapshot(1)
	fresh := usersSnapshot(0)
	fresh.Columns[2].Type = "text" // age int -> text

	ops := Diff(old, fresh, func(string, string) bool { return false })
	require.Len(t, ops, 1)
	assert.Equal(t, ChangeAlterType, ops[0].Kind)
	assert.False(t, ops[0].Compatible)

	change := Change{Keyspace: "app", Table: "users", FromVersion: 1, ToVersion: 2, Ops: ops}
	assert.Len(t, change.Incompatible(), 1)
	assert.Equal(t, "app.users", change.Key())
}

func TestSnapshotValidate(t *testing.T) {
	snap := usersSnapshot(1)
	require.NoError(t, snap.Validate())

	assert.True(t, snap.IsKeyColumn("user_id"))
	assert.True(t, snap.IsKeyColumn("created_at"))
	assert.False(t, snap.IsKeyColumn("email"))

	snap.PartitionKeys = nil
	assert.Error(t, snap.Validate())

	snap = usersSnapshot(1)
	snap.PartitionKeys = []string{"missing"}
	assert.Error(t, snap.Validate())
}
