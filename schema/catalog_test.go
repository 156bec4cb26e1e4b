package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func customersTable(t *testing.T) *Table {
	t.Helper()
	return mustTable(t, "inventory", "customers",
		[]Column{
			{Name: "id", Position: 1, Type: "int"},
			{Name: "email", Position: 2, Type: "varchar", Length: 255},
		},
		[]string{"id"},
	)
}

func TestCatalogCreateTable(t *testing.T) {
	catalog := NewCatalog()
	tbl := customersTable(t)

	require.NoError(t, catalog.Apply(Mutation{Kind: MutationCreateTable, Id: tbl.Id, Table: tbl}))
	assert.Equal(t, 1, catalog.Len())
	require.NotNil(t, catalog.Table(tbl.Id))

	// A second create for the same identifier is unsatisfiable
	err := catalog.Apply(Mutation{Kind: MutationCreateTable, Id: tbl.Id, Table: tbl})
	var mutErr *MutationError
	require.True(t, errors.As(err, &mutErr))
	assert.Equal(t, MutationCreateTable, mutErr.Kind)
	assert.Equal(t, 1, catalog.Len())
}

func TestCatalogDropTable(t *testing.T) {
	catalog := NewCatalog()
	tbl := customersTable(t)
	require.NoError(t, catalog.Apply(Mutation{Kind: MutationCreateTable, Id: tbl.Id, Table: tbl}))

	require.NoError(t, catalog.Apply(Mutation{Kind: MutationDropTable, Id: tbl.Id}))
	assert.Equal(t, 0, catalog.Len())

	err := catalog.Apply(Mutation{Kind: MutationDropTable, Id: tbl.Id})
	var mutErr *MutationError
	require.True(t, errors.As(err, &mutErr))
}

func TestCatalogRenameTable(t *testing.T) {
	catalog := NewCatalog()
	tbl := customersTable(t)
	require.NoError(t, catalog.Apply(Mutation{Kind: MutationCreateTable, Id: tbl.Id, Table: tbl}))

	newId := NewTableId("inventory", "clients")
	require.NoError(t, catalog.Apply(Mutation{Kind: MutationRenameTable, Id: tbl.Id, NewId: newId}))

	assert.Nil(t, catalog.Table(tbl.Id))
	renamed := catalog.Table(newId)
	require.NotNil(t, renamed)
	assert.Equal(t, newId, renamed.Id)
	assert.Equal(t, []string{"id", "email"}, renamed.ColumnNames())
}

func TestCatalogRenameRejectsCollision(t *testing.T) {
	catalog := NewCatalog()
	a := mustTable(t, "inventory", "a", []Column{{Name: "id", Position: 1, Type: "int"}}, []string{"id"})
	b := mustTable(t, "inventory", "b", []Column{{Name: "id", Position: 1, Type: "int"}}, []string{"id"})
	require.NoError(t, catalog.Apply(Mutation{Kind: MutationCreateTable, Id: a.Id, Table: a}))
	require.NoError(t, catalog.Apply(Mutation{Kind: MutationCreateTable, Id: b.Id, Table: b}))

	err := catalog.Apply(Mutation{Kind: MutationRenameTable, Id: a.Id, NewId: b.Id})
	require.Error(t, err)

	// Both tables survive an unsatisfiable rename untouched
	assert.NotNil(t, catalog.Table(a.Id))
	assert.NotNil(t, catalog.Table(b.Id))
}

func TestCatalogAddColumn(t *testing.T) {
	catalog := NewCatalog()
	tbl := customersTable(t)
	require.NoError(t, catalog.Apply(Mutation{Kind: MutationCreateTable, Id: tbl.Id, Table: tbl}))

	require.NoError(t, catalog.Apply(Mutation{
		Kind:   MutationAddColumn,
		Id:     tbl.Id,
		Column: &Column{Name: "created_at", Type: "datetime"},
	}))

	col := catalog.Table(tbl.Id).Column("created_at")
	require.NotNil(t, col)
	assert.Equal(t, 3, col.Position, "added column takes the next ordinal")

	err := catalog.Apply(Mutation{
		Kind:   MutationAddColumn,
		Id:     tbl.Id,
		Column: &Column{Name: "email", Type: "text"},
	})
	var mutErr *MutationError
	require.True(t, errors.As(err, &mutErr))
}

func TestCatalogDropColumn(t *testing.T) {
	catalog := NewCatalog()
	tbl := customersTable(t)
	require.NoError(t, catalog.Apply(Mutation{Kind: MutationCreateTable, Id: tbl.Id, Table: tbl}))

	require.NoError(t, catalog.Apply(Mutation{Kind: MutationDropColumn, Id: tbl.Id, ColumnName: "email"}))
	assert.Nil(t, catalog.Table(tbl.Id).Column("email"))

	// Primary key columns cannot be dropped
	err := catalog.Apply(Mutation{Kind: MutationDropColumn, Id: tbl.Id, ColumnName: "id"})
	var mutErr *MutationError
	require.True(t, errors.As(err, &mutErr))
	assert.NotNil(t, catalog.Table(tbl.Id).Column("id"))
}

func TestCatalogModifyColumn(t *testing.T) {
	catalog := NewCatalog()
	tbl := customersTable(t)
	require.NoError(t, catalog.Apply(Mutation{Kind: MutationCreateTable, Id: tbl.Id, Table: tbl}))

	require.NoError(t, catalog.Apply(Mutation{
		Kind:   MutationModifyColumn,
		Id:     tbl.Id,
		Column: &Column{Name: "email", Type: "text", Nullable: true},
	}))

	col := catalog.Table(tbl.Id).Column("email")
	require.NotNil(t, col)
	assert.Equal(t, "text", col.Type)
	assert.True(t, col.Nullable)
	assert.Equal(t, 2, col.Position, "ordinal survives a modify")

	err := catalog.Apply(Mutation{
		Kind:   MutationModifyColumn,
		Id:     tbl.Id,
		Column: &Column{Name: "missing", Type: "int"},
	})
	require.Error(t, err)
}

func TestCatalogUnknownTableErrors(t *testing.T) {
	catalog := NewCatalog()
	id := NewTableId("inventory", "ghost")

	for _, m := range []Mutation{
		{Kind: MutationDropTable, Id: id},
		{Kind: MutationRenameTable, Id: id, NewId: NewTableId("inventory", "other")},
		{Kind: MutationAddColumn, Id: id, Column: &Column{Name: "c", Type: "int"}},
		{Kind: MutationDropColumn, Id: id, ColumnName: "c"},
		{Kind: MutationModifyColumn, Id: id, Column: &Column{Name: "c", Type: "int"}},
	} {
		err := catalog.Apply(m)
		var mutErr *MutationError
		require.True(t, errors.As(err, &mutErr), "mutation %s should fail", m.Kind)
	}
	assert.Equal(t, 0, catalog.Len())
}

func TestCatalogSnapshotIsolation(t *testing.T) {
	catalog := NewCatalog()
	tbl := customersTable(t)
	require.NoError(t, catalog.Apply(Mutation{Kind: MutationCreateTable, Id: tbl.Id, Table: tbl}))

	snap := catalog.Snapshot()

	require.NoError(t, catalog.Apply(Mutation{Kind: MutationDropColumn, Id: tbl.Id, ColumnName: "email"}))

	// The snapshot still sees the dropped column
	require.NotNil(t, snap.Table(tbl.Id))
	assert.NotNil(t, snap.Table(tbl.Id).Column("email"))
	assert.Nil(t, catalog.Table(tbl.Id).Column("email"))
}

func TestCatalogTablesSortedRoundTrip(t *testing.T) {
	catalog := NewCatalog()
	for _, name := range []string{"zebra", "alpha", "mango"} {
		tbl := mustTable(t, "inventory", name, []Column{{Name: "id", Position: 1, Type: "int"}}, []string{"id"})
		require.NoError(t, catalog.Apply(Mutation{Kind: MutationCreateTable, Id: tbl.Id, Table: tbl}))
	}

	tables := catalog.Tables()
	require.Len(t, tables, 3)
	assert.Equal(t, "inventory.alpha", tables[0].Id.String())
	assert.Equal(t, "inventory.mango", tables[1].Id.String())
	assert.Equal(t, "inventory.zebra", tables[2].Id.String())

	rebuilt := CatalogFromTables(tables)
	assert.Equal(t, catalog.Len(), rebuilt.Len())
	for _, id := range catalog.TableIds() {
		assert.NotNil(t, rebuilt.Table(id))
	}
}
