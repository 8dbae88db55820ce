package practice

import (
	"testing"

	"github.com/MarcoPoloResearchLab/tunesync/internal/legacyid"
)

func TestRegistryOrdersParentsBeforeChildren(t *testing.T) {
	reg := Registry()
	position := make(map[string]int)
	for index, name := range reg.Names() {
		position[name] = index
	}
	for _, table := range reg.Tables() {
		for _, foreignKey := range table.ForeignKeys() {
			if position[foreignKey.References] >= position[table.Name()] {
				t.Fatalf("%s registered before its parent %s", table.Name(), foreignKey.References)
			}
		}
	}
}

func TestRegistryCompositeTables(t *testing.T) {
	reg := Registry()
	for _, name := range []string{TablePlaylistTune, TablePrefsSpacedRepetition} {
		table := reg.MustLookup(name)
		if !table.IsComposite() {
			t.Fatalf("expected %s to have a composite key", name)
		}
	}
	if reg.MustLookup(TableTune).IsComposite() {
		t.Fatalf("expected tune to have a single key")
	}
}

func TestCatalogRowsCoverEveryLegacyEntry(t *testing.T) {
	rows := CatalogRows()
	if len(rows) != len(legacyid.Entries()) {
		t.Fatalf("expected %d catalog rows, got %d", len(legacyid.Entries()), len(rows))
	}
	reg := Registry()
	for _, row := range rows {
		table := reg.MustLookup(row.Table)
		if !table.IsCatalog() {
			t.Fatalf("expected %s to be a catalog table", row.Table)
		}
		for column := range row.Row {
			if !table.HasColumn(column) {
				t.Fatalf("catalog row for %s has unknown column %s", row.Table, column)
			}
		}
	}
}
