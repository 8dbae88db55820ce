package practice

import (
	"sync"

	"github.com/MarcoPoloResearchLab/tunesync/internal/legacyid"
	"github.com/MarcoPoloResearchLab/tunesync/internal/registry"
)

// Table names of the synced practice entities.
const (
	TableGenre                 = "genre"
	TableInstrument            = "instrument"
	TableTune                  = "tune"
	TablePlaylist              = "playlist"
	TablePlaylistTune          = "playlist_tune"
	TablePracticeRecord        = "practice_record"
	TableNote                  = "note"
	TableReference             = "reference"
	TableTag                   = "tag"
	TablePrefsSpacedRepetition = "prefs_spaced_repetition"
)

var (
	registryOnce sync.Once
	registryInst *registry.Registry
)

// Definitions lists the synced tables parent-before-child.
func Definitions() []registry.Definition {
	return []registry.Definition{
		{Model: &Genre{}, PrimaryKey: []string{"id"}, Catalog: true},
		{Model: &Instrument{}, PrimaryKey: []string{"id"}, Catalog: true},
		{
			Model:      &Tune{},
			PrimaryKey: []string{"id"},
			ForeignKeys: []registry.ForeignKey{
				{Column: "genre_ref", References: TableGenre, Legacy: true},
			},
		},
		{
			Model:      &Playlist{},
			PrimaryKey: []string{"playlist_id"},
			ForeignKeys: []registry.ForeignKey{
				{Column: "instrument_ref", References: TableInstrument, Legacy: true},
				{Column: "genre_default", References: TableGenre, Legacy: true},
			},
		},
		{
			Model:      &PlaylistTune{},
			PrimaryKey: []string{"playlist_ref", "tune_ref"},
			ForeignKeys: []registry.ForeignKey{
				{Column: "playlist_ref", References: TablePlaylist},
				{Column: "tune_ref", References: TableTune},
			},
		},
		{
			Model:      &PracticeRecord{},
			PrimaryKey: []string{"id"},
			ForeignKeys: []registry.ForeignKey{
				{Column: "playlist_ref", References: TablePlaylist},
				{Column: "tune_ref", References: TableTune},
			},
		},
		{
			Model:      &Note{},
			PrimaryKey: []string{"id"},
			ForeignKeys: []registry.ForeignKey{
				{Column: "tune_ref", References: TableTune},
				{Column: "playlist_ref", References: TablePlaylist},
			},
		},
		{
			Model:      &Reference{},
			PrimaryKey: []string{"id"},
			ForeignKeys: []registry.ForeignKey{
				{Column: "tune_ref", References: TableTune},
			},
		},
		{
			Model:      &Tag{},
			PrimaryKey: []string{"tag_id"},
			ForeignKeys: []registry.ForeignKey{
				{Column: "tune_ref", References: TableTune},
			},
		},
		{Model: &PrefsSpacedRepetition{}, PrimaryKey: []string{"user_id", "alg_type"}},
	}
}

// Registry returns the process-wide registry of synced practice tables.
func Registry() *registry.Registry {
	registryOnce.Do(func() {
		registryInst = registry.MustNew(Definitions()...)
	})
	return registryInst
}

// CatalogRow is one seeded reference row, keyed by table.
type CatalogRow struct {
	Table string
	Row   map[string]any
}

// CatalogRows builds the install-time genre and instrument rows from the legacy mapping.
func CatalogRows() []CatalogRow {
	entries := legacyid.Entries()
	rows := make([]CatalogRow, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, CatalogRow{
			Table: entry.Table,
			Row: map[string]any{
				"id":          entry.UUID.String(),
				"name":        entry.Name,
				"description": entry.Description,
				"is_public":   boolColumn(entry.Flags.Has(legacyid.CategoryPublic)),
				"deprecated":  boolColumn(entry.Flags.Has(legacyid.CategoryDeprecated)),
			},
		})
	}
	return rows
}

// SQLite stores booleans as integers; seeding with the same type keeps pulled rows byte-identical.
func boolColumn(value bool) int64 {
	if value {
		return 1
	}
	return 0
}
