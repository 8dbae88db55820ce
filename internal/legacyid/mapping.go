package legacyid

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrLegacyIDNotFound indicates that a legacy integer identifier has no UUID mapping.
	ErrLegacyIDNotFound = errors.New("legacyid: legacy id not mapped")
	// ErrTableMismatch indicates that a legacy id maps to a row of a different catalog table.
	ErrTableMismatch = errors.New("legacyid: legacy id belongs to another table")
)

// Category flags describe how a catalog entry is presented.
type Category uint8

const (
	// CategoryPublic marks entries visible to every user.
	CategoryPublic Category = 1 << iota
	// CategoryDefault marks the entry chosen when the user has not picked one.
	CategoryDefault
	// CategoryDeprecated marks entries kept only so old rows still resolve.
	CategoryDeprecated
)

// Has reports whether all flags in other are set.
func (c Category) Has(other Category) bool {
	return c&other == other
}

// Entry maps a legacy integer identifier seeded at install time to its UUID.
type Entry struct {
	LegacyID    int
	UUID        uuid.UUID
	Table       string
	Name        string
	Description string
	Flags       Category
}

const (
	tableGenre      = "genre"
	tableInstrument = "instrument"
)

var entries = []Entry{
	{LegacyID: 1, UUID: uuid.MustParse("0190a3c2-7b1e-7c41-9a10-000000000001"), Table: tableGenre, Name: "Irish Traditional", Description: "Reels, jigs, hornpipes and polkas", Flags: CategoryPublic | CategoryDefault},
	{LegacyID: 2, UUID: uuid.MustParse("0190a3c2-7b1e-7c41-9a10-000000000002"), Table: tableGenre, Name: "Scottish Traditional", Description: "Strathspeys, marches and reels", Flags: CategoryPublic},
	{LegacyID: 3, UUID: uuid.MustParse("0190a3c2-7b1e-7c41-9a10-000000000003"), Table: tableGenre, Name: "Old Time", Description: "Appalachian fiddle tunes", Flags: CategoryPublic},
	{LegacyID: 4, UUID: uuid.MustParse("0190a3c2-7b1e-7c41-9a10-000000000004"), Table: tableGenre, Name: "Bluegrass", Flags: CategoryPublic},
	{LegacyID: 5, UUID: uuid.MustParse("0190a3c2-7b1e-7c41-9a10-000000000005"), Table: tableGenre, Name: "Classical", Flags: CategoryPublic},
	{LegacyID: 6, UUID: uuid.MustParse("0190a3c2-7b1e-7c41-9a10-000000000006"), Table: tableGenre, Name: "Breton", Flags: CategoryPublic | CategoryDeprecated},
	{LegacyID: 10, UUID: uuid.MustParse("0190a3c2-7b1e-7c41-9a20-000000000010"), Table: tableInstrument, Name: "Irish Flute", Flags: CategoryPublic | CategoryDefault},
	{LegacyID: 11, UUID: uuid.MustParse("0190a3c2-7b1e-7c41-9a20-000000000011"), Table: tableInstrument, Name: "Fiddle", Flags: CategoryPublic},
	{LegacyID: 12, UUID: uuid.MustParse("0190a3c2-7b1e-7c41-9a20-000000000012"), Table: tableInstrument, Name: "Tin Whistle", Flags: CategoryPublic},
	{LegacyID: 13, UUID: uuid.MustParse("0190a3c2-7b1e-7c41-9a20-000000000013"), Table: tableInstrument, Name: "Uilleann Pipes", Flags: CategoryPublic},
	{LegacyID: 14, UUID: uuid.MustParse("0190a3c2-7b1e-7c41-9a20-000000000014"), Table: tableInstrument, Name: "Button Accordion", Flags: CategoryPublic},
	{LegacyID: 15, UUID: uuid.MustParse("0190a3c2-7b1e-7c41-9a20-000000000015"), Table: tableInstrument, Name: "Mandolin", Flags: CategoryPublic},
}

var (
	byLegacyID = make(map[int]Entry, len(entries))
	byUUID     = make(map[uuid.UUID]Entry, len(entries))
)

func init() {
	for _, entry := range entries {
		if _, exists := byLegacyID[entry.LegacyID]; exists {
			panic(fmt.Sprintf("legacyid: duplicate legacy id %d", entry.LegacyID))
		}
		if _, exists := byUUID[entry.UUID]; exists {
			panic(fmt.Sprintf("legacyid: duplicate uuid %s", entry.UUID))
		}
		byLegacyID[entry.LegacyID] = entry
		byUUID[entry.UUID] = entry
	}
}

// ToUUID returns the UUID assigned to a legacy identifier.
func ToUUID(legacyID int) (uuid.UUID, error) {
	entry, ok := byLegacyID[legacyID]
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %d", ErrLegacyIDNotFound, legacyID)
	}
	return entry.UUID, nil
}

// Lookup returns the full entry for a legacy identifier.
func Lookup(legacyID int) (Entry, error) {
	entry, ok := byLegacyID[legacyID]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %d", ErrLegacyIDNotFound, legacyID)
	}
	return entry, nil
}

// FromUUID returns the legacy entry for a UUID. Most rows never had a legacy id.
func FromUUID(id uuid.UUID) (Entry, bool) {
	entry, ok := byUUID[id]
	return entry, ok
}

// Entries returns a copy of every mapping in definition order.
func Entries() []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// EntriesForTable returns the mappings seeded into the named catalog table.
func EntriesForTable(table string) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		if entry.Table == table {
			out = append(out, entry)
		}
	}
	return out
}

// ResolveReference rewrites a foreign key value that may still hold a legacy
// integer into its UUID string. UUIDs and empty values pass through unchanged.
func ResolveReference(table string, value any) (any, error) {
	legacyID, isLegacy, err := legacyIntegerOf(value)
	if err != nil {
		return nil, err
	}
	if !isLegacy {
		return value, nil
	}
	entry, err := Lookup(legacyID)
	if err != nil {
		return nil, err
	}
	if entry.Table != table {
		return nil, fmt.Errorf("%w: %d is a %s, expected %s", ErrTableMismatch, legacyID, entry.Table, table)
	}
	return entry.UUID.String(), nil
}

func legacyIntegerOf(value any) (int, bool, error) {
	switch typed := value.(type) {
	case nil:
		return 0, false, nil
	case int:
		return typed, true, nil
	case int32:
		return int(typed), true, nil
	case int64:
		return int(typed), true, nil
	case float64:
		if typed != float64(int64(typed)) {
			return 0, false, fmt.Errorf("%w: non-integral value %v", ErrLegacyIDNotFound, typed)
		}
		return int(typed), true, nil
	case json.Number:
		parsed, err := typed.Int64()
		if err != nil {
			return 0, false, fmt.Errorf("%w: %s", ErrLegacyIDNotFound, typed.String())
		}
		return int(parsed), true, nil
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return 0, false, nil
		}
		parsed, err := strconv.Atoi(trimmed)
		if err != nil {
			return 0, false, nil
		}
		return parsed, true, nil
	default:
		return 0, false, nil
	}
}
