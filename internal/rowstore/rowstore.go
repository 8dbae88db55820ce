// Package rowstore reads and writes registered table rows generically, by key.
package rowstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/tunesync/internal/registry"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Read returns the current column values of the keyed row, or false when it does not exist.
func Read(ctx context.Context, db *gorm.DB, key registry.Key) (map[string]any, bool, error) {
	table := key.Table()
	var rows []map[string]any
	err := db.WithContext(ctx).
		Table(table.Name()).
		Select(table.Columns()).
		Where(key.Conditions()).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, false, fmt.Errorf("read %s %s: %w", table.Name(), key.String(), err)
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

// Upsert inserts the row or overwrites every non-key column of the existing row.
// Columns the table does not declare are dropped before writing.
func Upsert(ctx context.Context, db *gorm.DB, table *registry.Table, row map[string]any) error {
	values := make(map[string]any, len(row))
	for column, value := range row {
		if table.HasColumn(column) {
			values[column] = registry.NormalizeValue(value)
		}
	}
	if _, err := table.KeyFromRow(values); err != nil {
		return err
	}

	conflict := clause.OnConflict{Columns: keyColumns(table)}
	updates := make([]string, 0, len(values))
	for _, column := range table.NonKeyColumns() {
		if _, ok := values[column]; ok {
			updates = append(updates, column)
		}
	}
	if len(updates) == 0 {
		conflict.DoNothing = true
	} else {
		conflict.DoUpdates = clause.AssignmentColumns(updates)
	}

	if err := db.WithContext(ctx).Table(table.Name()).Clauses(conflict).Create(values).Error; err != nil {
		return fmt.Errorf("upsert %s: %w", table.Name(), err)
	}
	return nil
}

// Delete removes the keyed row. Deleting an absent row is not an error.
func Delete(ctx context.Context, db *gorm.DB, key registry.Key) error {
	table := key.Table()
	columns := table.PrimaryKey()
	conditions := make([]string, 0, len(columns))
	for _, column := range columns {
		conditions = append(conditions, QuoteIdentifier(column)+" = ?")
	}
	statement := fmt.Sprintf("DELETE FROM %s WHERE %s", QuoteIdentifier(table.Name()), strings.Join(conditions, " AND "))
	if err := db.WithContext(ctx).Exec(statement, key.Values()...).Error; err != nil {
		return fmt.Errorf("delete %s %s: %w", table.Name(), key.String(), err)
	}
	return nil
}

// Dump returns every row of the table ordered by primary key.
func Dump(ctx context.Context, db *gorm.DB, table *registry.Table) ([]map[string]any, error) {
	order := make([]string, 0, len(table.PrimaryKey()))
	for _, column := range table.PrimaryKey() {
		order = append(order, QuoteIdentifier(column))
	}
	var rows []map[string]any
	err := db.WithContext(ctx).
		Table(table.Name()).
		Select(table.Columns()).
		Order(strings.Join(order, ", ")).
		Find(&rows).Error
	return rows, err
}

// QuoteIdentifier quotes a SQL identifier.
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func keyColumns(table *registry.Table) []clause.Column {
	columns := make([]clause.Column, 0, len(table.PrimaryKey()))
	for _, name := range table.PrimaryKey() {
		columns = append(columns, clause.Column{Name: name})
	}
	return columns
}
