package outbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/tunesync/internal/registry"
	"gorm.io/gorm"
)

const triggerPrefix = "sync_capture_"

type triggerEvent struct {
	operation Operation
	image     string
}

var triggerEvents = []triggerEvent{
	{operation: OperationInsert, image: "NEW"},
	{operation: OperationUpdate, image: "NEW"},
	{operation: OperationDelete, image: "OLD"},
}

// TriggerName returns the capture trigger name for a table and operation.
func TriggerName(table string, operation Operation) string {
	return triggerPrefix + table + "_" + strings.ToLower(string(operation))
}

// InstallTriggers (re)creates the insert, update and delete capture triggers for
// every registered table. Existing triggers are dropped first, so repeated calls
// leave exactly one trigger per table and operation.
func InstallTriggers(ctx context.Context, db *gorm.DB, reg *registry.Registry) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, table := range reg.Tables() {
			for _, event := range triggerEvents {
				name := TriggerName(table.Name(), event.operation)
				if err := tx.Exec(fmt.Sprintf(`DROP TRIGGER IF EXISTS %s`, quoteIdentifier(name))).Error; err != nil {
					return fmt.Errorf("drop trigger %s: %w", name, err)
				}
				if err := tx.Exec(triggerSQL(table, event)).Error; err != nil {
					return fmt.Errorf("create trigger %s: %w", name, err)
				}
			}
		}
		return nil
	})
}

// DropTriggers removes every capture trigger for the registered tables.
func DropTriggers(ctx context.Context, db *gorm.DB, reg *registry.Registry) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, table := range reg.Tables() {
			for _, event := range triggerEvents {
				name := TriggerName(table.Name(), event.operation)
				if err := tx.Exec(fmt.Sprintf(`DROP TRIGGER IF EXISTS %s`, quoteIdentifier(name))).Error; err != nil {
					return fmt.Errorf("drop trigger %s: %w", name, err)
				}
			}
		}
		return nil
	})
}

// RowIDExpression builds the SQL expression capturing a row's identity from the
// given row image: the bare column for single keys, json_object for composite keys.
func RowIDExpression(table *registry.Table, image string) string {
	keys := table.PrimaryKey()
	if len(keys) == 1 {
		return image + "." + quoteIdentifier(keys[0])
	}
	parts := make([]string, 0, len(keys)*2)
	for _, column := range keys {
		parts = append(parts, quoteLiteral(column), image+"."+quoteIdentifier(column))
	}
	return "json_object(" + strings.Join(parts, ", ") + ")"
}

func triggerSQL(table *registry.Table, event triggerEvent) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "CREATE TRIGGER %s AFTER %s ON %s\n",
		quoteIdentifier(TriggerName(table.Name(), event.operation)),
		event.operation,
		quoteIdentifier(table.Name()))
	fmt.Fprintf(&builder, "WHEN %s\n", captureGuard)
	builder.WriteString("BEGIN\n")
	if event.operation == OperationUpdate {
		// A rewritten key leaves the old row behind remotely unless it is deleted too.
		writeCapture(&builder, table, "OLD", OperationDelete, keyChangedCondition(table))
	}
	writeCapture(&builder, table, event.image, event.operation, "")
	builder.WriteString("END")
	return builder.String()
}

func writeCapture(builder *strings.Builder, table *registry.Table, image string, operation Operation, condition string) {
	fmt.Fprintf(builder,
		"  INSERT INTO sync_outbox (id, table_name, row_id, operation, status, changed_at)\n"+
			"  SELECT lower(hex(randomblob(16))), %s, %s, %s, %s, strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ', 'now')",
		quoteLiteral(table.Name()),
		RowIDExpression(table, image),
		quoteLiteral(string(operation)),
		quoteLiteral(string(StatusPending)))
	if condition != "" {
		fmt.Fprintf(builder, "\n  WHERE %s", condition)
	}
	builder.WriteString(";\n")
}

func keyChangedCondition(table *registry.Table) string {
	keys := table.PrimaryKey()
	parts := make([]string, 0, len(keys))
	for _, column := range keys {
		parts = append(parts, fmt.Sprintf("OLD.%s IS NOT NEW.%s", quoteIdentifier(column), quoteIdentifier(column)))
	}
	return strings.Join(parts, " OR ")
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

// Install sets up every capture table and trigger for the registry.
func Install(ctx context.Context, db *gorm.DB, reg *registry.Registry) error {
	if err := InstallControl(ctx, db); err != nil {
		return fmt.Errorf("install trigger control: %w", err)
	}
	if err := InstallOutbox(ctx, db); err != nil {
		return fmt.Errorf("install outbox: %w", err)
	}
	if err := InstallState(ctx, db); err != nil {
		return fmt.Errorf("install sync state: %w", err)
	}
	if err := InstallTriggers(ctx, db, reg); err != nil {
		return fmt.Errorf("install triggers: %w", err)
	}
	return nil
}
