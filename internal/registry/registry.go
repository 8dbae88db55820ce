package registry

import (
	"errors"
	"fmt"
	"regexp"
	"sync"

	"gorm.io/gorm/schema"
)

var (
	// ErrUnregisteredTable indicates a lookup for a table the registry does not know.
	ErrUnregisteredTable = errors.New("registry: unregistered table")
	// ErrInvalidDefinition indicates a table definition that contradicts its model.
	ErrInvalidDefinition = errors.New("registry: invalid table definition")
)

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ForeignKey declares a column that references another registered table's primary key.
type ForeignKey struct {
	Column     string
	References string
	// Legacy marks references that may still carry legacy integer identifiers.
	Legacy bool
}

// Definition is the declarative metadata for one syncable table.
type Definition struct {
	Model       any
	PrimaryKey  []string
	ForeignKeys []ForeignKey
	// Catalog marks reference data seeded at install time rather than authored by users.
	Catalog bool
}

// Table is the immutable descriptor of a registered table.
type Table struct {
	name        string
	primaryKey  []string
	columns     []string
	foreignKeys []ForeignKey
	catalog     bool
	model       any
	columnSet   map[string]struct{}
	keySet      map[string]struct{}
}

// Name returns the SQL table name.
func (t *Table) Name() string {
	return t.name
}

// PrimaryKey returns the ordered primary key columns.
func (t *Table) PrimaryKey() []string {
	return append([]string(nil), t.primaryKey...)
}

// IsComposite reports whether the primary key spans more than one column.
func (t *Table) IsComposite() bool {
	return len(t.primaryKey) > 1
}

// Columns returns every column in model order.
func (t *Table) Columns() []string {
	return append([]string(nil), t.columns...)
}

// NonKeyColumns returns the columns outside the primary key in model order.
func (t *Table) NonKeyColumns() []string {
	out := make([]string, 0, len(t.columns))
	for _, column := range t.columns {
		if _, isKey := t.keySet[column]; !isKey {
			out = append(out, column)
		}
	}
	return out
}

// HasColumn reports whether the column belongs to the table.
func (t *Table) HasColumn(column string) bool {
	_, ok := t.columnSet[column]
	return ok
}

// ForeignKeys returns the declared references.
func (t *Table) ForeignKeys() []ForeignKey {
	return append([]ForeignKey(nil), t.foreignKeys...)
}

// IsCatalog reports whether the table holds install-time reference data.
func (t *Table) IsCatalog() bool {
	return t.catalog
}

// Model returns the gorm model backing the table.
func (t *Table) Model() any {
	return t.model
}

// Registry is the static set of syncable tables, in parent-before-child order.
type Registry struct {
	tables []*Table
	byName map[string]*Table
}

// New validates the definitions against their gorm models and builds a registry.
func New(definitions ...Definition) (*Registry, error) {
	cache := &sync.Map{}
	namer := schema.NamingStrategy{}
	registry := &Registry{
		tables: make([]*Table, 0, len(definitions)),
		byName: make(map[string]*Table, len(definitions)),
	}

	for _, definition := range definitions {
		table, err := buildTable(definition, cache, namer)
		if err != nil {
			return nil, err
		}
		if _, exists := registry.byName[table.name]; exists {
			return nil, fmt.Errorf("%w: duplicate table %s", ErrInvalidDefinition, table.name)
		}
		for _, foreignKey := range table.foreignKeys {
			parent, ok := registry.byName[foreignKey.References]
			if !ok {
				return nil, fmt.Errorf("%w: %s.%s references %s which is not registered before it", ErrInvalidDefinition, table.name, foreignKey.Column, foreignKey.References)
			}
			if parent.IsComposite() {
				return nil, fmt.Errorf("%w: %s.%s references composite key of %s", ErrInvalidDefinition, table.name, foreignKey.Column, parent.name)
			}
		}
		registry.tables = append(registry.tables, table)
		registry.byName[table.name] = table
	}

	return registry, nil
}

// MustNew is New for package-level registries; invalid definitions are programming errors.
func MustNew(definitions ...Definition) *Registry {
	registry, err := New(definitions...)
	if err != nil {
		panic(err)
	}
	return registry
}

// Lookup returns the descriptor for a table name.
func (r *Registry) Lookup(name string) (*Table, error) {
	table, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnregisteredTable, name)
	}
	return table, nil
}

// MustLookup returns the descriptor or panics for an unregistered name.
func (r *Registry) MustLookup(name string) *Table {
	table, err := r.Lookup(name)
	if err != nil {
		panic(err)
	}
	return table
}

// Tables returns the descriptors in registration order.
func (r *Registry) Tables() []*Table {
	return append([]*Table(nil), r.tables...)
}

// Names returns the registered table names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tables))
	for _, table := range r.tables {
		names = append(names, table.name)
	}
	return names
}

// Models returns the gorm models in registration order, suitable for AutoMigrate.
func (r *Registry) Models() []any {
	models := make([]any, 0, len(r.tables))
	for _, table := range r.tables {
		models = append(models, table.model)
	}
	return models
}

func buildTable(definition Definition, cache *sync.Map, namer schema.Namer) (*Table, error) {
	if definition.Model == nil {
		return nil, fmt.Errorf("%w: missing model", ErrInvalidDefinition)
	}
	parsed, err := schema.Parse(definition.Model, cache, namer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if !identifierPattern.MatchString(parsed.Table) {
		return nil, fmt.Errorf("%w: table name %q", ErrInvalidDefinition, parsed.Table)
	}
	if len(definition.PrimaryKey) == 0 {
		return nil, fmt.Errorf("%w: %s has no primary key", ErrInvalidDefinition, parsed.Table)
	}

	table := &Table{
		name:        parsed.Table,
		primaryKey:  append([]string(nil), definition.PrimaryKey...),
		columns:     make([]string, 0, len(parsed.DBNames)),
		foreignKeys: append([]ForeignKey(nil), definition.ForeignKeys...),
		catalog:     definition.Catalog,
		model:       definition.Model,
		columnSet:   make(map[string]struct{}, len(parsed.DBNames)),
		keySet:      make(map[string]struct{}, len(definition.PrimaryKey)),
	}
	for _, column := range parsed.DBNames {
		if !identifierPattern.MatchString(column) {
			return nil, fmt.Errorf("%w: %s column name %q", ErrInvalidDefinition, table.name, column)
		}
		table.columns = append(table.columns, column)
		table.columnSet[column] = struct{}{}
	}

	for _, column := range table.primaryKey {
		if !table.HasColumn(column) {
			return nil, fmt.Errorf("%w: %s primary key column %q does not exist", ErrInvalidDefinition, table.name, column)
		}
		if _, duplicate := table.keySet[column]; duplicate {
			return nil, fmt.Errorf("%w: %s primary key column %q repeated", ErrInvalidDefinition, table.name, column)
		}
		table.keySet[column] = struct{}{}
	}
	if len(parsed.PrimaryFieldDBNames) != len(table.primaryKey) {
		return nil, fmt.Errorf("%w: %s primary key %v does not match model %v", ErrInvalidDefinition, table.name, table.primaryKey, parsed.PrimaryFieldDBNames)
	}
	for _, column := range parsed.PrimaryFieldDBNames {
		if _, ok := table.keySet[column]; !ok {
			return nil, fmt.Errorf("%w: %s primary key %v does not match model %v", ErrInvalidDefinition, table.name, table.primaryKey, parsed.PrimaryFieldDBNames)
		}
	}

	for _, foreignKey := range table.foreignKeys {
		if !table.HasColumn(foreignKey.Column) {
			return nil, fmt.Errorf("%w: %s foreign key column %q does not exist", ErrInvalidDefinition, table.name, foreignKey.Column)
		}
	}

	return table, nil
}
