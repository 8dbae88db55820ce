package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidKey indicates a row identity that does not match the table's primary key shape.
var ErrInvalidKey = errors.New("registry: invalid row key")

// Key is a row identity: the primary key values in declared column order.
type Key struct {
	table  *Table
	values []any
}

// Table returns the descriptor the key belongs to.
func (k Key) Table() *Table {
	return k.table
}

// Values returns the key values in primary key order.
func (k Key) Values() []any {
	return append([]any(nil), k.values...)
}

// Conditions returns a column to value map for equality lookups.
func (k Key) Conditions() map[string]any {
	conditions := make(map[string]any, len(k.values))
	for index, column := range k.table.primaryKey {
		conditions[column] = k.values[index]
	}
	return conditions
}

// String returns the canonical text form: the bare scalar for single-column keys,
// a JSON object in primary key order for composite keys.
func (k Key) String() string {
	if !k.table.IsComposite() {
		return scalarText(k.values[0])
	}
	var buffer bytes.Buffer
	buffer.WriteByte('{')
	for index, column := range k.table.primaryKey {
		if index > 0 {
			buffer.WriteByte(',')
		}
		buffer.Write(marshalNoEscape(column))
		buffer.WriteByte(':')
		buffer.Write(marshalNoEscape(k.values[index]))
	}
	buffer.WriteByte('}')
	return buffer.String()
}

// Wire returns the JSON form exchanged with the remote store.
func (k Key) Wire() json.RawMessage {
	if !k.table.IsComposite() {
		return json.RawMessage(marshalNoEscape(k.values[0]))
	}
	return json.RawMessage(k.String())
}

// KeyFromRow extracts the key from a full row image.
func (t *Table) KeyFromRow(row map[string]any) (Key, error) {
	values := make([]any, 0, len(t.primaryKey))
	for _, column := range t.primaryKey {
		value, ok := row[column]
		if !ok || value == nil {
			return Key{}, fmt.Errorf("%w: %s row missing %s", ErrInvalidKey, t.name, column)
		}
		values = append(values, NormalizeValue(value))
	}
	return Key{table: t, values: values}, nil
}

// ParseStoredKey decodes the row_id text written by the capture triggers.
func (t *Table) ParseStoredKey(raw string) (Key, error) {
	if !t.IsComposite() {
		if raw == "" {
			return Key{}, fmt.Errorf("%w: %s empty key", ErrInvalidKey, t.name)
		}
		return Key{table: t, values: []any{raw}}, nil
	}
	return t.parseObjectKey([]byte(raw))
}

// ParseWireKey decodes the row identity received from the remote store.
func (t *Table) ParseWireKey(raw json.RawMessage) (Key, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Key{}, fmt.Errorf("%w: %s empty key", ErrInvalidKey, t.name)
	}
	if t.IsComposite() {
		return t.parseObjectKey(trimmed)
	}
	value, err := decodeJSON(trimmed)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %s: %v", ErrInvalidKey, t.name, err)
	}
	switch typed := value.(type) {
	case string:
		if typed == "" {
			return Key{}, fmt.Errorf("%w: %s empty key", ErrInvalidKey, t.name)
		}
		return Key{table: t, values: []any{typed}}, nil
	case json.Number:
		return Key{table: t, values: []any{NormalizeValue(typed)}}, nil
	default:
		return Key{}, fmt.Errorf("%w: %s expects a scalar key", ErrInvalidKey, t.name)
	}
}

// KeyOf builds a key from values given in primary key order.
func (t *Table) KeyOf(values ...any) (Key, error) {
	if len(values) != len(t.primaryKey) {
		return Key{}, fmt.Errorf("%w: %s expects %d key values, got %d", ErrInvalidKey, t.name, len(t.primaryKey), len(values))
	}
	normalized := make([]any, len(values))
	for index, value := range values {
		if value == nil {
			return Key{}, fmt.Errorf("%w: %s nil value for %s", ErrInvalidKey, t.name, t.primaryKey[index])
		}
		normalized[index] = NormalizeValue(value)
	}
	return Key{table: t, values: normalized}, nil
}

func (t *Table) parseObjectKey(raw []byte) (Key, error) {
	decoded, err := decodeJSON(raw)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %s: %v", ErrInvalidKey, t.name, err)
	}
	object, ok := decoded.(map[string]any)
	if !ok {
		return Key{}, fmt.Errorf("%w: %s expects an object key", ErrInvalidKey, t.name)
	}
	if len(object) != len(t.primaryKey) {
		return Key{}, fmt.Errorf("%w: %s expects %d key columns, got %d", ErrInvalidKey, t.name, len(t.primaryKey), len(object))
	}
	return t.KeyFromRow(object)
}

// NormalizeValue converts json.Number into int64 or float64 so values bind cleanly to SQL.
func NormalizeValue(value any) any {
	number, ok := value.(json.Number)
	if !ok {
		return value
	}
	if integer, err := number.Int64(); err == nil {
		return integer
	}
	if float, err := number.Float64(); err == nil {
		return float
	}
	return number.String()
}

// DecodeRow decodes a JSON row object, keeping integers exact.
func DecodeRow(raw []byte) (map[string]any, error) {
	decoded, err := decodeJSON(raw)
	if err != nil {
		return nil, err
	}
	object, ok := decoded.(map[string]any)
	if !ok {
		return nil, errors.New("registry: row payload is not an object")
	}
	for column, value := range object {
		object[column] = NormalizeValue(value)
	}
	return object, nil
}

func decodeJSON(raw []byte) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	return value, nil
}

func scalarText(value any) string {
	switch typed := value.(type) {
	case string:
		return typed
	case int64:
		return strconv.FormatInt(typed, 10)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case []byte:
		return string(typed)
	default:
		return fmt.Sprint(typed)
	}
}

func marshalNoEscape(value any) []byte {
	if raw, ok := value.([]byte); ok {
		value = string(raw)
	}
	var buffer bytes.Buffer
	encoder := json.NewEncoder(&buffer)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(value); err != nil {
		return []byte(strconv.Quote(fmt.Sprint(value)))
	}
	return []byte(strings.TrimSuffix(buffer.String(), "\n"))
}
