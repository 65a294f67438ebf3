package ts3query

import (
	"fmt"
	"strconv"
	"strings"
)

// Field is a single decoded key/value pair of a Record.
type Field struct {
	Key   string
	Value string
}

// Record is one row of a response or notification payload. Fields keep the
// order in which the server sent them, and duplicate keys are preserved.
type Record []Field

// Get returns the value of the first field named key.
func (r Record) Get(key string) (string, bool) {
	for _, f := range r {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// Value is like Get but returns an empty string for a missing key.
func (r Record) Value(key string) string {
	v, _ := r.Get(key)
	return v
}

// Int parses the value of key as a base 10 integer.
func (r Record) Int(key string) (int, error) {
	v, ok := r.Get(key)
	if !ok {
		return 0, fmt.Errorf("missing field %q", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("field %q: %w", key, err)
	}
	return n, nil
}

// Has reports whether the record contains a field named key.
func (r Record) Has(key string) bool {
	_, ok := r.Get(key)
	return ok
}

// Len returns the number of fields.
func (r Record) Len() int {
	return len(r)
}

// Keys returns the field names in wire order.
func (r Record) Keys() []string {
	keys := make([]string, len(r))
	for i, f := range r {
		keys[i] = f.Key
	}
	return keys
}

// Map copies the record into a map. Later duplicates win.
func (r Record) Map() map[string]string {
	m := make(map[string]string, len(r))
	for _, f := range r {
		m[f.Key] = f.Value
	}
	return m
}

// String renders the record in wire format.
func (r Record) String() string {
	var b strings.Builder
	for i, f := range r {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(f.Key)
		if f.Value != "" {
			b.WriteByte('=')
			b.WriteString(Escape(f.Value))
		}
	}
	return b.String()
}

// ParseRecords decodes a line of pipe separated records. Values are
// unescaped; a token without '=' becomes a field with an empty value.
func ParseRecords(line string) []Record {
	if line == "" {
		return nil
	}
	rows := strings.Split(line, "|")
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, parseRecord(row))
	}
	return records
}

// FormatRecords encodes records into a single wire line.
func FormatRecords(records []Record) string {
	rows := make([]string, len(records))
	for i, r := range records {
		rows[i] = r.String()
	}
	return strings.Join(rows, "|")
}

func parseRecord(row string) Record {
	tokens := strings.Fields(row)
	rec := make(Record, 0, len(tokens))
	for _, tok := range tokens {
		key, value, _ := strings.Cut(tok, "=")
		rec = append(rec, Field{Key: key, Value: Unescape(value)})
	}
	return rec
}
