package batch

import (
	"fmt"
	"time"
)

// Kind is the closed set of column types. Readers never infer types; every
// dataset schema declares its columns up front.
type Kind int

const (
	KindDate Kind = iota
	KindTimestamp
	KindInt64
	KindFloat64
	KindString
	KindLowCardString
)

func (k Kind) String() string {
	switch k {
	case KindDate:
		return "date"
	case KindTimestamp:
		return "timestamp"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindString:
		return "string"
	case KindLowCardString:
		return "low_card_string"
	default:
		return "invalid"
	}
}

// Column describes one schema column. Key columns are identity columns and
// must be non-null.
type Column struct {
	Name     string `yaml:"name"`
	Kind     Kind   `yaml:"-"`
	Type     string `yaml:"type"` // yaml-facing kind name
	Nullable bool   `yaml:"nullable"`
	Key      bool   `yaml:"key"`
}

// Schema is an ordered column layout with a stable name and version.
type Schema struct {
	Name    string
	Version string // "v<N>"
	Columns []Column

	index map[string]int
}

// NewSchema builds a schema and its column index. Envelope columns are the
// caller's responsibility; see WithEnvelope.
func NewSchema(name, version string, cols []Column) *Schema {
	s := &Schema{Name: name, Version: version, Columns: cols}
	s.reindex()
	return s
}

func (s *Schema) reindex() {
	s.index = make(map[string]int, len(s.Columns))
	for i, c := range s.Columns {
		s.index[c.Name] = i
	}
}

// Col returns the position of a named column, or -1.
func (s *Schema) Col(name string) int {
	i, ok := s.index[name]
	if !ok {
		return -1
	}
	return i
}

// Has reports whether the schema carries a named column.
func (s *Schema) Has(name string) bool { return s.Col(name) >= 0 }

// KeyColumns returns the identity columns in schema order.
func (s *Schema) KeyColumns() []Column {
	var keys []Column
	for _, c := range s.Columns {
		if c.Key {
			keys = append(keys, c)
		}
	}
	return keys
}

// EnvelopeColumns are prepended to every dataset schema. event_id is key by
// construction; the remaining identity lives in the payload columns.
func EnvelopeColumns() []Column {
	return []Column{
		{Name: "event_id", Kind: KindString, Key: true},
		{Name: "event_time", Kind: KindTimestamp},
		{Name: "ingest_time", Kind: KindTimestamp},
		{Name: "source", Kind: KindLowCardString},
		{Name: "schema_version", Kind: KindLowCardString},
		{Name: "entity_id", Kind: KindString},
	}
}

// WithEnvelope returns a schema with the envelope columns prepended.
func WithEnvelope(name, version string, payload []Column) *Schema {
	cols := append(EnvelopeColumns(), payload...)
	return NewSchema(name, version, cols)
}

// checkValue verifies a value against a column's kind and nullability.
func checkValue(c Column, v any) error {
	if v == nil {
		if c.Nullable && !c.Key {
			return nil
		}
		return fmt.Errorf("column %s: null not allowed", c.Name)
	}
	switch c.Kind {
	case KindDate, KindTimestamp:
		if _, ok := v.(time.Time); !ok {
			return fmt.Errorf("column %s: want time.Time, got %T", c.Name, v)
		}
	case KindInt64:
		if _, ok := v.(int64); !ok {
			return fmt.Errorf("column %s: want int64, got %T", c.Name, v)
		}
	case KindFloat64:
		if _, ok := v.(float64); !ok {
			return fmt.Errorf("column %s: want float64, got %T", c.Name, v)
		}
	case KindString, KindLowCardString:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("column %s: want string, got %T", c.Name, v)
		}
	}
	return nil
}
