package validate

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/champion-data/champion/internal/batch"
	"github.com/champion-data/champion/internal/errs"
)

// StructuralSpec is a JSON-Schema-like column contract loaded from YAML.
// It checks what the typed batch cannot express: enumerations, regex
// patterns, and numeric ranges.
type StructuralSpec struct {
	Schema  string                 `yaml:"schema"`
	Columns map[string]*ColumnSpec `yaml:"columns"`
}

// ColumnSpec constrains one column. Nil bounds are unconstrained.
type ColumnSpec struct {
	Type     string   `yaml:"type,omitempty"` // string | float | int | date
	Nullable bool     `yaml:"nullable,omitempty"`
	Enum     []string `yaml:"enum,omitempty"`
	Pattern  string   `yaml:"pattern,omitempty"`
	Min      *float64 `yaml:"min,omitempty"`
	Max      *float64 `yaml:"max,omitempty"`

	re      *regexp.Regexp
	enumSet map[string]bool
}

// LoadStructuralSpec reads and compiles one spec file.
func LoadStructuralSpec(path string) (*StructuralSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.Config, "validate.spec", err)
	}
	return ParseStructuralSpec(raw)
}

// ParseStructuralSpec compiles a spec from YAML bytes.
func ParseStructuralSpec(raw []byte) (*StructuralSpec, error) {
	const op = "validate.spec"
	var spec StructuralSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, errs.Wrap(errs.Config, op, err)
	}
	if err := spec.compile(); err != nil {
		return nil, errs.Wrap(errs.Config, op, err)
	}
	return &spec, nil
}

func (s *StructuralSpec) compile() error {
	for name, cs := range s.Columns {
		if cs.Pattern != "" {
			re, err := regexp.Compile(cs.Pattern)
			if err != nil {
				return fmt.Errorf("column %s pattern: %w", name, err)
			}
			cs.re = re
		}
		if len(cs.Enum) > 0 {
			cs.enumSet = make(map[string]bool, len(cs.Enum))
			for _, v := range cs.Enum {
				cs.enumSet[v] = true
			}
		}
	}
	return nil
}

// check applies the spec to one chunk; violations carry the rule name
// "structural" qualified by the failing constraint.
func (s *StructuralSpec) check(chunk *batch.Batch, offset int) []Violation {
	var out []Violation
	for name, cs := range s.Columns {
		col := chunk.Schema.Col(name)
		if col < 0 {
			continue
		}
		for r := 0; r < chunk.Len(); r++ {
			v := chunk.Rows[r][col]
			if v == nil {
				if !cs.Nullable {
					out = append(out, violationf("structural", offset+r, Critical,
						"column %s: null not allowed", name))
				}
				continue
			}
			if cs.re != nil || cs.enumSet != nil {
				str, ok := asString(v)
				if !ok {
					continue
				}
				if cs.re != nil && !cs.re.MatchString(str) {
					out = append(out, violationf("structural", offset+r, Critical,
						"column %s: %q does not match %s", name, str, cs.Pattern))
				}
				if cs.enumSet != nil && !cs.enumSet[str] {
					out = append(out, violationf("structural", offset+r, Critical,
						"column %s: %q not in enum", name, str))
				}
			}
			if cs.Min != nil || cs.Max != nil {
				num, ok := asFloat(v)
				if !ok {
					continue
				}
				if cs.Min != nil && num < *cs.Min {
					out = append(out, violationf("structural", offset+r, Critical,
						"column %s: %v below min %v", name, num, *cs.Min))
				}
				if cs.Max != nil && num > *cs.Max {
					out = append(out, violationf("structural", offset+r, Critical,
						"column %s: %v above max %v", name, num, *cs.Max))
				}
			}
		}
	}
	return out
}

func asString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case time.Time:
		return t.Format("2006-01-02"), true
	default:
		return "", false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}
