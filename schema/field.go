package schema

import (
	"fmt"

	"utp/protocol"
)

// Field is one named, typed slot of a schema.
//
// Type-specific parameters:
//
//	ENUM    List       allowed values, encoded as their index
//	ARRAY   Items      element definition (Items.Name is ignored)
//	SCHEMA  Schema     name of the schema encoded inline
//	STRING, BINARY, JSON, ARRAY
//	        MaxLength  upper bound on runes, bytes, JSON bytes or elements
type Field struct {
	Name      string   `toml:"name"`
	Type      Type     `toml:"type"`
	Optional  bool     `toml:"optional"`
	Schema    string   `toml:"schema"`
	List      []string `toml:"list"`
	Items     *Field   `toml:"items"`
	MaxLength int32    `toml:"maxlength"`
}

// Definition is a named, ordered list of fields.
type Definition struct {
	Name   string  `toml:"name"`
	Fields []Field `toml:"fields"`
}

// Validate checks a definition in isolation. Schema references are resolved
// by the registry.
func (d Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: schema name is empty", protocol.ErrInvalidInputDataValue)
	}
	seen := make(map[string]struct{}, len(d.Fields))
	for i := range d.Fields {
		f := &d.Fields[i]
		if f.Name == "" {
			return fmt.Errorf("%w: schema %q: field %d has no name", protocol.ErrInvalidInputDataValue, d.Name, i)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("%w: schema %q: duplicate field %q", protocol.ErrInvalidInputDataValue, d.Name, f.Name)
		}
		seen[f.Name] = struct{}{}
		if err := f.Validate(); err != nil {
			return fmt.Errorf("schema %q: %w", d.Name, err)
		}
	}
	return nil
}

// Validate checks that the field only carries the parameters its type uses.
func (f *Field) Validate() error {
	return f.validate(f.Name, 0)
}

const maxNesting = 32

func (f *Field) validate(path string, depth int) error {
	if depth > maxNesting {
		return fmt.Errorf("%w: field %q nests deeper than %d", protocol.ErrInvalidInputDataValue, path, maxNesting)
	}
	if !f.Type.Valid() {
		return fmt.Errorf("%w: field %q has unknown type %d", protocol.ErrInvalidInputDataType, path, uint8(f.Type))
	}
	if f.Type == Enum {
		if len(f.List) == 0 {
			return fmt.Errorf("%w: ENUM field %q needs a list", protocol.ErrInvalidInputDataValue, path)
		}
		if len(f.List) > 1<<16 {
			return fmt.Errorf("%w: ENUM field %q has %d values", protocol.ErrInvalidInputDataValue, path, len(f.List))
		}
		seen := make(map[string]struct{}, len(f.List))
		for _, v := range f.List {
			if _, dup := seen[v]; dup {
				return fmt.Errorf("%w: ENUM field %q repeats %q", protocol.ErrInvalidInputDataValue, path, v)
			}
			seen[v] = struct{}{}
		}
	} else if f.List != nil {
		return fmt.Errorf("%w: field %q: list only applies to ENUM", protocol.ErrInvalidInputDataValue, path)
	}

	if f.Type == Array {
		if f.Items == nil {
			return fmt.Errorf("%w: ARRAY field %q needs items", protocol.ErrInvalidInputDataValue, path)
		}
		if f.Items.Optional {
			return fmt.Errorf("%w: ARRAY field %q: items cannot be optional", protocol.ErrInvalidInputDataValue, path)
		}
		// SCHEMA_ITEMS rows have no maxlength, so PROTO could not carry it.
		if f.Items.MaxLength != 0 {
			return fmt.Errorf("%w: ARRAY field %q: items cannot have a maxlength", protocol.ErrInvalidInputDataValue, path)
		}
		if err := f.Items.validate(path+"[]", depth+1); err != nil {
			return err
		}
	} else if f.Items != nil {
		return fmt.Errorf("%w: field %q: items only apply to ARRAY", protocol.ErrInvalidInputDataValue, path)
	}

	if f.Type == Schema {
		if f.Schema == "" {
			return fmt.Errorf("%w: SCHEMA field %q needs a schema name", protocol.ErrInvalidInputDataValue, path)
		}
	} else if f.Schema != "" {
		return fmt.Errorf("%w: field %q: schema only applies to SCHEMA", protocol.ErrInvalidInputDataValue, path)
	}

	if f.MaxLength != 0 {
		switch f.Type {
		case String, Binary, JSON, Array:
		default:
			return fmt.Errorf("%w: field %q: maxlength does not apply to %s", protocol.ErrInvalidInputDataValue, path, f.Type)
		}
		if f.MaxLength < 0 {
			return fmt.Errorf("%w: field %q: negative maxlength", protocol.ErrInvalidInputDataValue, path)
		}
	}
	return nil
}

// References returns the schema names f depends on, in depth-first order.
func (f *Field) References() []string {
	var out []string
	for cur := f; cur != nil; cur = cur.Items {
		if cur.Type == Schema {
			out = append(out, cur.Schema)
		}
	}
	return out
}

// Value renders f as a row of the SCHEMA bootstrap schema, the shape fields
// travel in inside PROTO packets. Zero parameters are omitted.
func (f *Field) Value() map[string]any {
	m := f.itemsValue()
	m["name"] = f.Name
	if f.MaxLength != 0 {
		m["maxlength"] = f.MaxLength
	}
	if f.Optional {
		m["optional"] = true
	}
	return m
}

// itemsValue renders f as a SCHEMA_ITEMS row: type and nested parameters
// only.
func (f *Field) itemsValue() map[string]any {
	m := map[string]any{"type": f.Type.String()}
	if f.Schema != "" {
		m["schema"] = f.Schema
	}
	if f.List != nil {
		list := make([]any, len(f.List))
		for i, v := range f.List {
			list[i] = v
		}
		m["list"] = list
	}
	if f.Items != nil {
		m["items"] = f.Items.itemsValue()
	}
	return m
}

// ParseField reads a SCHEMA row back into a Field.
func ParseField(v any) (Field, error) {
	return parseField(v, true, 0)
}

func parseField(v any, named bool, depth int) (Field, error) {
	var f Field
	if depth > maxNesting {
		return f, fmt.Errorf("%w: field nests deeper than %d", protocol.ErrInvalidInputData, maxNesting)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return f, fmt.Errorf("%w: field must be an object, got %T", protocol.ErrInvalidInputData, v)
	}
	if named {
		name, ok := m["name"].(string)
		if !ok {
			return f, fmt.Errorf("%w: field name must be a string, got %T", protocol.ErrInvalidInputData, m["name"])
		}
		f.Name = name
	}
	typeName, ok := m["type"].(string)
	if !ok {
		return f, fmt.Errorf("%w: field %q: type must be a string, got %T", protocol.ErrInvalidInputData, f.Name, m["type"])
	}
	t, err := ParseType(typeName)
	if err != nil {
		return f, fmt.Errorf("field %q: %w", f.Name, err)
	}
	f.Type = t

	if raw, ok := m["schema"]; ok && raw != nil {
		s, ok := raw.(string)
		if !ok {
			return f, fmt.Errorf("%w: field %q: schema must be a string", protocol.ErrInvalidInputData, f.Name)
		}
		f.Schema = s
	}
	if raw, ok := m["list"]; ok && raw != nil {
		items, ok := raw.([]any)
		if !ok {
			return f, fmt.Errorf("%w: field %q: list must be an array", protocol.ErrInvalidInputData, f.Name)
		}
		f.List = make([]string, len(items))
		for i, item := range items {
			s, ok := item.(string)
			if !ok {
				return f, fmt.Errorf("%w: field %q: list[%d] must be a string", protocol.ErrInvalidInputData, f.Name, i)
			}
			f.List[i] = s
		}
	}
	if raw, ok := m["items"]; ok && raw != nil {
		items, err := parseField(raw, false, depth+1)
		if err != nil {
			return f, fmt.Errorf("field %q items: %w", f.Name, err)
		}
		f.Items = &items
	}
	if raw, ok := m["maxlength"]; ok && raw != nil {
		n, ok := toInt32(raw)
		if !ok {
			return f, fmt.Errorf("%w: field %q: maxlength must be an INT32", protocol.ErrInvalidInputData, f.Name)
		}
		f.MaxLength = n
	}
	if raw, ok := m["optional"]; ok && raw != nil {
		b, ok := raw.(bool)
		if !ok {
			return f, fmt.Errorf("%w: field %q: optional must be a bool", protocol.ErrInvalidInputData, f.Name)
		}
		f.Optional = b
	}
	return f, nil
}

func toInt32(v any) (int32, bool) {
	switch n := v.(type) {
	case int32:
		return n, true
	case int:
		return int32(n), int(int32(n)) == n
	case int64:
		return int32(n), int64(int32(n)) == n
	case float64:
		return int32(n), float64(int32(n)) == n
	}
	return 0, false
}
