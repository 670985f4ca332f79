package imgdag

import "gopkg.in/yaml.v3"

// ValueKind tags the concrete type held by a Value.
type ValueKind uint8

const (
	ValueNull ValueKind = iota
	ValueBool
	ValueInt
	ValueFloat
	ValueString
	ValueList
	ValueMap
)

// Value is a tagged union used for node parameters (static_parameters,
// runtime_parameters) and for the auxiliary, non-image entries of a
// NodeOutput's Data map (§3 Node, §3 NodeOutput). It exists because graph
// parameters are parsed from YAML scalars/sequences/mappings of unknown
// shape (§6.1) and because the engine must deep-clone a node's parameter
// tree before handing it to an operator (§9 Design Notes: "parameter trees
// are deep-cloned per run so no two concurrently-running operators can
// observe a mutation the other made").
//
// The zero Value is ValueNull.
type Value struct {
	kind ValueKind
	b    bool
	i    int64
	f    float64
	s    string
	list []Value
	m    map[string]Value
}

func NewNullValue() Value            { return Value{kind: ValueNull} }
func NewBoolValue(b bool) Value      { return Value{kind: ValueBool, b: b} }
func NewIntValue(i int64) Value      { return Value{kind: ValueInt, i: i} }
func NewFloatValue(f float64) Value  { return Value{kind: ValueFloat, f: f} }
func NewStringValue(s string) Value  { return Value{kind: ValueString, s: s} }

func NewListValue(items []Value) Value {
	return Value{kind: ValueList, list: items}
}

func NewMapValue(entries map[string]Value) Value {
	return Value{kind: ValueMap, m: entries}
}

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNull() bool    { return v.kind == ValueNull }

func (v Value) Bool() (bool, bool)       { return v.b, v.kind == ValueBool }
func (v Value) Int() (int64, bool)       { return v.i, v.kind == ValueInt }
func (v Value) Float() (float64, bool) {
	if v.kind == ValueFloat {
		return v.f, true
	}
	if v.kind == ValueInt {
		return float64(v.i), true
	}
	return 0, false
}
func (v Value) Str() (string, bool) { return v.s, v.kind == ValueString }
func (v Value) List() ([]Value, bool)  { return v.list, v.kind == ValueList }
func (v Value) Map() (map[string]Value, bool) { return v.m, v.kind == ValueMap }

// Clone returns a deep copy of v: lists and maps are copied recursively so
// the clone shares no mutable state with v.
func (v Value) Clone() Value {
	switch v.kind {
	case ValueList:
		out := make([]Value, len(v.list))
		for i, item := range v.list {
			out[i] = item.Clone()
		}
		return Value{kind: ValueList, list: out}
	case ValueMap:
		out := make(map[string]Value, len(v.m))
		for k, item := range v.m {
			out[k] = item.Clone()
		}
		return Value{kind: ValueMap, m: out}
	default:
		return v
	}
}

// CloneParameters deep-clones a parameter map, used by the engine before
// dispatching an operator so no goroutine can observe a mutation made by
// another (§9 Design Notes).
func CloneParameters(params map[string]Value) map[string]Value {
	out := make(map[string]Value, len(params))
	for k, v := range params {
		out[k] = v.Clone()
	}
	return out
}

// UnmarshalYAML decodes a YAML scalar, sequence, or mapping node into a
// Value, preserving int-vs-float distinction where the source tag makes it
// unambiguous. This lets graph parameters (§6.1) be declared as ordinary
// YAML and decoded without a fixed schema.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		switch node.Tag {
		case "!!null":
			*v = NewNullValue()
		case "!!bool":
			var b bool
			if err := node.Decode(&b); err != nil {
				return err
			}
			*v = NewBoolValue(b)
		case "!!int":
			var i int64
			if err := node.Decode(&i); err != nil {
				return err
			}
			*v = NewIntValue(i)
		case "!!float":
			var f float64
			if err := node.Decode(&f); err != nil {
				return err
			}
			*v = NewFloatValue(f)
		default:
			var s string
			if err := node.Decode(&s); err != nil {
				return err
			}
			*v = NewStringValue(s)
		}
		return nil
	case yaml.SequenceNode:
		items := make([]Value, len(node.Content))
		for i, c := range node.Content {
			if err := items[i].UnmarshalYAML(c); err != nil {
				return err
			}
		}
		*v = NewListValue(items)
		return nil
	case yaml.MappingNode:
		entries := make(map[string]Value, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			var key string
			if err := node.Content[i].Decode(&key); err != nil {
				return err
			}
			var val Value
			if err := val.UnmarshalYAML(node.Content[i+1]); err != nil {
				return err
			}
			entries[key] = val
		}
		*v = NewMapValue(entries)
		return nil
	default:
		*v = NewNullValue()
		return nil
	}
}

// MarshalYAML re-encodes a Value as a plain Go value so gopkg.in/yaml.v3's
// default encoder produces the matching scalar/sequence/mapping shape
// (§6.1, round-trip invariant).
func (v Value) MarshalYAML() (interface{}, error) {
	switch v.kind {
	case ValueBool:
		return v.b, nil
	case ValueInt:
		return v.i, nil
	case ValueFloat:
		return v.f, nil
	case ValueString:
		return v.s, nil
	case ValueList:
		out := make([]interface{}, len(v.list))
		for i, item := range v.list {
			raw, err := item.MarshalYAML()
			if err != nil {
				return nil, err
			}
			out[i] = raw
		}
		return out, nil
	case ValueMap:
		out := make(map[string]interface{}, len(v.m))
		for k, item := range v.m {
			raw, err := item.MarshalYAML()
			if err != nil {
				return nil, err
			}
			out[k] = raw
		}
		return out, nil
	default:
		return nil, nil
	}
}
