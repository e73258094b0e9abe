package component

import (
	"fmt"
	"reflect"
	"strings"
)

// FieldKind classifies a component field by its static type.
type FieldKind int

const (
	// FieldValue is any field that is not a reference.
	FieldValue FieldKind = iota
	// FieldRef holds a single component reference.
	FieldRef
	// FieldRefList is a slice or array of component references.
	FieldRefList
)

// Field is one exported field of a component, excluding Base.
type Field struct {
	Name   string // serialized key
	GoName string
	Kind   FieldKind
	Value  reflect.Value
}

// Reference is a direct reference from one component to another. Path is
// the Go field name, with an index suffix for sequence elements.
type Reference struct {
	Path   string
	Target Component
}

var (
	componentType = reflect.TypeOf((*Component)(nil)).Elem()
	baseType      = reflect.TypeOf(Base{})
)

// Fields returns the exported fields of c in declaration order. Fields of
// embedded structs other than Base are promoted. Keyed containers are
// classified as values even when they hold components.
func Fields(c Component) []Field {
	v := reflect.ValueOf(c)
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}
	var out []Field
	collectFields(v, &out)
	return out
}

func collectFields(v reflect.Value, out *[]Field) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.Anonymous && sf.Type == baseType {
			continue
		}
		if sf.Anonymous && sf.Type.Kind() == reflect.Struct && jsonName(sf) == sf.Name {
			collectFields(v.Field(i), out)
			continue
		}
		if !sf.IsExported() {
			continue
		}
		name := jsonName(sf)
		if name == "-" {
			continue
		}
		*out = append(*out, Field{Name: name, GoName: sf.Name, Kind: KindOf(sf.Type), Value: v.Field(i)})
	}
}

func jsonName(sf reflect.StructField) string {
	tag, ok := sf.Tag.Lookup("json")
	if !ok {
		return sf.Name
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return sf.Name
	}
	return name
}

// KindOf classifies t.
func KindOf(t reflect.Type) FieldKind {
	if isRefType(t) {
		return FieldRef
	}
	if (t.Kind() == reflect.Slice || t.Kind() == reflect.Array) && isRefType(t.Elem()) {
		return FieldRefList
	}
	return FieldValue
}

func isRefType(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer:
		return t.Elem().Kind() == reflect.Struct && t.Elem() != baseType && t.Implements(componentType)
	case reflect.Interface:
		return t.Implements(componentType)
	default:
		return false
	}
}

// References lists the direct references held by c, skipping nil entries.
func References(c Component) []Reference {
	var out []Reference
	for _, f := range Fields(c) {
		switch f.Kind {
		case FieldRef:
			if target, ok := asComponent(f.Value); ok {
				out = append(out, Reference{Path: f.GoName, Target: target})
			}
		case FieldRefList:
			for i := 0; i < f.Value.Len(); i++ {
				if target, ok := asComponent(f.Value.Index(i)); ok {
					out = append(out, Reference{Path: fmt.Sprintf("%s[%d]", f.GoName, i), Target: target})
				}
			}
		}
	}
	return out
}

// AsComponent extracts a non-nil component from a reference-typed value.
func AsComponent(v reflect.Value) (Component, bool) { return asComponent(v) }

func asComponent(v reflect.Value) (Component, bool) {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil, false
		}
	default:
		return nil, false
	}
	c, ok := v.Interface().(Component)
	if !ok {
		return nil, false
	}
	// typed nil pointer behind an interface
	if rv := reflect.ValueOf(c); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil, false
	}
	return c, true
}
