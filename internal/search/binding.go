package search

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/saltfish/paramsearch/internal/lod"
)

// ErrBinding is returned when a parameter cannot be bound to or set on a target.
var ErrBinding = errors.New("parameter binding failed")

// Setter assigns value to the bound parameter of target.
type Setter func(target any, value any) error

// ParameterBinding connects a parameter key to the setter that writes it.
type ParameterBinding struct {
	Key    string
	Setter Setter
}

// MapBindings binds every spec to a key of a map[string]any target.
func MapBindings(specs []lod.ParameterSpec) []ParameterBinding {
	bindings := make([]ParameterBinding, 0, len(specs))
	for _, spec := range specs {
		key := spec.Key
		bindings = append(bindings, ParameterBinding{
			Key: key,
			Setter: func(target any, value any) error {
				m, ok := target.(map[string]any)
				if !ok {
					return fmt.Errorf("%w: %s: target is %T, want map[string]any", ErrBinding, key, target)
				}
				m[key] = value
				return nil
			},
		})
	}
	return bindings
}

// BuildBindings resolves every spec key against the fields of prototype, which
// must be a pointer to a struct. A field matches a key through its `param` tag,
// its `json` tag, or a case-insensitive field name, in that order. Field lookup
// happens once here; the returned setters only assign.
func BuildBindings(prototype any, specs []lod.ParameterSpec) ([]ParameterBinding, error) {
	t := reflect.TypeOf(prototype)
	if t == nil || t.Kind() != reflect.Pointer || t.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: prototype must be a pointer to a struct, got %T", ErrBinding, prototype)
	}
	structType := t.Elem()

	bindings := make([]ParameterBinding, 0, len(specs))
	for _, spec := range specs {
		field, ok := lookupField(structType, spec.Key)
		if !ok {
			return nil, fmt.Errorf("%w: %s: no field in %s", ErrBinding, spec.Key, structType.Name())
		}
		bindings = append(bindings, ParameterBinding{
			Key:    spec.Key,
			Setter: fieldSetter(t, spec.Key, field),
		})
	}
	return bindings, nil
}

func lookupField(t reflect.Type, key string) (reflect.StructField, bool) {
	fields := reflect.VisibleFields(t)
	for _, f := range fields {
		if f.IsExported() && f.Tag.Get("param") == key {
			return f, true
		}
	}
	for _, f := range fields {
		if !f.IsExported() {
			continue
		}
		if name, _, _ := strings.Cut(f.Tag.Get("json"), ","); name == key {
			return f, true
		}
	}
	for _, f := range fields {
		if f.IsExported() && strings.EqualFold(f.Name, key) {
			return f, true
		}
	}
	return reflect.StructField{}, false
}

func fieldSetter(ptrType reflect.Type, key string, field reflect.StructField) Setter {
	index := field.Index
	fieldType := field.Type
	return func(target any, value any) error {
		v := reflect.ValueOf(target)
		if v.Type() != ptrType || v.IsNil() {
			return fmt.Errorf("%w: %s: target is %T, want %s", ErrBinding, key, target, ptrType)
		}
		if value == nil {
			v.Elem().FieldByIndex(index).SetZero()
			return nil
		}
		rv := reflect.ValueOf(value)
		if !rv.Type().ConvertibleTo(fieldType) || (fieldType.Kind() == reflect.String) != (rv.Kind() == reflect.String) {
			return fmt.Errorf("%w: %s: cannot assign %T to %s", ErrBinding, key, value, fieldType)
		}
		v.Elem().FieldByIndex(index).Set(rv.Convert(fieldType))
		return nil
	}
}
