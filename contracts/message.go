package contracts

import (
	"reflect"
)

// NamedEvent lets an event choose the type name used as its wire discriminator.
// Implement it with a value receiver so that T and *T resolve to the same name.
type NamedEvent interface {
	EventTypeName() string
}

// TypeNameOf returns the type discriminator for an event value.
//
// Events implementing NamedEvent use their own name. Other values use the
// fully-qualified Go name (package path and type name), pointers removed.
// A nil pointer resolves to the name of the type it points to.
func TypeNameOf(event any) string {
	if event == nil {
		return ""
	}
	if v := reflect.ValueOf(event); v.Kind() == reflect.Pointer && v.IsNil() {
		return TypeNameOf(reflect.New(v.Type().Elem()).Interface())
	}
	if named, ok := event.(NamedEvent); ok {
		return named.EventTypeName()
	}
	return qualifiedName(reflect.TypeOf(event))
}

// TypeNameFor returns the type discriminator for T without needing a value
func TypeNameFor[T any]() string {
	t := reflect.TypeFor[T]()
	if t.Kind() == reflect.Pointer {
		return TypeNameOf(reflect.New(t.Elem()).Interface())
	}
	if t.Kind() == reflect.Interface {
		return qualifiedName(t)
	}
	return TypeNameOf(reflect.New(t).Elem().Interface())
}

func qualifiedName(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" || t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}
