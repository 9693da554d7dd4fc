// Package subject implements components A (Subject & Context) and B
// (Interceptor Pipeline) of the framework: per-instance property tables
// built by reflecting over tagged Go structs, and the ordered read/write/
// invoke chain that mediates every access to them.
package subject

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/fatih/structs"
)

// PropertyRef is the pair (Subject, propertyName), used as a hash key
// throughout the framework. Two references are equal iff subject identity
// and name match — true for free given Go's pointer+string comparison.
type PropertyRef struct {
	Subject *Subject
	Name    string
}

func (r PropertyRef) String() string {
	if r.Subject == nil {
		return "<nil>." + r.Name
	}
	return r.Subject.typeName + "#" + r.Subject.id + "." + r.Name
}

// DerivedFunc computes a derived property's value. read lets the formula
// pull other properties of the same subject through the normal pipeline,
// so reads nested inside a derivation are captured by the dependency
// tracker (see package change).
type DerivedFunc func(ctx context.Context, read func(name string) (any, error)) (any, error)

// propertyDef describes one entry of a subject's property table. Once
// built it never changes — only the backing value mutates (spec §3
// invariant).
type propertyDef struct {
	name         string
	pathFragment string
	typ          reflect.Type
	isDerived    bool
	fieldIndex   []int
	derivedFn    DerivedFunc
}

// structTableCache caches the reflected field layout per Go struct type so the
// tag scan (driven by github.com/fatih/structs) runs once per type, not
// once per instance.
var structTableCache sync.Map // map[reflect.Type]map[string]*propertyDef

const tagName = "subject"

// reflectTable builds (or fetches the cached) property table for the
// struct type target points to, using the `subject:"Name[,derived]"` tag
// convention. target must be a non-nil pointer to a struct.
func reflectTable(target any) (map[string]*propertyDef, reflect.Value, error) {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Ptr || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return nil, reflect.Value{}, fmt.Errorf("subject: target must be a non-nil pointer to a struct, got %T", target)
	}
	rt := rv.Elem().Type()

	if cached, ok := structTableCache.Load(rt); ok {
		return cached.(map[string]*propertyDef), rv.Elem(), nil
	}

	s := structs.New(rv.Interface())
	table := make(map[string]*propertyDef)
	for _, f := range s.Fields() {
		tag := f.Tag(tagName)
		if tag == "" || tag == "-" {
			continue
		}
		name, derived := parseTag(tag)
		if name == "" {
			name = f.Name()
		}
		sf, ok := rt.FieldByName(f.Name())
		if !ok {
			continue
		}
		table[name] = &propertyDef{
			name:         name,
			pathFragment: name,
			typ:          sf.Type,
			isDerived:    derived,
			fieldIndex:   sf.Index,
		}
	}
	structTableCache.Store(rt, table)
	return table, rv.Elem(), nil
}

func parseTag(tag string) (name string, derived bool) {
	pieces := strings.Split(tag, ",")
	name = strings.TrimSpace(pieces[0])
	for _, p := range pieces[1:] {
		if strings.TrimSpace(p) == "derived" {
			derived = true
		}
	}
	return name, derived
}
