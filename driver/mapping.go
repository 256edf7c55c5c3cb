package driver

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/CaliLuke/go-cypherdb/graph"
)

// Struct fields map to properties through `cypher` tags:
//
//	type Person struct {
//		ID    int64    `cypher:"id,id"`       // receives the node id, never written
//		Name  string   `cypher:"name"`
//		Email *string  `cypher:"email,omitempty"`
//		Tags  []string `cypher:"tags"`
//		Note  string   `cypher:"-"`
//	}
//
// Untagged exported fields use their Go name.

// FieldTag is a parsed `cypher` struct tag.
type FieldTag struct {
	// Name is the property or column name.
	Name string
	// ID marks the field that receives the node or relationship id.
	ID bool
	// OmitEmpty leaves zero values out of Properties.
	OmitEmpty bool
	// Skip ignores the field.
	Skip bool
}

// ParseTag parses the content of a `cypher` struct tag.
func ParseTag(tag string) (FieldTag, error) {
	if tag == "-" {
		return FieldTag{Skip: true}, nil
	}
	parts := strings.Split(tag, ",")
	ft := FieldTag{Name: strings.TrimSpace(parts[0])}
	for _, part := range parts[1:] {
		switch part = strings.TrimSpace(part); part {
		case "":
		case "id":
			ft.ID = true
		case "omitempty":
			ft.OmitEmpty = true
		default:
			return FieldTag{}, fmt.Errorf("unknown tag option: %q", part)
		}
	}
	return ft, nil
}

type mappedField struct {
	index []int
	tag   FieldTag
}

type mappedStruct struct {
	fields []mappedField
	byName map[string]int
	id     int // index into fields, -1 without an id field
}

// structCache holds the field layout of every struct type seen.
var structCache sync.Map // reflect.Type -> *mappedStruct

func lookupStruct(t reflect.Type) (*mappedStruct, error) {
	if ms, ok := structCache.Load(t); ok {
		return ms.(*mappedStruct), nil
	}
	ms := &mappedStruct{byName: make(map[string]int), id: -1}
	for _, f := range reflect.VisibleFields(t) {
		if !f.IsExported() || f.Anonymous {
			continue
		}
		tag, err := ParseTag(f.Tag.Get("cypher"))
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", t.Name(), f.Name, err)
		}
		if tag.Skip {
			continue
		}
		if tag.Name == "" {
			tag.Name = f.Name
		}
		if _, dup := ms.byName[tag.Name]; dup {
			return nil, fmt.Errorf("%s.%s: duplicate name %q", t.Name(), f.Name, tag.Name)
		}
		if tag.ID {
			if ms.id >= 0 {
				return nil, fmt.Errorf("%s.%s: more than one id field", t.Name(), f.Name)
			}
			ms.id = len(ms.fields)
		}
		ms.byName[tag.Name] = len(ms.fields)
		ms.fields = append(ms.fields, mappedField{index: f.Index, tag: tag})
	}
	actual, _ := structCache.LoadOrStore(t, ms)
	return actual.(*mappedStruct), nil
}

func structValue(v any, op string) (reflect.Value, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return reflect.Value{}, fmt.Errorf("%s: nil pointer", op)
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return reflect.Value{}, fmt.Errorf("%s: expected a struct, got %s", op, rv.Kind())
	}
	return rv, nil
}

// Properties converts a tagged struct into a property map suitable as a
// parameter, for example CREATE (n:Person {1}). Nil pointers are left out;
// time.Time values are stored as RFC 3339 strings.
func Properties(v any) (map[string]any, error) {
	rv, err := structValue(v, "properties")
	if err != nil {
		return nil, err
	}
	ms, err := lookupStruct(rv.Type())
	if err != nil {
		return nil, err
	}
	props := make(map[string]any, len(ms.fields))
	for _, f := range ms.fields {
		if f.tag.ID {
			continue
		}
		fv := rv.FieldByIndex(f.index)
		if f.tag.OmitEmpty && fv.IsZero() {
			continue
		}
		if fv.Kind() == reflect.Pointer {
			if fv.IsNil() {
				continue
			}
			fv = fv.Elem()
		}
		pv, err := propertyValue(fv)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.tag.Name, err)
		}
		props[f.tag.Name] = pv
	}
	return props, nil
}

func propertyValue(fv reflect.Value) (any, error) {
	if t, ok := fv.Interface().(time.Time); ok {
		return t.Format(time.RFC3339Nano), nil
	}
	if fv.Kind() == reflect.Slice && fv.Type().Elem().Kind() != reflect.Uint8 {
		out := make([]any, fv.Len())
		for i := range out {
			v, err := propertyValue(fv.Index(i))
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = v
		}
		return out, nil
	}
	if v, ok := graph.NormalizeValue(fv.Interface()); ok {
		return v, nil
	}
	// named scalar types
	switch fv.Kind() {
	case reflect.String:
		return fv.String(), nil
	case reflect.Bool:
		return fv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return fv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(fv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return fv.Float(), nil
	}
	return nil, fmt.Errorf("unsupported property type %s", fv.Type())
}

// ScanStruct fills dest, a pointer to a tagged struct, from the current
// row. A row with a single node, relationship or map column fills the
// struct from its properties; otherwise fields are matched to columns by
// name. Fields without a value keep their zero value.
func (rs *ResultSet) ScanStruct(dest any) error {
	row, err := rs.Values()
	if err != nil {
		return err
	}
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errors.New("scan: dest must be a non-nil pointer to a struct")
	}
	rv = rv.Elem()
	if rv.Kind() != reflect.Struct {
		return fmt.Errorf("scan: dest must point to a struct, got %s", rv.Kind())
	}
	ms, err := lookupStruct(rv.Type())
	if err != nil {
		return err
	}

	if len(row) == 1 {
		if data, id, ok := entityData(row[0]); ok {
			return hydrate(rv, ms, data, id)
		}
	}
	data := make(map[string]any, len(row))
	for i, c := range rs.cols {
		if _, seen := data[c]; !seen {
			data[c] = row[i]
		}
	}
	return hydrate(rv, ms, data, nil)
}

// entityData returns the properties of a graph value and its id.
func entityData(v any) (map[string]any, any, bool) {
	switch x := v.(type) {
	case *graph.Node:
		return x.Props, x.ID, true
	case *graph.Relationship:
		return x.Props, x.ID, true
	case map[string]any:
		return x, nil, true
	}
	return nil, nil, false
}

func hydrate(rv reflect.Value, ms *mappedStruct, data map[string]any, id any) error {
	for i, f := range ms.fields {
		val, ok := data[f.tag.Name]
		if i == ms.id && id != nil {
			val, ok = id, true
		}
		if !ok || val == nil {
			continue
		}
		if err := setField(rv.FieldByIndex(f.index), val); err != nil {
			return fmt.Errorf("scan: field %s: %w", f.tag.Name, err)
		}
	}
	return nil
}

func setField(field reflect.Value, val any) error {
	t := field.Type()
	if t.Kind() == reflect.Pointer {
		ptr := reflect.New(t.Elem())
		if err := setField(ptr.Elem(), val); err != nil {
			return err
		}
		field.Set(ptr)
		return nil
	}
	if t.Kind() == reflect.Interface {
		field.Set(reflect.ValueOf(val))
		return nil
	}
	if t.Kind() == reflect.Slice && t.Elem().Kind() != reflect.Uint8 {
		list, ok := val.([]any)
		if !ok {
			list = []any{val}
		}
		slice := reflect.MakeSlice(t, len(list), len(list))
		for i, e := range list {
			if e == nil {
				continue
			}
			if err := setField(slice.Index(i), e); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		field.Set(slice)
		return nil
	}

	if t == reflect.TypeFor[time.Time]() {
		tv, err := coerceToTime(val)
		if err != nil {
			return err
		}
		field.Set(reflect.ValueOf(tv))
		return nil
	}

	switch t.Kind() {
	case reflect.String:
		s, ok := val.(string)
		if !ok {
			return fmt.Errorf("cannot coerce %T to string", val)
		}
		field.SetString(s)
	case reflect.Bool:
		b, ok := val.(bool)
		if !ok {
			return fmt.Errorf("cannot coerce %T to bool", val)
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := coerceToInt64(val)
		if err != nil {
			return err
		}
		if field.OverflowInt(i) {
			return fmt.Errorf("%d overflows %s", i, t)
		}
		field.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		i, err := coerceToInt64(val)
		if err != nil {
			return err
		}
		if i < 0 || field.OverflowUint(uint64(i)) {
			return fmt.Errorf("%d overflows %s", i, t)
		}
		field.SetUint(uint64(i))
	case reflect.Float32, reflect.Float64:
		f, err := coerceToFloat64(val)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	default:
		rv := reflect.ValueOf(val)
		if !rv.Type().AssignableTo(t) {
			return fmt.Errorf("cannot assign %T to %s", val, t)
		}
		field.Set(rv)
	}
	return nil
}

func coerceToInt64(val any) (int64, error) {
	switch v := val.(type) {
	case int64:
		return v, nil
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("cannot coerce %v to integer", v)
		}
		return int64(v), nil
	}
	return 0, fmt.Errorf("cannot coerce %T to integer", val)
}

func coerceToFloat64(val any) (float64, error) {
	switch v := val.(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	}
	return 0, fmt.Errorf("cannot coerce %T to float", val)
}

func coerceToTime(val any) (time.Time, error) {
	s, ok := val.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("cannot coerce %T to time.Time", val)
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time string: %q", s)
}

// CollectStructs drains rs into a slice of T and closes it.
func CollectStructs[T any](rs *ResultSet) ([]T, error) {
	defer rs.Close()
	var out []T
	for rs.Next() {
		var v T
		if err := rs.ScanStruct(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rs.Err()
}
