package lora

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/ltxav/ltxav/ml/nn"
)

// Resolve walks a dotted module path against a module graph and returns the
// linear layer it names. Graphs are heterogeneous: path segments may address
// exported struct fields (matched by `st` tag or field name), string- or
// int-keyed maps, slice indices, or, as a last resort, a TransformerBlocks
// accessor method. A path that starts with a bare block index is retried
// through transformer_blocks, so adapters exported with stripped prefixes
// still land. Resolution never panics; any unmatched segment, index out of
// range, or non-linear terminal yields ok=false so the caller can skip the
// entry and continue.
func Resolve(root any, path string) (*nn.Linear, bool) {
	if layer, ok := walk(root, path); ok {
		return layer, true
	}
	if first, _, _ := strings.Cut(path, "."); first != "" {
		if _, err := strconv.Atoi(first); err == nil {
			return walk(root, "transformer_blocks."+path)
		}
	}
	return nil, false
}

func walk(root any, path string) (*nn.Linear, bool) {
	cur := root
	for _, part := range strings.Split(path, ".") {
		next, ok := step(cur, part)
		if !ok {
			return nil, false
		}
		cur = next
	}

	switch layer := cur.(type) {
	case *nn.Linear:
		return layer, layer != nil
	case nn.Linear:
		return &layer, true
	}
	return nil, false
}

func step(cur any, part string) (any, bool) {
	if cur == nil {
		return nil, false
	}
	rv := reflect.ValueOf(cur)

	if next, ok := fieldLookup(rv, part); ok {
		return next, true
	}

	elem := indirect(rv)
	switch elem.Kind() {
	case reflect.Map:
		switch elem.Type().Key().Kind() {
		case reflect.String:
			if v := elem.MapIndex(reflect.ValueOf(part)); v.IsValid() {
				return v.Interface(), true
			}
		case reflect.Int:
			if i, err := strconv.Atoi(part); err == nil {
				if v := elem.MapIndex(reflect.ValueOf(i)); v.IsValid() {
					return v.Interface(), true
				}
			}
		}
	case reflect.Slice, reflect.Array:
		if i, err := strconv.Atoi(part); err == nil && i >= 0 && i < elem.Len() {
			return elem.Index(i).Interface(), true
		}
	}

	// Well-known fallback for graphs that expose their block list behind an
	// accessor instead of an addressable field.
	if part == "transformer_blocks" {
		if m := rv.MethodByName("TransformerBlocks"); m.IsValid() && m.Type().NumIn() == 0 && m.Type().NumOut() == 1 {
			return m.Call(nil)[0].Interface(), true
		}
	}

	return nil, false
}

func fieldLookup(rv reflect.Value, part string) (any, bool) {
	if part == "" {
		return nil, false
	}
	elem := indirect(rv)
	if elem.Kind() != reflect.Struct {
		return nil, false
	}

	t := elem.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue
		}
		tag, _, _ := strings.Cut(f.Tag.Get("st"), ",")
		if tag == part || strings.EqualFold(f.Name, strings.ReplaceAll(part, "_", "")) {
			fv := elem.Field(i)
			if fv.Kind() == reflect.Ptr && fv.IsNil() {
				return nil, false
			}
			return fv.Interface(), true
		}
	}
	return nil, false
}

func indirect(rv reflect.Value) reflect.Value {
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return rv
		}
		rv = rv.Elem()
	}
	return rv
}
