package model

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/ltxav/ltxav/ml"
	"github.com/ltxav/ltxav/ml/nn"
	"github.com/ltxav/ltxav/safetensors"
)

// populate fills target's st-tagged fields from the archive, recursing
// through nested structs and slices. Slice lengths are discovered by probing
// the archive for "<name>.<index>." prefixes. A field whose tensors are
// absent is left nil; required-field checks belong to the caller.
func populate(f *safetensors.File, target any, prefix string) error {
	v := reflect.ValueOf(target).Elem()
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("st")
		if tag == "" {
			continue
		}
		name := tag
		if prefix != "" {
			name = prefix + "." + tag
		}
		if err := populateField(f, v.Field(i), name); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func populateField(f *safetensors.File, field reflect.Value, name string) error {
	switch field.Interface().(type) {
	case *ml.Array:
		if !f.Has(name) {
			return nil
		}
		arr, err := f.Load(name)
		if err != nil {
			return err
		}
		field.Set(reflect.ValueOf(arr))
		return nil

	case *nn.Linear:
		if !f.Has(name + ".weight") {
			return nil
		}
		layer := &nn.Linear{}
		weight, err := f.Load(name + ".weight")
		if err != nil {
			return err
		}
		layer.Weight = weight
		if f.Has(name + ".bias") {
			if layer.Bias, err = f.Load(name + ".bias"); err != nil {
				return err
			}
		}
		field.Set(reflect.ValueOf(layer))
		return nil
	}

	switch field.Kind() {
	case reflect.Ptr:
		if field.Type().Elem().Kind() != reflect.Struct {
			return nil
		}
		if !f.HasPrefix(name + ".") {
			return nil
		}
		elem := reflect.New(field.Type().Elem())
		if err := populate(f, elem.Interface(), name); err != nil {
			return err
		}
		field.Set(elem)

	case reflect.Slice:
		for i := 0; ; i++ {
			idxName := name + "." + strconv.Itoa(i)
			if !f.HasPrefix(idxName + ".") {
				break
			}
			elem := reflect.New(field.Type().Elem().Elem())
			if err := populate(f, elem.Interface(), idxName); err != nil {
				return err
			}
			field.Set(reflect.Append(field, elem))
		}
	}
	return nil
}

// releaseFields walks a module graph and releases every tensor it holds.
func releaseFields(target any) {
	v := reflect.ValueOf(target)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return
		}
		if arr, ok := v.Interface().(*ml.Array); ok {
			arr.Release()
			return
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			f := v.Field(i)
			if f.Kind() == reflect.Ptr || f.Kind() == reflect.Slice {
				releaseFields(valueInterface(f))
			}
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			releaseFields(valueInterface(v.Index(i)))
		}
	}
}

func valueInterface(v reflect.Value) any {
	if !v.CanInterface() || (v.Kind() == reflect.Ptr && v.IsNil()) {
		return (*ml.Array)(nil)
	}
	return v.Interface()
}
