package config

import (
	"fmt"
	"reflect"
)

// Merge combines configurations in order. For pointer fields the last
// non-nil value wins, slices are appended, maps are merged key by key and
// structs are merged field by field.
func Merge(cfgs ...Config) Config {
	var out Config
	v := reflect.ValueOf(&out).Elem()
	for _, c := range cfgs {
		merge(v, reflect.ValueOf(c))
	}
	return out
}

func merge(dst, src reflect.Value) {
	switch dst.Kind() {
	case reflect.Struct:
		for i := 0; i < dst.NumField(); i++ {
			merge(dst.Field(i), src.Field(i))
		}
	case reflect.Ptr:
		if !src.IsNil() {
			dst.Set(src)
		}
	case reflect.Slice:
		if src.Len() > 0 {
			dst.Set(reflect.AppendSlice(dst, src))
		}
	case reflect.Map:
		if src.Len() == 0 {
			return
		}
		if dst.IsNil() {
			dst.Set(reflect.MakeMapWithSize(dst.Type(), src.Len()))
		}
		iter := src.MapRange()
		for iter.Next() {
			dst.SetMapIndex(iter.Key(), iter.Value())
		}
	default:
		panic(fmt.Sprintf("config: unsupported field type %s", dst.Type()))
	}
}
