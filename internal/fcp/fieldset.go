// Package fcp implements the line-oriented field-set messages of the Freenet Client Protocol.
package fcp

import (
	"slices"
	"strconv"
	"strings"
)

// FieldSet is an ordered Key=Value map. Nested keys use '.' (Param.Foo, Files.0.Name).
type FieldSet struct {
	keys   []string
	values map[string]string
}

func NewFieldSet() *FieldSet {
	return &FieldSet{values: make(map[string]string)}
}

func (fs *FieldSet) Set(key, value string) *FieldSet {
	if _, ok := fs.values[key]; !ok {
		fs.keys = append(fs.keys, key)
	}
	fs.values[key] = value
	return fs
}

func (fs *FieldSet) SetBool(key string, value bool) *FieldSet {
	return fs.Set(key, strconv.FormatBool(value))
}

func (fs *FieldSet) SetInt(key string, value int64) *FieldSet {
	return fs.Set(key, strconv.FormatInt(value, 10))
}

func (fs *FieldSet) Get(key string) string {
	return fs.values[key]
}

func (fs *FieldSet) Lookup(key string) (string, bool) {
	v, ok := fs.values[key]
	return v, ok
}

func (fs *FieldSet) Has(key string) bool {
	_, ok := fs.values[key]
	return ok
}

func (fs *FieldSet) Delete(key string) {
	if _, ok := fs.values[key]; !ok {
		return
	}
	delete(fs.values, key)
	fs.keys = slices.DeleteFunc(fs.keys, func(k string) bool { return k == key })
}

// Bool parses "true"/"false" case-insensitively. Missing keys yield def.
func (fs *FieldSet) Bool(key string, def bool) (bool, error) {
	v, ok := fs.values[key]
	if !ok || v == "" {
		return def, nil
	}
	return strconv.ParseBool(strings.ToLower(v))
}

func (fs *FieldSet) Int(key string, def int64) (int64, error) {
	v, ok := fs.values[key]
	if !ok || v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func (fs *FieldSet) Keys() []string {
	return slices.Clone(fs.keys)
}

func (fs *FieldSet) Len() int {
	return len(fs.keys)
}

// Subset returns the keys below prefix with the prefix stripped.
func (fs *FieldSet) Subset(prefix string) *FieldSet {
	out := NewFieldSet()
	p := prefix + "."
	for _, k := range fs.keys {
		if rest, ok := strings.CutPrefix(k, p); ok {
			out.Set(rest, fs.values[k])
		}
	}
	return out
}

// PutSubset copies sub under prefix.
func (fs *FieldSet) PutSubset(prefix string, sub *FieldSet) *FieldSet {
	if sub == nil {
		return fs
	}
	for _, k := range sub.keys {
		fs.Set(prefix+"."+k, sub.values[k])
	}
	return fs
}

func (fs *FieldSet) Clone() *FieldSet {
	out := &FieldSet{keys: slices.Clone(fs.keys), values: make(map[string]string, len(fs.values))}
	for k, v := range fs.values {
		out.values[k] = v
	}
	return out
}

// FieldSetFromMap builds a field set with keys in sorted order.
func FieldSetFromMap(m map[string]string) *FieldSet {
	fs := NewFieldSet()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fs.Set(k, m[k])
	}
	return fs
}
