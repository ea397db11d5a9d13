package types

import (
	"encoding/json"

	"github.com/juju/errors"
	"github.com/spf13/cast"

	"github.com/conductline/conduct/utils"
)

// Data is the JSON-serializable value bag flowing through pins: node
// config, resolved inputs, node outputs and trigger payloads all use it.
type Data map[string]any

func (d *Data) Get(key string) (any, bool) {
	v, exists := (*d)[key]
	return v, exists
}

func (d *Data) GetString(key string) (string, bool) {
	v, exists := d.Get(key)
	return cast.ToString(v), exists
}

func (d *Data) GetInt(key string) (int, bool) {
	v, exists := d.Get(key)
	return cast.ToInt(v), exists
}

func (d *Data) GetBool(key string) (bool, bool) {
	v, exists := d.Get(key)
	return cast.ToBool(v), exists
}

func (d *Data) GetFloat64(key string) (float64, bool) {
	v, exists := d.Get(key)
	return cast.ToFloat64(v), exists
}

func (d *Data) GetSlice(key string) ([]any, bool) {
	v, exists := d.Get(key)
	if !exists {
		return nil, false
	}
	s, err := cast.ToSliceE(v)
	if err != nil {
		return nil, false
	}
	return s, true
}

func (d *Data) GetData(key string) (Data, bool) {
	v, exists := d.Get(key)
	if !exists {
		return nil, false
	}
	switch m := v.(type) {
	case Data:
		return m, true
	case map[string]any:
		return Data(m), true
	}
	return nil, false
}

func (d *Data) GetStruct(key string, s any) error {
	v, exists := d.Get(key)
	if !exists {
		return errors.NotFound
	}
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Annotatef(err, "marshal %s", key)
	}
	return errors.Trace(json.Unmarshal(b, s))
}

func (d *Data) Set(key string, value any) {
	(*d)[key] = value
}

// Clone makes a shallow copy; nested values stay shared, callers that
// mutate nested maps must copy them first.
func (d Data) Clone() Data {
	if d == nil {
		return nil
	}
	return Data(utils.CloneMap(d))
}

// Merge copies other's entries over d, returning d for chaining.
func (d Data) Merge(other Data) Data {
	for k, v := range other {
		d[k] = v
	}
	return d
}
