package provider

import (
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/nightscape/knowledge/internal/types"
)

// Codec translates between a typed item and the generic Entity stored in the
// local mirror. Field names follow the entity schema; struct fields bind via
// `db` tags.
type Codec[T any] struct {
	Schema types.EntitySchema
}

// Decode maps an entity onto a freshly allocated item.
func (c Codec[T]) Decode(e types.Entity) (*T, error) {
	src := map[string]interface{}{}
	for k, v := range e {
		src[k] = v.Any()
	}

	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "db",
		Result:           &out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			stringToTimeHook,
			urlToStringHook,
		),
	})
	if err != nil {
		return nil, errors.Wrap(err, "codec")
	}
	if err := dec.Decode(src); err != nil {
		return nil, types.NewStorageError(types.StorageSerialization, "decode", err)
	}
	return &out, nil
}

// Encode maps an item onto an entity, converting each value to the field's
// declared type.
func (c Codec[T]) Encode(item T) (types.Entity, error) {
	raw := map[string]interface{}{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "db",
		Result:  &raw,
	})
	if err != nil {
		return nil, errors.Wrap(err, "codec")
	}
	if err := dec.Decode(item); err != nil {
		return nil, types.NewStorageError(types.StorageSerialization, "encode", err)
	}

	e := types.Entity{}
	for _, f := range c.Schema.Fields {
		v, ok := raw[f.Name]
		if !ok {
			continue
		}
		val, err := coerce(f.Type, v)
		if err != nil {
			return nil, types.NewStorageError(types.StorageSerialization, "encode",
				errors.Wrapf(err, "field %s", f.Name))
		}
		e[f.Name] = val
	}
	return e, nil
}

func coerce(ft types.FieldType, v interface{}) (types.Value, error) {
	if v == nil {
		return types.Null, nil
	}
	switch ft {
	case types.FieldDateTime:
		switch x := v.(type) {
		case time.Time:
			return types.DateTime(x), nil
		case *time.Time:
			if x == nil {
				return types.Null, nil
			}
			return types.DateTime(*x), nil
		}
	case types.FieldReference:
		if s, ok := v.(string); ok {
			if s == "" {
				return types.Null, nil
			}
			u, err := types.ParseEntityURL(s)
			if err != nil {
				return types.Null, err
			}
			return types.Reference(u), nil
		}
	case types.FieldInteger:
		switch x := v.(type) {
		case int:
			return types.Integer(int64(x)), nil
		case int64:
			return types.Integer(x), nil
		case bool:
			if x {
				return types.Integer(1), nil
			}
			return types.Integer(0), nil
		}
	case types.FieldString:
		if s, ok := v.(string); ok {
			return types.String(s), nil
		}
	}
	return types.FromAny(v), nil
}

func stringToTimeHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String {
		return data, nil
	}
	if to != reflect.TypeOf(time.Time{}) {
		return data, nil
	}
	return time.Parse(time.RFC3339Nano, data.(string))
}

func urlToStringHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if from == reflect.TypeOf(types.EntityURL("")) && to.Kind() == reflect.String {
		return string(data.(types.EntityURL)), nil
	}
	return data, nil
}
