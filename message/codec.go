package message

import (
	"encoding/json"
	"fmt"

	"github.com/c360/simbridge/errors"
	"github.com/c360/simbridge/schema"
)

// Encode converts a record to wire payload bytes according to a resolved
// schema. It is pure: the record is not modified and no state is kept
// between calls. Values are coerced to the field's declared kind; a missing
// required field or an uncoercible value fails with a ConversionError naming
// the field and expected kind.
func Encode(r StateRecord, s *schema.Schema) ([]byte, error) {
	out, err := encodeFields(r, s.Fields(), "")
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, errors.Wrap(err, "Codec", "Encode", "marshal payload")
	}
	return data, nil
}

// EncodeBatch encodes an ordered sequence of records against one schema,
// preserving order.
func EncodeBatch(rs []StateRecord, s *schema.Schema) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(rs))
	for i, r := range rs {
		data, err := Encode(r, s)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out[i] = data
	}
	return out, nil
}

// Decode converts wire payload bytes into a record according to a resolved
// schema. Payloads that do not parse, or that are missing schema fields,
// fail with a generic decode error: a corrupt wire payload is an
// infrastructure problem and must not be reported as a ConversionError.
func Decode(data []byte, s *schema.Schema) (ActionRecord, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "Codec", "Decode", "parse payload")
	}
	out, err := decodeFields(raw, s.Fields(), "")
	if err != nil {
		return nil, errors.Wrap(err, "Codec", "Decode", "bind payload to schema")
	}
	return out, nil
}

// DecodeBatch decodes an ordered sequence of payloads against one schema,
// preserving order.
func DecodeBatch(payloads []json.RawMessage, s *schema.Schema) ([]ActionRecord, error) {
	out := make([]ActionRecord, len(payloads))
	for i, data := range payloads {
		r, err := Decode(data, s)
		if err != nil {
			return nil, fmt.Errorf("payload %d: %w", i, err)
		}
		out[i] = r
	}
	return out, nil
}

func encodeFields(r Record, fields []schema.Field, prefix string) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		value, ok := r[f.Name]
		if !ok {
			return nil, &errors.ConversionError{
				Field: prefix + f.Name,
				Kind:  string(f.Kind),
				Err:   fmt.Errorf("missing required field"),
			}
		}
		coerced, err := coerceValue(value, f, prefix)
		if err != nil {
			return nil, err
		}
		out[f.Name] = coerced
	}
	return out, nil
}

// coerceValue normalizes a record value to the canonical representation for
// the field kind. Numeric coercion accepts the spread of Go types a
// simulator is likely to hand back; everything else is a caller-data error.
func coerceValue(value any, f schema.Field, prefix string) (any, error) {
	path := prefix + f.Name
	fail := func() (any, error) {
		return nil, &errors.ConversionError{
			Field: path,
			Kind:  string(f.Kind),
			Err:   fmt.Errorf("got %T", value),
		}
	}

	switch f.Kind {
	case schema.KindInt:
		switch v := value.(type) {
		case int:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case int64:
			return v, nil
		case uint:
			return int64(v), nil
		case uint32:
			return int64(v), nil
		case float64:
			if v == float64(int64(v)) {
				return int64(v), nil
			}
			return fail()
		default:
			return fail()
		}
	case schema.KindFloat:
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		default:
			return fail()
		}
	case schema.KindString:
		if v, ok := value.(string); ok {
			return v, nil
		}
		return fail()
	case schema.KindBool:
		if v, ok := value.(bool); ok {
			return v, nil
		}
		return fail()
	case schema.KindList:
		items, ok := value.([]any)
		if !ok {
			return fail()
		}
		out := make([]any, len(items))
		for i, item := range items {
			coerced, err := coerceValue(item, *f.Elem, fmt.Sprintf("%s[%d].", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = coerced
		}
		return out, nil
	case schema.KindStruct:
		var nested Record
		switch v := value.(type) {
		case Record:
			nested = v
		case map[string]any:
			nested = Record(v)
		default:
			return fail()
		}
		return encodeFields(nested, f.Fields, path+".")
	default:
		return fail()
	}
}

func decodeFields(raw map[string]any, fields []schema.Field, prefix string) (Record, error) {
	out := make(Record, len(fields))
	for _, f := range fields {
		value, ok := raw[f.Name]
		if !ok {
			return nil, fmt.Errorf("payload missing field %q", prefix+f.Name)
		}
		decoded, err := decodeValue(value, f, prefix)
		if err != nil {
			return nil, err
		}
		out[f.Name] = decoded
	}
	return out, nil
}

func decodeValue(value any, f schema.Field, prefix string) (any, error) {
	path := prefix + f.Name
	fail := func() (any, error) {
		return nil, fmt.Errorf("payload field %q is not %s (got %T)", path, f.Kind, value)
	}

	switch f.Kind {
	case schema.KindInt:
		// encoding/json parses all numbers as float64.
		v, ok := value.(float64)
		if !ok || v != float64(int64(v)) {
			return fail()
		}
		return int64(v), nil
	case schema.KindFloat:
		v, ok := value.(float64)
		if !ok {
			return fail()
		}
		return v, nil
	case schema.KindString:
		if v, ok := value.(string); ok {
			return v, nil
		}
		return fail()
	case schema.KindBool:
		if v, ok := value.(bool); ok {
			return v, nil
		}
		return fail()
	case schema.KindList:
		items, ok := value.([]any)
		if !ok {
			return fail()
		}
		out := make([]any, len(items))
		for i, item := range items {
			decoded, err := decodeValue(item, *f.Elem, fmt.Sprintf("%s[%d].", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = decoded
		}
		return out, nil
	case schema.KindStruct:
		nested, ok := value.(map[string]any)
		if !ok {
			return fail()
		}
		return decodeFields(nested, f.Fields, path+".")
	default:
		return fail()
	}
}
