// Package message defines the wire message envelope exchanged with the
// training service and the codec converting simulator-native records to and
// from schema-bound payloads.
package message

// Record is a mapping from field name to a dynamically-typed scalar, vector
// or nested-record value. Values are normalized to the canonical Go types
// int64, float64, string, bool, []any and Record; the codec performs that
// normalization on encode so a record always round-trips to itself.
//
// A Record is immutable by convention once handed to the codec.
type Record map[string]any

// StateRecord is one simulator observation, produced by the simulator
// callback each step.
type StateRecord = Record

// ActionRecord is one predicted action, produced by decoding an inbound
// prediction payload. It mirrors StateRecord.
type ActionRecord = Record

// Clone returns a shallow-nested deep copy of the record: nested Records and
// []any values are copied recursively, scalars are shared.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case Record:
		return tv.Clone()
	case map[string]any:
		return Record(tv).Clone()
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
