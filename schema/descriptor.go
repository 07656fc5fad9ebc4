package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/c360/simbridge/errors"
)

// MaxNestingDepth bounds how deep nested struct and list fields may go.
// Descriptors deeper than this are rejected rather than expanded, which also
// rejects self-referential schemas.
const MaxNestingDepth = 8

// Kind identifies the primitive kind of a wire message field.
type Kind string

// Recognized field kinds.
const (
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindString Kind = "string"
	KindBool   Kind = "bool"
	KindList   Kind = "list"
	KindStruct Kind = "struct"
)

// IsValid reports whether the kind is one the registry can bind.
func (k Kind) IsValid() bool {
	switch k {
	case KindInt, KindFloat, KindString, KindBool, KindList, KindStruct:
		return true
	}
	return false
}

// Field describes one field of a wire message. Struct fields carry their own
// nested field list; list fields carry an element descriptor.
type Field struct {
	Name     string  `json:"name"`
	Position int     `json:"position"`
	Kind     Kind    `json:"kind"`
	Fields   []Field `json:"fields,omitempty"` // kind == struct
	Elem     *Field  `json:"elem,omitempty"`   // kind == list
}

// Descriptor is a named, versioned structural description of a wire message,
// as received from the service during registration or supplied locally for
// outbound message kinds.
type Descriptor struct {
	Name    string  `json:"name"`
	Version string  `json:"version"`
	Fields  []Field `json:"fields"`
}

// Key returns the dotted notation identifier: "name.version".
func (d Descriptor) Key() string {
	return fmt.Sprintf("%s.%s", d.Name, d.Version)
}

// Schema is a descriptor bound by the registry: validated, fingerprinted and
// ready for encode/decode. Schemas are immutable once built; two
// structurally identical descriptors resolve to the same *Schema instance.
type Schema struct {
	desc        Descriptor
	fingerprint string
	byName      map[string]Field
	ordered     []Field
}

// Descriptor returns the structural definition this schema was built from.
func (s *Schema) Descriptor() Descriptor { return s.desc }

// Fingerprint returns the structural fingerprint the registry caches by.
func (s *Schema) Fingerprint() string { return s.fingerprint }

// Field looks up a top-level field by name.
func (s *Schema) Field(name string) (Field, bool) {
	f, ok := s.byName[name]
	return f, ok
}

// Fields returns the top-level fields in position order.
func (s *Schema) Fields() []Field { return s.ordered }

// Fingerprint computes the structural fingerprint of a descriptor: a sha256
// over a canonical rendering of field names, positions and kinds. The
// descriptor's own name and version are deliberately excluded so that two
// independently-received descriptions with identical layouts share a codec.
func Fingerprint(d Descriptor) string {
	var b strings.Builder
	writeFields(&b, d.Fields)
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func writeFields(b *strings.Builder, fields []Field) {
	sorted := make([]Field, len(fields))
	copy(sorted, fields)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })

	b.WriteByte('{')
	for _, f := range sorted {
		fmt.Fprintf(b, "%d:%s:%s", f.Position, f.Name, f.Kind)
		switch f.Kind {
		case KindStruct:
			writeFields(b, f.Fields)
		case KindList:
			if f.Elem != nil {
				b.WriteByte('[')
				writeFields(b, []Field{*f.Elem})
				b.WriteByte(']')
			}
		}
		b.WriteByte(';')
	}
	b.WriteByte('}')
}

// validate checks a descriptor for bindability. It reports the first
// problem found as a SchemaError naming the descriptor.
func validate(d Descriptor) error {
	if d.Name == "" {
		return &errors.SchemaError{Schema: d.Key(), Reason: "descriptor name is empty"}
	}
	return validateFields(d, d.Fields, 1)
}

func validateFields(d Descriptor, fields []Field, depth int) error {
	if depth > MaxNestingDepth {
		return &errors.SchemaError{
			Schema: d.Key(),
			Reason: fmt.Sprintf("nesting exceeds depth bound %d", MaxNestingDepth),
		}
	}
	if len(fields) == 0 {
		return &errors.SchemaError{Schema: d.Key(), Reason: "descriptor has no fields"}
	}

	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return &errors.SchemaError{Schema: d.Key(), Reason: "field with empty name"}
		}
		if _, dup := seen[f.Name]; dup {
			return &errors.SchemaError{
				Schema: d.Key(),
				Reason: fmt.Sprintf("duplicate field %q", f.Name),
			}
		}
		seen[f.Name] = struct{}{}

		if !f.Kind.IsValid() {
			return &errors.SchemaError{
				Schema: d.Key(),
				Reason: fmt.Sprintf("field %q has unrecognized kind %q", f.Name, f.Kind),
			}
		}

		switch f.Kind {
		case KindStruct:
			if err := validateFields(d, f.Fields, depth+1); err != nil {
				return err
			}
		case KindList:
			if f.Elem == nil {
				return &errors.SchemaError{
					Schema: d.Key(),
					Reason: fmt.Sprintf("list field %q has no element descriptor", f.Name),
				}
			}
			if err := validateFields(d, []Field{*f.Elem}, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func newSchema(d Descriptor) *Schema {
	byName := make(map[string]Field, len(d.Fields))
	ordered := make([]Field, len(d.Fields))
	copy(ordered, d.Fields)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Position < ordered[j].Position })
	for _, f := range ordered {
		byName[f.Name] = f
	}
	return &Schema{
		desc:        d,
		fingerprint: Fingerprint(d),
		byName:      byName,
		ordered:     ordered,
	}
}
