// Package delta implements the edit operation carried by data frames: an
// ordered list of insert, retain and delete steps applied against a cursor
// that starts at 0.
package delta

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	ErrMissingOps     = errors.New("delta: missing ops field")
	ErrUnknownField   = errors.New("delta: unknown field")
	ErrEmptyStep      = errors.New("delta: step has no operation")
	ErrAmbiguousStep  = errors.New("delta: step has more than one operation")
	ErrMissingValue   = errors.New("delta: step value is null")
	ErrNegativeCount  = errors.New("delta: negative count")
	ErrInvalidKind    = errors.New("delta: invalid step kind")
	ErrOutOfBounds    = errors.New("delta: step runs past end of document")
	ErrInvalidContent = errors.New("delta: insert content is not valid UTF-8")
	ErrDuplicateField = errors.New("delta: duplicate field")
	ErrNotObject      = errors.New("delta: expected a JSON object")
)

type Kind uint8

const (
	KindInsert Kind = iota + 1
	KindRetain
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindRetain:
		return "retain"
	case KindDelete:
		return "delete"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Step is a single operation. Content is used by inserts, Count by retains
// and deletes.
type Step struct {
	Kind    Kind
	Content string
	Count   int
}

func Insert(content string) Step { return Step{Kind: KindInsert, Content: content} }
func Retain(count int) Step      { return Step{Kind: KindRetain, Count: count} }
func Delete(count int) Step      { return Step{Kind: KindDelete, Count: count} }

func (s Step) Validate() error {
	switch s.Kind {
	case KindInsert:
		if !utf8.ValidString(s.Content) {
			return ErrInvalidContent
		}
	case KindRetain, KindDelete:
		if s.Count < 0 {
			return ErrNegativeCount
		}
	default:
		return ErrInvalidKind
	}
	return nil
}

func (s Step) MarshalJSON() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	switch s.Kind {
	case KindInsert:
		return json.Marshal(map[string]string{"insert": s.Content})
	default:
		return json.Marshal(map[string]int{s.Kind.String(): s.Count})
	}
}

func (s *Step) UnmarshalJSON(data []byte) error {
	fields, err := objectFields(data)
	if err != nil {
		return err
	}
	if fields == nil {
		return ErrMissingValue
	}
	switch len(fields) {
	case 0:
		return ErrEmptyStep
	case 1:
	default:
		return ErrAmbiguousStep
	}

	for _, f := range fields {
		key, raw := f.key, f.raw
		if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return fmt.Errorf("%w: %s", ErrMissingValue, key)
		}
		switch key {
		case "insert":
			var content string
			if err := json.Unmarshal(raw, &content); err != nil {
				return fmt.Errorf("delta: insert: %w", err)
			}
			*s = Insert(content)
		case "retain", "delete":
			var count int
			if err := json.Unmarshal(raw, &count); err != nil {
				return fmt.Errorf("delta: %s: %w", key, err)
			}
			if count < 0 {
				return fmt.Errorf("%w: %s %d", ErrNegativeCount, key, count)
			}
			if key == "retain" {
				*s = Retain(count)
			} else {
				*s = Delete(count)
			}
		default:
			return fmt.Errorf("%w: %q", ErrUnknownField, key)
		}
	}
	return nil
}

type field struct {
	key string
	raw json.RawMessage
}

// objectFields lists the members of a JSON object in document order, keeping
// duplicate keys that a map would merge. A JSON null yields nil fields.
func objectFields(data []byte) ([]field, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, ErrNotObject
	}

	fields := []field{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, ErrNotObject
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		fields = append(fields, field{key: key, raw: raw})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return fields, nil
}

// Operation is the JSON object {"ops": [...]} sent in a data frame.
type Operation struct {
	Steps []Step
}

func New(steps ...Step) Operation {
	return Operation{Steps: steps}
}

type wireOperation struct {
	Ops []Step `json:"ops"`
}

func (o Operation) MarshalJSON() ([]byte, error) {
	steps := o.Steps
	if steps == nil {
		steps = []Step{}
	}
	return json.Marshal(wireOperation{Ops: steps})
}

func (o *Operation) UnmarshalJSON(data []byte) error {
	fields, err := objectFields(data)
	if err != nil {
		return err
	}
	var raw json.RawMessage
	for _, f := range fields {
		switch {
		case f.key != "ops":
			return fmt.Errorf("%w: %q", ErrUnknownField, f.key)
		case raw != nil:
			return ErrDuplicateField
		}
		raw = f.raw
	}
	if raw == nil || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return ErrMissingOps
	}
	var steps []Step
	if err := json.Unmarshal(raw, &steps); err != nil {
		return err
	}
	o.Steps = steps
	return nil
}

// Decode parses and validates a data frame payload.
func Decode(data []byte) (Operation, error) {
	var op Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return Operation{}, err
	}
	return op, nil
}

func Encode(op Operation) ([]byte, error) {
	return json.Marshal(op)
}

// BaseLength is the minimum document length, in runes, the operation can be
// applied to.
func (o Operation) BaseLength() int {
	n := 0
	for _, s := range o.Steps {
		if s.Kind == KindRetain || s.Kind == KindDelete {
			n += s.Count
		}
	}
	return n
}

// TargetLength is the length contributed by the operation's inserts and
// retains, in runes.
func (o Operation) TargetLength() int {
	n := 0
	for _, s := range o.Steps {
		switch s.Kind {
		case KindInsert:
			n += utf8.RuneCountInString(s.Content)
		case KindRetain:
			n += s.Count
		}
	}
	return n
}

// Apply runs the steps against doc. Positions count runes. Text after the
// last step is left untouched.
func (o Operation) Apply(doc string) (string, error) {
	text := []rune(doc)
	pos := 0
	for i, s := range o.Steps {
		if err := s.Validate(); err != nil {
			return "", fmt.Errorf("step %d: %w", i, err)
		}
		switch s.Kind {
		case KindInsert:
			ins := []rune(s.Content)
			out := make([]rune, 0, len(text)+len(ins))
			out = append(out, text[:pos]...)
			out = append(out, ins...)
			text = append(out, text[pos:]...)
			pos += len(ins)
		case KindRetain:
			if s.Count > len(text)-pos {
				return "", fmt.Errorf("step %d: %w", i, ErrOutOfBounds)
			}
			pos += s.Count
		case KindDelete:
			if s.Count > len(text)-pos {
				return "", fmt.Errorf("step %d: %w", i, ErrOutOfBounds)
			}
			text = append(text[:pos], text[pos+s.Count:]...)
		}
	}
	return string(text), nil
}
