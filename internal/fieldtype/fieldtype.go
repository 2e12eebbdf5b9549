// Package fieldtype enumerates the supported dynamic field types and their
// scalar validation and coercion rules. It is the single dispatch point over
// a field's type tag; adding a type means adding a tag constant and one
// coercion case here.
package fieldtype

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Registered type tags.
const (
	// TextShort is a short single-line string.
	TextShort = "text-short"
	// TextLong is a long multi-line string.
	TextLong = "text-long"
	// Integer is a whole number.
	Integer = "integer"
	// Decimal is a fixed-precision decimal number.
	Decimal = "decimal"
	// Boolean is a true/false flag.
	Boolean = "boolean"
	// Date is a calendar date without time of day.
	Date = "date"
	// DateTime is a timestamp.
	DateTime = "datetime"
	// File is an uploaded binary blob; the document carries only metadata.
	File = "file"
	// Choice is a value restricted to a field-defined choice set.
	Choice = "choice"
	// ForeignKey is a reference to a single instance of another schema.
	ForeignKey = "foreign-key"
	// ManyToMany is a list of references to instances of another schema.
	ManyToMany = "many-to-many"
)

// Date layouts accepted by date and datetime fields.
const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = time.RFC3339
)

// ErrUnknownFieldType indicates a type tag outside the registered set. It is
// a programmer error: schemas are checked against the registry at write time,
// so hitting this during validation means the schema store was bypassed.
var ErrUnknownFieldType = errors.New("fieldtype: unknown field type")

// tags lists every registered tag in declaration order.
var tags = []string{
	TextShort, TextLong, Integer, Decimal, Boolean,
	Date, DateTime, File, Choice, ForeignKey, ManyToMany,
}

// All returns the registered type tags.
func All() []string {
	out := make([]string, len(tags))
	copy(out, tags)
	return out
}

// Valid reports whether tag is a registered type tag.
func Valid(tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// IsRelation reports whether tag requires a relation target schema.
func IsRelation(tag string) bool {
	return tag == ForeignKey || tag == ManyToMany
}

// Kind discriminates the coerced value union.
type Kind int

// Coerced value kinds.
const (
	// KindString holds text and choice values.
	KindString Kind = iota + 1
	// KindInt holds integer and foreign-key values.
	KindInt
	// KindDecimal holds fixed-precision decimal values.
	KindDecimal
	// KindBool holds boolean values.
	KindBool
	// KindDate holds calendar dates.
	KindDate
	// KindDateTime holds timestamps.
	KindDateTime
	// KindFile holds file metadata.
	KindFile
	// KindIDList holds many-to-many id lists.
	KindIDList
)

// FileRef is the declared metadata shape for file fields. The blob itself is
// owned by the attachment layer.
type FileRef struct {
	Name      string `json:"file_name"`      // Base name without extension.
	Extension string `json:"file_extension"` // Lowercase extension including dot.
}

// Value is the tagged union produced by coercion. Exactly the slot selected
// by Kind is meaningful.
type Value struct {
	Kind Kind

	Str  string
	Int  int64
	Dec  decimal.Decimal
	Bool bool
	Time time.Time
	File FileRef
	IDs  []int64
}

// Wire returns the JSON-storable form of the value: integers stay numbers,
// decimals become strings to preserve precision, dates and timestamps use
// their fixed ISO layouts.
func (v Value) Wire() any {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt:
		return v.Int
	case KindDecimal:
		return v.Dec.String()
	case KindBool:
		return v.Bool
	case KindDate:
		return v.Time.Format(dateLayout)
	case KindDateTime:
		return v.Time.Format(dateTimeLayout)
	case KindFile:
		return map[string]any{"file_name": v.File.Name, "file_extension": v.File.Extension}
	case KindIDList:
		return v.IDs
	default:
		return nil
	}
}

// Coerce validates a raw value against the given type tag and returns the
// coerced value. A non-nil error carries a user-facing message and never
// wraps ErrUnknownFieldType unless the tag itself is unregistered. File
// values are not coerced here; callers route uploads through the attachment
// manager and only the derived metadata enters a document.
func Coerce(tag string, raw any) (Value, error) {
	switch tag {
	case TextShort, TextLong, Choice:
		s, ok := asString(raw)
		if !ok {
			return Value{}, fmt.Errorf("must be a string")
		}
		return Value{Kind: KindString, Str: s}, nil

	case Integer:
		n, err := asInt(raw)
		if err != nil {
			return Value{}, fmt.Errorf("must be an integer")
		}
		return Value{Kind: KindInt, Int: n}, nil

	case Decimal:
		d, err := asDecimal(raw)
		if err != nil {
			return Value{}, fmt.Errorf("must be a decimal number")
		}
		return Value{Kind: KindDecimal, Dec: d}, nil

	case Boolean:
		b, err := asBool(raw)
		if err != nil {
			return Value{}, fmt.Errorf("must be true or false")
		}
		return Value{Kind: KindBool, Bool: b}, nil

	case Date:
		s, ok := asString(raw)
		if !ok {
			return Value{}, fmt.Errorf("must be a date in %s format", dateLayout)
		}
		t, err := time.Parse(dateLayout, strings.TrimSpace(s))
		if err != nil {
			return Value{}, fmt.Errorf("must be a date in %s format", dateLayout)
		}
		return Value{Kind: KindDate, Time: t}, nil

	case DateTime:
		s, ok := asString(raw)
		if !ok {
			return Value{}, fmt.Errorf("must be a timestamp in RFC 3339 format")
		}
		t, err := time.Parse(dateTimeLayout, strings.TrimSpace(s))
		if err != nil {
			return Value{}, fmt.Errorf("must be a timestamp in RFC 3339 format")
		}
		return Value{Kind: KindDateTime, Time: t}, nil

	case ForeignKey:
		n, err := asInt(raw)
		if err != nil || n <= 0 {
			return Value{}, fmt.Errorf("must be a positive integer id")
		}
		return Value{Kind: KindInt, Int: n}, nil

	case ManyToMany:
		ids, err := asIDList(raw)
		if err != nil {
			return Value{}, fmt.Errorf("must be a list of positive integer ids")
		}
		return Value{Kind: KindIDList, IDs: ids}, nil

	case File:
		// Uploads never reach scalar coercion; a pre-built metadata record
		// is the only accepted raw form (used when re-validating documents).
		if ref, ok := raw.(FileRef); ok {
			return Value{Kind: KindFile, File: ref}, nil
		}
		return Value{}, fmt.Errorf("file values are supplied as uploads, not document values")

	default:
		return Value{}, fmt.Errorf("%w: %s", ErrUnknownFieldType, tag)
	}
}

// asString accepts native strings only; numbers are not stringified so that
// a type mismatch surfaces instead of silently converting.
func asString(raw any) (string, bool) {
	s, ok := raw.(string)
	return s, ok
}

// asInt parses integers from strings, native ints, and integral JSON numbers.
func asInt(raw any) (int64, error) {
	switch v := raw.(type) {
	case string:
		return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case uint64:
		return int64(v), nil
	case float64:
		n := int64(v)
		if float64(n) != v {
			return 0, fmt.Errorf("not an integer: %v", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("not an integer: %T", raw)
	}
}

// asDecimal parses decimals from strings and JSON numbers.
func asDecimal(raw any) (decimal.Decimal, error) {
	switch v := raw.(type) {
	case string:
		return decimal.NewFromString(strings.TrimSpace(v))
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("not a decimal: %T", raw)
	}
}

// asBool accepts native bools and the usual form-encoded tokens. An HTML
// checkbox posts "on" when checked and nothing at all otherwise.
func asBool(raw any) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "on", "yes":
			return true, nil
		case "false", "0", "off", "no", "":
			return false, nil
		}
		return false, fmt.Errorf("not a boolean: %q", v)
	default:
		return false, fmt.Errorf("not a boolean: %T", raw)
	}
}

// asIDList parses a list of positive integer ids. Duplicates are preserved
// as given.
func asIDList(raw any) ([]int64, error) {
	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case []string:
		items = make([]any, len(v))
		for i, s := range v {
			items[i] = s
		}
	case []int64:
		items = make([]any, len(v))
		for i, n := range v {
			items[i] = n
		}
	default:
		return nil, fmt.Errorf("not a list: %T", raw)
	}

	ids := make([]int64, 0, len(items))
	for _, item := range items {
		n, err := asInt(item)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid id: %v", item)
		}
		ids = append(ids, n)
	}
	return ids, nil
}
