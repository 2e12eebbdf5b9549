package fieldtype

import (
	"errors"
	"testing"
)

func TestCoerceInteger(t *testing.T) {
	t.Parallel()

	v, err := Coerce(Integer, "34")
	if err != nil {
		t.Fatalf("coerce integer: %v", err)
	}
	if v.Kind != KindInt || v.Int != 34 {
		t.Fatalf("expected int 34, got kind=%d int=%d", v.Kind, v.Int)
	}
	if got := v.Wire(); got != int64(34) {
		t.Fatalf("expected wire form int64(34), got %T %v", got, got)
	}

	if _, err = Coerce(Integer, "not-a-number"); err == nil {
		t.Fatalf("expected error for non-numeric input")
	}
	if _, err = Coerce(Integer, 12.5); err == nil {
		t.Fatalf("expected error for fractional input")
	}
}

func TestCoerceDecimalPreservesPrecision(t *testing.T) {
	t.Parallel()

	v, err := Coerce(Decimal, "100.00")
	if err != nil {
		t.Fatalf("coerce decimal: %v", err)
	}
	if got := v.Wire(); got != "100.00" {
		t.Fatalf("expected wire form %q, got %v", "100.00", got)
	}
}

func TestCoerceBooleanTokens(t *testing.T) {
	t.Parallel()

	for raw, want := range map[string]bool{"true": true, "on": true, "1": true, "false": false, "": false, "off": false} {
		v, err := Coerce(Boolean, raw)
		if err != nil {
			t.Fatalf("coerce boolean %q: %v", raw, err)
		}
		if v.Bool != want {
			t.Fatalf("boolean %q = %v, want %v", raw, v.Bool, want)
		}
	}
	if _, err := Coerce(Boolean, "maybe"); err == nil {
		t.Fatalf("expected error for unrecognized token")
	}
}

func TestCoerceDateFormats(t *testing.T) {
	t.Parallel()

	v, err := Coerce(Date, "2024-03-01")
	if err != nil {
		t.Fatalf("coerce date: %v", err)
	}
	if got := v.Wire(); got != "2024-03-01" {
		t.Fatalf("date round-trip = %v", got)
	}

	if _, err = Coerce(Date, "03/01/2024"); err == nil {
		t.Fatalf("expected format error for non-ISO date")
	}

	if _, err = Coerce(DateTime, "2024-03-01T10:30:00Z"); err != nil {
		t.Fatalf("coerce datetime: %v", err)
	}
	if _, err = Coerce(DateTime, "2024-03-01 10:30"); err == nil {
		t.Fatalf("expected format error for non-RFC3339 timestamp")
	}
}

func TestCoerceForeignKeyAndManyToMany(t *testing.T) {
	t.Parallel()

	v, err := Coerce(ForeignKey, "7")
	if err != nil {
		t.Fatalf("coerce fk: %v", err)
	}
	if v.Int != 7 {
		t.Fatalf("fk = %d, want 7", v.Int)
	}
	if _, err = Coerce(ForeignKey, "0"); err == nil {
		t.Fatalf("expected error for non-positive id")
	}

	// Duplicates are preserved as given.
	v, err = Coerce(ManyToMany, []any{"1", float64(2), "2"})
	if err != nil {
		t.Fatalf("coerce m2m: %v", err)
	}
	if len(v.IDs) != 3 || v.IDs[0] != 1 || v.IDs[1] != 2 || v.IDs[2] != 2 {
		t.Fatalf("m2m ids = %v", v.IDs)
	}
	if _, err = Coerce(ManyToMany, "1,2"); err == nil {
		t.Fatalf("expected error for non-list input")
	}
}

func TestCoerceUnknownTag(t *testing.T) {
	t.Parallel()

	_, err := Coerce("geo-point", "x")
	if !errors.Is(err, ErrUnknownFieldType) {
		t.Fatalf("expected ErrUnknownFieldType, got %v", err)
	}
}

func TestValidAndRelationHelpers(t *testing.T) {
	t.Parallel()

	for _, tag := range All() {
		if !Valid(tag) {
			t.Fatalf("registered tag %q not valid", tag)
		}
	}
	if Valid("uuid") {
		t.Fatalf("unregistered tag reported valid")
	}
	if !IsRelation(ForeignKey) || !IsRelation(ManyToMany) || IsRelation(Choice) {
		t.Fatalf("relation classification wrong")
	}
}
