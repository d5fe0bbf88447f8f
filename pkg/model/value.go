package model

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/shopspring/decimal"
)

// Datatype is an XML schema datatype name.
type Datatype string

const (
	TypeString   Datatype = "xs:string"
	TypeInt      Datatype = "xs:int"
	TypeInteger  Datatype = "xs:integer"
	TypeLong     Datatype = "xs:long"
	TypeDecimal  Datatype = "xs:decimal"
	TypeDouble   Datatype = "xs:double"
	TypeFloat    Datatype = "xs:float"
	TypeBoolean  Datatype = "xs:boolean"
	TypeDateTime Datatype = "xs:dateTime"
	TypeAnyURI   Datatype = "xs:anyURI"
)

// ErrInvalidValue is returned when a raw value does not match its datatype.
var ErrInvalidValue = errors.New("invalid value")

var (
	minInt  = decimal.NewFromInt(math.MinInt32)
	maxInt  = decimal.NewFromInt(math.MaxInt32)
	minLong = decimal.NewFromInt(math.MinInt64)
	maxLong = decimal.NewFromInt(math.MaxInt64)
)

// Valid reports whether d is a known datatype.
func (d Datatype) Valid() bool {
	switch d {
	case TypeString, TypeInt, TypeInteger, TypeLong, TypeDecimal,
		TypeDouble, TypeFloat, TypeBoolean, TypeDateTime, TypeAnyURI:
		return true
	}
	return false
}

// IsNumeric reports whether values of d compare numerically.
func (d Datatype) IsNumeric() bool {
	switch d {
	case TypeInt, TypeInteger, TypeLong, TypeDecimal, TypeDouble, TypeFloat:
		return true
	}
	return false
}

// Value is a typed element value in lexical form.
type Value struct {
	Type Datatype `json:"valueType"`
	Raw  string   `json:"value"`
}

// NewValue creates a Value.
func NewValue(t Datatype, raw string) Value {
	return Value{Type: t, Raw: raw}
}

// StringValue is shorthand for an xs:string value.
func StringValue(raw string) Value {
	return Value{Type: TypeString, Raw: raw}
}

// Decimal parses a numeric value.
func (v Value) Decimal() (decimal.Decimal, error) {
	if !v.Type.IsNumeric() {
		return decimal.Zero, fmt.Errorf("%w: %s is not numeric", ErrInvalidValue, v.Type)
	}
	d, err := decimal.NewFromString(v.Raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is not a %s", ErrInvalidValue, v.Raw, v.Type)
	}
	return d, nil
}

// Validate checks that Raw is a valid lexical form of Type.
func (v Value) Validate() error {
	if !v.Type.Valid() {
		return fmt.Errorf("%w: unknown datatype %q", ErrInvalidValue, v.Type)
	}

	switch v.Type {
	case TypeString:
		return nil

	case TypeInt, TypeLong, TypeInteger:
		d, err := v.Decimal()
		if err != nil {
			return err
		}
		if !d.IsInteger() {
			return fmt.Errorf("%w: %q is not an integer", ErrInvalidValue, v.Raw)
		}
		if v.Type == TypeInt && (d.LessThan(minInt) || d.GreaterThan(maxInt)) {
			return fmt.Errorf("%w: %q out of range for %s", ErrInvalidValue, v.Raw, v.Type)
		}
		if v.Type == TypeLong && (d.LessThan(minLong) || d.GreaterThan(maxLong)) {
			return fmt.Errorf("%w: %q out of range for %s", ErrInvalidValue, v.Raw, v.Type)
		}
		return nil

	case TypeDecimal, TypeDouble, TypeFloat:
		_, err := v.Decimal()
		return err

	case TypeBoolean:
		switch v.Raw {
		case "true", "false", "1", "0":
			return nil
		}
		return fmt.Errorf("%w: %q is not a boolean", ErrInvalidValue, v.Raw)

	case TypeDateTime:
		if _, err := time.Parse(time.RFC3339Nano, v.Raw); err != nil {
			return fmt.Errorf("%w: %q is not a dateTime", ErrInvalidValue, v.Raw)
		}
		return nil

	case TypeAnyURI:
		if !govalidator.IsURL(v.Raw) && !govalidator.IsRequestURI(v.Raw) {
			return fmt.Errorf("%w: %q is not a URI", ErrInvalidValue, v.Raw)
		}
		return nil
	}

	return nil
}

// Equal compares two values. Numeric values compare by magnitude ("1.0" equals "1"),
// booleans by truth value, everything else lexically.
func (v Value) Equal(other Value) bool {
	if v.Type != other.Type {
		return false
	}
	if v.Type.IsNumeric() {
		a, errA := v.Decimal()
		b, errB := other.Decimal()
		if errA == nil && errB == nil {
			return a.Equal(b)
		}
	}
	if v.Type == TypeBoolean {
		a, errA := strconv.ParseBool(v.Raw)
		b, errB := strconv.ParseBool(other.Raw)
		if errA == nil && errB == nil {
			return a == b
		}
	}
	return v.Raw == other.Raw
}

// String returns the lexical form.
func (v Value) String() string {
	return v.Raw
}
