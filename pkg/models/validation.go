package models

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	// DefaultRate is applied when a loan is created without an explicit rate.
	DefaultRate = decimal.NewFromInt(30)
	maxRate     = decimal.NewFromInt(100)
)

var validate = newValidator()

// newValidator builds the struct validator shared by every request type.
// Fields are reported under their JSON names and decimals are checked through
// their string form so precision survives.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(jsonFieldName)
	v.RegisterCustomTypeFunc(decimalValue, decimal.Decimal{})

	custom := map[string]validator.Func{
		"money":          isMoney,
		"rate":           isRate,
		"payment_method": isPaymentMethod,
	}
	for tag, fn := range custom {
		if err := v.RegisterValidation(tag, fn); err != nil {
			panic(fmt.Sprintf("register %s validation: %v", tag, err))
		}
	}
	return v
}

func jsonFieldName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	return name
}

func decimalValue(field reflect.Value) any {
	if d, ok := field.Interface().(decimal.Decimal); ok {
		return d.String()
	}
	return nil
}

// isMoney accepts positive amounts with at most two decimal places.
func isMoney(fl validator.FieldLevel) bool {
	d, err := decimal.NewFromString(fl.Field().String())
	return err == nil && d.IsPositive() && d.Equal(d.Round(2))
}

// isRate accepts percentages in (0, 100].
func isRate(fl validator.FieldLevel) bool {
	d, err := decimal.NewFromString(fl.Field().String())
	return err == nil && d.IsPositive() && !d.GreaterThan(maxRate)
}

func isPaymentMethod(fl validator.FieldLevel) bool {
	_, err := ParsePaymentMethod(fl.Field().String())
	return err == nil
}

// Validate checks s against its validate tags. Every failing field becomes a
// *ValidationError and the failures are joined, so the result matches
// ErrValidation.
func Validate(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}

	errs := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		errs = append(errs, &ValidationError{Field: fe.Field(), Message: messageFor(fe)})
	}
	return errors.Join(errs...)
}

func messageFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "money":
		return "must be positive with at most 2 decimal places"
	case "rate":
		return "must be greater than 0 and at most 100"
	case "payment_method":
		return fmt.Sprintf("unknown payment method %q", fe.Value())
	default:
		return "failed " + fe.Tag() + " check"
	}
}
