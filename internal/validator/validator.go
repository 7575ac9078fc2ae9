package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

type ErrorResponse struct {
	FailedField string `json:"field"`
	Tag         string `json:"tag"`
	Value       string `json:"param,omitempty"`
}

// Errors is returned by Validate when one or more fields fail.
type Errors []*ErrorResponse

func (e Errors) Error() string {
	parts := make([]string, 0, len(e))
	for _, item := range e {
		if item.Value != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", item.FailedField, item.Tag, item.Value))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s failed %s", item.FailedField, item.Tag))
	}
	return strings.Join(parts, "; ")
}

var validate = newValidate()

func newValidate() *validator.Validate {
	v := validator.New()

	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})

	// Decimals are validated through their canonical string form.
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})

	decimalRule := func(rule func(d decimal.Decimal) bool) validator.Func {
		return func(fl validator.FieldLevel) bool {
			d, err := decimal.NewFromString(fl.Field().String())
			if err != nil {
				return false
			}
			return rule(d)
		}
	}

	_ = v.RegisterValidation("decimal_gt0", decimalRule(func(d decimal.Decimal) bool { return d.IsPositive() }))
	_ = v.RegisterValidation("decimal_gte0", decimalRule(func(d decimal.Decimal) bool { return !d.IsNegative() }))
	_ = v.RegisterValidation("decimal_nonzero", decimalRule(func(d decimal.Decimal) bool { return !d.IsZero() }))
	_ = v.RegisterValidation("decimal_scale2", decimalRule(func(d decimal.Decimal) bool { return d.Equal(d.Round(2)) }))
	_ = v.RegisterValidation("decimal_scale3", decimalRule(func(d decimal.Decimal) bool { return d.Equal(d.Round(3)) }))

	return v
}

func ValidateStruct(data any) []*ErrorResponse {
	var errs []*ErrorResponse
	err := validate.Struct(data)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []*ErrorResponse{{FailedField: "request", Tag: err.Error()}}
	}
	for _, fe := range fieldErrs {
		errs = append(errs, &ErrorResponse{
			FailedField: trimRoot(fe.Namespace()),
			Tag:         fe.Tag(),
			Value:       fe.Param(),
		})
	}
	return errs
}

// Validate is ValidateStruct folded into a single error, nil when data is valid.
func Validate(data any) error {
	errs := ValidateStruct(data)
	if len(errs) == 0 {
		return nil
	}
	return Errors(errs)
}

func trimRoot(namespace string) string {
	if idx := strings.Index(namespace, "."); idx >= 0 {
		return namespace[idx+1:]
	}
	return namespace
}
