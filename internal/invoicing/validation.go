package invoicing

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

func validateStruct(v *validator.Validate, input any) *ValidationError {
	err := v.Struct(input)
	if err == nil {
		return nil
	}
	verr := &ValidationError{Fields: map[string]string{}}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		verr.Fields["input"] = err.Error()
		return verr
	}
	for _, fe := range fieldErrs {
		verr.Fields[fe.Field()] = ruleMessage(fe)
	}
	return verr
}

func ruleMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "oneof":
		return "must be one of " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	}
	return "is invalid"
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validateInvoiceInput(v *validator.Validate, input InvoiceInput) error {
	verr := validateStruct(v, input)
	if verr == nil {
		verr = &ValidationError{Fields: map[string]string{}}
	}
	if input.Total.LessThan(one) {
		verr.Fields["total"] = "must be at least 1"
	}
	if input.Rate.LessThan(one) {
		verr.Fields["rate"] = "must be at least 1"
	}
	if input.Number < 0 {
		verr.Fields["number"] = "must be positive"
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

func validateReceiptInput(v *validator.Validate, input ReceiptInput) (decimal.Decimal, error) {
	verr := validateStruct(v, input)
	if verr == nil {
		verr = &ValidationError{Fields: map[string]string{}}
	}
	if strings.TrimSpace(input.PaymentMethod) == "" {
		verr.Fields["payment_method"] = "is required"
	}
	amount, err := ParseAmount(string(input.Amount))
	if err != nil {
		var amountErr *ValidationError
		if errors.As(err, &amountErr) {
			for k, msg := range amountErr.Fields {
				verr.Fields[k] = msg
			}
		}
	}
	if len(verr.Fields) > 0 {
		return decimal.Zero, verr
	}
	return amount, nil
}
