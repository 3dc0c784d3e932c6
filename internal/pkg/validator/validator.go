// Package validator wraps the go-playground/validator library.
// Structs are validated according to the "validate" tags,
// error messages use JSON field names and the EN translation.
package validator

import (
	"context"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	enTranslation "github.com/go-playground/validator/v10/translations/en"

	"github.com/geminixiang/dictrack/internal/pkg/utils/errors"
)

type Validator interface {
	Validate(ctx context.Context, value any) error
	ValidateValue(ctx context.Context, value any, tag string) error
}

type wrapper struct {
	validate   *validator.Validate
	translator ut.Translator
}

// Rule is a custom validation rule.
type Rule struct {
	Tag          string
	Func         validator.Func
	ErrorMessage string
}

func New(rules ...Rule) Validator {
	v := &wrapper{validate: validator.New()}

	// Register the default EN translator
	enLocale := en.New()
	translator, found := ut.New(enLocale, enLocale).GetTranslator("en")
	if !found {
		panic(errors.New("en translator was not found"))
	}
	if err := enTranslation.RegisterDefaultTranslations(v.validate, translator); err != nil {
		panic(errors.Errorf("translator was not registered: %w", err))
	}
	v.translator = translator

	// Register custom rules
	for _, rule := range rules {
		if err := v.validate.RegisterValidation(rule.Tag, rule.Func); err != nil {
			panic(err)
		}
		if rule.ErrorMessage != "" {
			registerErrorMessage(v.validate, translator, rule.Tag, rule.ErrorMessage)
		}
	}

	// Use JSON field names in error messages
	v.validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})

	return v
}

func (v *wrapper) Validate(ctx context.Context, value any) error {
	if err := v.validate.StructCtx(ctx, value); err != nil {
		return v.processError(err)
	}
	return nil
}

func (v *wrapper) ValidateValue(ctx context.Context, value any, tag string) error {
	if err := v.validate.VarCtx(ctx, value, tag); err != nil {
		return v.processError(err)
	}
	return nil
}

func (v *wrapper) processError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		panic(err)
	}

	result := errors.NewMultiError()
	for _, e := range validationErrs {
		if namespace := processNamespace(e.Namespace()); namespace != "" {
			result.Append(errors.Errorf("%s.%s", namespace, e.Translate(v.translator)))
		} else {
			result.Append(errors.New(e.Translate(v.translator)))
		}
	}
	return result.ErrorOrNil()
}

func registerErrorMessage(validate *validator.Validate, translator ut.Translator, tag, message string) {
	registerFn := func(ut ut.Translator) error {
		return ut.Add(tag, message, true)
	}
	translationFn := func(ut ut.Translator, fe validator.FieldError) string {
		msg, err := ut.T(tag, fe.Field())
		if err != nil {
			panic(err)
		}
		return msg
	}
	if err := validate.RegisterTranslation(tag, translator, registerFn, translationFn); err != nil {
		panic(err)
	}
}

// processNamespace removes the struct name (first part) and the field name (last part).
func processNamespace(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) <= 2 {
		return ""
	}
	return strings.Join(parts[1:len(parts)-1], ".")
}
