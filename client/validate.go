package client

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"

	"github.com/adamwoolhether/agenthttp/engine"
	"github.com/adamwoolhether/agenthttp/internal/errs"
	"github.com/adamwoolhether/agenthttp/throttle"
)

var validate *validator.Validate
var translator ut.Translator

func init() {
	validate = validator.New()
	var ok bool
	translator, ok = ut.New(en.New(), en.New()).GetTranslator("en")
	if !ok {
		panic("client: failed to get 'en' translator")
	}

	if err := en_translations.RegisterDefaultTranslations(validate, translator); err != nil {
		panic(err)
	}

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}

		return name
	})

	if err := validate.RegisterValidation("proxy", func(fl validator.FieldLevel) bool {
		return engine.ValidProxy(fl.Field().String())
	}); err != nil {
		panic(err)
	}
}

// config is the validated view of a client's options.
type config struct {
	UserAgent *string          `json:"userAgent" validate:"omitnil,printascii"`
	Throttle  *throttle.Config `json:"throttle" validate:"omitnil"`
	Transfer  engine.Options   `json:"transfer"`
}

func (o *options) validate() error {
	return check("build", config{
		UserAgent: o.userAgent,
		Throttle:  o.throttle,
		Transfer:  o.transfer,
	})
}

func validateTransfer(o engine.Options) error {
	return check("override", config{Transfer: o})
}

// check validates val against its tags. Failures are FieldErrors wrapped as
// an ErrConfiguration.
func check(op string, val any) error {
	if err := validate.Struct(val); err != nil {
		var verrors validator.ValidationErrors
		if !errors.As(err, &verrors) {
			return errs.Configuration(op, err)
		}

		var fields FieldErrors
		for _, verror := range verrors {
			field := FieldError{
				Field: fieldPath(verror.Namespace()),
				Err:   customErrForTag(verror.Tag(), verror),
			}
			fields = append(fields, field)
		}
		return errs.Configuration(op, fields)
	}

	return nil
}

// fieldPath drops the root struct name from a namespace.
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

// FieldError represents a single validation error for a specific field.
type FieldError struct {
	Field string `json:"field"`
	Err   string `json:"error"`
}

// FieldErrors represents a collection of field errors.
type FieldErrors []FieldError

// Error implements the error interface, returning a human-readable
// summary of all field errors.
func (fe FieldErrors) Error() string {
	parts := make([]string, len(fe))
	for i, f := range fe {
		parts[i] = f.Field + ": " + f.Err
	}
	return strings.Join(parts, "; ")
}

func customErrForTag(tag string, verror validator.FieldError) string {
	switch tag {
	case "required":
		return "This field is required"
	case "proxy":
		return "must be a proxy URL with an http, https, socks5 or socks5h scheme"
	case "hostname_port":
		return "must be a host:port address"
	default:
		return verror.Translate(translator)
	}
}
