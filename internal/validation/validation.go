// Package validation wraps go-playground/validator with the project's custom tags and
// turns field errors into one client-presentable message.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	devicedomain "remotecast/backend/internal/device/domain"
)

var (
	pairingCodeRe = regexp.MustCompile(`^[ABCDEFGHJKLMNPQRSTUVWXYZ23456789]{6}$`)
	appNameRe     = regexp.MustCompile(`^[A-Za-z0-9 _-]{1,50}$`)
	streamIDRe    = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("pairing_code", func(fl validator.FieldLevel) bool {
		return pairingCodeRe.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("app_name", func(fl validator.FieldLevel) bool {
		return appNameRe.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("stream_id", func(fl validator.FieldLevel) bool {
		return streamIDRe.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("capability", func(fl validator.FieldLevel) bool {
		return devicedomain.Capability(fl.Field().String()).Valid()
	})
	return v
}

// Struct validates s and returns a single error listing every failing field, or nil.
func Struct(s any) error {
	if err := validate.Struct(s); err != nil {
		return format(err)
	}
	return nil
}

// Var validates a single value against tag.
func Var(value any, tag string) error {
	if err := validate.Var(value, tag); err != nil {
		return format(err)
	}
	return nil
}

func format(err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err
	}
	messages := make([]string, 0, len(ve))
	for _, fe := range ve {
		messages = append(messages, fieldMessage(fe))
	}
	return errors.New(strings.Join(messages, "; "))
}

func fieldMessage(e validator.FieldError) string {
	field := e.Field()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must have at least %s items or characters", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must have at most %s items or characters", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, e.Param())
	case "uuid", "uuid4":
		return fmt.Sprintf("%s must be a valid UUID", field)
	case "pairing_code":
		return fmt.Sprintf("%s must be 6 characters from the pairing alphabet", field)
	case "app_name":
		return fmt.Sprintf("%s must be 1-50 letters, digits, spaces, dashes or underscores", field)
	case "stream_id":
		return fmt.Sprintf("%s must be 1-64 letters, digits, dashes or underscores", field)
	case "capability":
		return fmt.Sprintf("%s contains an unknown capability", field)
	case "hexadecimal", "len":
		return fmt.Sprintf("%s is malformed", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
