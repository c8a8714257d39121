package schema

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ErrMalformedEvent marks an event that is missing required attributes.
// Malformed events are stored but excluded from rule evaluation.
var ErrMalformedEvent = errors.New("malformed event")

// Validator checks events against the normalized schema.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	v := validator.New()

	v.RegisterValidation("event_type", func(fl validator.FieldLevel) bool {
		return EventType(fl.Field().String()).IsValid()
	})

	return &Validator{validate: v}
}

// Validate returns an error wrapping ErrMalformedEvent if the event cannot be
// evaluated by rules.
func (v *Validator) Validate(event *Event) error {
	if event == nil {
		return fmt.Errorf("%w: nil event", ErrMalformedEvent)
	}

	if err := v.validate.Struct(event); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: field %s failed %q", ErrMalformedEvent, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	return nil
}

// IsMalformed reports whether err marks a malformed event.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedEvent)
}
