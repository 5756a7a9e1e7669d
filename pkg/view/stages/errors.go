package stages

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/datacurate/viewstage/pkg/view/expr"
	"github.com/datacurate/viewstage/pkg/view/fieldsel"
	"github.com/datacurate/viewstage/pkg/view/schema"
)

// Causes of validation errors.
var (
	ErrUnknownField    = schema.ErrFieldNotFound
	ErrDefaultField    = errors.New("default fields cannot be excluded")
	ErrMediaType       = errors.New("unsupported media type")
	ErrGroupState      = errors.New("invalid group state")
	ErrMalformedFilter = expr.ErrMalformedFilter
	ErrFieldType       = errors.New("unsupported field type")
	ErrStagePosition   = errors.New("stage must be the first stage")
	ErrIncompatible    = errors.New("incompatible index")
)

// ErrUnsupportedOperation is returned when calling ToMongo on a stage that
// generates a view, or LoadView on one that does not.
var ErrUnsupportedOperation = errors.New("unsupported operation")

const (
	ErrUnknownStage     = "unknown stage type: %s"
	ErrEmptyField       = "field is required"
	ErrNegativeValue    = "%s must not be negative"
	ErrConflictingArgs  = "%s and %s cannot be combined"
	ErrExpectedOneOf    = "%s must be one of %v"
	ErrMissingArguments = "one of %s is required"
)

// ValidationError is returned when a stage cannot be applied to a view.
type ValidationError struct {
	Stage string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s stage: %v", e.Stage, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(s Stage, err error) error {
	if err == nil {
		return nil
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return err
	}
	switch {
	case errors.Is(err, schema.ErrNotLabelField):
		err = errors.Wrap(ErrFieldType, err.Error())
	case errors.Is(err, schema.ErrNoGeoField):
		err = errors.Wrap(ErrUnknownField, err.Error())
	case errors.Is(err, fieldsel.ErrMalformedMetaFilter):
		err = errors.Wrap(ErrMalformedFilter, err.Error())
	}
	return &ValidationError{Stage: s.Name(), Err: err}
}

func invalidf(s Stage, cause error, format string, args ...interface{}) error {
	return invalid(s, errors.Wrapf(cause, format, args...))
}

// ConfigurationError is returned when the arguments of a stage are
// inconsistent.
type ConfigurationError struct {
	Stage string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s stage config: %v", e.Stage, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func misconfigured(stage string, format string, args ...interface{}) error {
	return &ConfigurationError{Stage: stage, Err: errors.Errorf(format, args...)}
}
