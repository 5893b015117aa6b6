// Package validate turns free-text oracle responses into schema-checked
// stage outputs and runs the single bounded repair cycle when they fail.
package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"

	"github.com/zen-systems/gdprcheck/pkg/schema"
)

// Violation is one failed schema constraint.
type Violation struct {
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Field == "" {
		return v.Message
	}
	return v.Field + ": " + v.Message
}

// Error reports a response that could not be turned into a valid stage
// output. Raw carries the response text for diagnostics.
type Error struct {
	Violations []Violation
	Raw        string
}

func (e *Error) Error() string {
	if len(e.Violations) == 0 {
		return "schema validation failed"
	}
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return "schema validation failed: " + strings.Join(parts, "; ")
}

var structValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return field.Name
		}
		return name
	})
	_ = v.RegisterValidation("notblank", validators.NotBlank)
	return v
}

// Struct validates any value carrying validator tags and returns the
// failures as a *Error. Used for stage outputs and inbound requests alike.
func Struct(value any) error {
	err := structValidator.Struct(value)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return errors.Wrap(err, "validate")
	}
	out := &Error{}
	for _, fe := range fieldErrs {
		out.Violations = append(out.Violations, Violation{
			Field:   fieldPath(fe),
			Rule:    fe.Tag(),
			Message: describe(fe),
		})
	}
	return out
}

// Validate extracts the JSON payload from raw, decodes it into the value
// returned by newOutput, folds enum case and checks every constraint. When
// the text carries several objects, such as an example in the prose ahead
// of the answer, the first one that validates wins. If none does, the
// violations of the largest object are reported.
func Validate(raw string, newOutput func() schema.Output) (schema.Output, error) {
	if newOutput == nil {
		return nil, errors.New("validate: output constructor is required")
	}
	candidates := Candidates(raw)
	if len(candidates) == 0 {
		return nil, noPayload(raw)
	}

	var (
		bestErr error
		largest int
	)
	for i, payload := range candidates {
		out, err := decode(payload, raw, newOutput)
		if err == nil {
			return out, nil
		}
		if bestErr == nil || len(payload) > len(candidates[largest]) {
			bestErr, largest = err, i
		}
	}
	return nil, bestErr
}

func decode(payload, raw string, newOutput func() schema.Output) (schema.Output, error) {
	out := newOutput()
	if err := json.NewDecoder(bytes.NewReader([]byte(payload))).Decode(out); err != nil {
		return nil, &Error{Violations: []Violation{decodeViolation(err)}, Raw: raw}
	}
	out.Normalize()

	if err := Struct(out); err != nil {
		var verr *Error
		if errors.As(err, &verr) {
			verr.Raw = raw
			return nil, verr
		}
		return nil, err
	}
	return out, nil
}

func decodeViolation(err error) Violation {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return Violation{
			Field:   typeErr.Field,
			Rule:    "type",
			Message: fmt.Sprintf("expected %s, got JSON %s", typeName(typeErr.Type), typeErr.Value),
		}
	}
	return Violation{Rule: "syntax", Message: err.Error()}
}

func typeName(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Int, reflect.Int64, reflect.Int32:
		return "integer"
	case reflect.Slice:
		return "array"
	case reflect.Struct, reflect.Map:
		return "object"
	default:
		return t.Kind().String()
	}
}

// fieldPath drops the root type name: "GDPRRiskAssessment.violations[0].severity"
// becomes "violations[0].severity".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func describe(fe validator.FieldError) string {
	isLen := fe.Kind() == reflect.Slice || fe.Kind() == reflect.String || fe.Kind() == reflect.Map
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		if isLen {
			return fmt.Sprintf("must contain at least %s item(s)", fe.Param())
		}
		return fmt.Sprintf("must be at least %s, got %v", fe.Param(), fe.Value())
	case "max":
		if isLen {
			return fmt.Sprintf("must contain at most %s item(s)", fe.Param())
		}
		return fmt.Sprintf("must be at most %s, got %v", fe.Param(), fe.Value())
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fmt.Sprint(fe.Value()))
	case "notblank":
		return "must not be blank"
	default:
		return fmt.Sprintf("failed %s constraint", fe.Tag())
	}
}
