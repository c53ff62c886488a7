package sandbox

import (
	"fmt"
	"maps"
	"strings"

	"github.com/samber/lo"
)

// ValidationErrorKind classifies a rejected launch parameter set.
type ValidationErrorKind string

const (
	MissingRequiredInput ValidationErrorKind = "MissingRequiredInput"
	BadInputType         ValidationErrorKind = "BadInputType"
	NotInOptions         ValidationErrorKind = "NotInOptions"
)

// ValidationError reports why launch parameters were rejected.
type ValidationError struct {
	Kind    ValidationErrorKind
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func validationError(kind ValidationErrorKind, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ValidateParameters checks caller-supplied parameters against the declared
// inputs and fills in defaults. Keys the pipeline never declared pass
// through untouched. The given map is never mutated.
func ValidateParameters(inputs []Input, parameters map[string]any) (map[string]any, error) {
	validated := make(map[string]any, len(parameters))
	maps.Copy(validated, parameters)

	for _, input := range inputs {
		value, supplied := validated[input.Name]
		if !supplied {
			if input.Default != nil {
				validated[input.Name] = input.Default
			} else if input.Required {
				return nil, validationError(MissingRequiredInput,
					"Missing required input '%s' (type: %s)", input.Name, input.Type)
			}

			continue
		}

		if err := checkInputType(input, value); err != nil {
			return nil, err
		}

		if input.Options == nil {
			continue
		}

		inOptions := lo.ContainsBy(input.Options, func(option any) bool {
			return option == value
		})
		if !inOptions {
			choices := lo.Map(input.Options, func(option any, _ int) string {
				return fmt.Sprintf("%v", option)
			})

			return nil, validationError(NotInOptions,
				"Invalid value for input '%s'. Must be one of: %s", input.Name, strings.Join(choices, ", "))
		}
	}

	return validated, nil
}

func checkInputType(input Input, value any) error {
	var matches bool

	switch input.Type {
	case "string":
		_, matches = value.(string)
	case "number":
		_, matches = value.(float64)
	case "bool":
		_, matches = value.(bool)
	default:
		return validationError(BadInputType, "Unknown input type: %s", input.Type)
	}

	if !matches {
		return validationError(BadInputType,
			"Input '%s' expected type '%s', but got: %v", input.Name, input.Type, value)
	}

	return nil
}
