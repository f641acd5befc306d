package metadata

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
	jsonPathPattern   = regexp.MustCompile(`^\$(\.[A-Za-z0-9_]+)+$`)
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return identifierPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("jsonpath", func(fl validator.FieldLevel) bool {
		return jsonPathPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("operator", func(fl validator.FieldLevel) bool {
		return slices.Contains(Operators, fl.Field().String())
	})
	return v
}

// Validate checks a resource type, relation, role or permission definition
// against its struct tags and returns a readable error.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return fmt.Errorf("invalid %T: %s", v, strings.Join(msgs, "; "))
}

// JSONPathSegments splits "$.a.b" into ["a", "b"].
func JSONPathSegments(path string) ([]string, error) {
	if !jsonPathPattern.MatchString(path) {
		return nil, fmt.Errorf("invalid json path %q", path)
	}
	return strings.Split(strings.TrimPrefix(path, "$."), "."), nil
}
