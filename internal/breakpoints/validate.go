package breakpoints

import (
	stderrors "errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ctagard/dap-orchestrator/internal/errors"
	"github.com/ctagard/dap-orchestrator/pkg/types"
)

// definitionValidate checks BreakpointDefinitions at the boundary.
// Initialized in init() with the onHit and location rules.
var definitionValidate *validator.Validate

func init() {
	definitionValidate = validator.New()
	definitionValidate.RegisterTagNameFunc(jsonFieldName)
	_ = definitionValidate.RegisterValidation("onhit", validateOnHit)
	definitionValidate.RegisterStructValidation(validateLocation, types.BreakpointDefinition{})
}

// jsonFieldName reports fields by their JSON name so messages match what the
// caller sent.
func jsonFieldName(f reflect.StructField) string {
	name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	if name == "-" || name == "" {
		return f.Name
	}
	return name
}

func validateOnHit(fl validator.FieldLevel) bool {
	_, err := types.ParseOnHitAction(fl.Field().String())
	return err == nil
}

// validateLocation requires exactly one of line and snippet.
func validateLocation(sl validator.StructLevel) {
	def := sl.Current().Interface().(types.BreakpointDefinition)
	hasLine := def.Line > 0
	hasSnippet := strings.TrimSpace(def.Snippet) != ""
	if hasLine == hasSnippet {
		sl.ReportError(def.Line, "line", "Line", "line_xor_snippet", "")
	}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "gt", "gte":
		return fmt.Sprintf("%s must be %s %s", fe.Field(), map[string]string{"gt": ">", "gte": ">="}[fe.Tag()], fe.Param())
	case "onhit":
		names := make([]string, len(types.OnHitActions))
		for i, a := range types.OnHitActions {
			names[i] = string(a)
		}
		return fmt.Sprintf("onHit must be one of %s", strings.Join(names, ", "))
	case "line_xor_snippet":
		return "exactly one of line and snippet must be set"
	}
	return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
}

// Validate checks every definition and reports all problems at once. It
// returns an INVALID_PARAMETER error naming the offending indexes.
func Validate(defs []types.BreakpointDefinition) error {
	var problems []string
	for i, def := range defs {
		err := definitionValidate.Struct(def)
		if err == nil {
			continue
		}
		var verrs validator.ValidationErrors
		if !stderrors.As(err, &verrs) {
			problems = append(problems, fmt.Sprintf("breakpoints[%d]: %v", i, err))
			continue
		}
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("breakpoints[%d]: %s", i, describe(fe)))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.InvalidParameter("breakpoints", strings.Join(problems, "; "),
		`[{"path": "main.go", "line": 12}] or [{"path": "main.go", "snippet": "total +="}]`).
		WithDetails("problems", problems)
}
