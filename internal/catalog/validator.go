package catalog

import (
	"dmagma/config"
	"dmagma/internal/types"
	"fmt"
	"regexp"
	"strings"
)

var namePattern = regexp.MustCompile(`^[\w-]+$`)

// Violation is a single failed check, located by its field path
type Violation struct {
	Field   string // e.g. fuzzers[0].targets[1].name
	Message string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Message)
}

// ValidationError lists every violation found in a campaign
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("invalid campaign (%d violations): %s", len(e.Violations), strings.Join(parts, "; "))
}

type Validator struct {
	catalog *Catalog
}

func NewValidator(catalog *Catalog) *Validator {
	return &Validator{catalog: catalog}
}

// Validate checks the campaign against the catalog and the uniqueness rules.
// It returns a *ValidationError carrying every violation, or nil.
func (v *Validator) Validate(c *types.Campaign) error {
	var violations []Violation
	add := func(field, format string, args ...any) {
		violations = append(violations, Violation{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c == nil {
		add("campaign", "campaign is missing")
		return &ValidationError{violations}
	}

	if c.ID == "" {
		add("id", "must not be empty")
	} else if strings.Contains(c.ID, "/") {
		add("id", "must not contain %q", "/")
	}
	if c.Poll <= 0 {
		add("poll", "must be a positive integer, got %d", c.Poll)
	}
	if c.Timeout <= 0 {
		add("timeout", "must be a positive integer, got %d", c.Timeout)
	}

	fuzzerNames := make(map[string]int)
	for i, fuzzer := range c.Fuzzers {
		fuzzerField := fmt.Sprintf("fuzzers[%d]", i)
		checkName(fuzzerField+".name", fuzzer.Name, add)
		if fuzzer.Name != "" && !v.catalog.HasFuzzer(fuzzer.Name) {
			add(fuzzerField+".name", "fuzzer %q does not exist", fuzzer.Name)
		}
		checkUnique(fuzzerNames, fuzzerField+".name", fuzzer.Name, i, "fuzzers", add)

		targetNames := make(map[string]int)
		for j, target := range fuzzer.Targets {
			targetField := fmt.Sprintf("%s.targets[%d]", fuzzerField, j)
			checkName(targetField+".name", target.Name, add)
			if target.Name != "" && !v.catalog.HasTarget(target.Name) {
				add(targetField+".name", "target %q does not exist", target.Name)
			}
			checkUnique(targetNames, targetField+".name", target.Name, j, fuzzerField+".targets", add)

			programNames := make(map[string]int)
			for k, program := range target.Programs {
				programField := fmt.Sprintf("%s.programs[%d]", targetField, k)
				checkName(programField+".name", program.Name, add)
				checkUnique(programNames, programField+".name", program.Name, k, targetField+".programs", add)
			}
		}
	}

	if len(violations) > 0 {
		return &ValidationError{violations}
	}
	return nil
}

func checkName(field, name string, add func(field, format string, args ...any)) {
	if name == "" {
		add(field, "must not be empty")
		return
	}
	if !namePattern.MatchString(name) {
		add(field, "%q must match %s", name, namePattern.String())
	}
}

// checkUnique records name at index and reports a duplicate of an earlier sibling
func checkUnique(seen map[string]int, field, name string, index int, list string, add func(field, format string, args ...any)) {
	if name == "" {
		return
	}
	if first, ok := seen[name]; ok {
		add(field, "non-unique name %q in %s (first at index %d)", name, list, first)
		return
	}
	seen[name] = index
}

// NewValidatorFromConfig validates against the configured toolkit checkout
func NewValidatorFromConfig(cfg *config.AppConfig) (*Validator, error) {
	catalog, err := Load(cfg.Toolkit.MagmaPath)
	if err != nil {
		return nil, err
	}
	return NewValidator(catalog), nil
}
