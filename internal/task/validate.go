package task

import (
	"errors"
	"fmt"
)

// maxVerificationSteps is the length above which a warning is emitted.
const maxVerificationSteps = 10

// ErrValidation marks caller errors on submission.
var ErrValidation = errors.New("task: validation failed")

// SubmitParams is the external submission surface.
type SubmitParams struct {
	GoalID            string
	DependsOn         []string
	Description       string
	Repo              string
	Branch            string
	FileHints         []FileHint
	SuccessCriteria   []string
	VerificationSteps []VerificationStep
	RequiredCaps      []string
	ComplexityTier    Tier // empty means infer
	Priority          Priority
	MaxRetries        int
}

// Validate checks a submission and returns non-fatal warnings.
func (p SubmitParams) Validate() ([]string, error) {
	if p.Description == "" {
		return nil, fmt.Errorf("%w: description is required", ErrValidation)
	}
	if p.Priority != "" && !p.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrValidation, p.Priority)
	}
	if p.ComplexityTier != "" && !p.ComplexityTier.Valid() {
		return nil, fmt.Errorf("%w: unknown complexity tier %q", ErrValidation, p.ComplexityTier)
	}
	for _, hint := range p.FileHints {
		if hint.Path == "" {
			return nil, fmt.Errorf("%w: file hint with empty path", ErrValidation)
		}
	}
	for _, step := range p.VerificationSteps {
		if step.Type == "" {
			return nil, fmt.Errorf("%w: verification step with empty type", ErrValidation)
		}
	}
	var warnings []string
	if len(p.VerificationSteps) > maxVerificationSteps {
		warnings = append(warnings, fmt.Sprintf("verification_steps has %d entries; consider fewer than %d", len(p.VerificationSteps), maxVerificationSteps+1))
	}
	return warnings, nil
}
