package models

// Classification tags a failure with its retry eligibility and user-facing
// meaning. It is assigned where the failure is constructed, never inferred
// later by inspecting error shapes.
type Classification string

const (
	ClassValidation    Classification = "validation"
	ClassProviderError Classification = "provider_error"
	ClassRateLimit     Classification = "rate_limit"
	ClassTimeout       Classification = "timeout"
	ClassCapped        Classification = "capped"
	ClassInProgress    Classification = "in_progress"
	ClassUnknown       Classification = "unknown"
)

// Retryable reports whether a failure with this classification may be retried.
// Unknown failures retry conservatively since the cause is unknown.
func (c Classification) Retryable() bool {
	switch c {
	case ClassProviderError, ClassRateLimit, ClassTimeout, ClassUnknown:
		return true
	}
	return false
}

// ProviderMetadata captures provider accounting for usage recording.
type ProviderMetadata struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// Rough provider pricing in cents per million tokens.
const (
	inputCostPerMTok  = 15
	outputCostPerMTok = 60
	tokensPerMTok     = 1_000_000
)

// CostCents estimates the billable cost of this interaction, rounded up so
// any nonzero usage records at least one cent instead of flooring to zero.
func (m ProviderMetadata) CostCents() int {
	total := m.InputTokens*inputCostPerMTok + m.OutputTokens*outputCostPerMTok
	if total == 0 {
		return 0
	}
	return (total + tokensPerMTok - 1) / tokensPerMTok
}

// GenerationResult is a tagged union: exactly one of Success or Failure is set.
type GenerationResult struct {
	Success *GenerationSuccess
	Failure *GenerationFailure
}

// GenerationSuccess holds the parsed, validated output of one attempt.
type GenerationSuccess struct {
	AttemptID  string           `json:"attempt_id"`
	Modules    []Module         `json:"modules"`
	DurationMs int64            `json:"duration_ms"`
	Provider   ProviderMetadata `json:"provider"`
}

// GenerationFailure holds a classified failed attempt.
type GenerationFailure struct {
	Err            error
	Classification Classification
	DurationMs     int64
	Provider       ProviderMetadata
}
