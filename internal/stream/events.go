package stream

import "github.com/saldanaj97/atlaris-sub003/internal/models"

// Event types, in emission order. Exactly one of complete, error, or
// cancelled terminates a stream.
const (
	EventPlanStart     = "plan_start"
	EventModuleSummary = "module_summary"
	EventProgress      = "progress"
	EventComplete      = "complete"
	EventError         = "error"
	EventCancelled     = "cancelled"
)

// Event is one entry in the ordered sequence sent to a live caller.
type Event struct {
	Type     string         `json:"type"`
	Module   *models.Module `json:"module,omitempty"`
	Progress *ProgressInfo  `json:"progress,omitempty"`
	Complete *CompleteInfo  `json:"complete,omitempty"`
	Error    *ErrorInfo     `json:"error,omitempty"`
}

// ProgressInfo reports how far module emission has advanced.
type ProgressInfo struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// CompleteInfo carries aggregate counts for the terminal complete event.
type CompleteInfo struct {
	ModuleCount int   `json:"module_count"`
	DurationMs  int64 `json:"duration_ms"`
}

// ErrorInfo is the sanitized terminal error surface. It never carries raw
// provider or internal error text.
type ErrorInfo struct {
	Code           string                `json:"code"`
	Message        string                `json:"message"`
	Classification models.Classification `json:"classification"`
	Retryable      bool                  `json:"retryable"`
}

// sanitize maps a classified failure to a caller-safe code and message.
func sanitize(class models.Classification) ErrorInfo {
	info := ErrorInfo{Classification: class, Retryable: class.Retryable()}
	switch class {
	case models.ClassValidation:
		info.Code = "INVALID_OUTPUT"
		info.Message = "The generated plan did not pass validation."
	case models.ClassRateLimit:
		info.Code = "PROVIDER_RATE_LIMITED"
		info.Message = "The generation service is rate limited. Try again shortly."
	case models.ClassTimeout:
		info.Code = "GENERATION_TIMEOUT"
		info.Message = "Generation took too long and was aborted."
	case models.ClassProviderError:
		info.Code = "GENERATION_FAILED"
		info.Message = "The generation service failed. Try again."
	case models.ClassCapped:
		info.Code = "ATTEMPTS_EXHAUSTED"
		info.Message = "The attempt limit for this plan has been reached."
	default:
		info.Code = "INTERNAL_ERROR"
		info.Message = "Something went wrong. Try again."
	}
	return info
}
