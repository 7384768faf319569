package errors

import (
	"encoding/json"
	"net/http"
)

// Problem type URIs
const (
	TypeInvalidTransition    = "https://api.tradeguard.io/problems/invalid-transition"
	TypeRequirementNotMet    = "https://api.tradeguard.io/problems/requirement-not-met"
	TypeDuplicatePayment     = "https://api.tradeguard.io/problems/duplicate-payment"
	TypePaymentMismatch      = "https://api.tradeguard.io/problems/payment-mismatch"
	TypeNoAvailableMiddleman = "https://api.tradeguard.io/problems/no-available-middleman"
	TypeValidationError      = "https://api.tradeguard.io/problems/validation-error"
	TypeForbidden            = "https://api.tradeguard.io/problems/forbidden"
	TypeNotFound             = "https://api.tradeguard.io/problems/not-found"
	TypeConflict             = "https://api.tradeguard.io/problems/conflict"
	TypeInternalError        = "https://api.tradeguard.io/problems/internal-error"
)

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string                 `json:"type"`
	Title    string                 `json:"title"`
	Status   int                    `json:"status"`
	Detail   string                 `json:"detail,omitempty"`
	Instance string                 `json:"instance,omitempty"`
	Extra    map[string]interface{} `json:"-"`
}

// Error implements the error interface
func (p *ProblemDetails) Error() string {
	return p.Detail
}

// WithExtra adds extra fields to the problem details (they will be serialized at the top level)
func (p *ProblemDetails) WithExtra(key string, value interface{}) *ProblemDetails {
	if p.Extra == nil {
		p.Extra = make(map[string]interface{})
	}
	p.Extra[key] = value
	return p
}

// MarshalJSON implements custom JSON marshaling to include extra fields at the top level
func (p *ProblemDetails) MarshalJSON() ([]byte, error) {
	result := make(map[string]interface{})
	result["type"] = p.Type
	result["title"] = p.Title
	result["status"] = p.Status
	if p.Detail != "" {
		result["detail"] = p.Detail
	}
	if p.Instance != "" {
		result["instance"] = p.Instance
	}
	for k, v := range p.Extra {
		result[k] = v
	}
	return json.Marshal(result)
}

type problemKind struct {
	uri    string
	title  string
	status int
}

var problemKinds = map[string]problemKind{
	KindInvalidTransition:    {TypeInvalidTransition, "Invalid Transition", http.StatusBadRequest},
	KindRequirementNotMet:    {TypeRequirementNotMet, "Requirement Not Met", http.StatusUnprocessableEntity},
	KindInvalid:              {TypeValidationError, "Validation Error", http.StatusBadRequest},
	KindPaymentMismatch:      {TypePaymentMismatch, "Payment Mismatch", http.StatusUnprocessableEntity},
	KindDuplicatePayment:     {TypeDuplicatePayment, "Duplicate Payment", http.StatusConflict},
	KindConflict:             {TypeConflict, "Conflict", http.StatusConflict},
	KindForbidden:            {TypeForbidden, "Forbidden", http.StatusForbidden},
	KindNotFound:             {TypeNotFound, "Not Found", http.StatusNotFound},
	KindNoAvailableMiddleman: {TypeNoAvailableMiddleman, "No Middleman Available", http.StatusServiceUnavailable},
}

// ToProblem maps a core error onto the problem document the API layer returns.
// Unknown errors become an opaque 500 so collaborator faults never leak.
func ToProblem(err error, instance string) *ProblemDetails {
	kind := KindOf(err)
	pk, ok := problemKinds[kind]
	if !ok {
		return &ProblemDetails{
			Type:     TypeInternalError,
			Title:    "Internal Server Error",
			Status:   http.StatusInternalServerError,
			Detail:   "internal error",
			Instance: instance,
		}
	}

	problem := &ProblemDetails{
		Type:     pk.uri,
		Title:    pk.title,
		Status:   pk.status,
		Detail:   err.Error(),
		Instance: instance,
	}
	var e *Error
	if As(err, &e) && e.Message != "" {
		problem.Detail = e.Message
	}
	if kind == KindNoAvailableMiddleman {
		problem.WithExtra("retryable", true)
	}
	return problem
}
