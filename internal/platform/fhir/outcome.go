package fhir

// Issue severities and types used in OperationOutcome responses.
const (
	SeverityError       = "error"
	SeverityWarning     = "warning"
	SeverityInformation = "information"

	IssueInvalid    = "invalid"
	IssueProcessing = "processing"
	IssueNotFound   = "not-found"
	IssueTransient  = "transient"
	IssueConflict   = "conflict"
	IssueTooCostly  = "too-costly"
	IssueTimeout    = "timeout"
	IssueThrottled  = "throttled"
	IssueSecurity   = "security"
)

// OperationOutcome is the FHIR error payload returned by the HTTP API.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{{
			Severity:    severity,
			Code:        code,
			Diagnostics: diagnostics,
		}},
	}
}

// ErrorOutcome is a processing error with diagnostics.
func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(SeverityError, IssueProcessing, diagnostics)
}
