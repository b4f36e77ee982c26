package task

// ErrorCode classifies an error descriptor carried by a Result
type ErrorCode string

const (
	CodeInvalidPayload  ErrorCode = "invalid_payload"
	CodeDelegateFailure ErrorCode = "delegate_failure"
)

// ErrorDescriptor is the failure half of a Result
type ErrorDescriptor struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ClassScore is the best score a genome reached for one class,
// together with the rendering parameters that reached it
type ClassScore struct {
	Score     float64 `json:"score"`
	Duration  float64 `json:"duration"`
	NoteDelta float64 `json:"noteDelta"`
	Velocity  float64 `json:"velocity"`
}

// Result is what a worker sends back, at most once per task.
// ClassScores is set for Evaluate, GenomeString for GenerateRandom and Vary.
type Result struct {
	TaskID       string                `json:"taskId"`
	Kind         Kind                  `json:"kind"`
	ClassScores  map[string]ClassScore `json:"classScores,omitempty"`
	GenomeString string                `json:"genomeString,omitempty"`
	Error        *ErrorDescriptor      `json:"error,omitempty"`
}

// Scored reports whether an evaluation produced any class score.
// A degraded evaluation result has none and must be treated as unscored.
func (r *Result) Scored() bool {
	return r != nil && len(r.ClassScores) > 0
}

// Failed reports whether the result carries an error descriptor
func (r *Result) Failed() bool {
	return r != nil && r.Error != nil
}

// NewErrorResult returns the failure result for the given payload
func NewErrorResult(p *Payload, code ErrorCode, message string) *Result {
	r := &Result{Error: &ErrorDescriptor{Code: code, Message: message}}
	if p != nil {
		r.TaskID = p.ID
		r.Kind = p.Kind
	}
	return r
}
