package reportgen

import "context"

// Outcome classifies a generation attempt for the queue's state machine.
// Retry feeds the retry counter; Fatal goes terminal regardless of retries left.
type Outcome int

const (
	OutcomeOk Outcome = iota
	OutcomeRetry
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOk:
		return "ok"
	case OutcomeRetry:
		return "retry"
	case OutcomeFatal:
		return "fatal"
	}
	return "unknown"
}

// Result is the typed outcome of one generation attempt. The queue processor
// never sees a raised error from a generator: failures are data, not panics.
type Result struct {
	Outcome      Outcome `json:"outcome"`
	ReportData   any     `json:"report_data,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
}

func Ok(data any) Result {
	return Result{Outcome: OutcomeOk, ReportData: data}
}

func Retry(err error) Result {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Result{Outcome: OutcomeRetry, ErrorMessage: msg}
}

func Fatal(err error) Result {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Result{Outcome: OutcomeFatal, ErrorMessage: msg}
}

// Generator renders the end-of-shift report for one shift. The queue
// processor owns when and how reliably it is invoked; implementations own
// what a report looks like.
type Generator interface {
	Generate(ctx context.Context, shiftId int) Result
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, shiftId int) Result

func (f GeneratorFunc) Generate(ctx context.Context, shiftId int) Result {
	return f(ctx, shiftId)
}
