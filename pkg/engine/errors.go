package engine

import "fmt"

// TransformFatalError reports a transform the service gave up on.
type TransformFatalError struct {
	RequestID string
	Title     string
	LogURL    string
}

func (e *TransformFatalError) Error() string {
	msg := fmt.Sprintf("transform %q (%s) failed on the server", e.Title, e.RequestID)
	if e.LogURL != "" {
		msg += ", more information at " + e.LogURL
	}
	return msg
}

// TransformCanceledError reports a transform canceled while being monitored.
type TransformCanceledError struct {
	RequestID string
	Title     string
}

func (e *TransformCanceledError) Error() string {
	return fmt.Sprintf("transform %q (%s) was canceled", e.Title, e.RequestID)
}

// PartialFailureError reports a transform that completed with some input
// files failed. Raised under the strict incomplete policy; the lenient
// policy returns the partial result instead.
type PartialFailureError struct {
	RequestID string
	Title     string
	Failed    int
	Total     int
	LogURL    string
}

func (e *PartialFailureError) Error() string {
	msg := fmt.Sprintf("transform %q (%s) completed with %d of %d files failed",
		e.Title, e.RequestID, e.Failed, e.Total)
	if e.LogURL != "" {
		msg += ", more information at " + e.LogURL
	}
	return msg
}

// UnknownCodegenError reports a submission naming a code generator the
// deployment does not carry.
type UnknownCodegenError struct {
	Codegen   string
	Available []string
}

func (e *UnknownCodegenError) Error() string {
	return fmt.Sprintf("code generator %q is not deployed on this endpoint (available: %v)",
		e.Codegen, e.Available)
}
