package query

import "fmt"

// Kind classifies an execution failure.
type Kind string

const (
	KindInvalidPlan Kind = "invalid_plan"
	KindNotFound    Kind = "not_found"
	KindStorage     Kind = "storage"
	KindEmbedding   Kind = "embedding"
	KindInternal    Kind = "internal"
)

// Error is the structured failure record returned by the executor. Callers
// branch on Kind and Retryable instead of matching message strings.
type Error struct {
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`

	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("query: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func invalidPlan(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidPlan, Message: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func storageErr(err error) *Error {
	return &Error{Kind: KindStorage, Message: err.Error(), Retryable: true, cause: err}
}

func embeddingErr(err error, retryable bool) *Error {
	return &Error{Kind: KindEmbedding, Message: err.Error(), Retryable: retryable, cause: err}
}

func internalErr(err error) *Error {
	return &Error{Kind: KindInternal, Message: err.Error(), cause: err}
}
