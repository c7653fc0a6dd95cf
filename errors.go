package edgecache

// Stage names the step of the request flow that failed.
type Stage string

const (
	StageKey     Stage = "key"
	StageLookup  Stage = "lookup"
	StageFetch   Stage = "fetch"
	StageRewrite Stage = "rewrite"
	StagePanic   Stage = "panic"
)

// Error is a failure in the request flow.
// Its message is the message of the underlying error.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}
