package jobs

import "errors"

/*
DO NOT: type JobError[T any] struct { ... }
Errors should be inspectable with errors.Is()
Generics add no value
*/

var (
	ErrEmptyPayload = errors.New("job payload is empty")
	ErrJobNotFound  = errors.New("job not found")
)
