package service

import (
	"fmt"
)

type ErrInvalidRequest struct {
	error
}

func NewErrInvalidRequest(err error) *ErrInvalidRequest {
	return &ErrInvalidRequest{err}
}

type ErrJobNotFound struct {
	error
}

func NewErrJobNotFound(id string) *ErrJobNotFound {
	return &ErrJobNotFound{fmt.Errorf("job %s not found", id)}
}

type ErrServiceUnavailable struct {
	error
}

func NewErrServiceUnavailable(reason string) *ErrServiceUnavailable {
	return &ErrServiceUnavailable{fmt.Errorf("service unavailable: %s", reason)}
}
