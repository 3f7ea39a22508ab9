package core

import (
	"errors"
)

var (
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrUnknownBackend  = errors.New("unknown device backend")
	ErrEngineNotReady  = errors.New("engine is not initialized")
	ErrAlreadyShutdown = errors.New("engine already shut down")
)
