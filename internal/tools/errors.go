package tools

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownCapability is matched by errors.Is for dispatches naming a
// tool that is not registered.
var ErrUnknownCapability = errors.New("unknown capability")

// UnknownCapabilityError carries the name the model asked for.
type UnknownCapabilityError struct {
	Name string
}

// Error implements the error interface.
func (e *UnknownCapabilityError) Error() string {
	return fmt.Sprintf("unknown capability %q", e.Name)
}

// Unwrap lets errors.Is match ErrUnknownCapability.
func (e *UnknownCapabilityError) Unwrap() error {
	return ErrUnknownCapability
}

// InvalidArgumentsError is returned when a tool's arguments fail schema
// validation. The handler is not called.
type InvalidArgumentsError struct {
	Tool    string
	Reasons []string
}

// Error implements the error interface.
func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, strings.Join(e.Reasons, "; "))
}
