package config

import (
	"errors"
	"fmt"

	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// Error codes.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed

	ErrCodeSchema      = "E101" // Value does not match the schema
	ErrCodeDuration    = "E102" // Unparseable duration
	ErrCodeExecutor    = "E103" // Unknown executor
	ErrCodeNonPositive = "E104" // Interval must be positive
)

// LoadError is one problem found in a configuration.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errors flattens err into its LoadErrors. Errors of other types are wrapped
// as ErrCodeGeneric.
func Errors(err error) []*LoadError {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []*LoadError
		for _, e := range joined.Unwrap() {
			out = append(out, Errors(e)...)
		}
		return out
	}
	var le *LoadError
	if errors.As(err, &le) {
		return []*LoadError{le}
	}
	return []*LoadError{{Code: ErrCodeGeneric, Message: err.Error()}}
}

// cueErrors converts every CUE error in err into a LoadError with its
// position.
func cueErrors(code string, err error) error {
	list := cueerrors.Errors(err)
	if len(list) == 0 {
		return &LoadError{Code: code, Message: err.Error()}
	}
	out := make([]error, 0, len(list))
	for _, e := range list {
		le := &LoadError{Code: code, Message: e.Error()}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			le.Pos = pos[0]
		}
		out = append(out, le)
	}
	return errors.Join(out...)
}
