package command

import "errors"

var (
	// ErrPermissionDenied means the invoker's level is below the command's
	ErrPermissionDenied = errors.New("permission denied")
	// ErrUnterminatedQuote means an argument opened a quote it never closed
	ErrUnterminatedQuote = errors.New("missing closing quotation mark")
	// ErrMissingArguments means fewer arguments than the command requires
	ErrMissingArguments = errors.New("missing arguments")
)
