package plugin

import "errors"

var (
	ErrDuplicatePlugin      = errors.New("plugin already loaded")
	ErrUnknownPlugin        = errors.New("plugin not loaded")
	ErrInitializationFailed = errors.New("plugin initialization failed")
	ErrInvalidDescriptor    = errors.New("invalid plugin descriptor")
	ErrCommandConflict      = errors.New("command already registered")
	// ErrSelfUnload is returned when a plugin tries to unload itself from one of its own handlers
	ErrSelfUnload = errors.New("plugin cannot unload itself while handling")
)
