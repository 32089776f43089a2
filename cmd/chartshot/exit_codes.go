package main

import (
	"errors"

	apperrors "github.com/odvcencio/chartshot/pkg/errors"
)

const (
	exitOK      = 0
	exitFailure = 1
	// exitUsage covers bad flags, unknown timeframes and unloadable config.
	exitUsage = 2
	// exitBrowser means Chrome could not be started at all.
	exitBrowser = 3
)

type exitCoder interface {
	ExitCode() int
}

// exitError pins an explicit process exit code to err.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e exitError) Unwrap() error { return e.err }

func (e exitError) ExitCode() int {
	if e.code == exitOK {
		return exitFailure
	}
	return e.code
}

func withExitCode(err error, code int) error {
	if err == nil {
		return nil
	}
	return exitError{code: code, err: err}
}

// exitCodeForError prefers an explicit code, then derives one from the
// error's application code.
func exitCodeForError(err error) int {
	if err == nil {
		return exitOK
	}
	var coded exitCoder
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeConfigLoad, apperrors.ErrCodeConfigInvalid, apperrors.ErrCodeMalformedRequest:
		return exitUsage
	case apperrors.ErrCodeBrowserLaunch:
		return exitBrowser
	default:
		return exitFailure
	}
}
