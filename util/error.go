package util

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ContextualError carries a message and logrus fields alongside the underlying error so the
// caller that finally logs it does not need to know where it came from.
type ContextualError struct {
	RealError error
	Fields    map[string]any
	Context   string
}

func NewContextualError(msg string, fields map[string]any, realError error) *ContextualError {
	return &ContextualError{Context: msg, Fields: fields, RealError: realError}
}

// ContextualizeIfNeeded wraps err unless something in its chain is already a ContextualError.
func ContextualizeIfNeeded(msg string, err error) error {
	var ce *ContextualError
	if errors.As(err, &ce) {
		return err
	}
	return NewContextualError(msg, nil, err)
}

// LogWithContextIfNeeded logs err with its own context if it has any, otherwise with msg.
func LogWithContextIfNeeded(msg string, err error, l *logrus.Logger) {
	var ce *ContextualError
	if errors.As(err, &ce) {
		ce.Log(l)
		return
	}
	l.WithError(err).Error(msg)
}

func (ce *ContextualError) Error() string {
	if ce.RealError == nil {
		return ce.Context
	}
	if len(ce.Fields) == 0 {
		return fmt.Sprintf("%s: %v", ce.Context, ce.RealError)
	}
	return fmt.Sprintf("%s %v: %v", ce.Context, ce.Fields, ce.RealError)
}

func (ce *ContextualError) Unwrap() error {
	if ce.RealError == nil {
		return errors.New(ce.Context)
	}
	return ce.RealError
}

// Entry returns l decorated with the error and fields, ready to be logged at any level.
func (ce *ContextualError) Entry(l *logrus.Logger) *logrus.Entry {
	e := logrus.NewEntry(l)
	if ce.RealError != nil {
		e = e.WithError(ce.RealError)
	}
	if ce.Fields != nil {
		e = e.WithFields(ce.Fields)
	}
	return e
}

func (ce *ContextualError) Log(lr *logrus.Logger) {
	ce.Entry(lr).Error(ce.Context)
}
