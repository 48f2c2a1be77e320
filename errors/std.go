package errors

import stderrors "errors"

// As, Is and New forward to the standard library so importers of this
// package do not need a second errors import.

func As(err error, target any) bool {
	return stderrors.As(err, target)
}

func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

func New(text string) error {
	return stderrors.New(text)
}
