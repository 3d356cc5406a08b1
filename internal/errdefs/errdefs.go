// Package errdefs holds the error kinds shared by the classification
// pipeline and its collaborators. Match them with errors.Is.
package errdefs

import "errors"

var (
	// ErrDecode means the input bytes are not a parseable image.
	ErrDecode = errors.New("decode error")
	// ErrUnsupportedFormat means no decoder is registered for the mimetype.
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrShapeMismatch means a buffer length does not match its declared dimensions.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrModelLoad means the model artifact or label vocabulary could not be loaded.
	ErrModelLoad = errors.New("model load error")
	// ErrInference means the forward pass failed.
	ErrInference = errors.New("inference error")
	// ErrVocabularyMismatch means the probability vector and the vocabulary differ in length.
	ErrVocabularyMismatch = errors.New("vocabulary mismatch")
	// ErrInvalidArgument means a caller passed a value outside its domain.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrSearch means the external search lookup failed.
	ErrSearch = errors.New("search error")
)
