package model

import "errors"

var (
	// ErrContainerParse marks a container that could not be read or decoded.
	ErrContainerParse = errors.New("container parse error")
	// ErrCorruptDocument marks PDF bytes that no extractor could parse.
	ErrCorruptDocument = errors.New("corrupt document")
	// ErrRecognitionUnavailable marks a recognition backend that could not be reached.
	ErrRecognitionUnavailable = errors.New("recognition unavailable")
	// ErrRecognition marks input the recognition backend rejected.
	ErrRecognition = errors.New("recognition error")
)
