package eventbus

import "errors"

// Common errors for alert publishing
var (
	// ErrNotConnected indicates the backend connection is not established
	ErrNotConnected = errors.New("publisher is not connected")

	// ErrAlreadyConnected indicates Connect was called twice
	ErrAlreadyConnected = errors.New("publisher is already connected")

	// ErrConnectionFailed indicates a connection failure to the backend
	ErrConnectionFailed = errors.New("failed to connect to alert backend")

	// ErrSerializationFailed indicates outcome serialization failure
	ErrSerializationFailed = errors.New("failed to serialize outcome")

	// ErrDeserializationFailed indicates alert deserialization failure
	ErrDeserializationFailed = errors.New("failed to deserialize alert")

	// ErrInvalidConfiguration indicates invalid alert configuration
	ErrInvalidConfiguration = errors.New("invalid alert configuration")

	// ErrClosed indicates the publisher has been closed
	ErrClosed = errors.New("publisher is closed")
)
