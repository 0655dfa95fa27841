// Package util provides small shared helpers.
package util

import (
	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
)

// GenUUID generates a random UUID string, used as task identifiers.
func GenUUID() string {
	return uuid.NewString()
}

// GenTraceID generates a short unique identifier for tracing a single
// execution run across log lines and events.
func GenTraceID() string {
	return shortuuid.New()
}
