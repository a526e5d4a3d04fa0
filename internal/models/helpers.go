package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// messageNamespace seeds deterministic message ids
	messageNamespace = uuid.MustParse("6f1d3c0e-4b55-4c3f-9a53-7d7f0a1b2c3d")
	// groupNamespace seeds deterministic failure group ids
	groupNamespace = uuid.MustParse("b0e0c4f2-8d8e-4e44-a3b1-1f9d57f6e2a8")
)

// WireTimeFormat is the timestamp layout used in bus headers
const WireTimeFormat = "2006-01-02 15:04:05:000000 Z"

// GenerateID generates a new unique ID with the given prefix
func GenerateID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.New().String())
}

// GetCurrentTime returns the current time in UTC
func GetCurrentTime() time.Time {
	return time.Now().UTC()
}

// UniqueMessageID derives the failure record id from a message id and the endpoint that processed it
func UniqueMessageID(messageID, processingEndpoint string) string {
	return uuid.NewSHA1(messageNamespace, []byte(messageID+"/"+processingEndpoint)).String()
}

// DeterministicMessageID hashes a transport id into a stable message id
func DeterministicMessageID(transportID string) string {
	return uuid.NewSHA1(messageNamespace, []byte(transportID)).String()
}

// GroupID derives a failure group id from the classifier name and its key
func GroupID(classifier, key string) string {
	return uuid.NewSHA1(groupNamespace, []byte(classifier+":"+key)).String()
}

// ToWireTime formats a time for a bus header
func ToWireTime(t time.Time) string {
	return t.UTC().Format(WireTimeFormat)
}

// ParseWireTime parses a bus header timestamp, accepting RFC3339 as well
func ParseWireTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)

	if value == "" {
		return time.Time{}, false
	}

	if t, err := time.Parse(WireTimeFormat, value); err == nil {
		return t.UTC(), true
	}

	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t.UTC(), true
	}

	return time.Time{}, false
}

// AttemptID identifies one processing attempt of a failure record
func AttemptID(failedMessageID string, attemptedAt time.Time) string {
	return uuid.NewSHA1(messageNamespace, []byte(failedMessageID+"@"+attemptedAt.UTC().Format(time.RFC3339Nano))).String()
}
