package retries

import (
	"strings"

	"github.com/vaidashi/failure-recovery/internal/models"
)

// headers removed before re-delivery
var strippedHeaders = []string{
	models.HeaderRetries,
	models.HeaderFLRetries,
	models.HeaderDelayedRetries,
	models.HeaderFailedQ,
	models.HeaderTimeOfFailure,
	models.HeaderProcessingFailed,
}

// RetryHeaders returns a copy of the failed attempt's headers prepared for re-delivery
func RetryHeaders(original map[string]string, failedMessageID, stagingID, attemptID, target string) map[string]string {
	headers := make(map[string]string, len(original)+4)

	for k, v := range original {
		if strings.HasPrefix(k, models.HeaderExceptionPrefix) {
			continue
		}
		headers[k] = v
	}

	for _, k := range strippedHeaders {
		delete(headers, k)
	}

	if replyTo, ok := headers[models.HeaderReplyToAddress]; ok {
		headers[models.HeaderReplyToAddress] = FixReplyToAddress(replyTo)
	}

	headers[models.HeaderRetryUniqueMessageID] = failedMessageID
	headers[models.HeaderRetryStagingID] = stagingID
	headers[models.HeaderRetryAttemptID] = attemptID
	headers[models.HeaderRetryTargetEndpoint] = target

	return headers
}

// FixReplyToAddress collapses repeated machine segments, e.g. "queue@host@host" to "queue@host"
func FixReplyToAddress(address string) string {
	parts := strings.Split(address, "@")
	if len(parts) <= 2 {
		return address
	}

	fixed := []string{parts[0], parts[1]}
	for _, part := range parts[2:] {
		if part != fixed[len(fixed)-1] {
			fixed = append(fixed, part)
		}
	}

	return strings.Join(fixed, "@")
}

// Destination maps a physical address to the topic it is delivered to
func Destination(address string) string {
	queue, _, _ := strings.Cut(address, "@")
	return queue
}
