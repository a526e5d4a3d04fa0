package processor

import (
	"github.com/vaidashi/failure-recovery/internal/models"
)

// ParseFailureDetails reads the exception and failure location headers
func ParseFailureDetails(headers map[string]string) models.FailureDetails {
	details := models.FailureDetails{
		AddressOfFailingEndpoint: headers[models.HeaderFailedQ],
		Exception: models.ExceptionDetails{
			ExceptionType: headers[models.HeaderExceptionType],
			Message:       headers[models.HeaderExceptionMessage],
			Source:        headers[models.HeaderExceptionSource],
			StackTrace:    headers[models.HeaderExceptionStackTrace],
		},
	}

	if t, ok := models.ParseWireTime(headers[models.HeaderTimeOfFailure]); ok {
		details.TimeOfFailure = t
	}

	return details
}
