package models

// Bus header names read from failed messages and written on re-delivery
const (
	HeaderMessageID              = "bus.MessageId"
	HeaderConversationID         = "bus.ConversationId"
	HeaderRelatedTo              = "bus.RelatedTo"
	HeaderTimeSent               = "bus.TimeSent"
	HeaderEnclosedMessageTypes   = "bus.EnclosedMessageTypes"
	HeaderControlMessage         = "bus.ControlMessage"
	HeaderReplyToAddress         = "bus.ReplyToAddress"
	HeaderOriginatingEndpoint    = "bus.OriginatingEndpoint"
	HeaderOriginatingMachine     = "bus.OriginatingMachine"
	HeaderOriginatingHostID      = "bus.OriginatingHostId"
	HeaderProcessingEndpoint     = "bus.ProcessingEndpoint"
	HeaderProcessingMachine      = "bus.ProcessingMachine"
	HeaderHostID                 = "bus.HostId"
	HeaderFailedQ                = "bus.FailedQ"
	HeaderTimeOfFailure          = "bus.TimeOfFailure"
	HeaderProcessingFailed       = "bus.ProcessingFailed"
	HeaderRetries                = "bus.Retries"
	HeaderFLRetries              = "bus.FLRetries"
	HeaderDelayedRetries         = "bus.DelayedRetries"
	HeaderExceptionPrefix        = "bus.ExceptionInfo."
	HeaderExceptionType          = "bus.ExceptionInfo.ExceptionType"
	HeaderExceptionMessage       = "bus.ExceptionInfo.Message"
	HeaderExceptionSource        = "bus.ExceptionInfo.Source"
	HeaderExceptionStackTrace    = "bus.ExceptionInfo.StackTrace"
	HeaderRetryUniqueMessageID   = "bus.Retry.UniqueMessageId"
	HeaderRetryStagingID         = "bus.Retry.StagingId"
	HeaderRetryAttemptID         = "bus.Retry.AttemptId"
	HeaderRetryTargetEndpoint    = "bus.Retry.TargetEndpointAddress"
	HeaderConfirmedUniqueMessage = "bus.Retry.ConfirmedUniqueMessageId"
)
