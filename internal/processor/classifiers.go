package processor

import (
	"strings"

	"github.com/vaidashi/failure-recovery/internal/models"
)

// ClassifiableMessage is what classifiers see of the latest attempt
type ClassifiableMessage struct {
	MessageType       string
	FailureDetails    models.FailureDetails
	ReceivingEndpoint *models.EndpointDetails
}

// Classifier maps a failure to zero or more group keys
type Classifier interface {
	Name() string
	Classify(msg ClassifiableMessage) []string
}

// Classifier names, used as group types and URL segments
const (
	ClassifierExceptionTypeAndStackTrace = "Exception Type and Stack Trace"
	ClassifierMessageType                = "Message Type"
	ClassifierEndpointName               = "Endpoint Name"
	ClassifierEndpointAddress            = "Endpoint Address"
)

// DefaultClassifiers returns the built-in classifiers
func DefaultClassifiers() []Classifier {
	return []Classifier{
		ExceptionTypeAndStackTraceClassifier{},
		MessageTypeClassifier{},
		EndpointNameClassifier{},
		EndpointAddressClassifier{},
	}
}

// ClassifierNames lists the names of the given classifiers
func ClassifierNames(classifiers []Classifier) []string {
	names := make([]string, 0, len(classifiers))
	for _, c := range classifiers {
		names = append(names, c.Name())
	}
	return names
}

// ExceptionTypeAndStackTraceClassifier groups by exception type and the top stack frame
type ExceptionTypeAndStackTraceClassifier struct{}

func (ExceptionTypeAndStackTraceClassifier) Name() string {
	return ClassifierExceptionTypeAndStackTrace
}

func (ExceptionTypeAndStackTraceClassifier) Classify(msg ClassifiableMessage) []string {
	exception := msg.FailureDetails.Exception
	if exception.ExceptionType == "" {
		return nil
	}

	frame := topFrame(exception.StackTrace)
	if frame == "" {
		return []string{exception.ExceptionType}
	}

	return []string{exception.ExceptionType + " was thrown at " + frame}
}

// topFrame returns the first "at ..." line of a stack trace
func topFrame(stackTrace string) string {
	for _, line := range strings.Split(stackTrace, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "at ") {
			frame := strings.TrimPrefix(line, "at ")
			// drop source file and line information
			if i := strings.Index(frame, " in "); i >= 0 {
				frame = frame[:i]
			}
			return strings.TrimSpace(frame)
		}
	}

	return ""
}

type MessageTypeClassifier struct{}

func (MessageTypeClassifier) Name() string { return ClassifierMessageType }

func (MessageTypeClassifier) Classify(msg ClassifiableMessage) []string {
	if msg.MessageType == "" {
		return nil
	}
	return []string{msg.MessageType}
}

type EndpointNameClassifier struct{}

func (EndpointNameClassifier) Name() string { return ClassifierEndpointName }

func (EndpointNameClassifier) Classify(msg ClassifiableMessage) []string {
	if msg.ReceivingEndpoint == nil || msg.ReceivingEndpoint.Name == "" {
		return nil
	}
	return []string{msg.ReceivingEndpoint.Name}
}

type EndpointAddressClassifier struct{}

func (EndpointAddressClassifier) Name() string { return ClassifierEndpointAddress }

func (EndpointAddressClassifier) Classify(msg ClassifiableMessage) []string {
	if msg.FailureDetails.AddressOfFailingEndpoint == "" {
		return nil
	}
	return []string{msg.FailureDetails.AddressOfFailingEndpoint}
}

// Classify runs every classifier and returns the resulting groups
func Classify(classifiers []Classifier, msg ClassifiableMessage) []models.FailureGroup {
	groups := []models.FailureGroup{}
	seen := make(map[string]bool)

	for _, c := range classifiers {
		for _, key := range c.Classify(msg) {
			id := models.GroupID(c.Name(), key)
			if seen[id] {
				continue
			}
			seen[id] = true

			groups = append(groups, models.FailureGroup{ID: id, Title: key, Type: c.Name()})
		}
	}

	return groups
}
