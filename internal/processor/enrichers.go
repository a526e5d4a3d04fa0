package processor

import (
	"strings"

	"github.com/vaidashi/failure-recovery/internal/models"
)

// Enricher extracts metadata from failure headers into the attempt's metadata map
type Enricher interface {
	Enrich(headers map[string]string, metadata map[string]interface{})
}

// DefaultEnrichers returns the enrichers run on every failure report
func DefaultEnrichers() []Enricher {
	return []Enricher{
		ConversationEnricher{},
		RelatedToEnricher{},
		TimeSentEnricher{},
		MessageTypeEnricher{},
		EndpointEnricher{},
	}
}

type ConversationEnricher struct{}

func (ConversationEnricher) Enrich(headers map[string]string, metadata map[string]interface{}) {
	if v, ok := headers[models.HeaderConversationID]; ok && v != "" {
		metadata[models.MetadataConversationID] = v
	}
}

type RelatedToEnricher struct{}

func (RelatedToEnricher) Enrich(headers map[string]string, metadata map[string]interface{}) {
	if v, ok := headers[models.HeaderRelatedTo]; ok && v != "" {
		metadata[models.MetadataRelatedToID] = v
	}
}

type TimeSentEnricher struct{}

func (TimeSentEnricher) Enrich(headers map[string]string, metadata map[string]interface{}) {
	if t, ok := models.ParseWireTime(headers[models.HeaderTimeSent]); ok {
		metadata[models.MetadataTimeSent] = t
	}
}

// MessageTypeEnricher records the first enclosed message type without its assembly qualifier
type MessageTypeEnricher struct{}

func (MessageTypeEnricher) Enrich(headers map[string]string, metadata map[string]interface{}) {
	messageType := MessageType(headers)

	isSystem := strings.EqualFold(headers[models.HeaderControlMessage], "true") || messageType == ""
	metadata[models.MetadataIsSystemMessage] = isSystem

	if messageType != "" {
		metadata[models.MetadataMessageType] = messageType
	}
}

// MessageType returns the first enclosed message type, e.g. "Sales.OrderPlaced"
func MessageType(headers map[string]string) string {
	enclosed := strings.TrimSpace(headers[models.HeaderEnclosedMessageTypes])
	if enclosed == "" {
		return ""
	}

	first := strings.Split(enclosed, ";")[0]
	return strings.TrimSpace(strings.Split(first, ",")[0])
}

// EndpointEnricher records the sending and receiving endpoint instances
type EndpointEnricher struct{}

func (EndpointEnricher) Enrich(headers map[string]string, metadata map[string]interface{}) {
	if sending := SendingEndpoint(headers); sending != nil {
		metadata[models.MetadataSendingEndpoint] = sending
	}

	if receiving := ReceivingEndpoint(headers); receiving != nil {
		metadata[models.MetadataReceivingEndpoint] = receiving
	}
}

// SendingEndpoint reads the originating endpoint headers
func SendingEndpoint(headers map[string]string) *models.EndpointDetails {
	name := headers[models.HeaderOriginatingEndpoint]
	if name == "" {
		return nil
	}

	return &models.EndpointDetails{
		Name:   name,
		HostID: headers[models.HeaderOriginatingHostID],
		Host:   headers[models.HeaderOriginatingMachine],
	}
}

// ReceivingEndpoint reads the processing endpoint headers, falling back to the failed queue address
func ReceivingEndpoint(headers map[string]string) *models.EndpointDetails {
	name := headers[models.HeaderProcessingEndpoint]
	host := headers[models.HeaderProcessingMachine]

	if name == "" {
		queue, machine := splitAddress(headers[models.HeaderFailedQ])
		name = queue
		if host == "" {
			host = machine
		}
	}

	if name == "" {
		return nil
	}

	return &models.EndpointDetails{
		Name:   name,
		HostID: headers[models.HeaderHostID],
		Host:   host,
	}
}

// splitAddress splits "queue@machine" into its parts
func splitAddress(address string) (string, string) {
	queue, machine, _ := strings.Cut(address, "@")
	return queue, machine
}
