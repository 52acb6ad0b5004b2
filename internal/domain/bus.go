package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `mapstructure:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `mapstructure:"channelBufferSize"`

	// NATS settings (Pro tier)
	NATSUrl           string `mapstructure:"natsUrl"`
	NATSToken         string `mapstructure:"natsToken"`
	NATSMaxReconnects int    `mapstructure:"natsMaxReconnects"`
	NATSReconnectWait int    `mapstructure:"natsReconnectWait"` // seconds

	// NATSQueueGroup, when set, makes subscribers of the same topic share
	// deliveries instead of each receiving every message.
	NATSQueueGroup string `mapstructure:"natsQueueGroup"`
}

// Message metadata keys.
const MetadataTraceID = "trace_id"

// Standard topic names for the report pipeline.
const (
	TopicReportSubmitted   = "carbonmint.report.submitted"
	TopicAnalysisCompleted = "carbonmint.analysis.completed"
	TopicBatchIssued       = "carbonmint.batch.issued"
)

// ReportSubmittedEvent is the payload of TopicReportSubmitted.
type ReportSubmittedEvent struct {
	ReportID string `json:"reportId"`
	TraceID  string `json:"traceId,omitempty"`
}
