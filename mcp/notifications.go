package mcp

import "encoding/json"

// CancelledNotification is sent by either side to abandon an in-flight request.
type CancelledNotification struct {
	RequestID json.RawMessage `json:"requestId"`
	Reason    string          `json:"reason,omitempty"`
}

// SetLevelRequest carries the params of logging/setLevel.
type SetLevelRequest struct {
	Level LoggingLevel `json:"level"`
}

// LoggingMessageNotification carries the params of notifications/message.
type LoggingMessageNotification struct {
	Level  LoggingLevel `json:"level"`
	Logger string       `json:"logger,omitempty"`
	Data   any          `json:"data"`
}

// SubscribeRequest carries the params of resources/subscribe.
type SubscribeRequest struct {
	URI string `json:"uri"`
}

// ResourceUpdatedNotification carries the params of notifications/resources/updated.
type ResourceUpdatedNotification struct {
	URI string `json:"uri"`
}
