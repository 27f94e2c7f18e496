package mcp

// Method is an MCP method identifier used in JSON-RPC messages.
type Method string

// MCP method names and notifications.
const (
	// Tools
	ToolsListMethod Method = "tools/list"
	ToolsCallMethod Method = "tools/call"

	// Resources
	ResourcesListMethod                Method = "resources/list"
	ResourcesReadMethod                Method = "resources/read"
	ResourcesSubscribeMethod           Method = "resources/subscribe"
	ResourcesUnsubscribeMethod         Method = "resources/unsubscribe"
	ResourcesUpdatedNotificationMethod Method = "notifications/resources/updated"

	// Prompts
	PromptsListMethod Method = "prompts/list"
	PromptsGetMethod  Method = "prompts/get"

	// Logging
	LoggingSetLevelMethod            Method = "logging/setLevel"
	LoggingMessageNotificationMethod Method = "notifications/message"

	// Server-to-client sub-requests
	SamplingCreateMessageMethod Method = "sampling/createMessage"
	ElicitationCreateMethod     Method = "elicitation/create"

	// Tasks
	TasksGetMethod               Method = "tasks/get"
	TasksListMethod              Method = "tasks/list"
	TasksCancelMethod            Method = "tasks/cancel"
	TasksResultMethod            Method = "tasks/result"
	TaskStatusNotificationMethod Method = "notifications/tasks/status"

	// General
	CancelledNotificationMethod Method = "notifications/cancelled"
	ProgressNotificationMethod  Method = "notifications/progress"
)

// IsServerToClientRequest reports whether m is a request the server issues to
// the client and then waits on.
func (m Method) IsServerToClientRequest() bool {
	return m == SamplingCreateMessageMethod || m == ElicitationCreateMethod
}
