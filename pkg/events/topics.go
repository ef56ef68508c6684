package events

const (
	// TopicModelEvents carries domain events from the watcher and launcher.
	TopicModelEvents = "modelctl.events"
	// TopicUIMessages carries render-ready messages for the terminal UI.
	TopicUIMessages = "modelctl.ui.msgs"
	// TopicUIActions carries operator requests issued from the UI.
	TopicUIActions = "modelctl.ui.actions"
)

const (
	DomainTypeStatusSnapshot = "status.snapshot"
	DomainTypeMemorySnapshot = "memory.snapshot"
	DomainTypeLaunchStarted  = "launch.started"
	DomainTypeLaunchFinished = "launch.finished"
	DomainTypeStopFinished   = "stop.finished"
)

const (
	UITypeStatusSnapshot = "tui.status.snapshot"
	UITypeMemorySnapshot = "tui.memory.snapshot"
	UITypeEventAppend    = "tui.event.append"
	UITypeActionRequest  = "tui.action.request"
)

// UI action names carried in UITypeActionRequest payloads.
const (
	ActionStart = "start"
	ActionStop  = "stop"
)
