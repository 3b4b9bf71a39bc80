package event

import "time"

const (
	TypeKernelStarted   = "kernel_started"
	TypeKernelStopped   = "kernel_stopped"
	TypeKernelRestarted = "kernel_restarted"
	TypeKernelDied      = "kernel_died"
)

// KernelEvent describes one lifecycle transition of a kernel identity. Died
// events come from the exit watcher; the rest from explicit actions.
type KernelEvent struct {
	KernelID   string    `json:"kernel_id"`
	NotebookID string    `json:"notebook_id,omitempty"`
	EventType  string    `json:"event_type"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e KernelEvent) Type() string {
	return e.EventType
}

func NewKernelEvent(kernelID, eventType string) KernelEvent {
	return KernelEvent{
		KernelID:  kernelID,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}
