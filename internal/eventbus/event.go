package eventbus

import (
	"time"

	"github.com/fluxgate/toolrun/pkg/models"
)

// EventType enumerates the tool-lifecycle stages the bus fans out.
type EventType string

const (
	EventStarted              EventType = "started"
	EventProgress             EventType = "progress"
	EventCompleted            EventType = "completed"
	EventFailed               EventType = "failed"
	EventConfirmationRequired EventType = "confirmation_required"
	EventConfirmationReceived EventType = "confirmation_received"
	EventCancelled            EventType = "cancelled"
)

// Event is the wire shape for a single tool-lifecycle event. Events for
// one request_id are delivered to a subscriber in the order emitted; no
// ordering is promised across request_ids.
type Event struct {
	EventType      EventType `json:"event_type"`
	TraceID        string    `json:"trace_id"`
	RequestID      string    `json:"request_id"`
	ToolName       string    `json:"tool_name"`
	CapabilityName string    `json:"capability_name,omitempty"`
	UserID         string    `json:"user_id"`
	CompanyID      string    `json:"company_id"`
	Timestamp      time.Time `json:"timestamp"`

	Parameters          map[string]any  `json:"parameters,omitempty"`
	Message             string          `json:"message,omitempty"`
	Result              *models.Result  `json:"result,omitempty"`
	RiskLevel           models.RiskLevel `json:"risk_level,omitempty"`
	ConfirmationMessage string          `json:"confirmation_message,omitempty"`
	Approved            bool            `json:"approved,omitempty"`
	ApprovalMessage     string          `json:"approval_message,omitempty"`
	Reason              string          `json:"reason,omitempty"`
}

// Rooms returns the two logical delivery channels an event is published
// to: company_{company_id} and user_{user_id}.
func (e Event) Rooms() []string {
	rooms := make([]string, 0, 2)
	if e.CompanyID != "" {
		rooms = append(rooms, "company_"+e.CompanyID)
	}
	if e.UserID != "" {
		rooms = append(rooms, "user_"+e.UserID)
	}
	return rooms
}

func (e Event) clone() Event {
	clone := e
	if e.Parameters != nil {
		clone.Parameters = deepCloneMap(e.Parameters)
	}
	if e.Result != nil {
		clone.Result = e.Result.Clone()
	}
	return clone
}

func deepCloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch typed := v.(type) {
		case map[string]any:
			out[k] = deepCloneMap(typed)
		case []any:
			items := make([]any, len(typed))
			for i, item := range typed {
				if nested, ok := item.(map[string]any); ok {
					items[i] = deepCloneMap(nested)
				} else {
					items[i] = item
				}
			}
			out[k] = items
		default:
			out[k] = v
		}
	}
	return out
}
