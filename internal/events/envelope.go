package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Broker topics. The event type carried in the envelope is the topic the
// event was published on, so the two sets of constants are one and the same.
const (
	TopicLeadStageChanged = "lead.stage.changed"
	TopicDealStageChanged = "deal.stage.changed"
	TopicContactCreated   = "contact.created"
	TopicMessageReceived  = "message.received"
	TopicLeadSLABreach    = "lead.sla.breach"
	TopicDealSLABreach    = "deal.sla.breach"
	TopicGeneric          = "crm.generic"

	// TopicTeamNotification carries notify_team action output for the
	// messaging services to fan out.
	TopicTeamNotification = "team.notification"
)

// DeadLetterTopic returns the per-trigger dead-letter subject for a topic.
func DeadLetterTopic(topic string) string {
	return topic + ".dlq"
}

// Event is the immutable envelope carried on the broker. It is never mutated
// after construction; consumers decode Data into the typed payload matching
// Type.
type Event struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	OccurredAt     time.Time       `json:"occurred_at"`
	OrganizationID uint            `json:"organization_id"`
	UserID         *uint           `json:"user_id,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
}

// New builds an envelope with a fresh id and the payload marshaled into Data.
func New(eventType string, organizationID uint, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	return Event{
		ID:             uuid.NewString(),
		Type:           eventType,
		OccurredAt:     time.Now().UTC(),
		OrganizationID: organizationID,
		Data:           data,
	}, nil
}

// Correlation returns the correlation id, falling back to the event id so
// every log line and downstream call has something to key on.
func (e Event) Correlation() string {
	if e.CorrelationID != "" {
		return e.CorrelationID
	}
	return e.ID
}

// Decode unmarshals the opaque payload into the typed struct for the trigger.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no payload", e.ID)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// DataMap returns the payload as a generic map for rules that evaluate
// free-form conditions.
func (e Event) DataMap() map[string]any {
	out := map[string]any{}
	if len(e.Data) > 0 {
		_ = json.Unmarshal(e.Data, &out)
	}
	return out
}
