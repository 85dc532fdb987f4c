package ingress

import (
	"strconv"
	"time"

	"ChatHive/entity"
)

// WebhookPayload mirrors the provider's webhook delivery format. One delivery
// can carry events for several business accounts and endpoints; each message
// is normalized independently.
type WebhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"` // business account id
		Changes []struct {
			Value struct {
				MessagingProduct string `json:"messaging_product"`
				Metadata         struct {
					DisplayPhoneNumber string `json:"display_phone_number"`
					PhoneNumberID      string `json:"phone_number_id"`
				} `json:"metadata"`
				Contacts []struct {
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
					WaID string `json:"wa_id"`
				} `json:"contacts"`
				Messages []struct {
					From      string `json:"from"`
					ID        string `json:"id"`
					Timestamp string `json:"timestamp"`
					Type      string `json:"type"`
					Text      *struct {
						Body string `json:"body"`
					} `json:"text,omitempty"`
					Button *struct {
						Text string `json:"text"`
					} `json:"button,omitempty"`
					Interactive *struct {
						Type        string `json:"type"`
						ButtonReply *struct {
							ID    string `json:"id"`
							Title string `json:"title"`
						} `json:"button_reply,omitempty"`
						ListReply *struct {
							ID    string `json:"id"`
							Title string `json:"title"`
						} `json:"list_reply,omitempty"`
					} `json:"interactive,omitempty"`
				} `json:"messages"`
				Statuses []struct {
					ID          string `json:"id"`
					Status      string `json:"status"`
					Timestamp   string `json:"timestamp"`
					RecipientID string `json:"recipient_id"`
				} `json:"statuses"`
			} `json:"value"`
			Field string `json:"field"`
		} `json:"changes"`
	} `json:"entry"`
}

// Normalize flattens a webhook delivery into message and status events.
// Unsupported message types come through with empty text; they still create a
// Message so the thread history has no gaps.
func (p *WebhookPayload) Normalize() ([]entity.InboundEvent, []entity.StatusEvent) {
	var messages []entity.InboundEvent
	var statuses []entity.StatusEvent

	if p.Object != "whatsapp_business_account" {
		return nil, nil
	}

	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			value := change.Value
			endpointID := entity.EndpointID(value.Metadata.PhoneNumberID)

			names := make(map[string]string, len(value.Contacts))
			for _, contact := range value.Contacts {
				names[contact.WaID] = contact.Profile.Name
			}

			for _, msg := range value.Messages {
				ev := entity.InboundEvent{
					BusinessAccountID: entry.ID,
					EndpointID:        endpointID,
					Counterparty:      msg.From,
					CounterpartyName:  names[msg.From],
					ProviderMessageID: msg.ID,
					Type:              msg.Type,
					ReceivedAt:        parseTimestamp(msg.Timestamp),
				}
				switch {
				case msg.Text != nil:
					ev.Text = msg.Text.Body
				case msg.Button != nil:
					ev.Text = msg.Button.Text
				case msg.Interactive != nil && msg.Interactive.ButtonReply != nil:
					ev.Text = msg.Interactive.ButtonReply.Title
				case msg.Interactive != nil && msg.Interactive.ListReply != nil:
					ev.Text = msg.Interactive.ListReply.Title
				}
				messages = append(messages, ev)
			}

			for _, st := range value.Statuses {
				statuses = append(statuses, entity.StatusEvent{
					BusinessAccountID: entry.ID,
					EndpointID:        endpointID,
					ProviderMessageID: st.ID,
					Status:            st.Status,
					OccurredAt:        parseTimestamp(st.Timestamp),
				})
			}
		}
	}

	return messages, statuses
}

func parseTimestamp(raw string) time.Time {
	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || unix <= 0 {
		return time.Now()
	}
	return time.Unix(unix, 0)
}
