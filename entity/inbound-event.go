package entity

import "time"

// InboundEvent is one normalized message event extracted from a provider
// webhook delivery. BusinessAccountID and EndpointID are the raw provider
// identifiers; tenant resolution maps them to internal documents.
type InboundEvent struct {
	BusinessAccountID string     `json:"business_account_id"`
	EndpointID        EndpointID `json:"endpoint_id"`
	Counterparty      string     `json:"counterparty"`
	CounterpartyName  string     `json:"counterparty_name"`
	ProviderMessageID string     `json:"provider_message_id"`
	Type              string     `json:"type"`
	Text              string     `json:"text"`
	ReceivedAt        time.Time  `json:"received_at"`
}

// StatusEvent is a delivery-status update for a previously sent outbound
// message, correlated by provider message id.
type StatusEvent struct {
	BusinessAccountID string     `json:"business_account_id"`
	EndpointID        EndpointID `json:"endpoint_id"`
	ProviderMessageID string     `json:"provider_message_id"`
	Status            string     `json:"status"`
	OccurredAt        time.Time  `json:"occurred_at"`
}
