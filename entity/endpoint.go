package entity

import "time"

// EndpointID is the provider-assigned phone number id. It is unique across
// the whole provider, which is what makes it the primary routing key for
// inbound webhook events.
type EndpointID string

const (
	QualityGreen  = "green"
	QualityYellow = "yellow"
	QualityRed    = "red"
)

// Endpoint is a registered messaging phone number owned by exactly one account.
type Endpoint struct {
	ID                 EndpointID `json:"id" bson:"_id"`
	AccountID          AccountID  `json:"account_id" bson:"account_id"`
	BusinessAccountID  string     `json:"business_account_id" bson:"business_account_id"`
	DisplayPhoneNumber string     `json:"display_phone_number" bson:"display_phone_number"`
	EncryptedToken     string     `json:"-" bson:"encrypted_token"`
	IsActive           bool       `json:"is_active" bson:"is_active"`
	NeedsReauth        bool       `json:"needs_reauth" bson:"needs_reauth"`
	QualityState       string     `json:"quality_state" bson:"quality_state"`
	CreatedAt          time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" bson:"updated_at"`
}
