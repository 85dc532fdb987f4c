package entity

import "time"

// AccountID identifies a tenant workspace. Every document that belongs to a
// tenant carries one; it is the only representation of an account reference.
type AccountID string

const (
	AccountStatusActive    = "active"
	AccountStatusSuspended = "suspended"
)

type Account struct {
	ID                AccountID `json:"id" bson:"_id"`
	Name              string    `json:"name" bson:"name"`
	BusinessAccountID string    `json:"business_account_id" bson:"business_account_id"`
	Plan              string    `json:"plan" bson:"plan"`
	Status            string    `json:"status" bson:"status"`
	CreatedAt         time.Time `json:"created_at" bson:"created_at"`
}

func (a *Account) IsActive() bool {
	return a.Status == AccountStatusActive
}
