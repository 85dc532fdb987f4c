package entity

// UserAuth is the authenticated identity of a dashboard session. Every
// API and websocket request is scoped to the session's account.
type UserAuth struct {
	Username  string    `json:"username" bson:"username"`
	AccountID AccountID `json:"account_id" bson:"account_id"`
}
