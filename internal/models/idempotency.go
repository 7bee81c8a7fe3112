package models

import "time"

// IdempotencyKey records the response produced for a client-supplied key.
type IdempotencyKey struct {
	Key          string    `json:"key" db:"key"`
	RequestHash  string    `json:"requestHash" db:"request_hash"`
	ResponseCode int       `json:"responseCode" db:"response_code"`
	ResponseBody []byte    `json:"responseBody" db:"response_body"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
}
