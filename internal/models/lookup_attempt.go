package models

import "time"

// LookupAttempt is one network attempt against the carrier backend, recorded
// for offline analysis. Rows are append-only.
type LookupAttempt struct {
	OwnerUser   string        `json:"owner_user" ch:"owner_user"`
	PhoneNumber string        `json:"phone_number" ch:"phone_number"`
	IdentityKey string        `json:"identity_key" ch:"identity_key"`
	Attempt     int           `json:"attempt" ch:"attempt"`
	Outcome     string        `json:"outcome" ch:"outcome"`
	Detail      string        `json:"detail" ch:"detail"`
	Elapsed     time.Duration `json:"elapsed" ch:"elapsed"`
	ObservedAt  time.Time     `json:"observed_at" ch:"observed_at"`
}
