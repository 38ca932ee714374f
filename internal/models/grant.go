package models

import "time"

// AccessRequest is a one-time-code request by a non-owner to query a patient's
// data. A request grants access only once verified and only until ValidUntil.
type AccessRequest struct {
	ID         string     `json:"id" db:"id"`
	Requestor  string     `json:"requestor" db:"requestor"`
	PatientID  string     `json:"patient_id" db:"patient_id"`
	Code       string     `json:"-" db:"otp_code"`
	Verified   bool       `json:"verified" db:"verified"`
	ValidUntil *time.Time `json:"valid_until,omitempty" db:"valid_until"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// Granted reports whether the request currently grants access: it must be
// verified and now must not be past ValidUntil.
func (a *AccessRequest) Granted(now time.Time) bool {
	return a.Verified && a.ValidUntil != nil && !now.After(*a.ValidUntil)
}
