package core

import "time"

// RegistrationStatus is the server registration state of an installation.
type RegistrationStatus int

const (
	// NotRegistered means the FID exists locally but was never (successfully) registered.
	NotRegistered RegistrationStatus = iota + 1

	// Pending means a create request is in flight, started at IdentityRecord.RegistrationTime.
	Pending

	// Registered means the server knows the FID and issued a refresh token.
	Registered
)

func (s RegistrationStatus) String() string {
	switch s {
	case NotRegistered:
		return "not-registered"
	case Pending:
		return "pending"
	case Registered:
		return "registered"
	default:
		return "unknown"
	}
}

// RequestStatus is the state of an auth token request.
type RequestStatus int

const (
	NotStarted RequestStatus = iota + 1
	InProgress
	Completed
)

func (s RequestStatus) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case InProgress:
		return "in-progress"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// AuthToken is the short-lived token issued for a registered installation.
type AuthToken struct {
	// Token is only meaningful when RequestStatus is Completed.
	Token string `cbor:"1,keyasint,omitempty" json:"token,omitempty"`

	RequestStatus RequestStatus `cbor:"2,keyasint" json:"request_status"`

	// CreationTime is the local time at which the token was received.
	CreationTime time.Time `cbor:"3,keyasint,omitempty" json:"creation_time,omitzero"`

	// ExpiresIn is the lifetime the server granted, counted from CreationTime.
	ExpiresIn time.Duration `cbor:"4,keyasint,omitempty" json:"expires_in,omitempty"`

	// RequestTime is set when RequestStatus transitions to InProgress.
	RequestTime time.Time `cbor:"5,keyasint,omitempty" json:"request_time,omitzero"`
}

// ExpiresAt returns the absolute expiration of a completed token.
func (t AuthToken) ExpiresAt() time.Time {
	return t.CreationTime.Add(t.ExpiresIn)
}

// IsValid reports whether the token is completed and does not expire within buffer.
func (t AuthToken) IsValid(now time.Time, buffer time.Duration) bool {
	if t.RequestStatus != Completed {
		return false
	}
	return now.Before(t.ExpiresAt().Add(-buffer))
}

// IdentityRecord is the locally persisted state of one installation.
// There is exactly one record per AppConfig.Key().
type IdentityRecord struct {
	FID                string             `cbor:"1,keyasint" json:"fid"`
	RegistrationStatus RegistrationStatus `cbor:"2,keyasint" json:"registration_status"`
	RegistrationTime   time.Time          `cbor:"3,keyasint,omitempty" json:"registration_time,omitzero"`
	RefreshToken       string             `cbor:"4,keyasint,omitempty" json:"refresh_token,omitempty"`
	AuthToken          AuthToken          `cbor:"5,keyasint" json:"auth_token"`
}

// NewIdentityRecord returns an unregistered record for fid.
func NewIdentityRecord(fid string) *IdentityRecord {
	return &IdentityRecord{
		FID:                fid,
		RegistrationStatus: NotRegistered,
		AuthToken:          AuthToken{RequestStatus: NotStarted},
	}
}

// Clone returns a copy that can be mutated without affecting r.
func (r *IdentityRecord) Clone() *IdentityRecord {
	if r == nil {
		return nil
	}
	cpy := *r
	return &cpy
}

// IsRegistered reports whether the record can be used to request auth tokens.
func (r *IdentityRecord) IsRegistered() bool {
	return r != nil && r.RegistrationStatus == Registered
}

// RegistrationExpired reports whether a pending registration has been abandoned.
func (r *IdentityRecord) RegistrationExpired(now time.Time, timeout time.Duration) bool {
	return r.RegistrationStatus == Pending && r.RegistrationTime.Add(timeout).Before(now)
}

// AuthRequestExpired reports whether a pending auth token request has been abandoned.
func (r *IdentityRecord) AuthRequestExpired(now time.Time, timeout time.Duration) bool {
	return r.AuthToken.RequestStatus == InProgress && r.AuthToken.RequestTime.Add(timeout).Before(now)
}
