package settings

import (
	"strconv"
	"time"
)

// Expiring key-value keys and defaults.
const (
	// DisableRegisterKey overrides the static registration-disabled default.
	DisableRegisterKey = "DisableRegister"
	// SealUserPrefix marks a sealed identity id.
	SealUserPrefix = "seal:user:"
	// SealNamePrefix marks a banned handle.
	SealNamePrefix = "seal:name:"
	// SealIPPrefix marks a banned originating address.
	SealIPPrefix = "seal:ip:"
	// NewUserPrefix flags an identity created within the last NewUserTTL.
	NewUserPrefix = "new:user:"
	// RegisterIPPrefix counts identities created from one address.
	RegisterIPPrefix = "reg:ip:"

	// NewUserTTL is how long a fresh identity stays flagged as new.
	NewUserTTL = 24 * time.Hour
	// RegisterWindow is the fixed window for the per-address registration counter.
	RegisterWindow = 24 * time.Hour
	// MaxRegistrationsPerWindow is the per-address registration cap.
	MaxRegistrationsPerWindow = 3
	// PresenceTTL bounds staleness of cached online state.
	PresenceTTL = 60 * time.Second
	// GuestMessageCount is the number of default group messages shown to guests.
	GuestMessageCount = 15
	// MaxHandleLength is the maximum identity handle length in runes.
	MaxHandleLength = 32
)

// SealUserKey returns the seal key for an identity id.
func SealUserKey(userID uint64) string {
	return SealUserPrefix + strconv.FormatUint(userID, 10)
}

// SealNameKey returns the seal key for a handle.
func SealNameKey(handle string) string {
	return SealNamePrefix + handle
}

// SealIPKey returns the seal key for an address.
func SealIPKey(addr string) string {
	return SealIPPrefix + addr
}

// NewUserKey returns the new-identity flag key for an identity id.
func NewUserKey(userID uint64) string {
	return NewUserPrefix + strconv.FormatUint(userID, 10)
}

// RegisterIPKey returns the registration counter key for an address.
func RegisterIPKey(addr string) string {
	return RegisterIPPrefix + addr
}
