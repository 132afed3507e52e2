package subscription

import "errors"

var (
	ErrSubscriptionNotFound      = errors.New("subscription not found")
	ErrSubscriptionAlreadyExists = errors.New("subscription already exists")
	ErrVersionConflict           = errors.New("subscription modified concurrently")
	ErrInvalidSubscriptionState  = errors.New("invalid subscription state")
	ErrStoreUnavailable          = errors.New("subscription store unavailable")

	ErrUnknownEventType = errors.New("unknown provider event type")
)
