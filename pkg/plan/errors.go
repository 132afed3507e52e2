package plan

import "errors"

var (
	ErrPlanNotFound             = errors.New("plan not found")
	ErrInvalidPlanConfiguration = errors.New("invalid plan configuration")
	ErrNoDefaultPlan            = errors.New("no default plan configured")
	ErrFailedToLoadPlans        = errors.New("failed to load plans")
)
