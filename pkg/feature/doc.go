// Package feature gates capabilities by subscription plan and status.
//
// The gate derives availability from the tenant's effective plan: the
// subscribed plan while the subscription is entitled (trialing, active or
// past due), the free plan otherwise. Unknown feature keys are always
// disabled.
package feature
