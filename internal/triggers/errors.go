package triggers

import "errors"

var (
	// ErrTriggerNotFound is returned when a trigger id does not resolve.
	ErrTriggerNotFound = errors.New("triggers: trigger not found")

	// ErrNoMatchingTrigger is returned when an event matches no active trigger.
	ErrNoMatchingTrigger = errors.New("triggers: no matching trigger")

	// ErrInvalidTrigger wraps validation failures on create.
	ErrInvalidTrigger = errors.New("triggers: invalid trigger")

	// ErrIntegrationNotFound is returned when a tenant has no credentials for a CRM.
	ErrIntegrationNotFound = errors.New("triggers: crm integration not found")

	// ErrInvalidToken is returned when a webhook delivery carries the wrong secret.
	ErrInvalidToken = errors.New("triggers: invalid webhook token")
)
