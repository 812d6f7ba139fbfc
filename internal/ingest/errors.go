package ingest

import (
	"errors"

	"github.com/wolfman30/crm-trigger-engine/internal/crm"
)

var (
	// ErrInvalidPayload is returned for bodies that are not a JSON or form object.
	ErrInvalidPayload = crm.ErrInvalidPayload

	// ErrMissingPhone is returned when a matched event carries no usable phone.
	// The event is audited and no conversation starts.
	ErrMissingPhone = errors.New("ingest: contact phone missing")

	// ErrNotPollable is returned when a trigger's CRM has no list API.
	ErrNotPollable = errors.New("ingest: crm does not support polling")
)
