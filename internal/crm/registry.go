package crm

import (
	"fmt"
	"sync"

	"github.com/wolfman30/crm-trigger-engine/pkg/logging"
)

// Registry resolves the adapter for a CRM type.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Type]Adapter
}

// NewRegistry builds a registry from the given adapters. Later adapters
// replace earlier ones of the same type.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Type]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// NewDefaultRegistry wires every supported CRM with a shared client config.
func NewDefaultRegistry(cfg ClientConfig, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Default()
	}
	return NewRegistry(
		NewGeneric(),
		NewPipedrive(NewHTTPClient(string(TypePipedrive), cfg, logger)),
		NewHubSpot(NewHTTPClient(string(TypeHubSpot), cfg, logger)),
		NewMonday(NewHTTPClient(string(TypeMonday), cfg, logger)),
		NewClose(NewHTTPClient(string(TypeClose), cfg, logger)),
		NewActiveCampaign(NewHTTPClient(string(TypeActiveCampaign), cfg, logger)),
	)
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a Adapter) {
	if a == nil {
		return
	}
	r.mu.Lock()
	r.adapters[a.Type()] = a
	r.mu.Unlock()
}

// Adapter returns the adapter for t or ErrUnsupportedCRM.
func (r *Registry) Adapter(t Type) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[t]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCRM, t)
	}
	return a, nil
}

// Provider returns the API provider for t if the adapter has one.
func (r *Registry) Provider(t Type) (Provider, bool) {
	a, err := r.Adapter(t)
	if err != nil {
		return nil, false
	}
	p, ok := a.(Provider)
	return p, ok
}

// Normalize converts a raw payload into a ContactEvent. The flattened payload
// is attached as template variables.
func (r *Registry) Normalize(t Type, payload map[string]any) (ContactEvent, error) {
	a, err := r.Adapter(t)
	if err != nil {
		return ContactEvent{}, err
	}
	evt, err := a.Normalize(payload)
	if err != nil {
		return ContactEvent{}, err
	}
	evt.CRMType = t
	if evt.EventType == "" {
		evt.EventType = a.ExtractEventType(payload)
	}
	evt.RawPayload = payload
	evt.Variables = ContactVariables(evt, payload)
	return evt, nil
}

// ExtractEventType returns the CRM event type, or "" when none is present.
func (r *Registry) ExtractEventType(t Type, payload map[string]any) (string, error) {
	a, err := r.Adapter(t)
	if err != nil {
		return "", err
	}
	return a.ExtractEventType(payload), nil
}

// SupportsNativeWebhooks reports whether the CRM can push events to us.
func (r *Registry) SupportsNativeWebhooks(t Type) bool {
	a, err := r.Adapter(t)
	if err != nil {
		return false
	}
	return a.SupportsWebhooks()
}
