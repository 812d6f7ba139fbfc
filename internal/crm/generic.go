package crm

// Generic handles tenant-built webhooks (forms, Zapier, custom backends). It
// has no API: the tenant posts directly to the trigger URL.
type Generic struct{}

// NewGeneric returns the generic webhook adapter.
func NewGeneric() *Generic { return &Generic{} }

func (Generic) Type() Type { return TypeWebhook }

// SupportsWebhooks is false because there is nothing to register; the
// coordinator treats generic triggers as push-only.
func (Generic) SupportsWebhooks() bool { return false }

var (
	genericRoots      = []string{"", "contact", "data", "lead", "person", "customer"}
	genericPhoneKeys  = []string{"phone", "phone_number", "phoneNumber", "mobile", "mobile_phone", "mobilePhone", "telefon", "tel", "whatsapp"}
	genericFirstKeys  = []string{"first_name", "firstName", "firstname", "vorname"}
	genericLastKeys   = []string{"last_name", "lastName", "lastname", "nachname"}
	genericNameKeys   = []string{"full_name", "fullName", "name"}
	genericEmailKeys  = []string{"email", "email_address", "emailAddress", "mail"}
	genericIDKeys     = []string{"id", "lead_id", "leadId", "external_id", "externalId"}
	genericEventKeys  = []string{"event", "event_type", "eventType", "type", "trigger"}
	genericCreateKeys = []string{"created_at", "createdAt", "timestamp"}
)

func genericPaths(keys []string) []string {
	paths := make([]string, 0, len(keys)*len(genericRoots))
	for _, root := range genericRoots {
		for _, k := range keys {
			if root == "" {
				paths = append(paths, k)
				continue
			}
			paths = append(paths, root+"."+k)
		}
	}
	return paths
}

func (Generic) ExtractEventType(payload map[string]any) string {
	return StringAt(payload, genericEventKeys...)
}

func (g Generic) Normalize(payload map[string]any) (ContactEvent, error) {
	evt := ContactEvent{
		CRMType:    TypeWebhook,
		EventType:  g.ExtractEventType(payload),
		ExternalID: StringAt(payload, genericPaths(genericIDKeys)...),
		Phone:      StringAt(payload, genericPaths(genericPhoneKeys)...),
		FirstName:  StringAt(payload, genericPaths(genericFirstKeys)...),
		LastName:   StringAt(payload, genericPaths(genericLastKeys)...),
		FullName:   StringAt(payload, genericPaths(genericNameKeys)...),
		Email:      StringAt(payload, genericPaths(genericEmailKeys)...),
		OccurredAt: parseTime(StringAt(payload, genericPaths(genericCreateKeys)...)),
	}
	fillNames(&evt)
	return evt, nil
}

func (Generic) FieldValue(payload map[string]any, key string) (string, bool) {
	return fieldFromRoots(payload, key, genericRoots...)
}
