package archive

import "time"

// PayloadRecord is a CRM delivery that could not be processed, kept for
// forensics and manual replay.
type PayloadRecord struct {
	Version    string         `json:"version"`
	EventID    string         `json:"event_id"`
	TenantID   string         `json:"tenant_id,omitempty"`
	TriggerID  string         `json:"trigger_id,omitempty"`
	CRMType    string         `json:"crm_type"`
	Source     string         `json:"source"` // webhook|poll
	Stage      string         `json:"stage"`
	Error      string         `json:"error"`
	PhoneHash  string         `json:"phone_hash,omitempty"`
	ArchivedAt time.Time      `json:"archived_at"`
	Payload    map[string]any `json:"payload"`
}

// ManifestEntry is one JSONL line in the monthly manifest file.
type ManifestEntry struct {
	EventID    string `json:"event_id"`
	S3Key      string `json:"s3_key"`
	TenantID   string `json:"tenant_id,omitempty"`
	TriggerID  string `json:"trigger_id,omitempty"`
	CRMType    string `json:"crm_type"`
	Stage      string `json:"stage"`
	ArchivedAt string `json:"archived_at"`
}
