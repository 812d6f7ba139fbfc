package crm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidPayload is returned when a body cannot be decoded into an object.
var ErrInvalidPayload = errors.New("crm: invalid payload")

// ParsePayload decodes a JSON or form-encoded webhook body. A JSON array
// body (HubSpot batches) yields its first object.
func ParsePayload(body []byte, contentType string) (map[string]any, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/x-www-form-urlencoded" {
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return ParseForm(values), nil
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidPayload)
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		// Some CRMs send form bodies without a content type.
		if values, ferr := url.ParseQuery(string(trimmed)); ferr == nil && len(values) > 0 && trimmed[0] != '{' && trimmed[0] != '[' {
			return ParseForm(values), nil
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	switch v := raw.(type) {
	case map[string]any:
		return v, nil
	case []any:
		for _, item := range v {
			if obj, ok := item.(map[string]any); ok {
				return obj, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: expected a json object", ErrInvalidPayload)
}

// ParseForm expands bracketed form keys (contact[first_name]) into nested maps.
func ParseForm(values url.Values) map[string]any {
	out := map[string]any{}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		vals := values[key]
		if len(vals) == 0 {
			continue
		}
		parts := formKeyParts(key)
		node := out
		for i, part := range parts {
			if i == len(parts)-1 {
				node[part] = vals[0]
				break
			}
			next, ok := node[part].(map[string]any)
			if !ok {
				next = map[string]any{}
				node[part] = next
			}
			node = next
		}
	}
	return out
}

func formKeyParts(key string) []string {
	open := strings.IndexByte(key, '[')
	if open <= 0 {
		return []string{key}
	}
	parts := []string{key[:open]}
	rest := key[open:]
	for len(rest) > 0 && rest[0] == '[' {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			break
		}
		parts = append(parts, rest[1:end])
		rest = rest[end+1:]
	}
	return parts
}

// Lookup walks a dotted path through nested maps and slices. Numeric
// segments index into slices ("current.phone.0.value").
func Lookup(payload map[string]any, path string) (any, bool) {
	var node any = payload
	for _, seg := range strings.Split(path, ".") {
		switch cur := node.(type) {
		case map[string]any:
			next, ok := cur[seg]
			if !ok {
				return nil, false
			}
			node = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(cur) {
				return nil, false
			}
			node = cur[idx]
		default:
			return nil, false
		}
	}
	return node, node != nil
}

// StringAt returns the first non-empty scalar found at any of the paths.
func StringAt(payload map[string]any, paths ...string) string {
	for _, p := range paths {
		v, ok := Lookup(payload, p)
		if !ok {
			continue
		}
		if s, ok := scalarString(v); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
		// Multi-valued fields resolve to their first element.
		if arr, ok := v.([]any); ok && len(arr) > 0 {
			if s, ok := scalarString(arr[0]); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
			if obj, ok := arr[0].(map[string]any); ok {
				if s := StringAt(obj, "value", "phone", "email", "text"); s != "" {
					return s
				}
			}
		}
	}
	return ""
}

// MapAt returns the object at path, if any.
func MapAt(payload map[string]any, path string) map[string]any {
	v, ok := Lookup(payload, path)
	if !ok {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

// Flatten walks a nested payload joining keys with "_". Arrays contribute only
// their first element: a scalar directly, an object by recursing into it.
func Flatten(payload map[string]any) map[string]string {
	out := make(map[string]string)
	flattenInto(out, "", payload)
	return out
}

func flattenInto(out map[string]string, prefix string, node any) {
	switch v := node.(type) {
	case map[string]any:
		for k, child := range v {
			key := k
			if prefix != "" {
				key = prefix + "_" + k
			}
			flattenInto(out, key, child)
		}
	case []any:
		for _, item := range v {
			if s, ok := scalarString(item); ok {
				if prefix != "" {
					out[prefix] = s
				}
				return
			}
		}
		if len(v) > 0 {
			if obj, ok := v[0].(map[string]any); ok {
				flattenInto(out, prefix, obj)
			}
		}
	default:
		if prefix == "" {
			return
		}
		if s, ok := scalarString(v); ok {
			out[prefix] = s
		}
	}
}

// SplitName splits on the first whitespace token; the remainder is the last
// name. Single-token names have an empty last name.
func SplitName(full string) (first, last string) {
	fields := strings.Fields(full)
	if len(fields) == 0 {
		return "", ""
	}
	return fields[0], strings.Join(fields[1:], " ")
}

// ContactVariables builds the template variables for an event: the flattened
// payload overlaid with the canonical contact fields.
func ContactVariables(evt ContactEvent, payload map[string]any) map[string]string {
	vars := Flatten(payload)
	first, last := evt.FirstName, evt.LastName
	if first == "" && last == "" {
		first, last = SplitName(evt.FullName)
	}
	set := func(k, v string) {
		if strings.TrimSpace(v) != "" {
			vars[k] = strings.TrimSpace(v)
		}
	}
	set("first_name", first)
	set("last_name", last)
	set("full_name", evt.DisplayName())
	set("name", evt.DisplayName())
	set("phone", evt.Phone)
	set("email", evt.Email)
	set("crm_type", string(evt.CRMType))
	set("event_type", evt.EventType)
	return vars
}

// fillNames derives missing name parts from each other.
func fillNames(evt *ContactEvent) {
	if evt.FullName == "" {
		evt.FullName = strings.TrimSpace(evt.FirstName + " " + evt.LastName)
	}
	if evt.FirstName == "" && evt.LastName == "" && evt.FullName != "" {
		evt.FirstName, evt.LastName = SplitName(evt.FullName)
	}
}

// parseTime accepts the timestamp layouts used by the supported CRMs.
func parseTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02T15:04:05-07:00",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if ms > 1e12 {
			return time.UnixMilli(ms).UTC()
		}
		return time.Unix(ms, 0).UTC()
	}
	return time.Time{}
}

// fieldFromRoots reads key under each root object, then falls back to the
// flattened payload.
func fieldFromRoots(payload map[string]any, key string, roots ...string) (string, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false
	}
	for _, root := range roots {
		path := key
		if root != "" {
			path = root + "." + key
		}
		if s := StringAt(payload, path, path+".text", path+".label", path+".value", path+".label.text"); s != "" {
			return s, true
		}
	}
	if s, ok := Flatten(payload)[key]; ok && strings.TrimSpace(s) != "" {
		return strings.TrimSpace(s), true
	}
	return "", false
}
