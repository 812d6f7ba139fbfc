package gateway

import "strings"

// NormalizePhone reduces a phone number or WhatsApp JID to +digits. A
// leading 00 international prefix becomes +. Inputs with fewer than seven
// digits return "".
func NormalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	if at := strings.IndexByte(raw, '@'); at >= 0 {
		raw = raw[:at]
	}
	if colon := strings.IndexByte(raw, ':'); colon >= 0 {
		raw = raw[:colon]
	}
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	if !strings.HasPrefix(raw, "+") {
		d = strings.TrimPrefix(d, "00")
	}
	if len(d) < 7 {
		return ""
	}
	return "+" + d
}
