// Package templates renders outbound message templates: spintax variants
// ({Hallo|Hi}) and {{key}} variable placeholders.
package templates

import (
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
)

var (
	innermostGroup = regexp.MustCompile(`\{([^{}]*)\}`)
	variableRef    = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)
)

const (
	placeholderOpen  = "\x00"
	placeholderClose = "\x01"
)

// Renderer renders message templates. The zero value picks spintax options
// with math/rand.
type Renderer struct {
	// Pick returns an index in [0, n). Tests set it for deterministic output.
	Pick func(n int) int
}

func (r Renderer) pick(n int) int {
	if r.Pick != nil {
		if i := r.Pick(n); i >= 0 && i < n {
			return i
		}
		return 0
	}
	return rand.IntN(n)
}

// Spin resolves spintax groups from the innermost outwards, choosing one
// option per group. Brace groups without "|" are kept literally, so
// {{variable}} placeholders survive for Substitute.
func (r Renderer) Spin(text string) string {
	var literals []string
	for {
		loc := innermostGroup.FindStringSubmatchIndex(text)
		if loc == nil {
			break
		}
		body := text[loc[2]:loc[3]]
		var replacement string
		if strings.Contains(body, "|") {
			options := strings.Split(body, "|")
			replacement = options[r.pick(len(options))]
		} else {
			replacement = placeholderOpen + strconv.Itoa(len(literals)) + placeholderClose
			literals = append(literals, text[loc[0]:loc[1]])
		}
		text = text[:loc[0]] + replacement + text[loc[1]:]
	}
	// Later literals may wrap earlier ones, so restore newest first.
	for i := len(literals) - 1; i >= 0; i-- {
		text = strings.ReplaceAll(text, placeholderOpen+strconv.Itoa(i)+placeholderClose, literals[i])
	}
	return text
}

// Substitute replaces {{key}} references with vars[key]. Keys are
// case-sensitive; unknown keys are left untouched.
func (Renderer) Substitute(text string, vars map[string]string) string {
	return variableRef.ReplaceAllStringFunc(text, func(match string) string {
		key := variableRef.FindStringSubmatch(match)[1]
		if v, ok := vars[key]; ok {
			return v
		}
		return match
	})
}

// Render applies spintax, then variable substitution.
func (r Renderer) Render(text string, vars map[string]string) string {
	return strings.TrimSpace(r.Substitute(r.Spin(text), vars))
}
