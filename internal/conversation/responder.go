package conversation

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/wolfman30/crm-trigger-engine/internal/llm"
)

const (
	historyTurns  = 10
	maxReplyRunes = 1000
)

// Responder drafts agent replies with an LLM.
type Responder struct {
	client      llm.Client
	model       string
	maxTokens   int32
	temperature float32
}

func NewResponder(client llm.Client, model string) *Responder {
	return &Responder{client: client, model: model, maxTokens: 400, temperature: 0.6}
}

// Reply drafts the next agent message for conv given the stored history,
// which must already include the inbound message.
func (r *Responder) Reply(ctx context.Context, agent *Agent, conv *Conversation, history []Message) (string, error) {
	if r == nil || r.client == nil {
		return "", fmt.Errorf("conversation: no llm configured")
	}
	if len(history) > historyTurns {
		history = history[len(history)-historyTurns:]
	}
	turns := make([]llm.Message, 0, len(history))
	for _, m := range history {
		role := llm.RoleAssistant
		if m.Direction == DirectionInbound {
			role = llm.RoleUser
		}
		turns = append(turns, llm.Message{Role: role, Content: m.Content})
	}
	resp, err := r.client.Complete(ctx, llm.Request{
		Model:       r.model,
		System:      []string{SystemPrompt(agent, conv)},
		Messages:    turns,
		MaxTokens:   r.maxTokens,
		Temperature: r.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("conversation: draft reply: %w", err)
	}
	reply := CleanReply(resp.Text, agent)
	if reply == "" {
		return "", llm.ErrEmptyCompletion
	}
	return reply, nil
}

// SystemPrompt describes the persona, the current script step and the FAQ.
func SystemPrompt(agent *Agent, conv *Conversation) string {
	var b strings.Builder
	name := "Assistent"
	if agent != nil && strings.TrimSpace(agent.Name) != "" {
		name = strings.TrimSpace(agent.Name)
	}
	fmt.Fprintf(&b, "Du bist %s und schreibst per WhatsApp mit einem Interessenten.\n", name)
	if agent != nil && strings.TrimSpace(agent.Persona) != "" {
		b.WriteString(strings.TrimSpace(agent.Persona))
		b.WriteString("\n")
	}
	if conv != nil && conv.ContactFirstName != "" {
		fmt.Fprintf(&b, "Der Kontakt heißt %s.\n", conv.ContactFirstName)
	}
	if agent != nil && conv != nil {
		if step, ok := agent.Step(conv.CurrentScriptStep); ok {
			fmt.Fprintf(&b, "\nAktueller Schritt %d", step.Step)
			if step.Name != "" {
				fmt.Fprintf(&b, " (%s)", step.Name)
			}
			b.WriteString(".\n")
			if step.Goal != "" {
				fmt.Fprintf(&b, "Ziel: %s\n", step.Goal)
			}
			if step.Template != "" {
				fmt.Fprintf(&b, "Orientierung (nicht wörtlich übernehmen): %s\n", step.Template)
			}
		}
	}
	if agent != nil && len(agent.FAQEntries) > 0 {
		b.WriteString("\nHäufige Fragen:\n")
		for _, faq := range agent.FAQEntries {
			fmt.Fprintf(&b, "F: %s\nA: %s\n", strings.TrimSpace(faq.Question), strings.TrimSpace(faq.Answer))
		}
	}
	b.WriteString("\nAntworte kurz, freundlich und ohne Hinweis darauf, dass du eine KI bist.")
	return b.String()
}

var leadInPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(assistant|assistent|ai|ki|bot|agent)\s*:\s*`),
	regexp.MustCompile(`(?i)^(als|as an?)\s+(ki|ai|künstliche intelligenz|language model|sprachmodell)\b[^.!?,\n]*[.!?,]\s*`),
	regexp.MustCompile(`(?i)^(hier ist (meine|die|eine) antwort|here is (my|the|a) (reply|response))\s*:?\s*`),
}

// CleanReply strips AI lead-ins and wrapping quotes, then truncates to
// maxReplyRunes runes with "..." appended.
func CleanReply(text string, agent *Agent) string {
	out := strings.TrimSpace(text)
	if agent != nil && agent.Name != "" {
		out = strings.TrimSpace(strings.TrimPrefix(out, agent.Name+":"))
	}
	for changed := true; changed; {
		changed = false
		for _, re := range leadInPatterns {
			if loc := re.FindStringIndex(out); loc != nil {
				out = strings.TrimSpace(out[loc[1]:])
				changed = true
			}
		}
	}
	if len(out) >= 2 && out[0] == '"' && out[len(out)-1] == '"' {
		out = strings.TrimSpace(out[1 : len(out)-1])
	}
	if utf8.RuneCountInString(out) > maxReplyRunes {
		runes := []rune(out)
		out = string(runes[:maxReplyRunes]) + "..."
	}
	return out
}
