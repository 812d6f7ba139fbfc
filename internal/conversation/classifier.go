package conversation

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var classifierTracer = otel.Tracer("crmtrigger/conversation-classifier")

// DefaultEscalationKeywords always escalate, in addition to agent topics.
var DefaultEscalationKeywords = []string{
	"anwalt", "rechtsanwalt", "beschwerde", "polizei", "verbraucherzentrale",
	"lawyer", "attorney", "complaint", "lawsuit", "police", "manager",
}

// Verdict is what the classifier found in an inbound message.
type Verdict struct {
	Escalate    bool
	Disqualify  bool
	MatchedTerm string
}

// Classify checks text for escalation topics first, then disqualification
// criteria. Matching is a case-insensitive substring test and the first
// match wins.
func Classify(ctx context.Context, agent *Agent, text string) Verdict {
	_, span := classifierTracer.Start(ctx, "conversation.classify")
	defer span.End()

	lower := strings.ToLower(text)
	var topics, criteria []string
	if agent != nil {
		topics = agent.EscalationTopics
		criteria = agent.DisqualifyCriteria
	}

	if term, ok := firstMatch(lower, topics, DefaultEscalationKeywords); ok {
		span.SetAttributes(attribute.String("classify.result", "escalate"), attribute.String("classify.term", term))
		return Verdict{Escalate: true, MatchedTerm: term}
	}
	if term, ok := firstMatch(lower, criteria); ok {
		span.SetAttributes(attribute.String("classify.result", "disqualify"), attribute.String("classify.term", term))
		return Verdict{Disqualify: true, MatchedTerm: term}
	}
	span.SetAttributes(attribute.String("classify.result", "none"))
	return Verdict{}
}

func firstMatch(lower string, lists ...[]string) (string, bool) {
	for _, list := range lists {
		for _, term := range list {
			t := strings.ToLower(strings.TrimSpace(term))
			if t != "" && strings.Contains(lower, t) {
				return term, true
			}
		}
	}
	return "", false
}
