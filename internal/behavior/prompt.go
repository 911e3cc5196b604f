// Package behavior turns stats, relationships and learnings into prompt
// guidance, and adjusts the tone of generated replies.
package behavior

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nidhogg/nuka-memory/internal/model"
)

// DefaultTopLearnings is how many learnings a fragment shows by default.
const DefaultTopLearnings = 5

var capabilityHigh = map[model.Capability]string{
	model.CapAnalysis:      "Go into technical depth; analysis is a strength.",
	model.CapCommunication: "Explain clearly and check that you were understood.",
	model.CapCreativity:    "Offer alternatives and fresh ideas.",
	model.CapLeadership:    "Take initiative and propose next steps.",
}

var capabilityLow = map[model.Capability]string{
	model.CapAnalysis:      "State your assumptions and double-check reasoning.",
	model.CapCommunication: "Keep answers short and structured.",
	model.CapCreativity:    "Stick to proven approaches.",
	model.CapLeadership:    "Defer decisions to the people you work with.",
}

var styleGuidance = map[model.CommunicationStyle]string{
	model.StyleFormal:       "Use a formal register with complete sentences. No slang or emoji.",
	model.StyleProfessional: "Be professional and concise; light warmth is fine.",
	model.StyleFriendly:     "Be warm and friendly; a relaxed tone and the occasional emoji are fine.",
	model.StyleCasual:       "Talk casually, like a close colleague. Contractions, humour and emoji are welcome.",
	model.StyleGuarded:      "Be careful and precise. Trust is low, so confirm facts and avoid promises.",
}

// Band names a capability score.
func Band(score float64) string {
	switch {
	case score >= 85:
		return "expert"
	case score >= 60:
		return "strong"
	case score >= 30:
		return "solid"
	default:
		return "developing"
	}
}

// PromptFragment renders the agent's capabilities, its relationship with
// the partner and its topN most confident learnings as prompt guidance.
// Any of stats, rel and learnings may be empty. The output depends only on
// the inputs.
func PromptFragment(stats *model.Stats, rel *model.Relationship, learnings []*model.Learning, topN int) string {
	var b strings.Builder
	if stats != nil {
		writeStats(&b, stats)
	}
	if rel != nil {
		writeRelationship(&b, rel)
	}
	writeLearnings(&b, learnings, topN)
	return strings.TrimRight(b.String(), "\n")
}

func writeStats(b *strings.Builder, s *model.Stats) {
	fmt.Fprintf(b, "[Your capabilities]\nLevel %d (%d XP).\n", s.Level, s.XP)
	var advice []string
	for _, c := range model.AllCapabilities() {
		v := s.Capabilities[c]
		fmt.Fprintf(b, "- %s: %.0f (%s)\n", c, v, Band(v))
		switch {
		case v >= 60:
			advice = append(advice, capabilityHigh[c])
		case v < 20:
			advice = append(advice, capabilityLow[c])
		}
	}

	type domain struct {
		name  string
		score float64
	}
	var domains []domain
	for name, v := range s.Expertise {
		if v >= 10 {
			domains = append(domains, domain{name, v})
		}
	}
	sort.Slice(domains, func(i, j int) bool {
		if domains[i].score != domains[j].score {
			return domains[i].score > domains[j].score
		}
		return domains[i].name < domains[j].name
	})
	if len(domains) > 3 {
		domains = domains[:3]
	}
	if len(domains) > 0 {
		parts := make([]string, len(domains))
		for i, d := range domains {
			parts[i] = fmt.Sprintf("%s (%.0f)", d.name, d.score)
		}
		fmt.Fprintf(b, "Active expertise: %s.\n", strings.Join(parts, ", "))
	}
	if len(s.Performance.Outcomes) >= 5 && s.Performance.SuccessRate < 0.5 {
		advice = append(advice, "Recent tasks often failed; confirm the plan before acting.")
	}
	for _, a := range advice {
		b.WriteString(a + "\n")
	}
	b.WriteString("\n")
}

func writeRelationship(b *strings.Builder, r *model.Relationship) {
	style := r.Boundaries.Effective(r.CommunicationStyle)
	fmt.Fprintf(b, "[Relationship with %s]\n", r.PartnerID)
	fmt.Fprintf(b, "Rapport %.0f, trust %.0f, familiarity %.0f over %d interactions.\n",
		r.Rapport, r.Trust, r.Familiarity, r.InteractionCount)
	if g, ok := styleGuidance[style]; ok {
		fmt.Fprintf(b, "Style: %s. %s\n", style, g)
	}
	if n := len(r.Milestones); n > 0 {
		recent := r.Milestones[max(0, n-2):]
		parts := make([]string, len(recent))
		for i, m := range recent {
			parts[i] = fmt.Sprintf("%s (%s)", m.Description, m.At.UTC().Format("2006-01-02"))
		}
		fmt.Fprintf(b, "Milestones: %s.\n", strings.Join(parts, "; "))
	}
	if !r.Boundaries.SharePrivate {
		b.WriteString("Do not quote your private conversations verbatim.\n")
	}
	if len(r.Boundaries.TopicsOffLimits) > 0 {
		fmt.Fprintf(b, "Do not bring up: %s.\n", strings.Join(r.Boundaries.TopicsOffLimits, ", "))
	}
	b.WriteString("\n")
}

func writeLearnings(b *strings.Builder, learnings []*model.Learning, topN int) {
	if topN <= 0 {
		topN = DefaultTopLearnings
	}
	ranked := append([]*model.Learning(nil), learnings...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Confidence != ranked[j].Confidence {
			return ranked[i].Confidence > ranked[j].Confidence
		}
		return ranked[i].EvidenceCount > ranked[j].EvidenceCount
	})
	if len(ranked) > topN {
		ranked = ranked[:topN]
	}
	if len(ranked) == 0 {
		return
	}
	b.WriteString("[What you have learned]\n")
	for _, l := range ranked {
		fmt.Fprintf(b, "- %s (%s, %.0f%% sure): %s\n", l.Subject, l.Category, l.Confidence, l.Insight)
	}
}
