package behavior

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/collab"
	"github.com/nidhogg/nuka-memory/internal/model"
)

// protectedSpan matches text that tone rules must never touch: code,
// URLs, quotations and any token containing a digit.
var protectedSpan = regexp.MustCompile("```[\\s\\S]*?```|`[^`\\n]*`|https?://\\S+|\"[^\"\\n]*\"|“[^”\\n]*”|\\S*\\d\\S*")

var (
	expansions = map[string]string{
		"don't": "do not", "can't": "cannot", "won't": "will not", "i'm": "I am",
		"it's": "it is", "you're": "you are", "we're": "we are", "they're": "they are",
		"isn't": "is not", "aren't": "are not", "doesn't": "does not", "didn't": "did not",
		"i'll": "I will", "we'll": "we will", "you'll": "you will", "i've": "I have",
		"we've": "we have", "let's": "let us", "that's": "that is", "wouldn't": "would not",
		"couldn't": "could not", "shouldn't": "should not",
	}
	contractions = map[string]string{
		"do not": "don't", "cannot": "can't", "will not": "won't", "i am": "I'm",
		"it is": "it's", "you are": "you're", "we are": "we're", "they are": "they're",
		"is not": "isn't", "are not": "aren't", "does not": "doesn't", "did not": "didn't",
		"i will": "I'll", "we will": "we'll", "you will": "you'll", "that is": "that's",
		"i will not": "I won't", "we will not": "we won't", "you will not": "you won't",
	}
	expandRe   = wordsRe(expansions, true)
	contractRe = wordsRe(contractions, false)

	casualGreeting = regexp.MustCompile(`(?i)^(hey there|hey|hiya|yo|sup)\b`)
	formalGreeting = regexp.MustCompile(`(?i)^(hello there|hello|greetings)\b`)
	spaceRun       = regexp.MustCompile(`[ \t]{2,}`)
	spaceBeforeEnd = regexp.MustCompile(`[ \t]+([.,;:?!])`)
)

func wordsRe(m map[string]string, apostrophes bool) *regexp.Regexp {
	alts := make([]string, 0, len(m))
	for k := range m {
		k = regexp.QuoteMeta(k)
		if apostrophes {
			k = strings.ReplaceAll(k, "'", "['’]")
		}
		alts = append(alts, strings.ReplaceAll(k, " ", `\s+`))
	}
	// Longest first, so a phrase wins over any alternative it contains.
	sort.Slice(alts, func(i, j int) bool {
		if len(alts[i]) != len(alts[j]) {
			return len(alts[i]) > len(alts[j])
		}
		return alts[i] < alts[j]
	})
	return regexp.MustCompile(`(?i)\b(` + strings.Join(alts, "|") + `)\b`)
}

// toneRules is the rule set of one style.
type toneRules struct {
	expand     bool
	contract   bool
	greeting   *regexp.Regexp
	greetWith  string
	maxExclaim int
	maxEmoji   int
}

func rulesFor(style model.CommunicationStyle) toneRules {
	switch style {
	case model.StyleFormal:
		return toneRules{expand: true, greeting: casualGreeting, greetWith: "Hello"}
	case model.StyleGuarded:
		return toneRules{expand: true, greeting: casualGreeting, greetWith: "Hello"}
	case model.StyleProfessional:
		return toneRules{expand: true, greeting: casualGreeting, greetWith: "Hello", maxExclaim: 1}
	case model.StyleFriendly:
		return toneRules{maxExclaim: 2, maxEmoji: 2}
	case model.StyleCasual:
		return toneRules{contract: true, greeting: formalGreeting, greetWith: "Hey", maxExclaim: 3, maxEmoji: 3}
	}
	return toneRules{maxExclaim: 1}
}

// ApplyRules adjusts the register and exuberance of text for style.
// Protected spans (code, URLs, quotations, anything with a digit) are
// copied unchanged.
func ApplyRules(text string, style model.CommunicationStyle) string {
	r := rulesFor(style)
	st := &density{}
	var b strings.Builder
	last := 0
	for _, loc := range protectedSpan.FindAllStringIndex(text, -1) {
		b.WriteString(r.apply(text[last:loc[0]], st, last == 0))
		b.WriteString(text[loc[0]:loc[1]])
		st.prev = 0
		last = loc[1]
	}
	b.WriteString(r.apply(text[last:], st, last == 0))

	out := b.String()
	if !strings.HasSuffix(text, " ") {
		out = strings.TrimRight(out, " \t")
	}
	return out
}

// density counts the exclamations and emoji kept so far.
type density struct {
	exclaims int
	emoji    int
	prev     rune
	// dropping is set while the rest of a removed emoji sequence is skipped.
	dropping bool
}

func (r toneRules) apply(seg string, st *density, atStart bool) string {
	if seg == "" {
		return seg
	}
	if atStart && r.greeting != nil {
		seg = r.greeting.ReplaceAllString(seg, r.greetWith)
	}
	switch {
	case r.expand:
		seg = expandRe.ReplaceAllStringFunc(seg, func(m string) string {
			return matchCase(m, expansions[normalise(m)])
		})
	case r.contract:
		seg = contractRe.ReplaceAllStringFunc(seg, func(m string) string {
			return matchCase(m, contractions[normalise(m)])
		})
	}

	var b strings.Builder
	for _, c := range seg {
		switch {
		case c == '!':
			if st.prev == '!' || st.prev == '?' || st.prev == '.' {
				continue
			}
			if st.exclaims < r.maxExclaim {
				st.exclaims++
				b.WriteRune('!')
			} else {
				b.WriteRune('.')
				c = '.'
			}
		case isEmojiJoiner(c):
			if st.dropping {
				continue
			}
			b.WriteRune(c)
		case isEmoji(c):
			if st.prev == '\u200d' {
				if st.dropping {
					continue
				}
				b.WriteRune(c)
				break
			}
			if st.emoji < r.maxEmoji {
				st.emoji++
				st.dropping = false
				b.WriteRune(c)
			} else {
				st.dropping = true
				continue
			}
		default:
			st.dropping = false
			b.WriteRune(c)
		}
		st.prev = c
	}
	out := spaceRun.ReplaceAllString(b.String(), " ")
	return spaceBeforeEnd.ReplaceAllString(out, "$1")
}

func normalise(m string) string {
	m = strings.ToLower(strings.ReplaceAll(m, "’", "'"))
	return strings.Join(strings.Fields(m), " ")
}

// matchCase capitalises repl when the matched text started upper case.
func matchCase(matched, repl string) string {
	first, _ := utf8.DecodeRuneInString(matched)
	if !unicode.IsUpper(first) || repl == "" {
		return repl
	}
	r, n := utf8.DecodeRuneInString(repl)
	return string(unicode.ToUpper(r)) + repl[n:]
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF,
		r >= 0x2600 && r <= 0x27BF,
		r >= 0x1F000 && r <= 0x1F2FF:
		return true
	}
	return false
}

func isEmojiJoiner(r rune) bool {
	return r == '\u200d' || r == '\ufe0f' || (r >= 0x1F3FB && r <= 0x1F3FF)
}

// Config controls the optional generator rewrite.
type Config struct {
	// Rewrite enables a generator pass before the rules.
	Rewrite     bool
	Temperature float64
}

// Adapter adapts replies to a communication style.
type Adapter struct {
	gen    collab.TextGenerator
	cfg    Config
	logger *zap.Logger
}

// NewAdapter creates an adapter. gen may be nil.
func NewAdapter(gen collab.TextGenerator, cfg Config, logger *zap.Logger) *Adapter {
	return &Adapter{gen: gen, cfg: cfg, logger: logger}
}

const rewritePrompt = `Rewrite the reply below in a %s tone. Change only the tone.
Keep every fact, number, name, URL, code span and quotation exactly as written.
Reply with the rewritten text only.`

// Adapt returns text in style. With a generator configured, the rewrite is
// accepted only if every protected span survives it; otherwise, and on any
// generator failure, the rule set alone is used.
func (a *Adapter) Adapt(ctx context.Context, text string, style model.CommunicationStyle) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	if a.gen == nil || !a.cfg.Rewrite {
		return ApplyRules(text, style)
	}
	out, err := a.gen.Complete(ctx, strings.Replace(rewritePrompt, "%s", string(style), 1),
		[]collab.Message{{Role: "user", Content: text}}, a.cfg.Temperature)
	if err != nil {
		a.logger.Warn("style rewrite failed, using rules", zap.Error(err))
		return ApplyRules(text, style)
	}
	if !PreservesFacts(text, out) {
		a.logger.Warn("style rewrite changed protected content, using rules", zap.String("style", string(style)))
		return ApplyRules(text, style)
	}
	return ApplyRules(out, style)
}

// PreservesFacts reports whether every protected span of original appears
// unchanged in rewritten, and the length stayed within a factor of two.
func PreservesFacts(original, rewritten string) bool {
	o, n := utf8.RuneCountInString(original), utf8.RuneCountInString(rewritten)
	if n == 0 || n > 2*o+20 || 2*n+20 < o {
		return false
	}
	for _, span := range protectedSpan.FindAllString(original, -1) {
		if !strings.Contains(rewritten, span) {
			return false
		}
	}
	return true
}
