package summarize

import "strings"

// vaguePhrases name no concrete referent on their own.
var vaguePhrases = []string{
	"fix it",
	"do it",
	"the usual",
	"same as before",
	"same as last time",
	"you know what to do",
	"that thing",
	"make it work",
	"try again",
}

// trailing fillers stripped before the final-pronoun check.
var trailingFillers = map[string]bool{
	"again":  true,
	"now":    true,
	"please": true,
	"too":    true,
	"asap":   true,
}

// pronouns with nothing after them leave the referent unstated.
var bareReferents = map[string]bool{
	"it":   true,
	"that": true,
	"this": true,
	"them": true,
	"those": true,
}

// AmbiguityDirective is injected into the system prompt when the user
// text carries no concrete referent.
const AmbiguityDirective = "The request has no concrete referent. " +
	"Ask exactly one clarifying question before taking any action."

// Ambiguous returns AmbiguityDirective when text is too vague to act on,
// or "" when the request can proceed. Only short inputs are ever flagged:
// longer messages carry their own context.
func Ambiguous(text string) string {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return ""
	}
	t = strings.TrimRight(t, ".!?")
	words := strings.Fields(t)
	if len(words) == 0 || len(words) > 6 {
		return ""
	}

	for _, p := range vaguePhrases {
		if t == p || strings.HasPrefix(t, p+" ") || strings.HasSuffix(t, " "+p) {
			return AmbiguityDirective
		}
	}

	for len(words) > 1 && trailingFillers[words[len(words)-1]] {
		words = words[:len(words)-1]
	}
	last := words[len(words)-1]
	if !bareReferents[last] {
		return ""
	}
	// A concrete token anywhere (a path, an ID, a flag) names the target.
	for _, w := range words {
		if strings.ContainsAny(w, "/._-") {
			return ""
		}
	}
	return AmbiguityDirective
}
