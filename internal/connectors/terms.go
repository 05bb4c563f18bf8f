package connectors

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/jdkato/prose/v2"
)

var (
	pullNumberPattern = regexp.MustCompile(`(?i)(?:#|\bPR\s*#?|\bpull request\s*#?)(\d{1,7})\b`)
	issueKeyPattern   = regexp.MustCompile(`\b[A-Z][A-Z0-9]{1,9}-\d{1,7}\b`)
	reviewerPattern   = regexp.MustCompile(`(?i)\breviewed by @?([A-Za-z0-9][A-Za-z0-9-]{0,38})`)
	windowPattern     = regexp.MustCompile(`(?i)\b(?:last|past)\s+(\d{1,3})\s+days?\b`)
)

var stopwords = map[string]struct{}{
	"what": {}, "which": {}, "who": {}, "whom": {}, "when": {}, "where": {}, "why": {}, "how": {},
	"show": {}, "list": {}, "find": {}, "give": {}, "get": {}, "tell": {}, "me": {}, "us": {},
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "of": {}, "for": {}, "to": {}, "in": {},
	"on": {}, "by": {}, "with": {}, "is": {}, "are": {}, "was": {}, "were": {}, "be": {},
	"any": {}, "all": {}, "there": {}, "evidence": {}, "last": {}, "past": {}, "days": {}, "day": {},
	"pr": {}, "prs": {}, "please": {}, "do": {}, "does": {}, "did": {}, "have": {}, "has": {},
}

// Terms is what connectors can act on in a free-text question.
type Terms struct {
	PullNumbers []int
	IssueKeys   []string
	Reviewers   []string
	WindowDays  int
	Keywords    []string
}

// ExtractTerms pulls explicit references (PR numbers, issue keys, reviewer
// names, day windows) out of text with patterns, and content keywords with
// part-of-speech tagging.
func ExtractTerms(text string) Terms {
	var t Terms

	seenPull := map[int]bool{}
	for _, m := range pullNumberPattern.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n == 0 || seenPull[n] {
			continue
		}
		seenPull[n] = true
		t.PullNumbers = append(t.PullNumbers, n)
	}

	t.IssueKeys = uniqueStrings(issueKeyPattern.FindAllString(text, -1))

	for _, m := range reviewerPattern.FindAllStringSubmatch(text, -1) {
		t.Reviewers = append(t.Reviewers, m[1])
	}
	t.Reviewers = uniqueStrings(t.Reviewers)

	if m := windowPattern.FindStringSubmatch(text); m != nil {
		t.WindowDays, _ = strconv.Atoi(m[1])
	}

	t.Keywords = keywords(text, t)
	return t
}

func keywords(text string, t Terms) []string {
	skip := map[string]struct{}{}
	for _, k := range t.IssueKeys {
		skip[strings.ToLower(k)] = struct{}{}
	}
	for _, r := range t.Reviewers {
		skip[strings.ToLower(r)] = struct{}{}
	}

	var words []string
	doc, err := prose.NewDocument(text,
		prose.WithSegmentation(false),
		prose.WithExtraction(false),
	)
	if err == nil {
		for _, tok := range doc.Tokens() {
			if isContentTag(tok.Tag) {
				words = append(words, tok.Text)
			}
		}
	}
	if len(words) == 0 {
		words = strings.Fields(text)
	}

	var out []string
	for _, w := range words {
		w = strings.ToLower(strings.Trim(w, ".,;:!?\"'()[]{}#@"))
		if len(w) < 3 {
			continue
		}
		if _, ok := stopwords[w]; ok {
			continue
		}
		if _, ok := skip[w]; ok {
			continue
		}
		if _, err := strconv.Atoi(w); err == nil {
			continue
		}
		out = append(out, w)
	}
	return uniqueStrings(out)
}

func isContentTag(tag string) bool {
	return strings.HasPrefix(tag, "NN") || strings.HasPrefix(tag, "JJ") ||
		tag == "VBG" || tag == "VBN" || tag == "FW"
}

func uniqueStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
