// Package preprocess turns a raw email body into a minimal, model-safe
// input: markup stripped, signatures and quoted reply chains removed,
// PII masked, and the result fitted to the model's token budget. The
// pipeline is a pure function of its inputs and is idempotent, so
// re-running it over its own output is harmless.
package preprocess

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html"
	"regexp"
	"strings"
)

// Options controls the optional pipeline stages.
type Options struct {
	// StripReplyChains removes quoted previous messages. Default-on at
	// the config layer; the zero value here means off so the function
	// stays pure.
	StripReplyChains bool
}

// Stats describes what the pipeline did to the input.
type Stats struct {
	OriginalChars     int
	CleanedChars      int
	EstimatedTokens   int
	MaskedEmails      int
	MaskedPhones      int
	MaskedURLs        int
	SignatureRemoved  bool
	ReplyChainRemoved bool
	Truncated         bool
	// SkipCandidate flags inputs too short to be worth an LLM call.
	// The worker decides; the pipeline only measures.
	SkipCandidate bool
}

// Result is the pipeline output.
type Result struct {
	CleanedText string
	Stats       Stats
}

var (
	htmlTagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	scriptRe     = regexp.MustCompile(`(?is)<(script|style|head)\b.*?</(script|style|head)>`)
	brRe         = regexp.MustCompile(`(?i)<br\s*/?>|</p>|</div>|</tr>|</li>`)
	blankRunsRe  = regexp.MustCompile(`\n{3,}`)
	trailSpaceRe = regexp.MustCompile(`[ \t]+\n`)

	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	urlRe   = regexp.MustCompile(`https?://[^\s<>"']+|www\.[^\s<>"']+`)
	phoneRe = regexp.MustCompile(`\+?\d[\d\s().\-]{7,}\d`)

	// "On <date>, <someone> wrote:" style preambles across the locales
	// the provider population actually uses.
	replyPreambleRe = regexp.MustCompile(
		`(?m)^(On .{2,200} wrote:|-{2,}\s*Original Message\s*-{2,}|Le .{2,200} a écrit\s*:|El .{2,200} escribió\s*:|Am .{2,200} schrieb .{0,120}:)\s*$`)

	quotedLineRe = regexp.MustCompile(`(?m)^\s*>.*$`)
)

// Trailing sign-off phrases that open a signature block.
var signoffPhrases = []string{
	"best regards", "kind regards", "warm regards", "regards,",
	"best,", "thanks,", "thank you,", "cheers,", "sincerely",
	"sent from my", "get outlook for",
	"saludos", "atentamente", "cordialement", "bien à vous",
	"mit freundlichen grüßen", "viele grüße",
}

// Clean runs the full pipeline over one email.
func Clean(subject, body string, opts Options) Result {
	var st Stats
	st.OriginalChars = len(body)

	text := body
	if looksLikeHTML(text) {
		text = stripHTML(text)
	}

	text, st.SignatureRemoved = stripSignature(text)

	if opts.StripReplyChains {
		text, st.ReplyChainRemoved = stripReplyChain(text)
	}

	text = normalizeWhitespace(text)
	text, st.MaskedEmails, st.MaskedPhones, st.MaskedURLs = maskPII(text)

	if subject = strings.TrimSpace(subject); subject != "" {
		// Re-running the pipeline over its own output must not stack
		// subject lines.
		if prefix := "Subject: " + subject + "\n\n"; !strings.HasPrefix(text, prefix) {
			text = prefix + text
		}
	}

	st.EstimatedTokens = EstimateTokens(text)
	if st.EstimatedTokens > SafeInputBudget {
		text = smartTruncate(text, SafeInputBudget)
		st.Truncated = true
		st.EstimatedTokens = EstimateTokens(text)
	}
	if st.EstimatedTokens < MinSummarizableTokens {
		st.SkipCandidate = true
	}

	st.CleanedChars = len(text)
	return Result{CleanedText: text, Stats: st}
}

// InputHash fingerprints the exact model input so an unchanged email is
// never summarized twice under the same prompt version and model.
func InputHash(promptVersion, model, cleanedText string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", promptVersion, model, cleanedText)))
	return hex.EncodeToString(h[:])
}

func looksLikeHTML(s string) bool {
	ls := strings.ToLower(s)
	return strings.Contains(ls, "<html") || strings.Contains(ls, "<body") ||
		strings.Contains(ls, "<div") || strings.Contains(ls, "<p>") ||
		strings.Contains(ls, "<br") || strings.Contains(ls, "<td")
}

func stripHTML(s string) string {
	s = scriptRe.ReplaceAllString(s, "")
	s = brRe.ReplaceAllString(s, "\n")
	s = htmlTagRe.ReplaceAllString(s, "")
	return html.UnescapeString(s)
}

// stripSignature cuts a trailing signature block. Only the tail half of
// the message is scanned so a "thanks," in the opening line survives.
func stripSignature(s string) (string, bool) {
	lines := strings.Split(s, "\n")
	start := len(lines) / 2
	for i := start; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "--" || trimmed == "-- " || trimmed == "__" {
			return strings.Join(lines[:i], "\n"), true
		}
		lower := strings.ToLower(trimmed)
		for _, phrase := range signoffPhrases {
			if strings.HasPrefix(lower, phrase) {
				return strings.Join(lines[:i], "\n"), true
			}
		}
	}
	return s, false
}

func stripReplyChain(s string) (string, bool) {
	removed := false
	if loc := replyPreambleRe.FindStringIndex(s); loc != nil {
		s = s[:loc[0]]
		removed = true
	}
	if quotedLineRe.MatchString(s) {
		s = quotedLineRe.ReplaceAllString(s, "")
		removed = true
	}
	return s, removed
}

func normalizeWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\u00a0", " ")
	s = trailSpaceRe.ReplaceAllString(s, "\n")
	s = blankRunsRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func maskPII(s string) (out string, emails, phones, urls int) {
	s = urlRe.ReplaceAllStringFunc(s, func(string) string {
		urls++
		return "[URL]"
	})
	s = emailRe.ReplaceAllStringFunc(s, func(string) string {
		emails++
		return "[EMAIL]"
	})
	s = phoneRe.ReplaceAllStringFunc(s, func(string) string {
		phones++
		return "[PHONE]"
	})
	return s, emails, phones, urls
}
