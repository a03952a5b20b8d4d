package preprocess

import (
	"strings"
	"testing"
)

func TestCleanStripsHTML(t *testing.T) {
	body := `<html><head><style>p{color:red}</style></head><body>
<p>Hello team,</p><p>The deploy is done &amp; verified.</p>
</body></html>`

	res := Clean("Deploy status", body, Options{})
	if strings.Contains(res.CleanedText, "<") {
		t.Errorf("tags survived: %q", res.CleanedText)
	}
	if strings.Contains(res.CleanedText, "color:red") {
		t.Errorf("style block survived: %q", res.CleanedText)
	}
	if !strings.Contains(res.CleanedText, "done & verified") {
		t.Errorf("entities not decoded: %q", res.CleanedText)
	}
	if !strings.HasPrefix(res.CleanedText, "Subject: Deploy status") {
		t.Errorf("subject not prepended: %q", res.CleanedText)
	}
}

func TestCleanRemovesSignature(t *testing.T) {
	body := `Hi,

Please review the attached contract before Friday.
It needs two signatures from legal.

Best regards,
Jordan Smith
VP of Operations
Acme Corp`

	res := Clean("", body, Options{})
	if !res.Stats.SignatureRemoved {
		t.Fatal("signature not detected")
	}
	if strings.Contains(res.CleanedText, "Jordan Smith") {
		t.Errorf("signature body survived: %q", res.CleanedText)
	}
	if !strings.Contains(res.CleanedText, "attached contract") {
		t.Errorf("content lost: %q", res.CleanedText)
	}
}

func TestCleanKeepsEarlyThanks(t *testing.T) {
	// A sign-off phrase in the opening half is content, not signature.
	body := "Thanks, that fixed it!\n\nThe build is green again and QA can start.\nWe should tag the release tomorrow morning.\nDeploy window is already booked."

	res := Clean("", body, Options{})
	if !strings.Contains(res.CleanedText, "that fixed it") {
		t.Errorf("opening line lost: %q", res.CleanedText)
	}
}

func TestCleanStripsReplyChain(t *testing.T) {
	body := `Sounds good, let's meet at 3pm.

On Mon, Aug 18, 2025 at 10:02 AM Alex Doe wrote:
> Can we move the sync to 3pm?
> The morning slot conflicts with standup.`

	res := Clean("", body, Options{StripReplyChains: true})
	if !res.Stats.ReplyChainRemoved {
		t.Fatal("reply chain not detected")
	}
	if strings.Contains(res.CleanedText, "move the sync") {
		t.Errorf("quoted text survived: %q", res.CleanedText)
	}
	if !strings.Contains(res.CleanedText, "let's meet at 3pm") {
		t.Errorf("new content lost: %q", res.CleanedText)
	}
}

func TestCleanReplyChainOffByDefault(t *testing.T) {
	body := "Reply here.\n\nOn Mon Aug 18 Alex wrote:\nold text"
	res := Clean("", body, Options{})
	if res.Stats.ReplyChainRemoved {
		t.Error("reply chain stripped with option off")
	}
	if !strings.Contains(res.CleanedText, "old text") {
		t.Errorf("quoted text removed with option off: %q", res.CleanedText)
	}
}

func TestCleanMasksPII(t *testing.T) {
	body := "Contact maria.lopez@example.com or call +1 (415) 555-0132. Details at https://example.com/invoice?id=9&tok=abc please confirm today."

	res := Clean("", body, Options{})
	for _, leak := range []string{"maria.lopez", "415", "example.com/invoice"} {
		if strings.Contains(res.CleanedText, leak) {
			t.Errorf("PII leaked %q in %q", leak, res.CleanedText)
		}
	}
	if res.Stats.MaskedEmails != 1 || res.Stats.MaskedPhones != 1 || res.Stats.MaskedURLs != 1 {
		t.Errorf("mask counts: %+v", res.Stats)
	}
	for _, tok := range []string{"[EMAIL]", "[PHONE]", "[URL]"} {
		if !strings.Contains(res.CleanedText, tok) {
			t.Errorf("missing placeholder %s in %q", tok, res.CleanedText)
		}
	}
}

func TestCleanTruncatesLongInput(t *testing.T) {
	head := "URGENT: server migration plan below.\n"
	tail := "\nFinal step: flip DNS and confirm with the on-call engineer."
	middle := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 2000)

	res := Clean("", head+middle+tail, Options{})
	if !res.Stats.Truncated {
		t.Fatal("long input not truncated")
	}
	if res.Stats.EstimatedTokens > SafeInputBudget {
		t.Errorf("still over budget: %d tokens", res.Stats.EstimatedTokens)
	}
	if !strings.Contains(res.CleanedText, "URGENT: server migration") {
		t.Error("head lost in truncation")
	}
	if !strings.Contains(res.CleanedText, "flip DNS") {
		t.Error("tail lost in truncation")
	}
	if !strings.Contains(res.CleanedText, "[...]") {
		t.Error("truncation marker missing")
	}
}

func TestCleanTruncatesDenseScriptInput(t *testing.T) {
	// Dense-script runes cost ~1.8 chars per token, so a character-based
	// truncation would leave this roughly twice over budget.
	body := strings.Repeat("会議の議事録を確認してください。", 3000)

	res := Clean("", body, Options{})
	if !res.Stats.Truncated {
		t.Fatal("long dense-script input not truncated")
	}
	if res.Stats.EstimatedTokens > SafeInputBudget {
		t.Errorf("still over budget: %d > %d", res.Stats.EstimatedTokens, SafeInputBudget)
	}
	if got := EstimateTokens(res.CleanedText); got > SafeInputBudget {
		t.Errorf("re-estimate over budget: %d > %d", got, SafeInputBudget)
	}
	if !strings.Contains(res.CleanedText, "[...]") {
		t.Error("truncation marker missing")
	}
}

func TestCleanShortInputFlagged(t *testing.T) {
	res := Clean("", "ok thanks", Options{})
	if !res.Stats.SkipCandidate {
		t.Error("trivial input not flagged as skip candidate")
	}
}

func TestCleanIdempotent(t *testing.T) {
	body := `<p>Hi there,</p><p>Invoice for jane@corp.example is attached, due Sept 1.</p>
<p>Pay at https://pay.example/i/42 before the late fee applies on the 5th.</p>
<p>Regards,<br>Billing Team</p>`

	opts := Options{StripReplyChains: true}
	first := Clean("Invoice due", body, opts)
	second := Clean("", first.CleanedText, opts)
	if second.CleanedText != first.CleanedText {
		t.Errorf("not idempotent:\nfirst:  %q\nsecond: %q", first.CleanedText, second.CleanedText)
	}
}

func TestCleanIdempotentWithSubject(t *testing.T) {
	body := "The quarterly numbers are in and we beat the forecast.\nFull report attached for review before Thursday's call."

	first := Clean("Q3 results", body, Options{})
	second := Clean("Q3 results", first.CleanedText, Options{})
	if second.CleanedText != first.CleanedText {
		t.Errorf("subject line stacked:\nfirst:  %q\nsecond: %q", first.CleanedText, second.CleanedText)
	}
	if strings.Count(second.CleanedText, "Subject: Q3 results") != 1 {
		t.Errorf("want exactly one subject line: %q", second.CleanedText)
	}
}

func TestEstimateTokensDenseScript(t *testing.T) {
	latin := strings.Repeat("a", 180)
	cjk := strings.Repeat("漢", 180)
	if lt, ct := EstimateTokens(latin), EstimateTokens(cjk); ct <= lt {
		t.Errorf("dense script should cost more tokens: latin=%d cjk=%d", lt, ct)
	}
}

func TestInputHashStableAndSensitive(t *testing.T) {
	a := InputHash("v1", "mistral-small-latest", "hello")
	b := InputHash("v1", "mistral-small-latest", "hello")
	if a != b {
		t.Error("hash not deterministic")
	}
	if len(a) != 64 {
		t.Errorf("expected hex sha256, got %d chars", len(a))
	}
	if InputHash("v2", "mistral-small-latest", "hello") == a {
		t.Error("prompt version not part of hash")
	}
	if InputHash("v1", "other-model", "hello") == a {
		t.Error("model not part of hash")
	}
	if InputHash("v1", "mistral-small-latest", "hello!") == a {
		t.Error("text not part of hash")
	}
}
