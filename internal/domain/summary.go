package domain

import "time"

// Urgency is the model's triage call for an email.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// SummaryStruct is the structured output of one successful LLM call.
type SummaryStruct struct {
	Overview    string   `json:"overview"`
	ActionItems []string `json:"action_items"`
	Urgency     Urgency  `json:"urgency"`
}

// Summary is a committed AI summary. (AccountID, ProviderMessageID,
// PromptVersion) is unique; rows are never mutated. InputHash
// fingerprints the cleaned input so an unchanged email never triggers a
// second LLM call.
type Summary struct {
	AccountID         string
	ProviderMessageID string
	PromptVersion     string
	Model             string
	InputHash         string
	Struct            SummaryStruct
	SummaryText       string
	CreatedAt         time.Time
}

// Overview and action-item caps enforced at commit time regardless of
// what the model returns.
const (
	MaxOverviewChars = 200
	MaxActionItems   = 5
)
