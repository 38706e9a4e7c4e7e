package guard

// Category classifies the attack a malicious prompt was matched to.
type Category string

const (
	CategoryJailbreak          Category = "JAILBREAK"
	CategoryPromptExfiltration Category = "PROMPT_EXFILTRATION"
	CategoryRoleOverride       Category = "ROLE_OVERRIDE"
	CategoryDataExtraction     Category = "DATA_EXTRACTION"
	CategoryOversizeInput      Category = "OVERSIZE_INPUT"
)

// DefaultBlockThreshold is the combined decision threshold: a verdict
// blocks only when malicious AND confidence is at or above it.
// Low-confidence positives are logged but not rejected.
const DefaultBlockThreshold = 0.8

// Verdict is the gate's decision for one inbound message. It is
// produced once per message and never persisted as conversation
// content.
type Verdict struct {
	IsMalicious bool     `json:"isMalicious"`
	Confidence  float64  `json:"confidence"`
	Category    Category `json:"category,omitempty"`
	Reason      string   `json:"reason,omitempty"`

	// UserFacingMessage is what the visitor sees when blocked. Always
	// sanitized; never carries analysis internals.
	UserFacingMessage string `json:"userFacingMessage,omitempty"`
}

// BlockedAt applies the combined threshold. Callers must use this, not
// IsMalicious alone.
func (v Verdict) BlockedAt(threshold float64) bool {
	return v.IsMalicious && v.Confidence >= threshold
}

// Blocked applies the default threshold.
func (v Verdict) Blocked() bool {
	return v.BlockedAt(DefaultBlockThreshold)
}
