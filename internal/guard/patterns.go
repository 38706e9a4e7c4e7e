package guard

import (
	"regexp"
)

// attackPattern is one entry in the fixed Stage-1 battery. A match with
// confidence at or above the policy's pattern threshold short-circuits
// the gate without a classifier call.
type attackPattern struct {
	category   Category
	confidence float64
	re         *regexp.Regexp
	reason     string
}

// The battery covers the phrasings seen in the wild against embedded
// site chatbots. Ordering matters: the first match wins, so higher
// confidence categories come first.
var attackPatterns = []attackPattern{
	{
		category:   CategoryJailbreak,
		confidence: 0.97,
		re:         regexp.MustCompile(`(?i)\bignore\s+(all\s+|any\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?|directives?)`),
		reason:     "instruction-override phrasing",
	},
	{
		category:   CategoryJailbreak,
		confidence: 0.96,
		re:         regexp.MustCompile(`(?i)\b(jailbreak|developer\s+mode|dan\s+mode)\b|\bpretend\s+(that\s+)?you\s+(are|have)\s+no\s+(rules|restrictions|limitations|guidelines)`),
		reason:     "jailbreak persona phrasing",
	},
	{
		category:   CategoryPromptExfiltration,
		confidence: 0.96,
		re:         regexp.MustCompile(`(?i)\b(reveal|show|print|repeat|output|display|tell\s+me)\b.{0,40}\b(system\s+prompt|initial\s+instructions?|your\s+(instructions?|prompt|configuration|guidelines))`),
		reason:     "system-prompt exfiltration phrasing",
	},
	{
		category:   CategoryRoleOverride,
		confidence: 0.95,
		re:         regexp.MustCompile(`(?i)\byou\s+are\s+no\s+longer\b|\bforget\s+(that\s+)?you\s+are\b|\bfrom\s+now\s+on\s+you\s+(are|will|must)\b|\bact\s+as\s+if\s+you\s+(are|were|had)\b`),
		reason:     "role-override phrasing",
	},
	{
		category:   CategoryDataExtraction,
		confidence: 0.95,
		re:         regexp.MustCompile(`(?i)\b(other|all)\s+(customers?|clients?|visitors?|users?|tenants?|leads?)\b.{0,40}\b(data|records?|conversations?|messages?|details?|emails?|numbers?)|\blist\s+(all|every)\s+(customers?|clients?|users?|leads?)`),
		reason:     "cross-tenant data-extraction phrasing",
	},
}

// matchPatterns runs the battery and returns the first hit.
func matchPatterns(prompt string) (attackPattern, bool) {
	for _, p := range attackPatterns {
		if p.re.MatchString(prompt) {
			return p, true
		}
	}
	return attackPattern{}, false
}
