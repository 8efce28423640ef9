// Package judge classifies proposed memory writes. The judge is a pure
// function of the draft and its configuration: no clock, no I/O, no state,
// which keeps every decision reproducible in tests.
package judge

import (
	"regexp"

	"github.com/keepsake-ai/keepsake/pkg/types"
)

// Decision is the judge's verdict on a proposed write.
type Decision string

const (
	// Deny rejects the write outright; nothing is stored.
	Deny Decision = "deny"
	// AllowCandidate stores the item as a candidate awaiting confirmation.
	AllowCandidate Decision = "allow_candidate"
	// AllowActive lets the item go live without confirmation, unless the
	// type is an exclusive slot type, which always confirms explicitly.
	AllowActive Decision = "allow_active"
)

// Verdict carries the decision and, for denials, the matched rule.
type Verdict struct {
	Decision Decision
	// Reason names the policy rule behind a denial, e.g. "sensitive:\btoken\b"
	// or "too_long". Empty for allows.
	Reason string
}

// Judge decides whether a draft may be stored and at what initial standing.
type Judge interface {
	Judge(draft Draft) Verdict
}

// Draft is the subset of a proposed write the judge inspects.
type Draft struct {
	Content    string
	SourceType types.SourceType
}

// Rules is the rule-based judge: a length cap plus a sensitive-content
// policy, then source-type gating. Machine-proposed facts never go live
// unconfirmed.
type Rules struct {
	maxContentLen int
	sensitive     Policy
}

// NewRules builds the rule-based judge. maxContentLen <= 0 disables the
// length cap; a nil policy disables content screening.
func NewRules(maxContentLen int, sensitive Policy) *Rules {
	return &Rules{maxContentLen: maxContentLen, sensitive: sensitive}
}

// Judge classifies the draft.
func (r *Rules) Judge(draft Draft) Verdict {
	if r.maxContentLen > 0 && len(draft.Content) > r.maxContentLen {
		return Verdict{Decision: Deny, Reason: "too_long"}
	}
	if r.sensitive != nil {
		if hit, reason := r.sensitive.Check(draft.Content); hit {
			return Verdict{Decision: Deny, Reason: reason}
		}
	}
	if draft.SourceType == types.SourceModelInferred {
		return Verdict{Decision: AllowCandidate}
	}
	return Verdict{Decision: AllowActive}
}

// InitialStatus maps an allow verdict and the item type to the stored
// status. Slot types always start as candidate: activation goes through the
// conflict resolver so the exclusivity invariant is checked in one place.
func InitialStatus(v Verdict, itemType types.ItemType) types.ItemStatus {
	if v.Decision == AllowActive && !itemType.IsSlot() {
		return types.StatusActive
	}
	return types.StatusCandidate
}

// Policy screens content for material that must never be memorized.
type Policy interface {
	// Check reports whether text trips the policy and which rule matched.
	Check(text string) (bool, string)
}

// StrictDenyPolicy rejects content that looks like credential or payment
// material. Patterns are deliberately coarse; false positives are preferred
// over storing a secret.
type StrictDenyPolicy struct{}

var strictPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bpassword\b`),
	regexp.MustCompile(`(?i)\bssn\b`),
	regexp.MustCompile(`(?i)\bcredit\s*card\b`),
	regexp.MustCompile(`(?i)\bsecret\b`),
	regexp.MustCompile(`(?i)\bapi[_-]?key\b`),
	regexp.MustCompile(`(?i)\btoken\b`),
	regexp.MustCompile(`\b[0-9]{16}\b`),
}

// Check scans the text against the deny patterns.
func (StrictDenyPolicy) Check(text string) (bool, string) {
	for _, pat := range strictPatterns {
		if pat.MatchString(text) {
			return true, "sensitive:" + pat.String()
		}
	}
	return false, ""
}

// NewPolicy returns the policy implementation for the configured name.
// Unknown names fall back to the strict policy: failing open on content
// screening is never acceptable.
func NewPolicy(name string) Policy {
	switch name {
	case "", "strict":
		return StrictDenyPolicy{}
	default:
		return StrictDenyPolicy{}
	}
}
