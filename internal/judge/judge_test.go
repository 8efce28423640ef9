package judge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/keepsake-ai/keepsake/pkg/types"
)

func TestRulesSensitiveDenied(t *testing.T) {
	j := NewRules(0, StrictDenyPolicy{})

	cases := []string{
		"my password is hunter2",
		"the API-Key lives in vault",
		"store this TOKEN for later",
		"card number 4111111111111111",
		"SSN on file",
	}
	for _, content := range cases {
		v := j.Judge(Draft{Content: content, SourceType: types.SourceUserExplicit})
		assert.Equal(t, Deny, v.Decision, "content: %q", content)
		assert.NotEmpty(t, v.Reason)
	}
}

func TestRulesLengthCap(t *testing.T) {
	j := NewRules(10, StrictDenyPolicy{})

	v := j.Judge(Draft{Content: strings.Repeat("x", 11), SourceType: types.SourceUserExplicit})
	assert.Equal(t, Deny, v.Decision)
	assert.Equal(t, "too_long", v.Reason)

	v = j.Judge(Draft{Content: strings.Repeat("x", 10), SourceType: types.SourceUserExplicit})
	assert.Equal(t, AllowActive, v.Decision)

	// Zero disables the cap.
	j = NewRules(0, StrictDenyPolicy{})
	v = j.Judge(Draft{Content: strings.Repeat("x", 100000), SourceType: types.SourceUserExplicit})
	assert.Equal(t, AllowActive, v.Decision)
}

func TestRulesSourceGating(t *testing.T) {
	j := NewRules(0, StrictDenyPolicy{})

	v := j.Judge(Draft{Content: "prefers tea", SourceType: types.SourceModelInferred})
	assert.Equal(t, AllowCandidate, v.Decision, "inferred facts never go live unconfirmed")

	for _, src := range []types.SourceType{types.SourceUserExplicit, types.SourceImported, types.SourceTool} {
		v := j.Judge(Draft{Content: "prefers tea", SourceType: src})
		assert.Equal(t, AllowActive, v.Decision, "source %s", src)
	}
}

func TestRulesDeterministic(t *testing.T) {
	j := NewRules(100, StrictDenyPolicy{})
	draft := Draft{Content: "likes mornings", SourceType: types.SourceUserExplicit}

	first := j.Judge(draft)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, j.Judge(draft))
	}
}

func TestInitialStatus(t *testing.T) {
	// Slot types always start as candidate even when allowed active.
	for _, slot := range types.SlotNames() {
		assert.Equal(t, types.StatusCandidate, InitialStatus(Verdict{Decision: AllowActive}, slot))
	}

	assert.Equal(t, types.StatusActive, InitialStatus(Verdict{Decision: AllowActive}, types.TypeFact))
	assert.Equal(t, types.StatusCandidate, InitialStatus(Verdict{Decision: AllowCandidate}, types.TypeFact))
	assert.Equal(t, types.StatusCandidate, InitialStatus(Verdict{Decision: AllowCandidate}, types.TypeIdentity))
}

func TestNewPolicyUnknownFallsBackToStrict(t *testing.T) {
	p := NewPolicy("lenient-nonsense")
	hit, _ := p.Check("my password")
	assert.True(t, hit)
}
