package dcas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func codeSet(codes ...int) map[int]struct{} {
	out := make(map[int]struct{}, len(codes))
	for _, c := range codes {
		out[c] = struct{}{}
	}
	return out
}

func TestRuleEngine_ExecuteCollectsDistinctCodes(t *testing.T) {
	engine := NewRuleEngine(
		RuleFunc(func(rec Record) []int {
			if rec.GDDSum > 0 {
				return []int{1001}
			}
			return nil
		}),
		RuleFunc(func(rec Record) []int {
			if rec.Temperature > 20 {
				return []int{1002, 1001}
			}
			return nil
		}),
	)

	codes := engine.Execute(Record{GDDSum: 150, Temperature: 25})
	assert.Equal(t, codeSet(1001, 1002), codes)

	assert.Empty(t, engine.Execute(Record{GDDSum: 0, Temperature: 10}))
}

func TestPrioritize(t *testing.T) {
	priorities := map[int]int{1002: 1, 1001: 2, 1005: 2}

	// Ranked codes first by rank, rank ties by code, unranked codes after.
	got := Prioritize(codeSet(1001, 1002, 1005, 1009, 1003), priorities)
	assert.Equal(t, []int{1002, 1001, 1005, 1003, 1009}, got)
}

func TestDeriveAdvisory_Repetition(t *testing.T) {
	// Last week delivered 1001 and it tops the list again; the runner-up is
	// delivered instead and the repetition is flagged.
	adv := DeriveAdvisory([]int{1001, 1002}, 1001)

	assert.Equal(t, 1002, adv.FinalMessage)
	assert.True(t, adv.HasRepetitive)
	assert.False(t, adv.IsEmpty)
	assert.Equal(t, []int{1001, 1002}, adv.Messages)
}

func TestDeriveAdvisory_RepetitionWithoutRunnerUp(t *testing.T) {
	adv := DeriveAdvisory([]int{1001}, 1001)

	assert.Equal(t, 1001, adv.FinalMessage)
	assert.True(t, adv.HasRepetitive)
}

func TestDeriveAdvisory_Empty(t *testing.T) {
	adv := DeriveAdvisory(nil, 1001)

	assert.True(t, adv.IsEmpty)
	assert.Zero(t, adv.FinalMessage)
	assert.Empty(t, adv.Messages)
}

func TestDeriveAdvisory_CapsMessageSlots(t *testing.T) {
	codes := []int{1, 2, 3, 4, 5, 6, 7}
	adv := DeriveAdvisory(codes, 0)

	require.Len(t, adv.Messages, 5)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, adv.Messages)
	assert.Equal(t, 1, adv.FinalMessage)
	assert.False(t, adv.HasRepetitive)
}
