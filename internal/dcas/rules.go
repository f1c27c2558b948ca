package dcas

import (
	"sort"

	"agromet/internal/types"
)

// Record is the flat per-farm input to the message rules.
type Record struct {
	CropID        int64
	GrowthStageID int64
	ConfigID      int64
	GDDSum        float64

	Temperature              float64
	Humidity                 float64
	SeasonalPrecipitation    float64
	PPET                     float64
	GrowthStagePrecipitation float64

	// PrevWeekMessage is the final message delivered last week, 0 for none.
	PrevWeekMessage int
}

// Rule yields zero or more advisory codes for a record.
type Rule interface {
	Apply(rec Record) []int
}

// RuleFunc adapts a plain function to the Rule interface.
type RuleFunc func(rec Record) []int

// Apply implements Rule.
func (f RuleFunc) Apply(rec Record) []int { return f(rec) }

// RuleEngine evaluates a configured rule set against farm records.
type RuleEngine struct {
	rules []Rule
}

// NewRuleEngine builds an engine over the given rules.
func NewRuleEngine(rules ...Rule) *RuleEngine {
	return &RuleEngine{rules: rules}
}

// Execute runs every rule and collects the distinct advisory codes.
func (e *RuleEngine) Execute(rec Record) map[int]struct{} {
	codes := make(map[int]struct{})
	for _, r := range e.rules {
		for _, c := range r.Apply(rec) {
			codes[c] = struct{}{}
		}
	}
	return codes
}

// Prioritize orders a code set by the configured priority table: ranked
// codes first by ascending rank, unranked codes after, ties broken by code
// ascending.
func Prioritize(codes map[int]struct{}, priorities map[int]int) []int {
	out := make([]int, 0, len(codes))
	for c := range codes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, iok := priorities[out[i]]
		rj, jok := priorities[out[j]]
		if iok != jok {
			return iok
		}
		if iok && ri != rj {
			return ri < rj
		}
		return out[i] < out[j]
	})
	return out
}

// Advisory is the derived message output of one farm row.
type Advisory struct {
	// Messages holds up to DCASMaxMessages codes in priority order.
	Messages      []int
	FinalMessage  int
	IsEmpty       bool
	HasRepetitive bool
}

// DeriveAdvisory turns a prioritized code list into the delivered advisory.
// A top code repeating last week's delivery falls through to the runner-up;
// with no runner-up the repeat is kept and flagged for the error log.
func DeriveAdvisory(codes []int, prevWeek int) Advisory {
	if len(codes) == 0 {
		return Advisory{IsEmpty: true}
	}
	n := len(codes)
	if n > types.DCASMaxMessages {
		n = types.DCASMaxMessages
	}
	adv := Advisory{
		Messages:     append([]int(nil), codes[:n]...),
		FinalMessage: codes[0],
	}
	if prevWeek != 0 && codes[0] == prevWeek {
		adv.HasRepetitive = true
		if len(codes) > 1 {
			adv.FinalMessage = codes[1]
		}
	}
	return adv
}
