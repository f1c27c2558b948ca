package dcas

import "math"

// Built-in advisory message codes. The catalog priority table ranks these;
// codes absent from the table sort after ranked ones.
const (
	MsgGrowthOnTrack   = 1001
	MsgHeatStress      = 1002
	MsgColdStress      = 1003
	MsgDrySpell        = 1101
	MsgWaterDeficit    = 1102
	MsgWaterlogging    = 1103
	MsgDiseasePressure = 1201
)

// Thresholds of the built-in rules, in metric units (degC, mm, ratio).
const (
	heatStressTempC      = 35.0
	coldStressTempC      = 10.0
	drySpellStageRainMM  = 10.0
	waterDeficitPPET     = 0.5
	waterloggingSeasonMM = 600.0
	diseaseHumidityPct   = 85.0
)

// DefaultRules is the built-in advisory rule set evaluated per farm record.
// Rules only fire on finite inputs; a NaN feature (attribute absent from
// the dataset) silences the rules that need it.
func DefaultRules() []Rule {
	return []Rule{
		RuleFunc(func(rec Record) []int {
			if rec.GDDSum > 0 {
				return []int{MsgGrowthOnTrack}
			}
			return nil
		}),
		RuleFunc(func(rec Record) []int {
			switch {
			case rec.Temperature >= heatStressTempC:
				return []int{MsgHeatStress}
			case !math.IsNaN(rec.Temperature) && rec.Temperature <= coldStressTempC:
				return []int{MsgColdStress}
			}
			return nil
		}),
		RuleFunc(func(rec Record) []int {
			if !math.IsNaN(rec.GrowthStagePrecipitation) && rec.GrowthStagePrecipitation < drySpellStageRainMM {
				return []int{MsgDrySpell}
			}
			return nil
		}),
		RuleFunc(func(rec Record) []int {
			if !math.IsNaN(rec.PPET) && rec.PPET < waterDeficitPPET {
				return []int{MsgWaterDeficit}
			}
			return nil
		}),
		RuleFunc(func(rec Record) []int {
			if rec.SeasonalPrecipitation >= waterloggingSeasonMM {
				return []int{MsgWaterlogging}
			}
			return nil
		}),
		RuleFunc(func(rec Record) []int {
			if rec.Humidity >= diseaseHumidityPct {
				return []int{MsgDiseasePressure}
			}
			return nil
		}),
	}
}
