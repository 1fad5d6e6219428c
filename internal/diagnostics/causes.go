package diagnostics

import "solar-microgrid-monitor/internal/models"

// Heuristic limits for the installed hardware profile.
const (
	SolarGenFloor        = 1.0  // kW below which the array counts as idle
	SolarVoltageDaylight = 15.0 // V above which the panel sees daylight
	BatteryTempLimit     = 60.0 // °C
	RelayOpen            = 0.0
	ConsumptionLimit     = 2.0 // kW drawn with the relay open
)

// Rule attaches Label to any record Match accepts.
type Rule struct {
	Label string
	Match func(rec models.SensorRecord) bool
}

// DefaultRules returns the failure-cause rules in reporting order.
func DefaultRules() []Rule {
	return []Rule{
		{
			Label: models.CauseSolar,
			Match: func(r models.SensorRecord) bool {
				return r.Value(models.FieldSolarGen) < SolarGenFloor &&
					r.Value(models.FieldSolarVoltage) > SolarVoltageDaylight
			},
		},
		{
			Label: models.CauseBattery,
			Match: func(r models.SensorRecord) bool {
				return r.Value(models.FieldBatteryTemp) > BatteryTempLimit
			},
		},
		{
			Label: models.CauseRelayLoad,
			Match: func(r models.SensorRecord) bool {
				return r.Value(models.FieldRelayState) == RelayOpen &&
					r.Value(models.FieldConsumption) > ConsumptionLimit
			},
		},
	}
}

// ClassifyCauses evaluates every rule against the raw record and returns the
// labels that matched, in rule order. The result is never empty.
func ClassifyCauses(rec models.SensorRecord, rules []Rule) []string {
	var causes []string
	for _, rule := range rules {
		if rule.Match(rec) {
			causes = append(causes, rule.Label)
		}
	}
	if len(causes) == 0 {
		causes = append(causes, models.CauseUnknown)
	}
	return causes
}
