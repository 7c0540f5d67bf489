package model

import (
	"strconv"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/guregu/null/v6"
)

// Frequency follows the CL_FREQ numbering published by INEGI, which is a
// superset of the cadences reported by the other providers.
type Frequency int

const (
	FrequencyUnknown      Frequency = 0
	FrequencyDecennial    Frequency = 1
	FrequencyQuinquennial Frequency = 2
	FrequencyAnnual       Frequency = 3
	FrequencySemiannual   Frequency = 4
	FrequencyFourMonth    Frequency = 5
	FrequencyQuarterly    Frequency = 6
	FrequencyBimonthly    Frequency = 7
	FrequencyMonthly      Frequency = 8
	FrequencyBiweekly     Frequency = 9
	FrequencyTenDay       Frequency = 10
	FrequencyWeekly       Frequency = 11
	FrequencyDaily        Frequency = 12
	FrequencyIrregular    Frequency = 13
)

var frequencyNames = map[Frequency]string{
	FrequencyUnknown:      "unknown",
	FrequencyDecennial:    "decennial",
	FrequencyQuinquennial: "quinquennial",
	FrequencyAnnual:       "annual",
	FrequencySemiannual:   "semiannual",
	FrequencyFourMonth:    "four-month",
	FrequencyQuarterly:    "quarterly",
	FrequencyBimonthly:    "bimonthly",
	FrequencyMonthly:      "monthly",
	FrequencyBiweekly:     "biweekly",
	FrequencyTenDay:       "ten-day",
	FrequencyWeekly:       "weekly",
	FrequencyDaily:        "daily",
	FrequencyIrregular:    "irregular",
}

func (f Frequency) String() string {
	if name, ok := frequencyNames[f]; ok {
		return name
	}
	return "frequency(" + strconv.Itoa(int(f)) + ")"
}

var frequencyLabels = map[string]Frequency{
	// Banxico / INEGI (es)
	"decenal":       FrequencyDecennial,
	"quinquenal":    FrequencyQuinquennial,
	"anual":         FrequencyAnnual,
	"semestral":     FrequencySemiannual,
	"cuatrimestral": FrequencyFourMonth,
	"trimestral":    FrequencyQuarterly,
	"bimestral":     FrequencyBimonthly,
	"mensual":       FrequencyMonthly,
	"quincenal":     FrequencyBiweekly,
	"semanal":       FrequencyWeekly,
	"diaria":        FrequencyDaily,
	"diario":        FrequencyDaily,
	"irregular":     FrequencyIrregular,
	// FRED / World Bank (en)
	"annual":                   FrequencyAnnual,
	"semiannual":               FrequencySemiannual,
	"quarterly":                FrequencyQuarterly,
	"monthly":                  FrequencyMonthly,
	"biweekly":                 FrequencyBiweekly,
	"weekly":                   FrequencyWeekly,
	"weekly, ending friday":    FrequencyWeekly,
	"weekly, ending saturday":  FrequencyWeekly,
	"weekly, ending wednesday": FrequencyWeekly,
	"daily":                    FrequencyDaily,
	"daily, close":             FrequencyDaily,
	"daily, 7-day":             FrequencyDaily,
	"not applicable":           FrequencyIrregular,
	"a":                        FrequencyAnnual,
	"sa":                       FrequencySemiannual,
	"q":                        FrequencyQuarterly,
	"m":                        FrequencyMonthly,
	"bw":                       FrequencyBiweekly,
	"w":                        FrequencyWeekly,
	"d":                        FrequencyDaily,
}

// FrequencyFromLabel maps a human-readable periodicity label, in either
// language the providers use, to a Frequency. Unknown labels map to
// FrequencyUnknown.
func FrequencyFromLabel(label string) Frequency {
	key := strings.ToLower(strings.TrimSpace(label))
	if freq, ok := frequencyLabels[key]; ok {
		return freq
	}
	return FrequencyUnknown
}

type Observation struct {
	Date  civil.Date
	Value null.Float
}

type Series struct {
	ID                string
	Frequency         Frequency
	Observations      []Observation
	QuarterEndAligned bool
}

func (s *Series) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Observations)
}

type RawPoint struct {
	Period string
	Value  string
}

type SeriesMetadata struct {
	ID             string
	Title          string
	Frequency      Frequency
	FrequencyLabel string
	Unit           string
	Extra          map[string]string
}
