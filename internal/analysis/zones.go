// Package analysis derives the time-in-zone training report from the
// merged activity corpus. The sync pipeline treats it as a collaborator:
// it consumes activities and produces the report artifact, nothing more.
package analysis

import (
	"time"

	"trainsync/internal/strava"
)

// Default athlete parameters when the config leaves them unset.
const (
	DefaultMaxHR = 180
	DefaultLTHR  = 153
)

// Zones holds the athlete parameters zone classification is based on.
type Zones struct {
	MaxHR float64 // bpm
	LTHR  float64 // lactate threshold heart rate, bpm
	FTP   float64 // watts; 0 when unknown
}

// Three-zone polarized boundaries as fractions of threshold.
const (
	hrZone1Max    = 0.85 // below: low intensity
	powerZone1Max = 0.90
	powerZone2Max = 1.05
)

// ActivityAnalysis is the per-activity line of the report.
type ActivityAnalysis struct {
	ActivityID      int64   `json:"activity_id"`
	Name            string  `json:"name"`
	Date            string  `json:"date"`
	SportType       string  `json:"sport_type"`
	DurationMinutes float64 `json:"duration_minutes"`
	Zone1Percent    float64 `json:"zone1_percent"`
	Zone2Percent    float64 `json:"zone2_percent"`
	Zone3Percent    float64 `json:"zone3_percent"`
	AverageHR       float64 `json:"average_hr"`
	AveragePower    float64 `json:"average_power"`
}

// Distribution aggregates zone time across the analyzed window.
type Distribution struct {
	TotalActivities int     `json:"total_activities"`
	TotalMinutes    float64 `json:"total_minutes"`
	Zone1Percent    float64 `json:"zone1_percent"`
	Zone2Percent    float64 `json:"zone2_percent"`
	Zone3Percent    float64 `json:"zone3_percent"`
	AdherenceScore  float64 `json:"adherence_score"`
}

// Report is the derived analysis artifact persisted next to the corpus.
type Report struct {
	Config struct {
		MaxHR       float64   `json:"max_hr"`
		LTHR        float64   `json:"lthr"`
		FTP         float64   `json:"ftp"`
		GeneratedAt time.Time `json:"generated_at"`
	} `json:"config"`
	Distribution Distribution       `json:"distribution"`
	Activities   []ActivityAnalysis `json:"activities"`
}

// Analyzer computes reports for a fixed set of athlete zones.
type Analyzer struct {
	zones Zones
}

// New creates an Analyzer, substituting defaults for unset parameters.
func New(zones Zones) *Analyzer {
	if zones.MaxHR <= 0 {
		zones.MaxHR = DefaultMaxHR
	}
	if zones.LTHR <= 0 {
		zones.LTHR = DefaultLTHR
	}
	return &Analyzer{zones: zones}
}

// Analyze produces the report over the merged corpus. Activities without
// any usable intensity signal (no HR or power data) are left out; an empty
// Activities slice means nothing was analyzable.
func (a *Analyzer) Analyze(activities []strava.Activity) (*Report, error) {
	report := &Report{}
	report.Config.MaxHR = a.zones.MaxHR
	report.Config.LTHR = a.zones.LTHR
	report.Config.FTP = a.zones.FTP
	report.Config.GeneratedAt = time.Now()

	var totalMinutes, z1Min, z2Min, z3Min float64

	for i := range activities {
		act := &activities[i]
		aa, ok := a.analyzeOne(act)
		if !ok {
			continue
		}
		report.Activities = append(report.Activities, aa)

		totalMinutes += aa.DurationMinutes
		z1Min += aa.DurationMinutes * aa.Zone1Percent / 100
		z2Min += aa.DurationMinutes * aa.Zone2Percent / 100
		z3Min += aa.DurationMinutes * aa.Zone3Percent / 100
	}

	d := &report.Distribution
	d.TotalActivities = len(report.Activities)
	d.TotalMinutes = totalMinutes
	if totalMinutes > 0 {
		d.Zone1Percent = 100 * z1Min / totalMinutes
		d.Zone2Percent = 100 * z2Min / totalMinutes
		d.Zone3Percent = 100 * z3Min / totalMinutes
		d.AdherenceScore = adherence(d.Zone1Percent, d.Zone3Percent)
	}

	return report, nil
}

// analyzeOne classifies a single activity's time into zones, preferring
// per-sample heart rate, then per-sample power, then the average HR for
// the whole duration.
func (a *Analyzer) analyzeOne(act *strava.Activity) (ActivityAnalysis, bool) {
	aa := ActivityAnalysis{
		ActivityID:      act.ID,
		Name:            act.Name,
		Date:            act.StartDate.Format(time.RFC3339),
		SportType:       act.SportType,
		DurationMinutes: float64(act.MovingTime) / 60,
		AverageHR:       act.AverageHeartrate,
		AveragePower:    act.AverageWatts,
	}

	var z1, z2, z3 int
	switch {
	case act.Streams.HasHeartrate():
		for _, hr := range act.Streams.Heartrate.Data {
			switch a.hrZone(float64(hr)) {
			case 1:
				z1++
			case 2:
				z2++
			default:
				z3++
			}
		}
	case act.Streams.HasWatts():
		for _, w := range act.Streams.Watts.Data {
			switch a.powerZone(float64(w)) {
			case 1:
				z1++
			case 2:
				z2++
			default:
				z3++
			}
		}
	case act.AverageHeartrate > 0:
		switch a.hrZone(act.AverageHeartrate) {
		case 1:
			z1 = 1
		case 2:
			z2 = 1
		default:
			z3 = 1
		}
	default:
		return aa, false
	}

	total := z1 + z2 + z3
	if total == 0 {
		return aa, false
	}
	aa.Zone1Percent = 100 * float64(z1) / float64(total)
	aa.Zone2Percent = 100 * float64(z2) / float64(total)
	aa.Zone3Percent = 100 * float64(z3) / float64(total)
	return aa, true
}

func (a *Analyzer) hrZone(hr float64) int {
	switch {
	case hr < a.zones.LTHR*hrZone1Max:
		return 1
	case hr <= a.zones.LTHR:
		return 2
	default:
		return 3
	}
}

func (a *Analyzer) powerZone(w float64) int {
	if a.zones.FTP <= 0 {
		return 1
	}
	switch {
	case w < a.zones.FTP*powerZone1Max:
		return 1
	case w <= a.zones.FTP*powerZone2Max:
		return 2
	default:
		return 3
	}
}

// adherence scores the distribution against the 80/10/10 polarized target.
func adherence(z1Pct, z3Pct float64) float64 {
	score := 100 - abs(z1Pct-80) - abs(z3Pct-10)
	if score < 0 {
		score = 0
	}
	return score
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
