package services

import "math"

// ExecutionMetrics is the derived visibility of one answer.
type ExecutionMetrics struct {
	BusinessVisibility     int
	ShareOfVoice           float64
	CompetitorVisibilities map[string]int
	CompetitorShareOfVoice map[string]float64
}

// Visibility is a flat presence flag: 1 if mentioned at all.
func Visibility(mentions int) int {
	if mentions > 0 {
		return 1
	}
	return 0
}

// ShareOfVoice returns each entity's percentage of all mentions, rounded to
// one decimal. Only names in tracked count, and every tracked competitor
// gets an entry. All values are 0 when nobody is mentioned.
func ShareOfVoice(brandMentions int, competitorMentions map[string]int, tracked []string) (float64, map[string]float64) {
	total := max(brandMentions, 0)
	for _, name := range tracked {
		total += max(competitorMentions[name], 0)
	}

	out := make(map[string]float64, len(tracked))
	if total == 0 {
		for _, name := range tracked {
			out[name] = 0
		}
		return 0, out
	}
	for _, name := range tracked {
		out[name] = percent(max(competitorMentions[name], 0), total)
	}
	return percent(max(brandMentions, 0), total), out
}

// ComputeMetrics derives an execution's metrics from a verified analysis.
func ComputeMetrics(res *AnalysisResult, tracked []string) ExecutionMetrics {
	visibilities := make(map[string]int, len(tracked))
	for _, name := range tracked {
		visibilities[name] = Visibility(res.CompetitorMentions[name])
	}
	sov, competitorSOV := ShareOfVoice(res.BrandMentions, res.CompetitorMentions, tracked)
	return ExecutionMetrics{
		BusinessVisibility:     Visibility(res.BrandMentions),
		ShareOfVoice:           sov,
		CompetitorVisibilities: visibilities,
		CompetitorShareOfVoice: competitorSOV,
	}
}

func percent(n, total int) float64 {
	return math.Round(float64(n)/float64(total)*1000) / 10
}
