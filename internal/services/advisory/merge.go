package advisory

import (
	"strings"
)

// MergePolicy holds the merge tunables
type MergePolicy struct {
	AgreementBoost     float64
	ConfidenceCap      float64
	FallbackConfidence float64

	TreatmentCap             int
	PreventionCap            int
	GrowthRecommendationsCap int
	OtherIssuesCap           int
	FollowUpActionsCap       int
}

// DefaultMergePolicy returns the production tunables
func DefaultMergePolicy() MergePolicy {
	return MergePolicy{
		AgreementBoost:           10,
		ConfidenceCap:            95,
		FallbackConfidence:       45,
		TreatmentCap:             6,
		PreventionCap:            5,
		GrowthRecommendationsCap: 5,
		OtherIssuesCap:           3,
		FollowUpActionsCap:       4,
	}
}

var severityRank = map[string]int{
	"none":     0,
	"low":      1,
	"moderate": 2,
	"high":     3,
	"critical": 4,
}

var riskLevelRank = map[string]int{
	"low":    1,
	"medium": 2,
	"high":   3,
}

// Merge combines two provider results. a is provider 1 and wins ties.
func Merge(a, b *AnalysisResult, policy MergePolicy) AnalysisResult {
	out := AnalysisResult{
		DetectedCrop:   firstNonEmpty(a.DetectedCrop, b.DetectedCrop),
		Description:    firstNonEmpty(a.Description, b.Description),
		ExpertiseLevel: firstNonEmpty(a.ExpertiseLevel, b.ExpertiseLevel),
		Severity:       higherRanked(a.Severity, b.Severity, severityRank),
		Providers:      mergeLists(a.Providers, b.Providers, 0),
	}

	if agree(a.Disease, b.Disease) {
		out.Disease = a.Disease
		out.Confidence = Score(min(float64(max(a.Confidence, b.Confidence))+policy.AgreementBoost, policy.ConfidenceCap))
		out.Consensus = ConsensusAgreement
	} else {
		primary, alternative := a, b
		if b.Confidence > a.Confidence {
			primary, alternative = b, a
		}
		out.Disease = primary.Disease + " (Alternative: " + alternative.Disease + ")"
		out.Confidence = primary.Confidence
		out.Consensus = ConsensusDisagreement
	}

	out.DetailedAnalysis = a.DetailedAnalysis
	if out.DetailedAnalysis.empty() {
		out.DetailedAnalysis = b.DetailedAnalysis
	}

	out.Treatment = mergeLists(a.Treatment, b.Treatment, policy.TreatmentCap)
	out.Prevention = mergeLists(a.Prevention, b.Prevention, policy.PreventionCap)
	out.GrowthRecommendations = mergeLists(a.GrowthRecommendations, b.GrowthRecommendations, policy.GrowthRecommendationsCap)
	out.OtherIssues = mergeLists(a.OtherIssues, b.OtherIssues, policy.OtherIssuesCap)
	out.FollowUpActions = mergeLists(a.FollowUpActions, b.FollowUpActions, policy.FollowUpActionsCap)

	ra, rb := a.RiskAssessment, b.RiskAssessment
	out.RiskAssessment = RiskAssessment{
		FungalRisk:             ra.FungalRisk || rb.FungalRisk,
		DroughtRisk:            ra.DroughtRisk || rb.DroughtRisk,
		PestRisk:               ra.PestRisk || rb.PestRisk,
		NutrientDeficiencyRisk: ra.NutrientDeficiencyRisk || rb.NutrientDeficiencyRisk,
		RiskLevel:              higherRanked(ra.RiskLevel, rb.RiskLevel, riskLevelRank),
		Next7DaysForecast:      firstNonEmpty(ra.Next7DaysForecast, rb.Next7DaysForecast),
		WeatherAlert:           firstNonEmpty(ra.WeatherAlert, rb.WeatherAlert),
		EconomicImpact:         firstNonEmpty(ra.EconomicImpact, rb.EconomicImpact),
	}
	return out
}

// UnavailableResult is returned when no provider produced a usable diagnosis
func UnavailableResult(policy MergePolicy) AnalysisResult {
	const msg = "AI analysis is temporarily unavailable. Please retry in a few minutes " +
		"or consult a local agricultural expert for an in-person diagnosis."

	return AnalysisResult{
		Disease:               "Analysis Unavailable",
		Confidence:            Score(policy.FallbackConfidence),
		Severity:              "None",
		Description:           msg,
		Message:               msg,
		Treatment:             []string{},
		Prevention:            []string{},
		GrowthRecommendations: []string{},
		OtherIssues:           []string{},
		FollowUpActions: []string{
			"Retry the analysis with a clear, well-lit photo of the affected plant",
			"Contact your nearest Krishi Vigyan Kendra or agricultural extension officer",
			"Isolate visibly affected plants until a diagnosis is confirmed",
		},
		Providers: []string{},
		Consensus: ConsensusNone,
	}
}

// agree treats equal labels, containment either way, or two "healthy" labels as the same diagnosis
func agree(a, b string) bool {
	la := strings.ToLower(strings.TrimSpace(a))
	lb := strings.ToLower(strings.TrimSpace(b))
	if la == "" || lb == "" {
		return la == lb
	}
	if la == lb || strings.Contains(la, lb) || strings.Contains(lb, la) {
		return true
	}
	return strings.Contains(la, "healthy") && strings.Contains(lb, "healthy")
}

// higherRanked returns the value with the higher rank. Unknown values rank
// below every known one; ties keep a.
func higherRanked(a, b string, ranks map[string]int) string {
	rank := func(s string) int {
		if r, ok := ranks[strings.ToLower(strings.TrimSpace(s))]; ok {
			return r
		}
		return -1
	}
	if rank(b) > rank(a) {
		return b
	}
	if strings.TrimSpace(a) == "" {
		return b
	}
	return a
}

// mergeLists unions a then b with case-insensitive dedupe, truncated to limit (0 = unlimited)
func mergeLists(a, b []string, limit int) []string {
	out := make([]string, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))

	for _, list := range [][]string{a, b} {
		for _, item := range list {
			item = strings.TrimSpace(item)
			key := strings.ToLower(item)
			if item == "" {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, item)
			if limit > 0 && len(out) == limit {
				return out
			}
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
