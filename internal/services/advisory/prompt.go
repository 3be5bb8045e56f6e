package advisory

import (
	"fmt"
	"strings"

	"greentrace/internal/adapters/weather"
)

// SystemPrompt frames every provider call
const SystemPrompt = `You are an expert agronomist and plant pathologist advising smallholder farmers in India. ` +
	`You diagnose crop health from photographs and field context. Respond with a single JSON object and nothing else.`

const responseSchema = `{
  "detectedCrop": "crop visible in the image",
  "disease": "disease name, or \"Healthy Crop\" if no disease is present",
  "confidence": 0-100,
  "severity": "None | Low | Moderate | High | Critical",
  "description": "two or three sentences a farmer can understand",
  "detailedAnalysis": {
    "symptoms": "", "causes": "", "diseaseStage": "", "affectedArea": "",
    "spreadRisk": "", "soilHealth": "", "weatherImpact": "", "nutrientStatus": ""
  },
  "treatment": ["up to 6 concrete steps, chemical and organic"],
  "prevention": ["up to 5 measures"],
  "growthRecommendations": ["up to 5 recommendations"],
  "aiRiskAssessment": {
    "fungalRisk": true, "droughtRisk": false, "pestRisk": false, "nutrientDeficiencyRisk": false,
    "riskLevel": "Low | Medium | High",
    "next7DaysForecast": "", "weatherAlert": "", "economicImpact": ""
  },
  "otherIssues": ["up to 3 secondary problems"],
  "expertiseLevel": "Beginner | Intermediate | Expert",
  "followUpActions": ["up to 4 next steps"]
}`

// BuildPrompt embeds every context field of req into one instruction.
// cond, when set, replaces an empty req.WeatherContext.
func BuildPrompt(req Request, cond *weather.Conditions) string {
	var b strings.Builder

	b.WriteString("Analyze the attached crop image and produce a complete crop health assessment.\n\n")
	b.WriteString("Field context:\n")
	writeField(&b, "Crop type", req.CropType)
	writeField(&b, "Growth stage", req.GrowthStage)
	writeField(&b, "Farmer's description", req.Description)
	writeField(&b, "Soil type", req.SoilType)
	writeField(&b, "Irrigation", req.IrrigationType)

	weatherCtx := strings.TrimSpace(req.WeatherContext)
	if weatherCtx == "" && cond != nil {
		weatherCtx = "Current conditions: " + cond.Summary()
	}
	writeField(&b, "Weather", weatherCtx)

	if len(req.Symptoms) > 0 {
		writeField(&b, "Observed symptoms", strings.Join(req.Symptoms, ", "))
	}
	if req.Soil != nil {
		s := req.Soil
		writeField(&b, "Soil test", fmt.Sprintf(
			"N %.1f, P %.1f, K %.1f, pH %.2f, EC %.2f, OC %.2f, S %.1f, Zn %.2f, Fe %.2f, Cu %.2f, Mn %.2f, B %.2f",
			s.N, s.P, s.K, s.PH, s.EC, s.OC, s.S, s.Zn, s.Fe, s.Cu, s.Mn, s.B))
	}

	b.WriteString("\nIf the crop looks healthy, set disease to \"Healthy Crop\" and severity to \"None\". ")
	b.WriteString("If the image does not show a crop, say so in description and set confidence below 30. ")
	b.WriteString("Weigh the weather and soil context when assessing risks.\n\n")
	b.WriteString("Return JSON with exactly this shape:\n")
	b.WriteString(responseSchema)
	return b.String()
}

func writeField(b *strings.Builder, name, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		value = "Not specified"
	}
	fmt.Fprintf(b, "- %s: %s\n", name, value)
}
