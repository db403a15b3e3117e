package pipeline

import (
	"strings"

	"github.com/ninjacall/voicecore/internal/model"
)

// rolePrefixes are stripped from the front of a generated response before
// it's spoken — leftover framing an upstream generator sometimes emits
// ("Assistant:", "AI:") that a caller should never hear.
var rolePrefixes = []string{"assistant:", "ai:", "bot:", "response:"}

// maxResponseChars bounds a spoken response length, design §4.6 stage 5.
const maxResponseChars = 50

// postProcessResponse strips role prefixes, collapses internal whitespace,
// and truncates to maxResponseChars.
func postProcessResponse(text string) string {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)
	for _, p := range rolePrefixes {
		if strings.HasPrefix(lower, p) {
			trimmed = strings.TrimSpace(trimmed[len(p):])
			break
		}
	}

	trimmed = strings.Join(strings.Fields(trimmed), " ")

	if len(trimmed) > maxResponseChars {
		trimmed = strings.TrimSpace(trimmed[:maxResponseChars])
	}
	return trimmed
}

// shouldTerminate reports whether the call should end after this response:
// the chosen strategy already escalated to termination, or the recognized
// text itself signals the caller wants to end the conversation.
func shouldTerminate(resp model.Response, recognizedText string) bool {
	if resp.Strategy == model.StrategyCallTermination {
		return true
	}
	lower := strings.ToLower(recognizedText)
	for _, kw := range terminationKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return resp.ShouldTerminate
}

// fallbackIntent is the mandatory fallback for stage 4 (classify) when the
// external classifier is unavailable: a keyword scan against the known
// intent categories, defaulting to unknown rather than failing the chunk.
func fallbackIntent(text string) model.Intent {
	lower := strings.ToLower(text)
	category := model.CategoryUnknown
	switch {
	case strings.Contains(lower, "loan") || strings.Contains(lower, "refinanc"):
		category = model.CategoryLoanOffer
	case strings.Contains(lower, "invest") || strings.Contains(lower, "portfolio"):
		category = model.CategoryInvestmentPitch
	case strings.Contains(lower, "insurance") || strings.Contains(lower, "coverage"):
		category = model.CategoryInsuranceSales
	case strings.Contains(lower, "survey") || strings.Contains(lower, "feedback"):
		category = model.CategorySurvey
	case strings.Contains(lower, "buy") || strings.Contains(lower, "offer") || strings.Contains(lower, "discount"):
		category = model.CategorySalesCall
	case strings.Contains(lower, "market") || strings.Contains(lower, "promot"):
		category = model.CategoryTelemarketing
	}
	return model.Intent{
		Label:         string(category),
		Confidence:    0.3,
		Category:      category,
		EmotionalTone: model.ToneNeutral,
		Entities:      map[string]string{},
	}
}

// fallbackResponse is the mandatory fallback for stage 5 (generate) when
// the external generator is unavailable: a canned reply matching the
// already-decided escalation strategy.
func fallbackResponse(strategy model.ResponseStrategy) model.Response {
	text := "Not interested, thanks."
	terminate := false
	switch strategy {
	case model.StrategyFirmRejection:
		text = "I've said no. Please remove this number from your list."
	case model.StrategyCallTermination:
		text = "Goodbye."
		terminate = true
	}
	return model.Response{
		Text:            text,
		ShouldTerminate: terminate,
		Confidence:      0.3,
		Strategy:        strategy,
	}
}
