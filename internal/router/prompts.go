package router

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"sieve/internal/services/llm"
)

const analysisSystemPrompt = `You analyze customer feedback for a product team.
Respond with a JSON object: {"sentiment": number between -1 and 1, "themes": [short strings], "summary": string}.`

const strictSuffix = `

Return ONLY one JSON object matching the schema. No prose, no code fences.`

func analysisUserPrompt(content string) string {
	return "Feedback:\n" + content
}

func decodeAnalysis(content string, out *Analysis) error {
	*out = Analysis{}
	if err := llm.DecodeJSON(content, out); err != nil {
		return err
	}
	if math.IsNaN(out.Sentiment) || out.Sentiment < -1 || out.Sentiment > 1 {
		return fmt.Errorf("sentiment %v outside [-1,1]", out.Sentiment)
	}
	themes := out.Themes[:0]
	for _, theme := range out.Themes {
		if theme = strings.TrimSpace(theme); theme != "" {
			themes = append(themes, theme)
		}
	}
	out.Themes = themes
	out.Summary = strings.TrimSpace(out.Summary)
	if len(out.Themes) == 0 && out.Summary == "" {
		return errors.New("analysis has neither themes nor summary")
	}
	return nil
}
