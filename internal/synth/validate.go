package synth

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"sieve/internal/services/llm"
)

var userStoryPattern = regexp.MustCompile(`(?is)^As an? .+?,? I want .+? so that .+`)

var upper = cases.Upper(language.Und)

// Draft is the structure the model must return.
type Draft struct {
	Title              string   `json:"title"`
	UserStory          string   `json:"userStory"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
}

// ParseDraft decodes and validates model output, normalizing the title and
// truncating criteria to maxCriteria.
func ParseDraft(content string, maxCriteria int) (Draft, error) {
	var d Draft
	if err := llm.DecodeJSON(content, &d); err != nil {
		return Draft{}, err
	}
	d.Title = normalizeTitle(d.Title)
	if d.Title == "" {
		return Draft{}, errors.New("title is empty")
	}
	d.UserStory = strings.Join(strings.Fields(d.UserStory), " ")
	if !userStoryPattern.MatchString(d.UserStory) {
		return Draft{}, fmt.Errorf("user story %q does not follow \"As a ..., I want ... so that ...\"", d.UserStory)
	}
	if len(d.AcceptanceCriteria) == 0 {
		return Draft{}, errors.New("acceptance criteria are empty")
	}
	criteria := make([]string, 0, len(d.AcceptanceCriteria))
	for i, c := range d.AcceptanceCriteria {
		c = strings.TrimSpace(c)
		if c == "" {
			return Draft{}, fmt.Errorf("acceptance criterion %d is blank", i+1)
		}
		criteria = append(criteria, c)
	}
	if maxCriteria > 0 && len(criteria) > maxCriteria {
		criteria = criteria[:maxCriteria]
	}
	d.AcceptanceCriteria = criteria
	return d, nil
}

func normalizeTitle(title string) string {
	title = strings.Join(strings.Fields(title), " ")
	title = strings.TrimRight(title, ".")
	if title == "" {
		return ""
	}
	r, size := utf8.DecodeRuneInString(title)
	return upper.String(string(r)) + title[size:]
}
