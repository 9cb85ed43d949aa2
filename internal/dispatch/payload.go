package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"sieve/internal/priority"
	"sieve/internal/store"
)

// ExportPayload is the JSON document pushed to targets.
type ExportPayload struct {
	Title              string   `json:"title"`
	UserStory          string   `json:"userStory"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
	Priority           string   `json:"priority"`
	SourceFeedbackIDs  []string `json:"sourceFeedbackIds"`
}

// ExternalRef identifies an issue in a target system.
type ExternalRef string

// PayloadFor builds the export document of a requirement.
func PayloadFor(req *store.Requirement) ExportPayload {
	ids := make([]string, len(req.SourceFeedbackIDs))
	for i, id := range req.SourceFeedbackIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	bucket := req.PriorityBucket
	switch bucket {
	case priority.Low, priority.Medium, priority.High:
	default:
		bucket = priority.Low
	}
	criteria := req.AcceptanceCriteria
	if criteria == nil {
		criteria = []string{}
	}
	return ExportPayload{
		Title:              req.Title,
		UserStory:          req.UserStory,
		AcceptanceCriteria: criteria,
		Priority:           bucket,
		SourceFeedbackIDs:  ids,
	}
}

// IdempotencyKey derives the dedup token for a requirement and target.
func IdempotencyKey(requirementID int64, target string) string {
	sum := sha256.Sum256([]byte(strconv.FormatInt(requirementID, 10) + "\x00" + target))
	return hex.EncodeToString(sum[:])
}
