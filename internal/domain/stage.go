package domain

import "strings"

type Stage string

const (
	StagePre          Stage = "pre"
	StageDuring       Stage = "during"
	StagePost         Stage = "post"
	StageAfterService Stage = "after_service"
)

var (
	afterServiceWords = []string{"영업후", "영업 후", "after service", "after-service"}
	postTimeWords     = []string{"마감", "close", "종료", "야간"}
	postOccasionWords = []string{"퇴실", "정산", "보고", "checkout", "check-out"}
	preTimeWords      = []string{"오픈", "개시", "준비", "점검", "open"}
	preOccasionWords  = []string{"입실", "준비", "브리핑", "checkin", "check-in", "briefing"}
)

// StageOf classifies a situation by the keywords in its time and occasion.
func StageOf(s Situation) Stage {
	t := strings.ToLower(s.Time)
	o := strings.ToLower(s.Occasion)
	switch {
	case containsAny(t, afterServiceWords) || containsAny(o, afterServiceWords):
		return StageAfterService
	case containsAny(t, postTimeWords) || containsAny(o, postOccasionWords):
		return StagePost
	case containsAny(t, preTimeWords) || containsAny(o, preOccasionWords):
		return StagePre
	}
	return StageDuring
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
