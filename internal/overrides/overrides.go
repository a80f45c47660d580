package overrides

import (
	"context"

	log "github.com/sirupsen/logrus"

	"checkline/internal/domain"
)

// Entry holds the soft fields shadowed for one job instruction.
type Entry struct {
	AIScore            *int            `json:"ai_score,omitempty"`
	AIAnalysis         *string         `json:"ai_analysis,omitempty"`
	FeedbackComment    *string         `json:"feedback_comment,omitempty"`
	VerificationResult *domain.Verdict `json:"verification_result,omitempty"`
}

func (e Entry) Empty() bool {
	return e.AIScore == nil && e.AIAnalysis == nil && e.FeedbackComment == nil && e.VerificationResult == nil
}

// Apply writes the soft fields of p onto e. A field set to null is dropped.
func (e *Entry) Apply(p domain.Patch) {
	if p.AIScore.Set {
		e.AIScore = copyPtr(p.AIScore.Value)
	}
	if p.AIAnalysis.Set {
		e.AIAnalysis = copyPtr(p.AIAnalysis.Value)
	}
	if p.FeedbackComment.Set {
		e.FeedbackComment = copyPtr(p.FeedbackComment.Value)
	}
	if p.VerificationResult.Set {
		e.VerificationResult = copyPtr(p.VerificationResult.Value)
	}
}

func copyPtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Store is the patch layer for soft fields the job store failed to persist.
// It never holds status or assignee.
type Store interface {
	Get(ctx context.Context, id string) (Entry, bool, error)
	GetMany(ctx context.Context, ids []string) (map[string]Entry, error)
	// Save applies the soft fields of p to the entry for id.
	Save(ctx context.Context, id string, p domain.Patch) error
	Delete(ctx context.Context, id string) error
}

// Merge overlays the cached entry onto j. For each field the stored value
// wins when it is non-null.
func Merge(j domain.JobInstruction, e Entry) domain.JobInstruction {
	if j.AIScore == nil && e.AIScore != nil {
		j.AIScore = copyPtr(e.AIScore)
	}
	if j.AIAnalysis == nil && e.AIAnalysis != nil {
		j.AIAnalysis = copyPtr(e.AIAnalysis)
	}
	if j.FeedbackComment == nil && e.FeedbackComment != nil {
		j.FeedbackComment = copyPtr(e.FeedbackComment)
	}
	if j.VerificationResult == nil && e.VerificationResult != nil {
		j.VerificationResult = copyPtr(e.VerificationResult)
	}
	return j
}

// MergeAll merges rows with their cached entries. A cache that cannot be
// read leaves the rows as stored.
func MergeAll(ctx context.Context, s Store, rows []domain.JobInstruction) []domain.JobInstruction {
	if s == nil || len(rows) == 0 {
		return rows
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	entries, err := s.GetMany(ctx, ids)
	if err != nil {
		log.WithError(err).WithField("rows", len(rows)).Warn("override cache unavailable; serving stored values")
		return rows
	}
	out := make([]domain.JobInstruction, len(rows))
	for i, r := range rows {
		if e, ok := entries[r.ID]; ok {
			r = Merge(r, e)
		}
		out[i] = r
	}
	return out
}

// MergeOne is MergeAll for a single row.
func MergeOne(ctx context.Context, s Store, j domain.JobInstruction) domain.JobInstruction {
	if s == nil {
		return j
	}
	e, ok, err := s.Get(ctx, j.ID)
	if err != nil {
		log.WithError(err).WithField("instruction", j.ID).Warn("override cache unavailable; serving stored values")
		return j
	}
	if !ok {
		return j
	}
	return Merge(j, e)
}
