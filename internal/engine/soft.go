package engine

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"checkline/internal/domain"
	"checkline/internal/overrides"
	"checkline/internal/repo"
)

// softWriter persists the soft fields of an instruction. When the job store
// rejects the write the values are shadowed in the override cache so readers
// still see them; such failures are not surfaced to the caller.
type softWriter struct {
	jobs  JobStore
	cache overrides.Store
}

// write reports whether the patch ended up only in the cache.
func (w softWriter) write(ctx context.Context, id string, p domain.Patch) (bool, error) {
	p = p.Soft()
	if p.Empty() {
		return false, nil
	}
	err := w.jobs.Update(ctx, id, p)
	if err == nil {
		w.forget(ctx, id, p)
		return false, nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return false, err
	}
	entry := log.WithError(err).WithFields(log.Fields{"instruction": id, "field": softFieldNames(p)})
	entry.Warn("soft field write failed; shadowing in override cache")
	if cacheErr := w.cache.Save(ctx, id, p); cacheErr != nil {
		log.WithError(cacheErr).WithField("instruction", id).Error("override cache write failed; soft fields lost")
	}
	return true, nil
}

// forget drops cached values the store now holds, so a persisted clear is not
// masked by an older cached value.
func (w softWriter) forget(ctx context.Context, id string, p domain.Patch) {
	if err := w.cache.Save(ctx, id, clearedFields(p)); err != nil {
		log.WithError(err).WithField("instruction", id).Warn("override cache cleanup failed")
	}
}

// clearedFields returns a patch nulling every field set in p.
func clearedFields(p domain.Patch) domain.Patch {
	var c domain.Patch
	if p.VerificationResult.Set {
		c.VerificationResult = domain.Clear[domain.Verdict]()
	}
	if p.AIScore.Set {
		c.AIScore = domain.Clear[int]()
	}
	if p.AIAnalysis.Set {
		c.AIAnalysis = domain.Clear[string]()
	}
	if p.FeedbackComment.Set {
		c.FeedbackComment = domain.Clear[string]()
	}
	return c
}

func softFieldNames(p domain.Patch) []string {
	var names []string
	if p.VerificationResult.Set {
		names = append(names, "verification_result")
	}
	if p.AIScore.Set {
		names = append(names, "ai_score")
	}
	if p.AIAnalysis.Set {
		names = append(names, "ai_analysis")
	}
	if p.FeedbackComment.Set {
		names = append(names, "feedback_comment")
	}
	return names
}
