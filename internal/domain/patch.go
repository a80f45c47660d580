package domain

// Field is one slot of a Patch. An unset field is left untouched; a set field
// with a nil Value is written as NULL.
type Field[T any] struct {
	Set   bool
	Value *T
}

func SetTo[T any](v T) Field[T] {
	return Field[T]{Set: true, Value: &v}
}

func Clear[T any]() Field[T] {
	return Field[T]{Set: true}
}

func (f Field[T]) apply(dst **T) {
	if !f.Set {
		return
	}
	if f.Value == nil {
		*dst = nil
		return
	}
	v := *f.Value
	*dst = &v
}

// Patch is a partial update of a JobInstruction.
type Patch struct {
	Assignee    Field[string]
	Status      Field[Status]
	Subject     Field[string]
	Description Field[string]
	StartedAt   Field[string]
	CompletedAt Field[string]
	Deadline    Field[string]
	EvidenceURL Field[string]

	// soft fields, eligible for the override cache
	VerificationResult Field[Verdict]
	AIScore            Field[int]
	AIAnalysis         Field[string]
	FeedbackComment    Field[string]
}

// ExecutionReset returns a patch clearing every execution-derived field.
func ExecutionReset() Patch {
	return Patch{
		StartedAt:          Clear[string](),
		CompletedAt:        Clear[string](),
		EvidenceURL:        Clear[string](),
		VerificationResult: Clear[Verdict](),
		AIScore:            Clear[int](),
		AIAnalysis:         Clear[string](),
		FeedbackComment:    Clear[string](),
	}
}

func (p Patch) Empty() bool {
	return !p.Assignee.Set && !p.Status.Set && !p.Subject.Set && !p.Description.Set &&
		!p.StartedAt.Set && !p.CompletedAt.Set && !p.Deadline.Set && !p.EvidenceURL.Set &&
		!p.HasSoft()
}

func (p Patch) HasSoft() bool {
	return p.VerificationResult.Set || p.AIScore.Set || p.AIAnalysis.Set || p.FeedbackComment.Set
}

// Core drops the soft fields.
func (p Patch) Core() Patch {
	p.VerificationResult = Field[Verdict]{}
	p.AIScore = Field[int]{}
	p.AIAnalysis = Field[string]{}
	p.FeedbackComment = Field[string]{}
	return p
}

// Soft keeps only the soft fields.
func (p Patch) Soft() Patch {
	return Patch{
		VerificationResult: p.VerificationResult,
		AIScore:            p.AIScore,
		AIAnalysis:         p.AIAnalysis,
		FeedbackComment:    p.FeedbackComment,
	}
}

// Apply writes the set fields of p onto j.
func (p Patch) Apply(j *JobInstruction) {
	p.Assignee.apply(&j.Assignee)
	if p.Status.Set && p.Status.Value != nil {
		j.Status = *p.Status.Value
	}
	if p.Subject.Set {
		j.Subject = ""
		if p.Subject.Value != nil {
			j.Subject = *p.Subject.Value
		}
	}
	if p.Description.Set {
		j.Description = ""
		if p.Description.Value != nil {
			j.Description = *p.Description.Value
		}
	}
	p.StartedAt.apply(&j.StartedAt)
	p.CompletedAt.apply(&j.CompletedAt)
	p.Deadline.apply(&j.Deadline)
	p.EvidenceURL.apply(&j.EvidenceURL)
	p.VerificationResult.apply(&j.VerificationResult)
	p.AIScore.apply(&j.AIScore)
	p.AIAnalysis.apply(&j.AIAnalysis)
	p.FeedbackComment.apply(&j.FeedbackComment)
}
