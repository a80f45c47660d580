package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"checkline/internal/domain"
	"checkline/internal/evidence"
)

// Lifecycle moves a single instruction through its statuses.
type Lifecycle struct {
	jobs     JobStore
	evidence evidence.Store
	bucket   string
	soft     softWriter
	clock    clock
	tracer   trace.Tracer
}

func allowed(from domain.Status, set ...domain.Status) bool {
	for _, s := range set {
		if from == s {
			return true
		}
	}
	return false
}

func (l *Lifecycle) load(ctx context.Context, id string) (domain.JobInstruction, error) {
	j, err := l.jobs.GetInstruction(ctx, id)
	if err != nil {
		return j, fmt.Errorf("instruction %s: %w", id, err)
	}
	return j, nil
}

// Start moves the instruction to in_progress and stamps startedAt.
func (l *Lifecycle) Start(ctx context.Context, id string) (domain.JobInstruction, error) {
	ctx, span := startSpan(ctx, l.tracer, "lifecycle.start", attribute.String("instruction", id))
	var err error
	defer func() { endSpan(span, err) }()

	j, err := l.load(ctx, id)
	if err != nil {
		return j, err
	}
	if !allowed(j.Status, domain.StatusWaiting, domain.StatusInProgress, domain.StatusDelayed) {
		err = &TransitionError{From: j.Status, To: domain.StatusInProgress}
		return j, err
	}
	p := domain.Patch{
		Status:    domain.SetTo(domain.StatusInProgress),
		StartedAt: domain.SetTo(l.clock.stamp()),
	}
	if err = l.jobs.Update(ctx, id, p); err != nil {
		return j, err
	}
	j, err = l.jobs.GetInstruction(ctx, id)
	return j, err
}

// Complete uploads the optional evidence first and only then marks the
// instruction completed. A failed upload leaves the instruction untouched.
func (l *Lifecycle) Complete(ctx context.Context, id string, obj *evidence.Object) (domain.JobInstruction, error) {
	ctx, span := startSpan(ctx, l.tracer, "lifecycle.complete",
		attribute.String("instruction", id), attribute.Bool("evidence", obj != nil))
	var err error
	defer func() { endSpan(span, err) }()

	j, err := l.load(ctx, id)
	if err != nil {
		return j, err
	}
	if !allowed(j.Status, domain.StatusInProgress, domain.StatusDelayed, domain.StatusCompleted) {
		err = &TransitionError{From: j.Status, To: domain.StatusCompleted}
		return j, err
	}
	p := domain.Patch{
		Status:      domain.SetTo(domain.StatusCompleted),
		CompletedAt: domain.SetTo(l.clock.stamp()),
	}
	if obj != nil {
		url, upErr := l.upload(ctx, *obj)
		if upErr != nil {
			err = upErr
			return j, err
		}
		p.EvidenceURL = domain.SetTo(url)
	}
	if err = l.jobs.Update(ctx, id, p); err != nil {
		return j, err
	}
	return l.jobs.GetInstruction(ctx, id)
}

func (l *Lifecycle) upload(ctx context.Context, obj evidence.Object) (string, error) {
	if l.evidence == nil {
		return "", fmt.Errorf("%w: no evidence store configured", ErrUploadFailed)
	}
	url, err := l.evidence.Upload(ctx, l.bucket, obj)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	return url, nil
}

// RevertToInProgress reopens an instruction, dropping its completion, its
// evidence and its verdict.
func (l *Lifecycle) RevertToInProgress(ctx context.Context, id string) (domain.JobInstruction, error) {
	ctx, span := startSpan(ctx, l.tracer, "lifecycle.revert_to_in_progress", attribute.String("instruction", id))
	var err error
	defer func() { endSpan(span, err) }()

	j, err := l.load(ctx, id)
	if err != nil {
		return j, err
	}
	if !allowed(j.Status, domain.StatusInProgress, domain.StatusCompleted, domain.StatusNonCompliant, domain.StatusDelayed) {
		err = &TransitionError{From: j.Status, To: domain.StatusInProgress}
		return j, err
	}
	p := domain.Patch{
		Status:      domain.SetTo(domain.StatusInProgress),
		CompletedAt: domain.Clear[string](),
		EvidenceURL: domain.Clear[string](),
	}
	if j.StartedAt == nil {
		p.StartedAt = domain.SetTo(l.clock.stamp())
	}
	if err = l.jobs.Update(ctx, id, p); err != nil {
		return j, err
	}
	if err = l.clearVerdict(ctx, id); err != nil {
		return j, err
	}
	j, err = l.jobs.GetInstruction(ctx, id)
	return j, err
}

// RevertToWaiting resets the instruction to waiting from any status.
func (l *Lifecycle) RevertToWaiting(ctx context.Context, id string) (domain.JobInstruction, error) {
	ctx, span := startSpan(ctx, l.tracer, "lifecycle.revert_to_waiting", attribute.String("instruction", id))
	var err error
	defer func() { endSpan(span, err) }()

	j, err := l.load(ctx, id)
	if err != nil {
		return j, err
	}
	p := domain.Patch{
		Status:      domain.SetTo(domain.StatusWaiting),
		StartedAt:   domain.Clear[string](),
		CompletedAt: domain.Clear[string](),
		EvidenceURL: domain.Clear[string](),
	}
	if err = l.jobs.Update(ctx, id, p); err != nil {
		return j, err
	}
	if err = l.clearVerdict(ctx, id); err != nil {
		return j, err
	}
	j, err = l.jobs.GetInstruction(ctx, id)
	return j, err
}

// clearVerdict nulls the stored verdict together with any cached one.
func (l *Lifecycle) clearVerdict(ctx context.Context, id string) error {
	_, err := l.soft.write(ctx, id, domain.Patch{VerificationResult: domain.Clear[domain.Verdict]()})
	return err
}

// MarkDelayed flags a live instruction as past its deadline.
func (l *Lifecycle) MarkDelayed(ctx context.Context, id string) (domain.JobInstruction, error) {
	ctx, span := startSpan(ctx, l.tracer, "lifecycle.mark_delayed", attribute.String("instruction", id))
	var err error
	defer func() { endSpan(span, err) }()

	j, err := l.load(ctx, id)
	if err != nil {
		return j, err
	}
	if j.Status == domain.StatusDelayed {
		return j, nil
	}
	if !j.Status.Live() {
		err = &TransitionError{From: j.Status, To: domain.StatusDelayed}
		return j, err
	}
	if err = l.jobs.Update(ctx, id, domain.Patch{Status: domain.SetTo(domain.StatusDelayed)}); err != nil {
		return j, err
	}
	j, err = l.jobs.GetInstruction(ctx, id)
	return j, err
}

// SweepOverdue marks every live instruction whose deadline has passed as
// delayed and returns how many were changed. One failing row does not stop
// the rest.
func (l *Lifecycle) SweepOverdue(ctx context.Context) (int, error) {
	ctx, span := startSpan(ctx, l.tracer, "lifecycle.sweep_overdue")
	var err error
	defer func() { endSpan(span, err) }()

	overdue, err := l.jobs.ListOverdue(ctx, l.clock.stamp())
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, j := range overdue {
		if _, markErr := l.MarkDelayed(ctx, j.ID); markErr != nil {
			errs = append(errs, fmt.Errorf("instruction %s: %w", j.ID, markErr))
			continue
		}
		n++
	}
	span.SetAttributes(attribute.Int("delayed", n))
	err = errors.Join(errs...)
	return n, err
}

// TransitionOptions carry the inputs some target statuses need.
type TransitionOptions struct {
	Evidence *evidence.Object
	// Force allows moving straight to non_compliant without a verdict.
	Force bool
}

// Transition is the generic status entry point used by the API and CLI.
func (l *Lifecycle) Transition(ctx context.Context, id string, to domain.Status, opts TransitionOptions) (domain.JobInstruction, error) {
	ctx, span := startSpan(ctx, l.tracer, "lifecycle.transition",
		attribute.String("instruction", id), attribute.String("to", string(to)), attribute.Bool("force", opts.Force))
	var err error
	defer func() { endSpan(span, err) }()

	var j domain.JobInstruction
	switch to {
	case domain.StatusWaiting:
		j, err = l.RevertToWaiting(ctx, id)
	case domain.StatusInProgress:
		if j, err = l.load(ctx, id); err != nil {
			return j, err
		}
		if j.Status.Done() {
			j, err = l.RevertToInProgress(ctx, id)
		} else {
			j, err = l.Start(ctx, id)
		}
	case domain.StatusCompleted:
		j, err = l.Complete(ctx, id, opts.Evidence)
	case domain.StatusDelayed:
		j, err = l.MarkDelayed(ctx, id)
	case domain.StatusNonCompliant:
		j, err = l.forceNonCompliant(ctx, id, opts.Force)
	default:
		err = invalid("unknown status %q", to)
	}
	return j, err
}

func (l *Lifecycle) forceNonCompliant(ctx context.Context, id string, force bool) (domain.JobInstruction, error) {
	j, err := l.load(ctx, id)
	if err != nil {
		return j, err
	}
	if !force || !allowed(j.Status, domain.StatusInProgress, domain.StatusDelayed, domain.StatusCompleted, domain.StatusNonCompliant) {
		return j, &TransitionError{From: j.Status, To: domain.StatusNonCompliant}
	}
	p := domain.Patch{Status: domain.SetTo(domain.StatusNonCompliant)}
	if j.CompletedAt == nil {
		p.CompletedAt = domain.SetTo(l.clock.stamp())
	}
	if err := l.jobs.Update(ctx, id, p); err != nil {
		return j, err
	}
	return l.jobs.GetInstruction(ctx, id)
}

func parseStamp(in string) (string, error) {
	t, err := time.Parse(time.RFC3339, in)
	if err != nil {
		return "", err
	}
	return t.UTC().Format(time.RFC3339), nil
}
