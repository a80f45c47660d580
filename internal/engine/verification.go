package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"checkline/internal/domain"
	"checkline/internal/overrides"
	"checkline/internal/repo"
	"checkline/internal/scoring"
)

// Decision is an inspector's final call on a completed instruction.
type Decision string

const (
	DecisionPass           Decision = "pass"
	DecisionFail           Decision = "fail"
	DecisionCancelApproval Decision = "cancel_approval"
)

func ParseDecision(in string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(in))); d {
	case DecisionPass, DecisionFail, DecisionCancelApproval:
		return d, nil
	case "cancel", "cancelapproval":
		return DecisionCancelApproval, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidVerdict, in)
}

// Verification scores completed work and records the inspector's verdict.
type Verification struct {
	jobs   JobStore
	scorer scoring.Scorer
	soft   softWriter
	cache  overrides.Store
	tracer trace.Tracer
}

// Analysis is the outcome of scoring one instruction.
type Analysis struct {
	Instruction domain.JobInstruction `json:"instruction"`
	Result      scoring.Result        `json:"result"`
	// Shadowed is set when the result only reached the override cache.
	Shadowed bool `json:"shadowed"`
}

// Analyze scores a completed or non-compliant instruction and records the
// score and analysis. A verdict is proposed only when none is set yet.
func (v *Verification) Analyze(ctx context.Context, id string) (Analysis, error) {
	ctx, span := startSpan(ctx, v.tracer, "verification.analyze", attribute.String("instruction", id))
	var err error
	defer func() { endSpan(span, err) }()

	j, err := v.jobs.GetInstruction(ctx, id)
	if err != nil {
		return Analysis{}, err
	}
	j = overrides.MergeOne(ctx, v.cache, j)
	if !j.Status.Done() {
		err = fmt.Errorf("%w: instruction %s is %s", ErrNotInspectable, id, j.Status)
		return Analysis{}, err
	}
	return v.analyze(ctx, j)
}

func (v *Verification) analyze(ctx context.Context, j domain.JobInstruction) (Analysis, error) {
	res, err := v.scorer.Score(ctx, j)
	if err != nil {
		return Analysis{}, fmt.Errorf("score instruction %s: %w", j.ID, err)
	}
	p := domain.Patch{
		AIScore:    domain.SetTo(res.Score),
		AIAnalysis: domain.SetTo(res.Analysis),
	}
	if j.VerificationResult == nil {
		verdict := domain.VerdictFail
		if res.IsPass {
			verdict = domain.VerdictPass
		}
		p.VerificationResult = domain.SetTo(verdict)
	}
	shadowed, err := v.soft.write(ctx, j.ID, p)
	if err != nil {
		return Analysis{}, err
	}
	p.Apply(&j)
	return Analysis{Instruction: j, Result: res, Shadowed: shadowed}, nil
}

// AnalyzePending scores every completed or non-compliant instruction of the
// team that has no score yet. A failure on one instruction is reported and
// the rest are still scored.
func (v *Verification) AnalyzePending(ctx context.Context, team string) ([]Analysis, error) {
	ctx, span := startSpan(ctx, v.tracer, "verification.analyze_pending", attribute.String("team", team))
	var err error
	defer func() { endSpan(span, err) }()

	rows, err := v.jobs.ListInstructions(ctx, repo.InstructionFilter{
		Team:     team,
		Statuses: []domain.Status{domain.StatusCompleted, domain.StatusNonCompliant},
		OrderBy:  repo.OrderCompleted,
	})
	if err != nil {
		return nil, err
	}
	rows = overrides.MergeAll(ctx, v.cache, rows)
	res := []Analysis{}
	var errs []error
	for _, j := range rows {
		if j.AIScore != nil {
			continue
		}
		a, aErr := v.analyze(ctx, j)
		if aErr != nil {
			errs = append(errs, aErr)
			continue
		}
		res = append(res, a)
	}
	span.SetAttributes(attribute.Int("analyzed", len(res)))
	err = errors.Join(errs...)
	return res, err
}

// Finalize records the inspector's decision. The status change is the primary
// write and its failure is returned with nothing else written. The verdict
// and the feedback are soft writes.
func (v *Verification) Finalize(ctx context.Context, id string, d Decision, feedback *string) (domain.JobInstruction, error) {
	ctx, span := startSpan(ctx, v.tracer, "verification.finalize",
		attribute.String("instruction", id), attribute.String("decision", string(d)))
	var err error
	defer func() { endSpan(span, err) }()

	var (
		status  domain.Status
		verdict domain.Field[domain.Verdict]
	)
	switch d {
	case DecisionPass:
		status, verdict = domain.StatusCompleted, domain.SetTo(domain.VerdictPass)
	case DecisionFail:
		status, verdict = domain.StatusNonCompliant, domain.SetTo(domain.VerdictFail)
	case DecisionCancelApproval:
		status, verdict = domain.StatusCompleted, domain.Clear[domain.Verdict]()
	default:
		err = fmt.Errorf("%w: %q", ErrInvalidVerdict, d)
		return domain.JobInstruction{}, err
	}

	j, err := v.jobs.GetInstruction(ctx, id)
	if err != nil {
		return domain.JobInstruction{}, err
	}
	if !j.Status.Done() {
		err = &TransitionError{From: j.Status, To: status}
		return j, err
	}
	if err = v.jobs.Update(ctx, id, domain.Patch{Status: domain.SetTo(status)}); err != nil {
		return j, err
	}

	if _, err = v.soft.write(ctx, id, domain.Patch{VerificationResult: verdict}); err != nil {
		return j, err
	}
	if feedback != nil {
		if fb := strings.TrimSpace(*feedback); fb != "" {
			if _, err = v.soft.write(ctx, id, domain.Patch{FeedbackComment: domain.SetTo(fb)}); err != nil {
				return j, err
			}
		}
	}
	log.WithFields(log.Fields{"instruction": id, "decision": d}).Debug("verification finalized")

	j, err = v.jobs.GetInstruction(ctx, id)
	if err != nil {
		return j, err
	}
	return overrides.MergeOne(ctx, v.cache, j), nil
}

// ResolveActionItem closes an action plan item by passing its instruction.
func (v *Verification) ResolveActionItem(ctx context.Context, id string, feedback *string) (domain.JobInstruction, error) {
	return v.Finalize(ctx, id, DecisionPass, feedback)
}
