package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"checkline/internal/config"
	"checkline/internal/db"
	"checkline/internal/domain"
	"checkline/internal/engine"
	"checkline/internal/evidence"
	"checkline/internal/migrate"
	"checkline/internal/overrides"
	"checkline/internal/repo"
	"checkline/internal/scoring"
)

var fixedNow = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// degradedJobs simulates a store whose schema rejects some writes.
type degradedJobs struct {
	repo.Repo
	failSoft       bool
	failStatus     bool
	failInsertMany bool
}

func (d *degradedJobs) Update(ctx context.Context, id string, p domain.Patch) error {
	if d.failSoft && p.HasSoft() {
		return errors.New("no such column: ai_score")
	}
	if d.failStatus && p.Status.Set {
		return errors.New("store unavailable")
	}
	return d.Repo.Update(ctx, id, p)
}

func (d *degradedJobs) InsertMany(ctx context.Context, rows []domain.JobInstruction) error {
	if d.failInsertMany {
		return errors.New("bulk insert rejected")
	}
	return d.Repo.InsertMany(ctx, rows)
}

type failingUploads struct{}

func (failingUploads) Upload(context.Context, string, evidence.Object) (string, error) {
	return "", errors.New("connection reset by peer")
}

type testEnv struct {
	Engine *engine.Engine
	Repo   repo.Repo
	Jobs   *degradedJobs
	Cache  *overrides.Memory
	Spans  *tracetest.SpanRecorder
	Ctx    context.Context
}

type envOption func(*engine.Deps)

func withEvidence(s evidence.Store) envOption {
	return func(d *engine.Deps) { d.Evidence = s }
}

func withScorer(s scoring.Scorer) envOption {
	return func(d *engine.Deps) { d.Scorer = s }
}

func newTestEnv(t *testing.T, opts ...envOption) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	jobs := &degradedJobs{Repo: r}
	cache := overrides.NewMemory()
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	deps := engine.Deps{
		Jobs:      jobs,
		Catalog:   r,
		Evidence:  evidence.NewDirStore(db.ObjectsDir(dir)),
		Scorer:    scoring.NewRandom(7, scoring.DefaultPassThreshold),
		Overrides: cache,
		Config:    config.Default(),
		Tracer:    tp.Tracer("engine-test"),
		Now:       func() time.Time { return fixedNow },
	}
	for _, o := range opts {
		o(&deps)
	}
	eng, err := engine.New(deps)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return testEnv{Engine: eng, Repo: r, Jobs: jobs, Cache: cache, Spans: spans, Ctx: context.Background()}
}

func (env testEnv) seedGroup(t *testing.T) (domain.Template, domain.TaskGroup) {
	t.Helper()
	tmpl, err := env.Engine.Catalog.CreateTemplate(env.Ctx, engine.TemplateOptions{
		Workplace:      "Seoul Grand",
		Team:           "Housekeeping",
		Job:            "Room attendant",
		Situation:      domain.Situation{Time: "Morning", Place: "Room 1203", Occasion: "Checkout"},
		ChecklistTitle: "Checkout turnover",
		Items:          []string{"Make bed", "Restock amenities", "Check minibar"},
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	g, err := env.Engine.Catalog.RegisterTaskGroup(env.Ctx, tmpl.ID, []string{tmpl.Items[0].ID, tmpl.Items[1].ID}, "Bed and amenities")
	if err != nil {
		t.Fatalf("register group: %v", err)
	}
	return tmpl, g
}

func (env testEnv) deployed(t *testing.T) (domain.Template, domain.TaskGroup) {
	t.Helper()
	tmpl, g := env.seedGroup(t)
	if _, ok, err := env.Engine.Assignment.Deploy(env.Ctx, g.ID); err != nil || !ok {
		t.Fatalf("deploy: ok=%v err=%v", ok, err)
	}
	return tmpl, g
}

func (env testEnv) rows(t *testing.T, groupID string) []domain.JobInstruction {
	t.Helper()
	rows, err := env.Repo.ListByTaskGroup(env.Ctx, groupID, repo.AnyAssignee())
	if err != nil {
		t.Fatalf("list rows: %v", err)
	}
	return rows
}

func (env testEnv) isDeployed(t *testing.T, groupID string) bool {
	t.Helper()
	ids, err := env.Engine.Board.DeployedTaskGroupIDs(env.Ctx)
	if err != nil {
		t.Fatalf("deployed ids: %v", err)
	}
	for _, id := range ids {
		if id == groupID {
			return true
		}
	}
	return false
}

// finished drives a fresh assignment of worker to completed.
func (env testEnv) finished(t *testing.T, groupID, worker string) domain.JobInstruction {
	t.Helper()
	j, err := env.Engine.Assignment.Assign(env.Ctx, groupID, worker)
	if err != nil {
		t.Fatalf("assign %s: %v", worker, err)
	}
	if _, err := env.Engine.Lifecycle.Start(env.Ctx, j.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	obj := evidence.FromBytes("room.jpg", "image/jpeg", []byte("jpeg-bytes"))
	j, err = env.Engine.Lifecycle.Complete(env.Ctx, j.ID, &obj)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	return j
}

func ptr[T any](v T) *T { return &v }

func TestDeployCreatesUnassignedRow(t *testing.T) {
	env := newTestEnv(t)
	tmpl, g := env.seedGroup(t)
	row, ok, err := env.Engine.Assignment.Deploy(env.Ctx, g.ID)
	if err != nil || !ok {
		t.Fatalf("deploy: ok=%v err=%v", ok, err)
	}
	if row.Assignee != nil || row.Status != domain.StatusWaiting {
		t.Fatalf("unexpected deployed row: %+v", row)
	}
	if row.Subject != "Make bed, Restock amenities" {
		t.Fatalf("subject = %q", row.Subject)
	}
	if row.Description != tmpl.ChecklistTitle || row.Team != tmpl.Team || *row.Workplace != tmpl.Workplace {
		t.Fatalf("template fields not denormalized: %+v", row)
	}
	if !env.isDeployed(t, g.ID) {
		t.Fatalf("group should be deployed")
	}
	if _, ok, err := env.Engine.Assignment.Deploy(env.Ctx, g.ID); err != nil || ok {
		t.Fatalf("second deploy should be a no-op: ok=%v err=%v", ok, err)
	}
	if n := len(env.rows(t, g.ID)); n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}
}

func TestSubjectTruncation(t *testing.T) {
	got := engine.Subject([]string{"Vacuum the carpet", "Polish the mirror"}, 10)
	if got != "Vacuum the..." {
		t.Fatalf("truncated subject = %q", got)
	}
	got = engine.Subject([]string{"침구 정리", "어메니티 보충"}, 5)
	if got != "침구 정리..." {
		t.Fatalf("rune truncation = %q", got)
	}
	if got := engine.Subject([]string{"Short"}, 50); got != "Short" {
		t.Fatalf("short subject = %q", got)
	}
}

func TestAssignScenario(t *testing.T) {
	env := newTestEnv(t)
	_, g := env.deployed(t)

	kim, err := env.Engine.Assignment.Assign(env.Ctx, g.ID, "Kim")
	if err != nil {
		t.Fatalf("assign kim: %v", err)
	}
	rows := env.rows(t, g.ID)
	if len(rows) != 1 || !rows[0].AssignedTo("Kim") || rows[0].Status != domain.StatusWaiting {
		t.Fatalf("kim should claim the only row: %+v", rows)
	}

	lee, err := env.Engine.Assignment.Assign(env.Ctx, g.ID, "Lee")
	if err != nil {
		t.Fatalf("assign lee: %v", err)
	}
	if lee.ID == kim.ID {
		t.Fatalf("lee must get a cloned row")
	}
	if lee.Team != kim.Team || lee.Subject != kim.Subject {
		t.Fatalf("clone should share team and subject: %+v vs %+v", lee, kim)
	}
	if lee.StartedAt != nil || lee.CompletedAt != nil || lee.EvidenceURL != nil {
		t.Fatalf("clone carries execution fields: %+v", lee)
	}
	if n := len(env.rows(t, g.ID)); n != 2 {
		t.Fatalf("expected 2 rows, got %d", n)
	}

	if err := env.Engine.Assignment.Unassign(env.Ctx, g.ID, "Kim"); err != nil {
		t.Fatalf("unassign kim: %v", err)
	}
	rows = env.rows(t, g.ID)
	if len(rows) != 1 || rows[0].ID != lee.ID {
		t.Fatalf("kim's row should be deleted: %+v", rows)
	}

	if err := env.Engine.Assignment.Unassign(env.Ctx, g.ID, "Lee"); err != nil {
		t.Fatalf("unassign lee: %v", err)
	}
	rows = env.rows(t, g.ID)
	if len(rows) != 1 || rows[0].ID != lee.ID || rows[0].Assignee != nil {
		t.Fatalf("lee's row should stay with assignee cleared: %+v", rows)
	}
}

func TestAssignReturnsExistingLiveRow(t *testing.T) {
	env := newTestEnv(t)
	_, g := env.deployed(t)
	first, err := env.Engine.Assignment.Assign(env.Ctx, g.ID, "Kim")
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.Assignment.Assign(env.Ctx, g.ID, "  Kim ")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same row, got %s and %s", first.ID, second.ID)
	}
	if n := len(env.rows(t, g.ID)); n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}
}

func TestAssignWithoutRowsIsNoop(t *testing.T) {
	env := newTestEnv(t)
	_, g := env.seedGroup(t)
	_, err := env.Engine.Assignment.Assign(env.Ctx, g.ID, "Kim")
	if !errors.Is(err, engine.ErrNothingToClone) {
		t.Fatalf("expected ErrNothingToClone, got %v", err)
	}
	if n := len(env.rows(t, g.ID)); n != 0 {
		t.Fatalf("no row should be written, got %d", n)
	}
	if _, err := env.Engine.Assignment.Assign(env.Ctx, g.ID, " "); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("blank worker should be rejected, got %v", err)
	}
}

func TestConcurrentAssignSameWorker(t *testing.T) {
	env := newTestEnv(t)
	_, g := env.deployed(t)
	var wg sync.WaitGroup
	ids := make([]string, 8)
	errs := make([]error, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			j, err := env.Engine.Assignment.Assign(env.Ctx, g.ID, "Kim")
			ids[i], errs[i] = j.ID, err
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("assign %d: %v", i, err)
		}
		if ids[i] != ids[0] {
			t.Fatalf("all callers should get the same row")
		}
	}
	if n := len(env.rows(t, g.ID)); n != 1 {
		t.Fatalf("expected exactly one row, got %d", n)
	}
}

func TestNoGhostDataAfterReassign(t *testing.T) {
	env := newTestEnv(t)
	_, g := env.deployed(t)
	kim := env.finished(t, g.ID, "Kim")
	if kim.EvidenceURL == nil || !strings.HasPrefix(*kim.EvidenceURL, "file://") {
		t.Fatalf("expected stored evidence, got %+v", kim.EvidenceURL)
	}
	if _, err := env.Engine.Verification.Finalize(env.Ctx, kim.ID, engine.DecisionFail, ptr("Mirror streaks")); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	// a value shadowed earlier for the row must not leak to the next worker
	if err := env.Cache.Save(env.Ctx, kim.ID, domain.Patch{AIScore: domain.SetTo(55)}); err != nil {
		t.Fatal(err)
	}

	if err := env.Engine.Assignment.Unassign(env.Ctx, g.ID, "Kim"); err != nil {
		t.Fatalf("unassign: %v", err)
	}
	lee, err := env.Engine.Assignment.Assign(env.Ctx, g.ID, "Lee")
	if err != nil {
		t.Fatalf("assign lee: %v", err)
	}
	if lee.ID != kim.ID {
		t.Fatalf("lee should claim the preserved row")
	}
	merged, err := env.Engine.Board.Instruction(env.Ctx, lee.ID)
	if err != nil {
		t.Fatal(err)
	}
	if merged.Status != domain.StatusWaiting || !merged.AssignedTo("Lee") {
		t.Fatalf("unexpected claimed row: %+v", merged)
	}
	if merged.EvidenceURL != nil || merged.StartedAt != nil || merged.CompletedAt != nil ||
		merged.AIScore != nil || merged.AIAnalysis != nil || merged.VerificationResult != nil || merged.FeedbackComment != nil {
		t.Fatalf("ghost data on claimed row: %+v", merged)
	}
	if _, ok, _ := env.Cache.Get(env.Ctx, lee.ID); ok {
		t.Fatalf("override cache entry should be purged on claim")
	}
}

func TestTemplatePreservation(t *testing.T) {
	env := newTestEnv(t)
	_, g := env.deployed(t)
	kim := env.finished(t, g.ID, "Kim")
	if env.isDeployed(t, g.ID) {
		t.Fatalf("a group with only completed rows is not deployed")
	}
	if err := env.Engine.Assignment.Unassign(env.Ctx, g.ID, "Kim"); err != nil {
		t.Fatal(err)
	}
	rows := env.rows(t, g.ID)
	if len(rows) != 1 || rows[0].ID != kim.ID || rows[0].Assignee != nil {
		t.Fatalf("last row must be kept unassigned: %+v", rows)
	}
	if env.isDeployed(t, g.ID) {
		t.Fatalf("preserved row keeps its status and does not redeploy the group")
	}
	if _, err := env.Engine.Catalog.TaskGroup(env.Ctx, g.ID); err != nil {
		t.Fatalf("task group metadata should remain: %v", err)
	}
	// unassigning an absent worker changes nothing
	if err := env.Engine.Assignment.Unassign(env.Ctx, g.ID, "Park"); err != nil {
		t.Fatal(err)
	}
	if n := len(env.rows(t, g.ID)); n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}
}

func TestDeployedStateDerivation(t *testing.T) {
	env := newTestEnv(t)
	_, g := env.deployed(t)
	if !env.isDeployed(t, g.ID) {
		t.Fatalf("expected deployed after deploy")
	}
	j, err := env.Engine.Assignment.Assign(env.Ctx, g.ID, "Kim")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Lifecycle.Start(env.Ctx, j.ID); err != nil {
		t.Fatal(err)
	}
	if !env.isDeployed(t, g.ID) {
		t.Fatalf("in_progress keeps the group deployed")
	}
	if _, err := env.Engine.Lifecycle.Complete(env.Ctx, j.ID, nil); err != nil {
		t.Fatal(err)
	}
	if env.isDeployed(t, g.ID) {
		t.Fatalf("completing every row should undeploy the group")
	}
	if _, ok, err := env.Engine.Assignment.Deploy(env.Ctx, g.ID); err != nil || !ok {
		t.Fatalf("redeploy: ok=%v err=%v", ok, err)
	}
	n, err := env.Engine.Assignment.RemoveFromBoard(env.Ctx, g.ID)
	if err != nil || n != 2 {
		t.Fatalf("remove from board: n=%d err=%v", n, err)
	}
	if env.isDeployed(t, g.ID) {
		t.Fatalf("removed group should not be deployed")
	}
}

func TestDuplicateTaskGroupRejected(t *testing.T) {
	env := newTestEnv(t)
	tmpl, _ := env.seedGroup(t)
	_, err := env.Engine.Catalog.RegisterTaskGroup(env.Ctx, tmpl.ID, []string{tmpl.Items[1].ID, tmpl.Items[0].ID}, "again")
	if !errors.Is(err, engine.ErrDuplicateTaskGroup) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
	groups, err := env.Engine.Catalog.TaskGroups(env.Ctx, tmpl.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 {
		t.Fatalf("no group should be added, got %d", len(groups))
	}
	if _, err := env.Engine.Catalog.RegisterTaskGroup(env.Ctx, tmpl.ID, []string{tmpl.Items[2].ID}, "minibar"); err != nil {
		t.Fatalf("different item set should register: %v", err)
	}
}

func TestRegisterTaskGroupValidation(t *testing.T) {
	env := newTestEnv(t)
	tmpl, _ := env.seedGroup(t)
	other, err := env.Engine.Catalog.CreateTemplate(env.Ctx, engine.TemplateOptions{
		Team:      "Front desk",
		Situation: domain.Situation{Place: "Lobby", Occasion: "Check-in"},
		Items:     []string{"Greet guest"},
	})
	if err != nil {
		t.Fatal(err)
	}
	cases := map[string][]string{
		"empty":   nil,
		"twice":   {tmpl.Items[2].ID, tmpl.Items[2].ID},
		"foreign": {other.Items[0].ID},
	}
	for name, ids := range cases {
		if _, err := env.Engine.Catalog.RegisterTaskGroup(env.Ctx, tmpl.ID, ids, name); !errors.Is(err, engine.ErrInvalidInput) {
			t.Fatalf("%s: expected invalid input, got %v", name, err)
		}
	}
	if _, err := env.Engine.Catalog.RegisterTaskGroup(env.Ctx, "missing", []string{tmpl.Items[2].ID}, ""); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for unknown template, got %v", err)
	}
}

func TestUpdateTemplateAppendsItems(t *testing.T) {
	env := newTestEnv(t)
	tmpl, g := env.seedGroup(t)
	updated, err := env.Engine.Catalog.UpdateTemplate(env.Ctx, tmpl.ID, engine.TemplateOptions{
		Workplace:      tmpl.Workplace,
		Team:           tmpl.Team,
		Situation:      domain.Situation{Time: "Evening", Place: "Room 1203", Occasion: "Turndown"},
		ChecklistTitle: "Turndown service",
		Items:          []string{"Make bed", "Close curtains"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(updated.Items) != 4 || updated.Items[3].Content != "Close curtains" {
		t.Fatalf("expected appended item, got %+v", updated.Items)
	}
	if updated.ChecklistTitle != "Turndown service" || updated.Stage != domain.StageDuring {
		t.Fatalf("header not rewritten: %+v", updated)
	}
	got, err := env.Engine.Catalog.TaskGroup(env.Ctx, g.ID)
	if err != nil || len(got.Items) != 2 {
		t.Fatalf("existing group should be untouched: %+v %v", got, err)
	}
}

func TestRegisterAdHoc(t *testing.T) {
	env := newTestEnv(t)
	tmpl, g, err := env.Engine.Catalog.RegisterAdHoc(env.Ctx, engine.TemplateOptions{
		Team:           "Engineering",
		Situation:      domain.Situation{Place: "Boiler room", Occasion: "Leak report"},
		ChecklistTitle: "Leak response",
		Items:          []string{"Shut valve", "Photograph damage"},
	}, "")
	if err != nil {
		t.Fatalf("ad hoc: %v", err)
	}
	if g.TemplateID != tmpl.ID || len(g.Items) != 2 || g.Name != "Leak response" {
		t.Fatalf("unexpected group: %+v", g)
	}
}

func TestAttachItemImage(t *testing.T) {
	env := newTestEnv(t)
	tmpl, _ := env.seedGroup(t)
	item, err := env.Engine.Catalog.AttachItemImage(env.Ctx, tmpl.Items[0].ID, evidence.FromBytes("bed.png", "image/png", []byte("png")))
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if item.ImageURL == nil || !strings.Contains(*item.ImageURL, "checklist-reference-images") {
		t.Fatalf("image url not stored: %+v", item.ImageURL)
	}
}

func TestCompleteUploadFailureWritesNothing(t *testing.T) {
	env := newTestEnv(t, withEvidence(failingUploads{}))
	_, g := env.deployed(t)
	j, err := env.Engine.Assignment.Assign(env.Ctx, g.ID, "Kim")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Lifecycle.Start(env.Ctx, j.ID); err != nil {
		t.Fatal(err)
	}
	obj := evidence.FromBytes("room.jpg", "image/jpeg", []byte("jpeg"))
	_, err = env.Engine.Lifecycle.Complete(env.Ctx, j.ID, &obj)
	if !errors.Is(err, engine.ErrUploadFailed) {
		t.Fatalf("expected upload failure, got %v", err)
	}
	got, err := env.Repo.GetInstruction(env.Ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusInProgress || got.CompletedAt != nil || got.EvidenceURL != nil {
		t.Fatalf("failed upload must leave the row in progress: %+v", got)
	}
	var span sdktrace.ReadOnlySpan
	for _, s := range env.Spans.Ended() {
		if s.Name() == "lifecycle.complete" {
			span = s
		}
	}
	if span == nil || span.Status().Code != codes.Error {
		t.Fatalf("expected an errored lifecycle.complete span")
	}
}

func TestTransitions(t *testing.T) {
	env := newTestEnv(t)
	_, g := env.deployed(t)
	j, err := env.Engine.Assignment.Assign(env.Ctx, g.ID, "Kim")
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.Lifecycle.Transition(env.Ctx, j.ID, domain.StatusCompleted, engine.TransitionOptions{})
	var te *engine.TransitionError
	if !errors.As(err, &te) || te.From != domain.StatusWaiting || !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("waiting -> completed should be rejected, got %v", err)
	}
	j, err = env.Engine.Lifecycle.Transition(env.Ctx, j.ID, domain.StatusInProgress, engine.TransitionOptions{})
	if err != nil || j.Status != domain.StatusInProgress || j.StartedAt == nil {
		t.Fatalf("start: %+v %v", j, err)
	}
	if _, err := env.Engine.Lifecycle.Transition(env.Ctx, j.ID, domain.StatusNonCompliant, engine.TransitionOptions{}); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("non_compliant without force should be rejected, got %v", err)
	}
	j, err = env.Engine.Lifecycle.Transition(env.Ctx, j.ID, domain.StatusCompleted, engine.TransitionOptions{})
	if err != nil || j.Status != domain.StatusCompleted || j.CompletedAt == nil {
		t.Fatalf("complete: %+v %v", j, err)
	}
	if _, err := env.Engine.Verification.Finalize(env.Ctx, j.ID, engine.DecisionPass, nil); err != nil {
		t.Fatal(err)
	}

	j, err = env.Engine.Lifecycle.Transition(env.Ctx, j.ID, domain.StatusInProgress, engine.TransitionOptions{})
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if j.Status != domain.StatusInProgress || j.CompletedAt != nil || j.EvidenceURL != nil || j.VerificationResult != nil {
		t.Fatalf("revert should clear completion and verdict: %+v", j)
	}
	if j.StartedAt == nil {
		t.Fatalf("revert to in_progress keeps startedAt")
	}
	j, err = env.Engine.Lifecycle.Transition(env.Ctx, j.ID, domain.StatusWaiting, engine.TransitionOptions{})
	if err != nil || j.Status != domain.StatusWaiting || j.StartedAt != nil {
		t.Fatalf("revert to waiting: %+v %v", j, err)
	}
}

func TestSweepOverdue(t *testing.T) {
	env := newTestEnv(t)
	late, err := env.Engine.Assignment.CreateInstruction(env.Ctx, engine.InstructionOptions{
		Team: "Housekeeping", Subject: "Deep clean suite", Assignee: "Kim",
		Deadline: fixedNow.Add(-time.Hour).Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	onTime, err := env.Engine.Assignment.CreateInstruction(env.Ctx, engine.InstructionOptions{
		Team: "Housekeeping", Subject: "Refill coffee", Assignee: "Lee",
		Deadline: fixedNow.Add(time.Hour).Format(time.RFC3339),
	})
	if err != nil {
		t.Fatal(err)
	}
	n, err := env.Engine.Lifecycle.SweepOverdue(env.Ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
	got, _ := env.Repo.GetInstruction(env.Ctx, late.ID)
	if got.Status != domain.StatusDelayed {
		t.Fatalf("late row should be delayed, got %s", got.Status)
	}
	got, _ = env.Repo.GetInstruction(env.Ctx, onTime.ID)
	if got.Status != domain.StatusWaiting {
		t.Fatalf("on-time row should stay waiting, got %s", got.Status)
	}
	// delayed still accepts completion
	if _, err := env.Engine.Lifecycle.Complete(env.Ctx, late.ID, nil); err != nil {
		t.Fatalf("complete delayed: %v", err)
	}
}

func TestVerdictRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	_, g := env.deployed(t)
	j := env.finished(t, g.ID, "Kim")

	j, err := env.Engine.Verification.Finalize(env.Ctx, j.ID, engine.DecisionFail, ptr("Bedding wrinkled"))
	if err != nil || j.Status != domain.StatusNonCompliant || *j.VerificationResult != domain.VerdictFail {
		t.Fatalf("fail: %+v %v", j, err)
	}
	items, err := env.Engine.Board.ActionItems(env.Ctx, "Housekeeping")
	if err != nil || len(items) != 1 || items[0].Solution != "Bedding wrinkled" {
		t.Fatalf("expected one action item: %+v %v", items, err)
	}

	j, err = env.Engine.Verification.Finalize(env.Ctx, j.ID, engine.DecisionCancelApproval, nil)
	if err != nil || j.Status != domain.StatusCompleted || j.VerificationResult != nil {
		t.Fatalf("cancel: %+v %v", j, err)
	}
	j, err = env.Engine.Verification.Finalize(env.Ctx, j.ID, engine.DecisionPass, nil)
	if err != nil || j.Status != domain.StatusCompleted || *j.VerificationResult != domain.VerdictPass {
		t.Fatalf("pass: %+v %v", j, err)
	}
	items, err = env.Engine.Board.ActionItems(env.Ctx, "Housekeeping")
	if err != nil || len(items) != 0 {
		t.Fatalf("action plan should be empty: %+v %v", items, err)
	}
}

func TestFinalizeRequiresFinishedWork(t *testing.T) {
	env := newTestEnv(t)
	_, g := env.deployed(t)
	j, err := env.Engine.Assignment.Assign(env.Ctx, g.ID, "Kim")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Verification.Finalize(env.Ctx, j.ID, engine.DecisionPass, nil); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected transition error, got %v", err)
	}
	if _, err := engine.ParseDecision("maybe"); !errors.Is(err, engine.ErrInvalidVerdict) {
		t.Fatalf("expected invalid verdict, got %v", err)
	}
}

func TestResolveActionItem(t *testing.T) {
	env := newTestEnv(t)
	_, g := env.deployed(t)
	j := env.finished(t, g.ID, "Kim")
	if _, err := env.Engine.Verification.Finalize(env.Ctx, j.ID, engine.DecisionFail, nil); err != nil {
		t.Fatal(err)
	}
	j, err := env.Engine.Verification.ResolveActionItem(env.Ctx, j.ID, ptr("Re-made the bed"))
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != domain.StatusCompleted || *j.VerificationResult != domain.VerdictPass || *j.FeedbackComment != "Re-made the bed" {
		t.Fatalf("unexpected resolved row: %+v", j)
	}
}

func TestMergePrecedence(t *testing.T) {
	env := newTestEnv(t)
	_, g := env.deployed(t)
	j := env.finished(t, g.ID, "Kim")
	if err := env.Cache.Save(env.Ctx, j.ID, domain.Patch{AIScore: domain.SetTo(77)}); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Board.Instruction(env.Ctx, j.ID)
	if err != nil || got.AIScore == nil || *got.AIScore != 77 {
		t.Fatalf("cache should fill a null store value: %+v %v", got.AIScore, err)
	}
	if err := env.Repo.Update(env.Ctx, j.ID, domain.Patch{AIScore: domain.SetTo(91)}); err != nil {
		t.Fatal(err)
	}
	got, err = env.Engine.Board.Instruction(env.Ctx, j.ID)
	if err != nil || *got.AIScore != 91 {
		t.Fatalf("store value should win: %+v %v", got.AIScore, err)
	}
}

func TestSoftWritesShadowedWhenStoreRejects(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()
	env := newTestEnv(t)
	_, g := env.deployed(t)
	j := env.finished(t, g.ID, "Kim")
	env.Jobs.failSoft = true

	got, err := env.Engine.Verification.Finalize(env.Ctx, j.ID, engine.DecisionFail, ptr("Dust on desk"))
	if err != nil {
		t.Fatalf("soft failures must not surface: %v", err)
	}
	if got.Status != domain.StatusNonCompliant || got.VerificationResult == nil || *got.VerificationResult != domain.VerdictFail {
		t.Fatalf("merged read should show the shadowed verdict: %+v", got)
	}
	stored, _ := env.Repo.GetInstruction(env.Ctx, j.ID)
	if stored.VerificationResult != nil || stored.FeedbackComment != nil {
		t.Fatalf("store should not hold soft fields: %+v", stored)
	}
	entry, ok, _ := env.Cache.Get(env.Ctx, j.ID)
	if !ok || *entry.FeedbackComment != "Dust on desk" {
		t.Fatalf("feedback should be cached: %+v", entry)
	}
	items, err := env.Engine.Board.ActionItems(env.Ctx, "")
	if err != nil || len(items) != 1 || items[0].Solution != "Dust on desk" {
		t.Fatalf("action items should see cached values: %+v %v", items, err)
	}
	warned := false
	for _, e := range hook.AllEntries() {
		if e.Level == log.WarnLevel && e.Data["instruction"] == j.ID {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("expected a warning for the shadowed write")
	}

	// once the store accepts writes again, a clear reaches both layers
	env.Jobs.failSoft = false
	got, err = env.Engine.Verification.Finalize(env.Ctx, j.ID, engine.DecisionCancelApproval, nil)
	if err != nil || got.VerificationResult != nil {
		t.Fatalf("cancel should clear the cached verdict: %+v %v", got, err)
	}
}

func TestFinalizeStatusFailureSurfaced(t *testing.T) {
	env := newTestEnv(t)
	_, g := env.deployed(t)
	j := env.finished(t, g.ID, "Kim")
	env.Jobs.failStatus = true
	if _, err := env.Engine.Verification.Finalize(env.Ctx, j.ID, engine.DecisionFail, ptr("late")); err == nil {
		t.Fatalf("primary write failure must surface")
	}
	if _, ok, _ := env.Cache.Get(env.Ctx, j.ID); ok {
		t.Fatalf("nothing should be shadowed after a failed primary write")
	}
	stored, _ := env.Repo.GetInstruction(env.Ctx, j.ID)
	if stored.Status != domain.StatusCompleted || stored.FeedbackComment != nil {
		t.Fatalf("row should be unchanged: %+v", stored)
	}
}

func TestAnalyze(t *testing.T) {
	scorer := scoring.ScorerFunc(func(_ context.Context, j domain.JobInstruction) (scoring.Result, error) {
		return scoring.Result{Score: 62, Analysis: "Amenities misplaced", IsPass: false}, nil
	})
	env := newTestEnv(t, withScorer(scorer))
	_, g := env.deployed(t)
	kim := env.finished(t, g.ID, "Kim")
	lee := env.finished(t, g.ID, "Lee")
	if _, err := env.Engine.Verification.Finalize(env.Ctx, lee.ID, engine.DecisionPass, nil); err != nil {
		t.Fatal(err)
	}

	res, err := env.Engine.Verification.AnalyzePending(env.Ctx, "Housekeeping")
	if err != nil || len(res) != 2 {
		t.Fatalf("analyze pending: %d %v", len(res), err)
	}
	got, _ := env.Engine.Board.Instruction(env.Ctx, kim.ID)
	if *got.AIScore != 62 || *got.AIAnalysis != "Amenities misplaced" || *got.VerificationResult != domain.VerdictFail {
		t.Fatalf("kim analysis not recorded: %+v", got)
	}
	got, _ = env.Engine.Board.Instruction(env.Ctx, lee.ID)
	if *got.VerificationResult != domain.VerdictPass {
		t.Fatalf("an existing verdict must not be overwritten: %+v", got)
	}
	res, err = env.Engine.Verification.AnalyzePending(env.Ctx, "Housekeeping")
	if err != nil || len(res) != 0 {
		t.Fatalf("second pass should find nothing: %d %v", len(res), err)
	}

	waiting, err := env.Engine.Assignment.Assign(env.Ctx, g.ID, "Park")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Verification.Analyze(env.Ctx, waiting.ID); !errors.Is(err, engine.ErrNotInspectable) {
		t.Fatalf("expected not inspectable, got %v", err)
	}
}

func TestBatchDeploy(t *testing.T) {
	env := newTestEnv(t)
	tmpl, g1 := env.deployed(t)
	g2, err := env.Engine.Catalog.RegisterTaskGroup(env.Ctx, tmpl.ID, []string{tmpl.Items[2].ID}, "Minibar")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Assignment.Assign(env.Ctx, g1.ID, "Kim"); err != nil {
		t.Fatal(err)
	}
	rows, err := env.Engine.Assignment.BatchDeploy(env.Ctx, map[string][]string{
		g1.ID: {"Kim", "Lee", "Lee"},
		g2.ID: {"Park"},
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 new rows, got %d", len(rows))
	}
	if n := len(env.rows(t, g1.ID)); n != 2 {
		t.Fatalf("g1 should have kim and lee, got %d", n)
	}
	g2rows := env.rows(t, g2.ID)
	if len(g2rows) != 1 || !g2rows[0].AssignedTo("Park") || g2rows[0].Subject != "Check minibar" {
		t.Fatalf("g2 row synthesized from catalog: %+v", g2rows)
	}

	env.Jobs.failInsertMany = true
	_, err = env.Engine.Assignment.BatchDeploy(env.Ctx, map[string][]string{g2.ID: {"Choi", "Jung"}})
	var be *engine.BatchDeployError
	if !errors.As(err, &be) || be.Pairs != 2 {
		t.Fatalf("expected batch deploy error, got %v", err)
	}
	if n := len(env.rows(t, g2.ID)); n != 1 {
		t.Fatalf("failed batch must not write, got %d rows", n)
	}
}

func TestColumnsAndStats(t *testing.T) {
	env := newTestEnv(t)
	_, g := env.deployed(t)
	kim := env.finished(t, g.ID, "Kim")
	if _, err := env.Engine.Verification.Finalize(env.Ctx, kim.ID, engine.DecisionFail, nil); err != nil {
		t.Fatal(err)
	}
	lee := env.finished(t, g.ID, "Lee (supervisor)")
	if _, err := env.Engine.Verification.Finalize(env.Ctx, lee.ID, engine.DecisionPass, nil); err != nil {
		t.Fatal(err)
	}
	park, err := env.Engine.Assignment.Assign(env.Ctx, g.ID, "Park")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Lifecycle.Start(env.Ctx, park.ID); err != nil {
		t.Fatal(err)
	}

	cols, err := env.Engine.Board.Columns(env.Ctx, "Housekeeping")
	if err != nil {
		t.Fatal(err)
	}
	if len(cols.Before) != 0 || len(cols.Doing) != 1 || len(cols.After) != 2 {
		t.Fatalf("unexpected columns: %d/%d/%d", len(cols.Before), len(cols.Doing), len(cols.After))
	}

	stats, err := env.Engine.Board.Stats(env.Ctx, "Housekeeping")
	if err != nil {
		t.Fatal(err)
	}
	want := domain.ComplianceStats{Total: 3, Completed: 2, NonCompliant: 1, ComplianceRate: 50, ActionRequired: 1}
	if stats != want {
		t.Fatalf("stats = %+v, want %+v", stats, want)
	}

	staff, err := env.Engine.Board.StaffSummary(env.Ctx, "Housekeeping")
	if err != nil {
		t.Fatal(err)
	}
	if len(staff) != 3 || staff[0].Assignee != "Kim" || staff[0].Status != "RISK" {
		t.Fatalf("riskiest worker first: %+v", staff)
	}
	for _, s := range staff[1:] {
		if s.Status != "GOOD" {
			t.Fatalf("%s should be GOOD", s.Assignee)
		}
	}
	if staff[0].Logs[0].Feedback != "Action required" || !staff[0].Logs[0].IsRisk {
		t.Fatalf("risk log: %+v", staff[0].Logs[0])
	}
}

func TestComputeStatsEmpty(t *testing.T) {
	s := engine.ComputeStats(nil)
	if s.ComplianceRate != 100 || s.Total != 0 {
		t.Fatalf("empty stats: %+v", s)
	}
}

func TestOrphanRowsStillListed(t *testing.T) {
	env := newTestEnv(t)
	tmpl, g := env.deployed(t)
	if err := env.Engine.Catalog.DeleteTemplate(env.Ctx, tmpl.ID); err != nil {
		t.Fatal(err)
	}
	rows, err := env.Engine.Board.Instructions(env.Ctx, repo.InstructionFilter{Team: "Housekeeping"})
	if err != nil || len(rows) != 1 || *rows[0].TaskGroupID != g.ID {
		t.Fatalf("orphan row should stay readable: %+v %v", rows, err)
	}
	if _, err := env.Engine.Assignment.Assign(env.Ctx, g.ID, "Kim"); err != nil {
		t.Fatalf("assign on orphan group clones its own fields: %v", err)
	}
}

func TestClaimReplacesRowWhenResetRejected(t *testing.T) {
	env := newTestEnv(t)
	_, g := env.deployed(t)
	kim := env.finished(t, g.ID, "Kim")
	if _, err := env.Engine.Verification.Finalize(env.Ctx, kim.ID, engine.DecisionFail, ptr("Redo the bed")); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := env.Engine.Assignment.Unassign(env.Ctx, g.ID, "Kim"); err != nil {
		t.Fatalf("unassign: %v", err)
	}

	env.Jobs.failSoft = true
	lee, err := env.Engine.Assignment.Assign(env.Ctx, g.ID, "Lee")
	if err != nil {
		t.Fatalf("assign lee: %v", err)
	}
	if lee.ID == kim.ID {
		t.Fatalf("a row whose reset was rejected must not be reused")
	}
	merged, err := env.Engine.Board.Instruction(env.Ctx, lee.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !merged.AssignedTo("Lee") || merged.Status != domain.StatusWaiting {
		t.Fatalf("unexpected row for lee: %+v", merged)
	}
	if merged.VerificationResult != nil || merged.FeedbackComment != nil || merged.EvidenceURL != nil || merged.CompletedAt != nil {
		t.Fatalf("ghost data visible to lee: %+v", merged)
	}
	rows := env.rows(t, g.ID)
	if len(rows) != 1 || rows[0].ID != lee.ID {
		t.Fatalf("the replaced row should be gone: %+v", rows)
	}
	if _, err := env.Repo.GetInstruction(env.Ctx, kim.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("kim's old row should be deleted, got %v", err)
	}
}

func TestActionItemsMatchStatsPredicate(t *testing.T) {
	env := newTestEnv(t)
	_, g := env.deployed(t)
	kim := env.finished(t, g.ID, "Kim")
	if _, err := env.Engine.Verification.Finalize(env.Ctx, kim.ID, engine.DecisionFail, ptr("Streaks on mirror")); err != nil {
		t.Fatal(err)
	}
	lee := env.finished(t, g.ID, "Lee")
	if _, err := env.Engine.Verification.Finalize(env.Ctx, lee.ID, engine.DecisionPass, nil); err != nil {
		t.Fatal(err)
	}

	// the verdict clear is only shadowed, so the stored fail outlives the revert
	env.Jobs.failSoft = true
	reopened, err := env.Engine.Lifecycle.RevertToInProgress(env.Ctx, kim.ID)
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if reopened.Status != domain.StatusInProgress {
		t.Fatalf("revert status = %s", reopened.Status)
	}

	items, err := env.Engine.Board.ActionItems(env.Ctx, "Housekeeping")
	if err != nil {
		t.Fatal(err)
	}
	stats, err := env.Engine.Board.Stats(env.Ctx, "Housekeeping")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != stats.ActionRequired || len(items) != 1 || items[0].ID != kim.ID {
		t.Fatalf("action items %+v disagree with stats %+v", items, stats)
	}
	if items[0].Solution != "Streaks on mirror" || items[0].Assignee != "Kim" {
		t.Fatalf("unexpected action item: %+v", items[0])
	}
}

func TestEngineOperationsTraced(t *testing.T) {
	env := newTestEnv(t)
	tmpl, g := env.deployed(t)
	if _, err := env.Engine.Catalog.UpdateTemplate(env.Ctx, tmpl.ID, engine.TemplateOptions{
		Team:      tmpl.Team,
		Situation: tmpl.Situation,
		Items:     []string{"Make bed", "Empty bins"},
	}); err != nil {
		t.Fatalf("update template: %v", err)
	}
	j, err := env.Engine.Assignment.Assign(env.Ctx, g.ID, "Kim")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Lifecycle.Start(env.Ctx, j.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Lifecycle.MarkDelayed(env.Ctx, j.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Lifecycle.Transition(env.Ctx, j.ID, domain.StatusCompleted, engine.TransitionOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Lifecycle.Transition(env.Ctx, j.ID, domain.StatusInProgress, engine.TransitionOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Lifecycle.RevertToWaiting(env.Ctx, j.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Lifecycle.MarkDelayed(env.Ctx, "missing"); err == nil {
		t.Fatalf("expected an error for an unknown instruction")
	}
	adhoc, err := env.Engine.Assignment.CreateInstruction(env.Ctx, engine.InstructionOptions{Team: "Housekeeping", Subject: "Replace towels"})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Assignment.DeleteInstruction(env.Ctx, adhoc.ID); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Catalog.DeleteTaskGroup(env.Ctx, g.ID); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Catalog.DeleteTemplate(env.Ctx, tmpl.ID); err != nil {
		t.Fatal(err)
	}

	seen := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range env.Spans.Ended() {
		seen[s.Name()] = s
	}
	for _, name := range []string{
		"catalog.create_template", "catalog.update_template", "catalog.delete_template",
		"lifecycle.start", "lifecycle.mark_delayed", "lifecycle.transition", "lifecycle.complete",
		"lifecycle.revert_to_in_progress", "lifecycle.revert_to_waiting",
		"assignment.create_instruction", "assignment.delete_instruction", "catalog.delete_task_group",
	} {
		if _, ok := seen[name]; !ok {
			t.Fatalf("no %s span recorded", name)
		}
	}
	if seen["lifecycle.mark_delayed"].Status().Code != codes.Error {
		t.Fatalf("the last mark_delayed span should carry the error")
	}
}
