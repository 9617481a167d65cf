package kernel_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/warden/internal/audit"
	"github.com/basket/warden/internal/kernel"
	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/policy"
	"github.com/basket/warden/internal/shared"
)

func newTestKernel(t *testing.T) (*kernel.Kernel, *persistence.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "warden.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := audit.Init(dir); err != nil {
		t.Fatalf("audit init: %v", err)
	}
	audit.SetStore(store)
	t.Cleanup(func() {
		audit.SetStore(nil)
		_ = audit.Close()
	})

	gates, err := policy.NewGateTable(map[string]string{
		"security": "security-review",
		"finance":  "finance-review",
	}, "exec")
	if err != nil {
		t.Fatalf("gate table: %v", err)
	}
	return kernel.New(kernel.Config{
		Store:          store,
		Gates:          gates,
		StrictEvidence: true,
	}), store
}

func mustDenial(t *testing.T, err error, code string) {
	t.Helper()
	denial, ok := shared.AsDenial(err)
	if !ok {
		t.Fatalf("error = %v, want denial %s", err, code)
	}
	if denial.Code != code {
		t.Fatalf("denial code = %s, want %s", denial.Code, code)
	}
}

// Walks a task through the whole governed lifecycle: intake, triage,
// assignment, dispatch to DOING, evidence-backed review, gate approval and
// the closing approval, checking the audit trail at the end.
func TestLifecycle_EndToEnd(t *testing.T) {
	kern, store := newTestKernel(t)
	ctx := context.Background()

	task, err := kern.Create(ctx, "exec", "Rotate signing keys", "work", "COMPANY", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.State != policy.StateInbox {
		t.Fatalf("state after create = %s", task.State)
	}

	task, err = kern.Transition(ctx, "exec", kernel.TransitionRequest{
		TaskID: task.ID, Version: task.Version, To: policy.StateTriaged,
	})
	if err != nil {
		t.Fatalf("triage: %v", err)
	}
	task, err = kern.Transition(ctx, "exec", kernel.TransitionRequest{
		TaskID: task.ID, Version: task.Version, To: policy.StateReady, AssignedGroup: "platform",
	})
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	task, err = kern.Transition(ctx, "dispatcher", kernel.TransitionRequest{
		TaskID: task.ID, Version: task.Version, To: policy.StateDoing,
	})
	if err != nil {
		t.Fatalf("doing: %v", err)
	}
	task, err = kern.Transition(ctx, "platform", kernel.TransitionRequest{
		TaskID: task.ID, Version: task.Version, To: policy.StateReview,
		Evidence: "rotated keys, ran verification suite", Gate: "security",
	})
	if err != nil {
		t.Fatalf("review: %v", err)
	}

	// First approval records the gate approval and advances to APPROVAL.
	task, err = kern.Approve(ctx, "security-review", task.ID, task.Version, kernel.DecisionApprove, "checked")
	if err != nil {
		t.Fatalf("first approve: %v", err)
	}
	if task.State != policy.StateApproval {
		t.Fatalf("state after first approve = %s", task.State)
	}

	// Second approval closes the task.
	task, err = kern.Approve(ctx, "security-review", task.ID, task.Version, kernel.DecisionApprove, "")
	if err != nil {
		t.Fatalf("closing approve: %v", err)
	}
	if task.State != policy.StateDone {
		t.Fatalf("state after closing approve = %s", task.State)
	}

	// Every step left an audit row.
	rows, err := store.ListActivities(ctx, task.ID, 0)
	if err != nil {
		t.Fatalf("list activities: %v", err)
	}
	if len(rows) < 7 {
		t.Fatalf("audit rows = %d, want at least 7", len(rows))
	}
	for _, row := range rows {
		if row.ActorGroup == "" || row.Action == "" {
			t.Fatalf("incomplete audit row: %+v", row)
		}
	}
}

func TestCreate_ScopeCoercion(t *testing.T) {
	kern, store := newTestKernel(t)
	ctx := context.Background()

	task, err := kern.Create(ctx, "exec", "Ship pricing page", "work", "PRODUCT", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Scope != persistence.ScopeCompany {
		t.Fatalf("scope = %s, want coercion to COMPANY", task.Scope)
	}

	rows, err := store.ListActivities(ctx, task.ID, 0)
	if err != nil {
		t.Fatalf("list activities: %v", err)
	}
	found := false
	for _, row := range rows {
		if row.Reason != "" && row.Action == persistence.ActionTransition {
			found = true
		}
	}
	if !found {
		t.Fatal("coercion not recorded in audit trail")
	}
}

func TestCreate_ProductScopeKept(t *testing.T) {
	kern, _ := newTestKernel(t)
	task, err := kern.Create(context.Background(), "exec", "Fix checkout", "work", "PRODUCT", "prod-7")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Scope != persistence.ScopeProduct || task.ProductID != "prod-7" {
		t.Fatalf("task = %+v", task)
	}
}

func TestTransition_UnknownEdgeDenied(t *testing.T) {
	kern, _ := newTestKernel(t)
	ctx := context.Background()
	task, _ := kern.Create(ctx, "exec", "t", "work", "COMPANY", "")

	_, err := kern.Transition(ctx, "exec", kernel.TransitionRequest{
		TaskID: task.ID, Version: task.Version, To: policy.StateDone,
	})
	mustDenial(t, err, shared.CodeUnknownTransition)

	// The denied attempt must not have changed the task.
	got, _ := kern.Store().GetTask(ctx, task.ID)
	if got.State != policy.StateInbox || got.Version != task.Version {
		t.Fatalf("task changed by denied transition: %+v", got)
	}
}

func TestTransition_VersionConflict(t *testing.T) {
	kern, _ := newTestKernel(t)
	ctx := context.Background()
	task, _ := kern.Create(ctx, "exec", "t", "work", "COMPANY", "")

	if _, err := kern.Transition(ctx, "exec", kernel.TransitionRequest{
		TaskID: task.ID, Version: task.Version, To: policy.StateTriaged,
	}); err != nil {
		t.Fatalf("first transition: %v", err)
	}

	// Second caller holds the stale version.
	_, err := kern.Transition(ctx, "exec", kernel.TransitionRequest{
		TaskID: task.ID, Version: task.Version, To: policy.StateTriaged,
	})
	mustDenial(t, err, shared.CodeVersionConflict)
}

func TestTransition_MissingTask(t *testing.T) {
	kern, _ := newTestKernel(t)
	_, err := kern.Transition(context.Background(), "exec", kernel.TransitionRequest{
		TaskID: "ghost", Version: 1, To: policy.StateTriaged,
	})
	mustDenial(t, err, shared.CodeNotFound)
}

// Drives a task to REVIEW with a security gate. Shared setup for the
// approval tests.
func taskInReview(t *testing.T, kern *kernel.Kernel) *persistence.Task {
	t.Helper()
	ctx := context.Background()
	task, err := kern.Create(ctx, "exec", "review me", "work", "COMPANY", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, step := range []kernel.TransitionRequest{
		{To: policy.StateTriaged},
		{To: policy.StateReady, AssignedGroup: "platform"},
		{To: policy.StateDoing},
		{To: policy.StateReview, Evidence: "done the work", Gate: "security"},
	} {
		step.TaskID = task.ID
		step.Version = task.Version
		task, err = kern.Transition(ctx, "exec", step)
		if err != nil {
			t.Fatalf("step to %s: %v", step.To, err)
		}
	}
	return task
}

func TestApprove_WrongGroupDenied(t *testing.T) {
	kern, _ := newTestKernel(t)
	task := taskInReview(t, kern)

	_, err := kern.Approve(context.Background(), "finance-review", task.ID, task.Version, kernel.DecisionApprove, "")
	mustDenial(t, err, shared.CodeNotAuthorized)
}

func TestApprove_SelfApprovalDenied(t *testing.T) {
	kern, _ := newTestKernel(t)
	ctx := context.Background()

	// Assign the task to the gate's own approving group.
	task, err := kern.Create(ctx, "exec", "self approved", "work", "COMPANY", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, step := range []kernel.TransitionRequest{
		{To: policy.StateTriaged},
		{To: policy.StateReady, AssignedGroup: "security-review"},
		{To: policy.StateDoing},
		{To: policy.StateReview, Evidence: "work", Gate: "security"},
	} {
		step.TaskID = task.ID
		step.Version = task.Version
		task, err = kern.Transition(ctx, "exec", step)
		if err != nil {
			t.Fatalf("step: %v", err)
		}
	}

	_, err = kern.Approve(ctx, "security-review", task.ID, task.Version, kernel.DecisionApprove, "")
	mustDenial(t, err, shared.CodeNotAuthorized)
}

func TestApprove_ChangesRequested(t *testing.T) {
	kern, _ := newTestKernel(t)
	ctx := context.Background()
	task := taskInReview(t, kern)

	task, err := kern.Approve(ctx, "security-review", task.ID, task.Version, kernel.DecisionChangesRequested, "needs tests")
	if err != nil {
		t.Fatalf("changes requested: %v", err)
	}
	if task.State != policy.StateDoing {
		t.Fatalf("state = %s, want DOING", task.State)
	}
}

func TestApprove_ClosingWithoutRecordedApproval(t *testing.T) {
	kern, _ := newTestKernel(t)
	ctx := context.Background()
	task := taskInReview(t, kern)

	// Force the task into APPROVAL without the approval activity an honest
	// path would have recorded.
	task, err := kern.Override(ctx, "exec", task.ID, task.Version, policy.StateApproval, "test setup")
	if err != nil {
		t.Fatalf("override: %v", err)
	}

	_, err = kern.Approve(ctx, "security-review", task.ID, task.Version, kernel.DecisionApprove, "")
	mustDenial(t, err, shared.CodeInsufficientApprovals)
}

func TestApprove_NotEligibleState(t *testing.T) {
	kern, _ := newTestKernel(t)
	ctx := context.Background()
	task, _ := kern.Create(ctx, "exec", "t", "work", "COMPANY", "")

	_, err := kern.Approve(ctx, "security-review", task.ID, task.Version, kernel.DecisionApprove, "")
	mustDenial(t, err, shared.CodeTaskNotEligible)
}

func TestBlocked_ResumeToPreviousStateOnly(t *testing.T) {
	kern, _ := newTestKernel(t)
	ctx := context.Background()
	task := taskInReview(t, kern)

	task, err := kern.Transition(ctx, "platform", kernel.TransitionRequest{
		TaskID: task.ID, Version: task.Version, To: policy.StateBlocked,
	})
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if task.PrevState != policy.StateReview {
		t.Fatalf("prev state = %s, want REVIEW", task.PrevState)
	}

	_, err = kern.Transition(ctx, "platform", kernel.TransitionRequest{
		TaskID: task.ID, Version: task.Version, To: policy.StateDoing,
	})
	mustDenial(t, err, shared.CodeTaskNotEligible)

	task, err = kern.Transition(ctx, "platform", kernel.TransitionRequest{
		TaskID: task.ID, Version: task.Version, To: policy.StateReview,
	})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if task.State != policy.StateReview || task.PrevState != "" {
		t.Fatalf("after resume: state=%s prev=%s", task.State, task.PrevState)
	}
}

func TestOverride_AdminOnlyWithFollowUp(t *testing.T) {
	kern, store := newTestKernel(t)
	ctx := context.Background()
	task, _ := kern.Create(ctx, "exec", "stuck", "work", "COMPANY", "")

	_, err := kern.Override(ctx, "platform", task.ID, task.Version, policy.StateDone, "because")
	mustDenial(t, err, shared.CodeNotAuthorized)

	if _, err := kern.Override(ctx, "exec", task.ID, task.Version, policy.StateDone, ""); err == nil {
		t.Fatal("override without reason accepted")
	}

	updated, err := kern.Override(ctx, "exec", task.ID, task.Version, policy.StateDone, "stale duplicate of earlier work")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if updated.State != policy.StateDone {
		t.Fatalf("state = %s", updated.State)
	}

	// The override leaves an activity and spawns a corrective follow-up.
	rows, err := store.ListActivities(ctx, task.ID, 0)
	if err != nil {
		t.Fatalf("list activities: %v", err)
	}
	overridden := false
	for _, row := range rows {
		if row.Action == persistence.ActionOverride && row.Reason != "" {
			overridden = true
		}
	}
	if !overridden {
		t.Fatal("override activity missing")
	}

	tasks, err := kern.List(ctx, persistence.TaskFilter{State: policy.StateInbox})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	followUp := false
	for _, candidate := range tasks {
		if candidate.Type == "corrective" {
			followUp = true
		}
	}
	if !followUp {
		t.Fatal("corrective follow-up task missing")
	}
}

func TestReportCompletion(t *testing.T) {
	kern, _ := newTestKernel(t)
	ctx := context.Background()

	// Success path: DOING -> REVIEW with the summary as evidence.
	task, err := kern.Create(ctx, "exec", "worked", "work", "COMPANY", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, step := range []kernel.TransitionRequest{
		{To: policy.StateTriaged},
		{To: policy.StateReady, AssignedGroup: "platform"},
		{To: policy.StateDoing},
	} {
		step.TaskID = task.ID
		step.Version = task.Version
		task, err = kern.Transition(ctx, "exec", step)
		if err != nil {
			t.Fatalf("step: %v", err)
		}
	}
	task, err = kern.ReportCompletion(ctx, "platform", task.ID, task.Version, true, "deployed and verified")
	if err != nil {
		t.Fatalf("report success: %v", err)
	}
	if task.State != policy.StateReview || task.Evidence == "" {
		t.Fatalf("after success: state=%s evidence=%q", task.State, task.Evidence)
	}

	// Failure path: the task parks in BLOCKED with its prior state kept.
	task2, err := kern.Create(ctx, "exec", "failed", "work", "COMPANY", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, step := range []kernel.TransitionRequest{
		{To: policy.StateTriaged},
		{To: policy.StateReady, AssignedGroup: "platform"},
		{To: policy.StateDoing},
	} {
		step.TaskID = task2.ID
		step.Version = task2.Version
		task2, err = kern.Transition(ctx, "exec", step)
		if err != nil {
			t.Fatalf("step: %v", err)
		}
	}
	task2, err = kern.ReportCompletion(ctx, "platform", task2.ID, task2.Version, false, "provider timeout")
	if err != nil {
		t.Fatalf("report failure: %v", err)
	}
	if task2.State != policy.StateBlocked || task2.PrevState != policy.StateDoing {
		t.Fatalf("after failure: state=%s prev=%s", task2.State, task2.PrevState)
	}
}

func TestReportCompletion_CannotReopenDone(t *testing.T) {
	kern, store := newTestKernel(t)
	ctx := context.Background()
	task := taskInReview(t, kern)

	task, err := kern.Approve(ctx, "security-review", task.ID, task.Version, kernel.DecisionApprove, "")
	if err != nil {
		t.Fatalf("first approve: %v", err)
	}
	task, err = kern.Approve(ctx, "security-review", task.ID, task.Version, kernel.DecisionApprove, "")
	if err != nil {
		t.Fatalf("closing approve: %v", err)
	}
	if task.State != policy.StateDone {
		t.Fatalf("state = %s, want DONE", task.State)
	}

	// A late failure report must not pull a closed task back to BLOCKED.
	_, err = kern.ReportCompletion(ctx, "platform", task.ID, task.Version, false, "late failure")
	mustDenial(t, err, shared.CodeUnknownTransition)

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != policy.StateDone {
		t.Fatalf("state after failed report = %s, want DONE", got.State)
	}
}

func TestReportCompletion_WrongGroupDenied(t *testing.T) {
	kern, _ := newTestKernel(t)
	ctx := context.Background()

	task, err := kern.Create(ctx, "exec", "guarded", "work", "COMPANY", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, step := range []kernel.TransitionRequest{
		{To: policy.StateTriaged},
		{To: policy.StateReady, AssignedGroup: "platform"},
		{To: policy.StateDoing},
	} {
		step.TaskID = task.ID
		step.Version = task.Version
		task, err = kern.Transition(ctx, "exec", step)
		if err != nil {
			t.Fatalf("step: %v", err)
		}
	}

	_, err = kern.ReportCompletion(ctx, "intruders", task.ID, task.Version, false, "not mine")
	mustDenial(t, err, shared.CodeNotAuthorized)

	// The admin group may report on any task.
	task, err = kern.ReportCompletion(ctx, "exec", task.ID, task.Version, true, "finished on behalf")
	if err != nil {
		t.Fatalf("admin report: %v", err)
	}
	if task.State != policy.StateReview {
		t.Fatalf("state = %s, want REVIEW", task.State)
	}
}

func TestApprove_StaleVersionLeavesNoApproval(t *testing.T) {
	kern, _ := newTestKernel(t)
	ctx := context.Background()
	task := taskInReview(t, kern)

	// An approve racing on a stale version loses the conditional write and
	// must record nothing.
	_, err := kern.Approve(ctx, "security-review", task.ID, task.Version+1, kernel.DecisionApprove, "")
	mustDenial(t, err, shared.CodeVersionConflict)

	task, err = kern.Override(ctx, "exec", task.ID, task.Version, policy.StateApproval, "requeue for closing")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	_, err = kern.Approve(ctx, "security-review", task.ID, task.Version, kernel.DecisionApprove, "")
	mustDenial(t, err, shared.CodeInsufficientApprovals)
}

func TestApprove_ReworkInvalidatesEarlierApproval(t *testing.T) {
	kern, _ := newTestKernel(t)
	ctx := context.Background()
	task := taskInReview(t, kern)

	task, err := kern.Approve(ctx, "security-review", task.ID, task.Version, kernel.DecisionApprove, "")
	if err != nil {
		t.Fatalf("first approve: %v", err)
	}
	task, err = kern.Approve(ctx, "security-review", task.ID, task.Version, kernel.DecisionChangesRequested, "needs rework")
	if err != nil {
		t.Fatalf("changes requested: %v", err)
	}
	if task.State != policy.StateReview {
		t.Fatalf("state = %s, want REVIEW", task.State)
	}

	// The pre-rework approval must not close the task.
	task, err = kern.Override(ctx, "exec", task.ID, task.Version, policy.StateApproval, "requeue for closing")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	_, err = kern.Approve(ctx, "security-review", task.ID, task.Version, kernel.DecisionApprove, "")
	mustDenial(t, err, shared.CodeInsufficientApprovals)

	// A fresh review pass closes cleanly.
	task, err = kern.Approve(ctx, "security-review", task.ID, task.Version, kernel.DecisionChangesRequested, "")
	if err != nil {
		t.Fatalf("back to review: %v", err)
	}
	task, err = kern.Approve(ctx, "security-review", task.ID, task.Version, kernel.DecisionApprove, "re-checked")
	if err != nil {
		t.Fatalf("fresh approve: %v", err)
	}
	task, err = kern.Approve(ctx, "security-review", task.ID, task.Version, kernel.DecisionApprove, "")
	if err != nil {
		t.Fatalf("closing approve: %v", err)
	}
	if task.State != policy.StateDone {
		t.Fatalf("state = %s, want DONE", task.State)
	}
}
