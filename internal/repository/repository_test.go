package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/iliyamo/option-booking/internal/database"
	"github.com/iliyamo/option-booking/internal/model"
	"github.com/iliyamo/option-booking/internal/repository"
	"github.com/iliyamo/option-booking/internal/testutil"
)

func newItem(id string, optionID uint64, at time.Time) *model.WorkItem {
	return &model.WorkItem{
		ID:          id,
		OptionID:    optionID,
		ActionID:    "retract",
		DedupeKey:   id + ":key",
		ScheduledAt: at,
	}
}

func TestTaskClaimLeaseAndReclaim(t *testing.T) {
	ctx := context.Background()
	tasks := repository.NewTaskRepo(testutil.OpenDB(t))
	now := time.Now().UTC()

	if err := tasks.Insert(ctx, newItem("due", 1, now.Add(-time.Second))); err != nil {
		t.Fatalf("Insert due: %v", err)
	}
	if err := tasks.Insert(ctx, newItem("later", 1, now.Add(time.Hour))); err != nil {
		t.Fatalf("Insert later: %v", err)
	}

	claimed, err := tasks.ClaimDue(ctx, now, time.Minute, 10)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != "due" || claimed[0].Attempts != 1 || claimed[0].Status != model.WorkRunning {
		t.Fatalf("claimed = %+v, want only the due item running", claimed)
	}

	// leased items are not claimed again before the lease expires
	if again, _ := tasks.ClaimDue(ctx, now.Add(30*time.Second), time.Minute, 10); len(again) != 0 {
		t.Fatalf("claimed %d leased item(s)", len(again))
	}
	// a dead worker's item is reclaimed after expiry
	again, err := tasks.ClaimDue(ctx, now.Add(2*time.Minute), time.Minute, 10)
	if err != nil {
		t.Fatalf("ClaimDue after expiry: %v", err)
	}
	if len(again) != 1 || again[0].ID != "due" || again[0].Attempts != 2 {
		t.Fatalf("reclaimed = %+v, want due with 2 attempts", again)
	}

	if err := tasks.MarkDone(ctx, "due"); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	if err := tasks.MarkDone(ctx, "due"); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("MarkDone twice: err = %v, want ErrConflict", err)
	}
}

func TestTaskPendingKeyIsUnique(t *testing.T) {
	ctx := context.Background()
	tasks := repository.NewTaskRepo(testutil.OpenDB(t))
	now := time.Now().UTC()

	first := newItem("a", 1, now)
	first.DedupeKey = "1:0:retract"
	if err := tasks.Insert(ctx, first); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	dup := newItem("b", 1, now)
	dup.DedupeKey = "1:0:retract"
	if err := tasks.Insert(ctx, dup); !errors.Is(err, repository.ErrDuplicate) {
		t.Fatalf("duplicate Insert: err = %v, want ErrDuplicate", err)
	}

	// cancelling frees the key
	if err := tasks.Cancel(ctx, "a"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := tasks.Insert(ctx, dup); err != nil {
		t.Fatalf("Insert after cancel: %v", err)
	}
	got, err := tasks.PendingByKey(ctx, "1:0:retract")
	if err != nil || got.ID != "b" {
		t.Fatalf("PendingByKey = %+v, %v, want b", got, err)
	}
	if err := tasks.Cancel(ctx, "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("Cancel missing: err = %v, want ErrNotFound", err)
	}
}

func TestTaskMergePending(t *testing.T) {
	ctx := context.Background()
	tasks := repository.NewTaskRepo(testutil.OpenDB(t))
	item := newItem("m", 1, time.Now().UTC())
	item.CheckIDs = []string{"not_banned"}
	item.Flag = "revalidate_on_ban"
	if err := tasks.Insert(ctx, item); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	merged, err := tasks.MergePending(ctx, item.DedupeKey, func(w model.WorkItem) ([]string, string) {
		return append(w.CheckIDs, "still_enrolled"), ""
	})
	if err != nil {
		t.Fatalf("MergePending: %v", err)
	}
	got, _ := tasks.Get(ctx, "m")
	if len(got.CheckIDs) != 2 || got.Flag != "" || merged.ID != "m" {
		t.Fatalf("merged = %+v, stored = %+v", merged, got)
	}
	if _, err := tasks.MergePending(ctx, "nobody", func(w model.WorkItem) ([]string, string) { return nil, "" }); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("MergePending unknown key: err = %v, want ErrNotFound", err)
	}
}

func TestTaskRescheduleAndPurge(t *testing.T) {
	ctx := context.Background()
	tasks := repository.NewTaskRepo(testutil.OpenDB(t))
	now := time.Now().UTC()
	if err := tasks.Insert(ctx, newItem("x", 3, now.Add(-time.Minute))); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := tasks.ClaimDue(ctx, now, time.Minute, 1); err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	next := now.Add(10 * time.Minute)
	if err := tasks.Reschedule(ctx, "x", next, errors.New("boom")); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	got, err := tasks.Get(ctx, "x")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.WorkPending || got.LastError != "boom" || !got.ScheduledAt.Equal(next.Truncate(time.Millisecond)) {
		t.Fatalf("rescheduled = %+v", got)
	}

	n, err := tasks.CancelPendingForOption(ctx, 3)
	if err != nil || n != 1 {
		t.Fatalf("CancelPendingForOption = %d, %v, want 1", n, err)
	}
	purged, err := tasks.PurgeFinished(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil || purged != 1 {
		t.Fatalf("PurgeFinished = %d, %v, want 1", purged, err)
	}
	if _, err := tasks.Get(ctx, "x"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("Get purged: err = %v, want ErrNotFound", err)
	}
}

func TestSettingsEnabled(t *testing.T) {
	ctx := context.Background()
	settings := repository.NewSettingsRepo(testutil.OpenDB(t))

	if on, err := settings.Enabled(ctx, "revalidate_on_ban", true); err != nil || !on {
		t.Fatalf("missing flag = %v, %v, want default true", on, err)
	}
	if err := settings.Set(ctx, "revalidate_on_ban", "false"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := settings.Set(ctx, "revalidate_on_ban", "0"); err != nil {
		t.Fatalf("Set again: %v", err)
	}
	if on, err := settings.Enabled(ctx, "revalidate_on_ban", true); err != nil || on {
		t.Fatalf("flag = %v, %v, want false", on, err)
	}
	if err := settings.Set(ctx, "revalidate_sweep", "maybe"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if on, _ := settings.Enabled(ctx, "revalidate_sweep", true); !on {
		t.Fatalf("unparsable flag should fall back to default")
	}
	all, err := settings.List(ctx)
	if err != nil || len(all) != 2 || all[0].Name != "revalidate_on_ban" {
		t.Fatalf("List = %+v, %v", all, err)
	}
}

func TestUsersAndEnrollments(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	users := repository.NewUserRepo(db)

	id := testutil.CreateUser(t, db, "a@example.com", model.RoleCustomer)
	if _, err := users.Create(ctx, "a@example.com", "pw", model.RoleCustomer, 4); !errors.Is(err, repository.ErrEmailExists) {
		t.Fatalf("duplicate email: err = %v, want ErrEmailExists", err)
	}
	if err := users.SetBanned(ctx, id, true); err != nil {
		t.Fatalf("SetBanned: %v", err)
	}
	if banned, err := users.IsBanned(ctx, id); err != nil || !banned {
		t.Fatalf("IsBanned = %v, %v, want true", banned, err)
	}
	if banned, err := users.IsBanned(ctx, 9999); err != nil || banned {
		t.Fatalf("IsBanned(unknown) = %v, %v, want false", banned, err)
	}
	if _, err := users.GetByID(ctx, 9999); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("GetByID unknown: err = %v, want ErrNotFound", err)
	}

	enrollments := repository.NewEnrollmentRepo(db)
	for i := 0; i < 2; i++ {
		if err := enrollments.Enroll(ctx, id, 7); err != nil {
			t.Fatalf("Enroll #%d: %v", i+1, err)
		}
	}
	if ok, _ := enrollments.IsEnrolled(ctx, id, 7); !ok {
		t.Fatalf("not enrolled after Enroll")
	}
	if err := enrollments.Unenroll(ctx, id, 7); err != nil {
		t.Fatalf("Unenroll: %v", err)
	}
	if ok, _ := enrollments.IsEnrolled(ctx, id, 7); ok {
		t.Fatalf("still enrolled after Unenroll")
	}
}

func TestRefreshTokensAreSingleUse(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	uid := testutil.CreateUser(t, db, "t@example.com", model.RoleCustomer)
	tokens := repository.NewTokenRepo(db)

	for _, tok := range []struct {
		hash string
		exp  time.Time
	}{
		{"live", time.Now().Add(time.Hour)},
		{"other", time.Now().Add(time.Hour)},
		{"stale", time.Now().Add(-time.Hour)},
	} {
		if err := tokens.StoreRefresh(ctx, uid, tok.hash, tok.exp); err != nil {
			t.Fatalf("StoreRefresh %s: %v", tok.hash, err)
		}
	}
	if got, err := tokens.Consume(ctx, "live"); err != nil || got != uid {
		t.Fatalf("Consume(live) = %d, %v, want %d", got, err, uid)
	}
	if _, err := tokens.Consume(ctx, "live"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("second Consume: err = %v, want ErrNotFound", err)
	}
	if _, err := tokens.Consume(ctx, "stale"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expired token: err = %v, want ErrNotFound", err)
	}
	if err := tokens.RevokeAllForUser(ctx, uid); err != nil {
		t.Fatalf("RevokeAllForUser: %v", err)
	}
	if _, err := tokens.Consume(ctx, "other"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("revoked token: err = %v, want ErrNotFound", err)
	}
	n, err := tokens.PurgeExpired(ctx, time.Now().Add(time.Minute))
	if err != nil || n != 3 {
		t.Fatalf("PurgeExpired = %d, %v, want 3", n, err)
	}
}

func TestOptionDeleteAndAudit(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	options := repository.NewOptionRepo(db)
	answers := repository.NewAnswerRepo(db, database.SQLite)

	opt := testutil.CreateOption(t, db, model.Option{Name: "o", MaxAnswers: 2})
	err := answers.WithOptionLock(ctx, opt.ID, func(tx repository.AnswerTx) error {
		return tx.SaveAnswer(ctx, &model.Answer{OptionID: opt.ID, UserID: 5, State: model.StateBooked})
	})
	if err != nil {
		t.Fatalf("SaveAnswer: %v", err)
	}
	if err := options.Delete(ctx, opt.ID); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("Delete answered option: err = %v, want ErrConflict", err)
	}
	empty := testutil.CreateOption(t, db, model.Option{Name: "empty"})
	if err := options.Delete(ctx, empty.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := options.GetByID(ctx, empty.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("GetByID deleted: err = %v, want ErrNotFound", err)
	}
	if err := options.Delete(ctx, empty.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("Delete twice: err = %v, want ErrNotFound", err)
	}
	if _, err := options.GetByID(ctx, opt.ID); err != nil {
		t.Fatalf("answered option gone after refused delete: %v", err)
	}

	audit := repository.NewAuditRepo(db)
	for _, outcome := range []string{model.OutcomeRetracted, model.OutcomeSkipped} {
		if err := audit.Record(ctx, &model.AuditEntry{WorkItemID: "w", OptionID: opt.ID, UserID: 5, Outcome: outcome}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	entries, err := audit.List(ctx, repository.AuditFilter{OptionID: opt.ID})
	if err != nil || len(entries) != 2 || entries[0].Outcome != model.OutcomeRetracted {
		t.Fatalf("List = %+v, %v", entries, err)
	}
}
