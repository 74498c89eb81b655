package task

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/campusweb/atlas/internal/model"
	"github.com/campusweb/atlas/internal/store"
)

func TestProvisionReachesAvailable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	site := h.addSite(t, model.StatusPending, "")

	if err := h.engine.Enqueue(ctx, TaskSiteProvision, SiteArgs{SiteID: site.ID}); err != nil {
		t.Fatal(err)
	}
	h.drain(t)

	got, err := h.deps.Docs.Sites.Get(ctx, site.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusAvailable {
		t.Fatalf("status = %s", got.Status)
	}
	if got.DBKey != "enc-key" {
		t.Fatalf("db_key = %q", got.DBKey)
	}
	if got.Dates.Assigned == nil {
		t.Fatal("assigned date not stamped")
	}
	settings := filepath.Join(h.deps.Comp.InstanceDir(site.SID), "sites", "default", "settings.php")
	fi, err := os.Stat(settings)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o444 {
		t.Fatalf("settings mode = %v", fi.Mode())
	}
}

func TestPoolReplenish(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.engine.Enqueue(ctx, LoopPoolReplenish, nil); err != nil {
		t.Fatal(err)
	}
	h.drain(t)

	sites, err := h.deps.Docs.Sites.ByStatus(ctx, model.StatusAvailable)
	if err != nil {
		t.Fatal(err)
	}
	if len(sites) != h.deps.Cfg.AvailableTarget {
		t.Fatalf("pool = %d, want %d", len(sites), h.deps.Cfg.AvailableTarget)
	}
	for _, s := range sites {
		if !model.SIDPattern.MatchString(s.SID) {
			t.Errorf("sid %q malformed", s.SID)
		}
		if s.UpdateGroup == nil || *s.UpdateGroup < 0 || *s.UpdateGroup > 2 {
			t.Errorf("update group = %v", s.UpdateGroup)
		}
	}
}

func TestNewSiteKeepsRequestedGroupZero(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	// zero is a real group, not "unassigned"
	for i := 0; i < 8; i++ {
		zero := 0
		site := &model.Site{UpdateGroup: &zero}
		if err := NewPendingSite(ctx, h.deps, site); err != nil {
			t.Fatal(err)
		}
		if site.UpdateGroup == nil || *site.UpdateGroup != 0 {
			t.Fatalf("requested group zero re-rolled to %v", site.UpdateGroup)
		}
	}
}

func TestReapStuckPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stuck := h.addSite(t, model.StatusPending, "")
	fresh := h.addSite(t, model.StatusPending, "")
	if err := h.mem.SetCreated(store.ResSites, stuck.ID, time.Now().UTC().Add(-30*time.Minute)); err != nil {
		t.Fatal(err)
	}

	if err := h.engine.Enqueue(ctx, LoopReapStuckPending, nil); err != nil {
		t.Fatal(err)
	}
	h.drain(t)

	if _, err := h.deps.Docs.Sites.Get(ctx, stuck.ID); err != store.ErrNotFound {
		t.Fatalf("stuck site still present: %v", err)
	}
	if _, err := h.deps.Docs.Sites.Get(ctx, fresh.ID); err != nil {
		t.Fatalf("fresh pending reaped: %v", err)
	}
}

func TestLaunchHomepage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	site := h.addSite(t, model.StatusLaunching, "homepage")

	if err := h.engine.Enqueue(ctx, TaskSiteUpdate, UpdateArgs{SiteID: site.ID}); err != nil {
		t.Fatal(err)
	}
	h.drain(t)

	got, err := h.deps.Docs.Sites.Get(ctx, site.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusLaunched {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Group() != 6 {
		t.Fatalf("update group = %d", got.Group())
	}
	for _, name := range []string{".htaccess", "robots.txt"} {
		if _, err := os.Stat(filepath.Join(h.deps.Cfg.Paths.WebRoot, name)); err != nil {
			t.Errorf("homepage file %s missing: %v", name, err)
		}
	}
}

func TestTakeDownRemovesLinksAndStatistics(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	site := h.addSite(t, model.StatusLaunched, "chemistry")
	if err := h.deps.Comp.Create(ctx, site, false); err != nil {
		t.Fatal(err)
	}

	if err := h.deps.Docs.Sites.Patch(ctx, site, store.Filter{"status": model.StatusTakeDown}); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Enqueue(ctx, TaskSiteUpdate, UpdateArgs{SiteID: site.ID}); err != nil {
		t.Fatal(err)
	}
	h.drain(t)

	got, err := h.deps.Docs.Sites.Get(ctx, site.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusDown {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Dates.TakenDown == nil {
		t.Fatal("taken_down date not stamped")
	}
	for _, p := range []string{site.SID, "chemistry"} {
		if _, err := os.Lstat(filepath.Join(h.deps.Cfg.Paths.WebRoot, p)); !os.IsNotExist(err) {
			t.Errorf("web root link %s survived", p)
		}
	}
	if _, err := h.deps.Docs.Statistics.ForSite(ctx, site.ID); err != store.ErrNotFound {
		t.Fatalf("statistics still live: %v", err)
	}
}

func TestBackupRotationKeepsFiveNewest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	site := h.addSite(t, model.StatusLaunched, "history")

	// seven completed backups spread over 40 days
	var ids []string
	for i := 0; i < 7; i++ {
		b, err := h.deps.Backups.Create(ctx, site, model.BackupRoutine)
		if err != nil {
			t.Fatal(err)
		}
		age := time.Duration(40-5*i) * 24 * time.Hour
		if err := h.mem.SetCreated(store.ResBackup, b.ID, time.Now().UTC().Add(-age)); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, b.ID)
	}

	if err := h.engine.Enqueue(ctx, LoopReapExtraBackups, nil); err != nil {
		t.Fatal(err)
	}
	h.drain(t)

	remaining, err := h.deps.Docs.Backups.ForSite(ctx, site.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 5 {
		t.Fatalf("kept %d backups", len(remaining))
	}
	// the five newest are the last five created
	want := map[string]bool{}
	for _, id := range ids[2:] {
		want[id] = true
	}
	for _, b := range remaining {
		if !want[b.ID] {
			t.Errorf("kept unexpected backup %s", b.ID)
		}
	}
}

func TestReapOldBackupsSparesTheNewest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	site := h.addSite(t, model.StatusLaunched, "geology")

	old, err := h.deps.Backups.Create(ctx, site, model.BackupRoutine)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.mem.SetCreated(store.ResBackup, old.ID, time.Now().UTC().Add(-120*24*time.Hour)); err != nil {
		t.Fatal(err)
	}

	if err := h.engine.Enqueue(ctx, LoopReapOldBackups, nil); err != nil {
		t.Fatal(err)
	}
	h.drain(t)

	// ancient, but it is the instance's only backup
	if _, err := h.deps.Docs.Backups.Get(ctx, old.ID); err != nil {
		t.Fatalf("sole backup reaped: %v", err)
	}

	// a newer sibling exposes the old one to the reaper
	if _, err := h.deps.Backups.Create(ctx, site, model.BackupRoutine); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Enqueue(ctx, LoopReapOldBackups, nil); err != nil {
		t.Fatal(err)
	}
	h.drain(t)
	if _, err := h.deps.Docs.Backups.Get(ctx, old.ID); err != store.ErrNotFound {
		t.Fatalf("old backup survived: %v", err)
	}
}

func TestReapFailedBackups(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	site := h.addSite(t, model.StatusLaunched, "physics")

	b := &model.Backup{Site: site.ID, State: model.BackupPending, BackupType: model.BackupRoutine}
	meta, err := h.deps.Docs.Backups.S.Insert(ctx, store.ResBackup, b)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.mem.SetCreated(store.ResBackup, meta.ID, time.Now().UTC().Add(-2*time.Hour)); err != nil {
		t.Fatal(err)
	}

	if err := h.engine.Enqueue(ctx, LoopReapFailedBackups, nil); err != nil {
		t.Fatal(err)
	}
	h.drain(t)
	if _, err := h.deps.Docs.Backups.Get(ctx, meta.ID); err != store.ErrNotFound {
		t.Fatalf("failed backup survived: %v", err)
	}
}

func TestRebalanceSkipsParkedGroups(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var launched []*model.Site
	for i := 0; i < 8; i++ {
		launched = append(launched, h.addSite(t, model.StatusLaunched, ""))
	}
	home := h.addSite(t, model.StatusLaunched, "homepage")
	if err := h.deps.Docs.Sites.Patch(ctx, home, store.Filter{"update_group": 6}); err != nil {
		t.Fatal(err)
	}
	installed := h.addSite(t, model.StatusInstalled, "")

	if err := h.engine.Enqueue(ctx, LoopRebalance, nil); err != nil {
		t.Fatal(err)
	}
	h.drain(t)

	for _, s := range launched {
		got, err := h.deps.Docs.Sites.Get(ctx, s.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.UpdateGroup == nil || *got.UpdateGroup < 0 || *got.UpdateGroup > 5 {
			t.Errorf("launched group = %v", got.UpdateGroup)
		}
	}
	gotHome, err := h.deps.Docs.Sites.Get(ctx, home.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotHome.Group() != 6 {
		t.Fatalf("homepage group moved to %d", gotHome.Group())
	}
	gotInstalled, err := h.deps.Docs.Sites.Get(ctx, installed.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotInstalled.UpdateGroup == nil || *gotInstalled.UpdateGroup < 0 || *gotInstalled.UpdateGroup > 2 {
		t.Fatalf("installed group = %v", gotInstalled.UpdateGroup)
	}
}

func TestCronFanout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addSite(t, model.StatusLaunched, "a")
	h.addSite(t, model.StatusLaunched, "b")
	h.addSite(t, model.StatusInstalled, "c")

	if err := h.engine.Enqueue(ctx, LoopCronFanout, CronArgs{Statuses: []model.SiteStatus{model.StatusLaunched}}); err != nil {
		t.Fatal(err)
	}
	h.drain(t)

	var crons int
	for _, cmd := range h.run.commands {
		if strings.HasSuffix(cmd, " cron") {
			crons++
		}
	}
	if crons != 2 {
		t.Fatalf("cron ran on %d instances", crons)
	}
}

func TestInactivityTakedownScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	site := h.addSite(t, model.StatusLaunched, "dormant")
	if err := h.deps.Comp.Create(ctx, site, false); err != nil {
		t.Fatal(err)
	}

	days := 60
	stats, err := h.deps.Docs.Statistics.ForSite(ctx, site.ID)
	if err != nil {
		t.Fatal(err)
	}
	err = h.deps.Docs.Statistics.S.Patch(ctx, store.ResStatistics, stats.ID, "", store.Filter{
		"days_since_last_login": days,
		"users": model.StatisticsUsers{
			SiteOwner:  "owner@example.edu",
			EditAccess: []string{"test@example.edu"},
		},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	for _, ev := range []model.Event{
		{EventType: model.EventTypeInactiveMail, Stage: model.StageFirst, Site: site.ID, Date: now.Add(-30 * 24 * time.Hour)},
		{EventType: model.EventTypeInactiveMail, Stage: model.StageSecond, Site: site.ID, Date: now.Add(-5 * 24 * time.Hour)},
	} {
		ev := ev
		if err := h.deps.Docs.Events.Post(ctx, &ev); err != nil {
			t.Fatal(err)
		}
	}

	if err := h.engine.Enqueue(ctx, LoopInactivity, nil); err != nil {
		t.Fatal(err)
	}
	h.drain(t)

	events, err := h.deps.Docs.Events.ForSite(ctx, site.ID, model.EventTypeInactiveMail)
	if err != nil {
		t.Fatal(err)
	}
	var sawTakedown bool
	for _, ev := range events {
		if ev.Stage == model.StageTakeDown {
			sawTakedown = true
		}
	}
	if !sawTakedown {
		t.Fatal("take_down event not posted")
	}
	if len(h.chat.mailTo) != 1 || h.chat.mailTo[0][0] != "owner@example.edu" {
		t.Fatalf("mail recipients = %v", h.chat.mailTo)
	}
	// the takedown then runs through the status machine
	got, err := h.deps.Docs.Sites.Get(ctx, site.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusDown {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestInactivityFirstNoticeOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	site := h.addSite(t, model.StatusLaunched, "sleepy")

	stats, err := h.deps.Docs.Statistics.ForSite(ctx, site.ID)
	if err != nil {
		t.Fatal(err)
	}
	err = h.deps.Docs.Statistics.S.Patch(ctx, store.ResStatistics, stats.ID, "", store.Filter{
		"days_since_last_login": 40,
		"users":                 model.StatisticsUsers{SiteOwner: "owner@example.edu"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := h.engine.Enqueue(ctx, LoopInactivity, nil); err != nil {
		t.Fatal(err)
	}
	h.drain(t)

	events, err := h.deps.Docs.Events.ForSite(ctx, site.ID, model.EventTypeInactiveMail)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Stage != model.StageFirst {
		t.Fatalf("events = %+v", events)
	}
	// second notice requires the gap; re-running immediately must not
	// escalate even though days exceed the second threshold
	err = h.deps.Docs.Statistics.S.Patch(ctx, store.ResStatistics, stats.ID, "", store.Filter{"days_since_last_login": 56}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Enqueue(ctx, LoopInactivity, nil); err != nil {
		t.Fatal(err)
	}
	h.drain(t)
	events, err = h.deps.Docs.Events.ForSite(ctx, site.ID, model.EventTypeInactiveMail)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("escalated without the minimum gap: %+v", events)
	}
}

func TestOrphanStatisticsReaped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	site := h.addSite(t, model.StatusLaunched, "kept")
	orphanMeta, err := h.deps.Docs.Statistics.S.Insert(ctx, store.ResStatistics, model.Statistics{Site: "ghost-site-id"})
	if err != nil {
		t.Fatal(err)
	}

	if err := h.engine.Enqueue(ctx, LoopReapOrphanStats, nil); err != nil {
		t.Fatal(err)
	}
	h.drain(t)

	var st model.Statistics
	if err := h.mem.Get(ctx, store.ResStatistics, orphanMeta.ID, &st); err != store.ErrNotFound {
		t.Fatalf("orphan survived: %v", err)
	}
	if _, err := h.deps.Docs.Statistics.ForSite(ctx, site.ID); err != nil {
		t.Fatalf("owned statistics reaped: %v", err)
	}
}
