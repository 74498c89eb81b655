package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/campusweb/atlas/internal/config"
	"github.com/campusweb/atlas/internal/model"
	"github.com/campusweb/atlas/internal/store"
	"github.com/campusweb/atlas/internal/task"
)

const testToken = "sekrit"

type fixture struct {
	api       *Api
	broker    *task.Memory
	docs      *store.Client
	coreID    string
	profileID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	cfg := &config.Config{
		Environment:     "test",
		APITokens:       map[string]string{testToken: "ops@example.edu"},
		ProtectedPaths:  []string{"user", "admin"},
		AvailableTarget: 2,
	}
	docs := store.NewClient(store.NewMemory())
	broker := task.NewMemory()
	deps := &task.Deps{Cfg: cfg, Docs: docs}
	task.NewEngine(broker, deps)

	coreMeta, err := docs.Code.S.Insert(ctx, store.ResCode, model.CodeItem{
		Name: "d7", Version: "7.59", CodeType: model.CodeTypeCore, IsCurrent: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	profMeta, err := docs.Code.S.Insert(ctx, store.ResCode, model.CodeItem{
		Name: "campus", Version: "2.0", CodeType: model.CodeTypeProfile, IsCurrent: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	return &fixture{
		api:       New(cfg, deps, NewTokenVerifier(cfg)),
		broker:    broker,
		docs:      docs,
		coreID:    coreMeta.ID,
		profileID: profMeta.ID,
	}
}

func (f *fixture) do(t *testing.T, method, path, token, etag string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if etag != "" {
		req.Header.Set("If-Match", etag)
	}
	w := httptest.NewRecorder()
	f.api.Handler().ServeHTTP(w, req)
	return w
}

func (f *fixture) addSite(t *testing.T, status model.SiteStatus, path string) *model.Site {
	t.Helper()
	ctx := context.Background()
	site := &model.Site{
		SID:    model.NewSID(),
		Path:   path,
		Status: status,
		Code:   model.SiteCode{Core: f.coreID, Profile: f.profileID},
	}
	meta, err := f.docs.Sites.S.Insert(ctx, store.ResSites, site)
	if err != nil {
		t.Fatal(err)
	}
	site.Meta = meta
	return site
}

// popTask pops one envelope off a queue or fails the test.
func (f *fixture) popTask(t *testing.T, queue string) *task.Task {
	t.Helper()
	payload, err := f.broker.Pop(context.Background(), queue, time.Millisecond)
	if err != nil {
		t.Fatalf("pop %s: %v", queue, err)
	}
	var tk task.Task
	if err := json.Unmarshal(payload, &tk); err != nil {
		t.Fatal(err)
	}
	return &tk
}

func (f *fixture) queueEmpty(t *testing.T, queue string) bool {
	t.Helper()
	_, err := f.broker.Pop(context.Background(), queue, time.Millisecond)
	return errors.Is(err, task.ErrEmpty)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestMutationsRequireToken(t *testing.T) {
	f := newFixture(t)

	if w := f.do(t, http.MethodPost, "/sites", "", "", map[string]any{}); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: got %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/sites", "wrong", "", map[string]any{}); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/sites", "", "", nil); w.Code != http.StatusOK {
		t.Fatalf("public read: got %d", w.Code)
	}
}

func TestCreateSiteQueuesProvisioning(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/sites", testToken, "", map[string]any{})
	if w.Code != http.StatusCreated {
		t.Fatalf("got %d: %s", w.Code, w.Body.String())
	}
	site := decode[model.Site](t, w)
	if !model.SIDPattern.MatchString(site.SID) {
		t.Fatalf("malformed sid %q", site.SID)
	}
	if site.Status != model.StatusPending {
		t.Fatalf("status = %q", site.Status)
	}
	if site.UpdateGroup == nil || *site.UpdateGroup < 0 || *site.UpdateGroup > 2 {
		t.Fatalf("update group = %v", site.UpdateGroup)
	}
	if site.Code.Core != f.coreID || site.Code.Profile != f.profileID {
		t.Fatalf("defaults not applied: %+v", site.Code)
	}
	if site.CreatedBy != "ops@example.edu" {
		t.Fatalf("created_by = %q", site.CreatedBy)
	}

	tk := f.popTask(t, task.QueueAtlas)
	if tk.Name != task.TaskSiteProvision {
		t.Fatalf("queued %q", tk.Name)
	}
}

func TestCreateSiteRejectsProtectedPath(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/sites", testToken, "", map[string]any{"path": "user"})
	if w.Code != http.StatusConflict {
		t.Fatalf("got %d", w.Code)
	}
	if !f.queueEmpty(t, task.QueueAtlas) {
		t.Fatal("rejected create still queued work")
	}
}

func TestCreateSiteRejectsDuplicatePath(t *testing.T) {
	f := newFixture(t)
	f.addSite(t, model.StatusLaunched, "news")

	w := f.do(t, http.MethodPost, "/sites", testToken, "", map[string]any{"path": "news"})
	if w.Code != http.StatusConflict {
		t.Fatalf("got %d", w.Code)
	}
}

func TestPatchSiteEtagDiscipline(t *testing.T) {
	f := newFixture(t)
	site := f.addSite(t, model.StatusInstalled, "")

	if w := f.do(t, http.MethodPatch, "/sites/"+site.ID, testToken, "", map[string]any{"path": "docs"}); w.Code != http.StatusPreconditionRequired {
		t.Fatalf("missing etag: got %d", w.Code)
	}
	if w := f.do(t, http.MethodPatch, "/sites/"+site.ID, testToken, "stale", map[string]any{"path": "docs"}); w.Code != http.StatusPreconditionFailed {
		t.Fatalf("stale etag: got %d", w.Code)
	}
	w := f.do(t, http.MethodPatch, "/sites/"+site.ID, testToken, site.Etag, map[string]any{"path": "docs"})
	if w.Code != http.StatusOK {
		t.Fatalf("got %d: %s", w.Code, w.Body.String())
	}
	updated := decode[model.Site](t, w)
	if updated.Path != "docs" || updated.Etag == site.Etag {
		t.Fatalf("patch not applied: %+v", updated)
	}
}

func TestPatchSiteCodeChangeCarriesHints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	site := f.addSite(t, model.StatusInstalled, "")

	newCore, err := f.docs.Code.S.Insert(ctx, store.ResCode, model.CodeItem{
		Name: "d7", Version: "7.60", CodeType: model.CodeTypeCore,
		Deploy: model.DeployHints{RegistryRebuild: true, UpdateDatabase: true},
	})
	if err != nil {
		t.Fatal(err)
	}

	w := f.do(t, http.MethodPatch, "/sites/"+site.ID, testToken, site.Etag, map[string]any{
		"code": map[string]any{"core": newCore.ID},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("got %d: %s", w.Code, w.Body.String())
	}

	tk := f.popTask(t, task.QueueUpdate)
	if tk.Name != task.TaskSiteUpdate {
		t.Fatalf("queued %q", tk.Name)
	}
	var args task.UpdateArgs
	if err := json.Unmarshal(tk.Args, &args); err != nil {
		t.Fatal(err)
	}
	if !args.CoreChanged || args.ProfileChanged || args.PackagesChanged {
		t.Fatalf("change flags wrong: %+v", args)
	}
	if !args.Hints.RegistryRebuild || !args.Hints.UpdateDatabase {
		t.Fatalf("deploy hints dropped: %+v", args.Hints)
	}
}

func TestPatchSitePartialCodeKeepsProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	site := f.addSite(t, model.StatusInstalled, "")

	newCore, err := f.docs.Code.S.Insert(ctx, store.ResCode, model.CodeItem{
		Name: "d7", Version: "7.60", CodeType: model.CodeTypeCore,
	})
	if err != nil {
		t.Fatal(err)
	}

	// a body naming only the core must not clobber the other refs
	w := f.do(t, http.MethodPatch, "/sites/"+site.ID, testToken, site.Etag, map[string]any{
		"code": map[string]any{"core": newCore.ID},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("got %d: %s", w.Code, w.Body.String())
	}
	stored, err := f.docs.Sites.Get(ctx, site.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Code.Core != newCore.ID {
		t.Fatalf("core = %q", stored.Code.Core)
	}
	if stored.Code.Profile != f.profileID {
		t.Fatalf("profile ref dropped: %+v", stored.Code)
	}

	tk := f.popTask(t, task.QueueUpdate)
	var args task.UpdateArgs
	if err := json.Unmarshal(tk.Args, &args); err != nil {
		t.Fatal(err)
	}
	if !args.CoreChanged || args.ProfileChanged {
		t.Fatalf("change flags disagree with the stored document: %+v", args)
	}
}

func TestPatchSiteStatusStampsDate(t *testing.T) {
	f := newFixture(t)
	site := f.addSite(t, model.StatusLaunched, "news")

	w := f.do(t, http.MethodPatch, "/sites/"+site.ID, testToken, site.Etag, map[string]any{
		"status": string(model.StatusLocked),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("got %d: %s", w.Code, w.Body.String())
	}
	updated := decode[model.Site](t, w)
	if updated.Dates.Locked == nil {
		t.Fatal("lock date not stamped")
	}
	if updated.Status != model.StatusLocked {
		t.Fatalf("status = %q", updated.Status)
	}
}

func TestDeleteLaunchedSiteRefused(t *testing.T) {
	f := newFixture(t)
	site := f.addSite(t, model.StatusLaunched, "news")

	w := f.do(t, http.MethodDelete, "/sites/"+site.ID, testToken, site.Etag, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("got %d", w.Code)
	}
	if !f.queueEmpty(t, task.QueueAtlas) {
		t.Fatal("refused delete still queued work")
	}
}

func TestDeleteSiteQueuesRemoval(t *testing.T) {
	f := newFixture(t)
	site := f.addSite(t, model.StatusInstalled, "")

	w := f.do(t, http.MethodDelete, "/sites/"+site.ID, testToken, site.Etag, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("got %d: %s", w.Code, w.Body.String())
	}
	tk := f.popTask(t, task.QueueAtlas)
	if tk.Name != task.TaskSiteRemove {
		t.Fatalf("queued %q", tk.Name)
	}
}

func TestSiteLookupBySID(t *testing.T) {
	f := newFixture(t)
	site := f.addSite(t, model.StatusLaunched, "news")

	w := f.do(t, http.MethodGet, "/sites/"+site.SID, "", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("got %d", w.Code)
	}
	got := decode[model.Site](t, w)
	if got.ID != site.ID {
		t.Fatalf("sid lookup found %q, want %q", got.ID, site.ID)
	}
}

func TestCreateCodeRejectsDuplicateIdentity(t *testing.T) {
	f := newFixture(t)

	body := map[string]any{
		"name": "d7", "version": "7.59", "code_type": "core",
		"git_url": "ssh://git@example.edu/core/d7.git",
	}
	w := f.do(t, http.MethodPost, "/code", testToken, "", body)
	if w.Code != http.StatusConflict {
		t.Fatalf("got %d: %s", w.Code, w.Body.String())
	}
}

func TestCodeRejectsMalformedGitURL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, bad := range []string{"not a url", "example.edu/repo.git", "ftp://example.edu/repo.git"} {
		w := f.do(t, http.MethodPost, "/code", testToken, "", map[string]any{
			"name": "views", "version": "3.0", "code_type": "module", "git_url": bad,
		})
		if w.Code != http.StatusConflict {
			t.Errorf("git_url %q: got %d", bad, w.Code)
		}
	}
	if !f.queueEmpty(t, task.QueueUpdate) {
		t.Fatal("rejected create still queued work")
	}

	// scp-style addresses are valid clone URLs
	w := f.do(t, http.MethodPost, "/code", testToken, "", map[string]any{
		"name": "views", "version": "3.0", "code_type": "module",
		"git_url": "git@example.edu:modules/views.git",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("scp-style url rejected: %d %s", w.Code, w.Body.String())
	}

	core, err := f.docs.Code.Get(ctx, f.coreID)
	if err != nil {
		t.Fatal(err)
	}
	pw := f.do(t, http.MethodPatch, "/code/"+core.ID, testToken, core.Etag, map[string]any{
		"git_url": "nope",
	})
	if pw.Code != http.StatusConflict {
		t.Fatalf("patch with malformed git_url: got %d", pw.Code)
	}
}

func TestCreateCurrentCodeDemotesPeer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.do(t, http.MethodPost, "/code", testToken, "", map[string]any{
		"name": "d7", "version": "7.60", "code_type": "core",
		"git_url": "ssh://git@example.edu/core/d7.git", "is_current": true,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("got %d: %s", w.Code, w.Body.String())
	}

	old, err := f.docs.Code.Get(ctx, f.coreID)
	if err != nil {
		t.Fatal(err)
	}
	if old.IsCurrent {
		t.Fatal("previous current core not demoted")
	}
	tk := f.popTask(t, task.QueueUpdate)
	if tk.Name != task.TaskCodeClone {
		t.Fatalf("queued %q", tk.Name)
	}
}

func TestDeleteCodeInUseListsInstances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	site := f.addSite(t, model.StatusLaunched, "news")

	core, err := f.docs.Code.Get(ctx, f.coreID)
	if err != nil {
		t.Fatal(err)
	}
	w := f.do(t, http.MethodDelete, "/code/"+core.ID, testToken, core.Etag, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[map[string]any](t, w)
	sids, _ := resp["sids"].([]any)
	if len(sids) != 1 || sids[0] != site.SID {
		t.Fatalf("sids = %v", resp["sids"])
	}
}

func TestDeleteUnusedCodeQueuesCleanup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	meta, err := f.docs.Code.S.Insert(ctx, store.ResCode, model.CodeItem{
		Name: "views", Version: "3.0", CodeType: model.CodeTypeModule,
	})
	if err != nil {
		t.Fatal(err)
	}
	item, err := f.docs.Code.Get(ctx, meta.ID)
	if err != nil {
		t.Fatal(err)
	}
	w := f.do(t, http.MethodDelete, "/code/"+item.ID, testToken, item.Etag, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("got %d: %s", w.Code, w.Body.String())
	}
	if _, err := f.docs.Code.Get(ctx, item.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("document still live: %v", err)
	}
	tk := f.popTask(t, task.QueueUpdate)
	if tk.Name != task.TaskCodeDelete {
		t.Fatalf("queued %q", tk.Name)
	}
}

func TestQueryPassthrough(t *testing.T) {
	f := newFixture(t)
	f.addSite(t, model.StatusLaunched, "news")
	f.addSite(t, model.StatusInstalled, "")

	w := f.do(t, http.MethodPost, "/query", testToken, "", map[string]any{
		"resource": "sites",
		"filter":   map[string]any{"status": "launched"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[map[string]any](t, w)
	items, _ := resp["_items"].([]any)
	if len(items) != 1 {
		t.Fatalf("matched %d sites, want 1", len(items))
	}

	if w := f.do(t, http.MethodPost, "/query", testToken, "", map[string]any{"resource": "nope"}); w.Code != http.StatusNotFound {
		t.Fatalf("unknown resource: got %d", w.Code)
	}
}

func TestDrushQueuesCommand(t *testing.T) {
	f := newFixture(t)
	site := f.addSite(t, model.StatusLaunched, "news")

	w := f.do(t, http.MethodPost, "/drush", testToken, "", map[string]any{
		"site": site.SID, "command": "cc all",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("got %d: %s", w.Code, w.Body.String())
	}
	tk := f.popTask(t, task.QueueCommand)
	if tk.Name != task.TaskDrushRun {
		t.Fatalf("queued %q", tk.Name)
	}
	var args task.DrushArgs
	if err := json.Unmarshal(tk.Args, &args); err != nil {
		t.Fatal(err)
	}
	if args.SiteID != site.ID || args.Command != "cc all" {
		t.Fatalf("args = %+v", args)
	}
}

func TestHealDefaultsToWholeFleet(t *testing.T) {
	f := newFixture(t)
	f.addSite(t, model.StatusLaunched, "news")
	f.addSite(t, model.StatusInstalled, "")

	w := f.do(t, http.MethodPost, "/heal", testToken, "", map[string]any{})
	if w.Code != http.StatusAccepted {
		t.Fatalf("got %d: %s", w.Code, w.Body.String())
	}
	tk := f.popTask(t, task.QueueUpdate)
	if tk.Name != task.TaskSiteHeal {
		t.Fatalf("queued %q", tk.Name)
	}
	var args task.HealArgs
	if err := json.Unmarshal(tk.Args, &args); err != nil {
		t.Fatal(err)
	}
	if len(args.SiteIDs) != 2 {
		t.Fatalf("healing %d sites, want 2", len(args.SiteIDs))
	}
}

func TestPostEventAndList(t *testing.T) {
	f := newFixture(t)
	site := f.addSite(t, model.StatusLaunched, "news")

	w := f.do(t, http.MethodPost, "/event", testToken, "", map[string]any{
		"event_type": model.EventTypeInactiveMail,
		"stage":      string(model.StageFirst),
		"site":       site.ID,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("got %d: %s", w.Code, w.Body.String())
	}
	ev := decode[model.Event](t, w)
	if ev.ID == "" || ev.Date.IsZero() {
		t.Fatalf("event not filled in: %+v", ev)
	}

	lw := f.do(t, http.MethodGet, "/event", "", "", nil)
	if lw.Code != http.StatusOK {
		t.Fatalf("got %d", lw.Code)
	}
	resp := decode[map[string]any](t, lw)
	if items, _ := resp["_items"].([]any); len(items) != 1 {
		t.Fatalf("listed %d events, want 1", len(items))
	}
}

func TestStatisticsPatchKeepsOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	site := f.addSite(t, model.StatusLaunched, "news")

	meta, err := f.docs.Statistics.S.Insert(ctx, store.ResStatistics, model.Statistics{Site: site.ID})
	if err != nil {
		t.Fatal(err)
	}
	st, err := f.docs.Statistics.Get(ctx, meta.ID)
	if err != nil {
		t.Fatal(err)
	}

	w := f.do(t, http.MethodPatch, "/statistics/"+st.ID, testToken, st.Etag, map[string]any{
		"site":        "hijacked",
		"nodes_total": 41,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("got %d: %s", w.Code, w.Body.String())
	}
	updated := decode[model.Statistics](t, w)
	if updated.Site != site.ID {
		t.Fatalf("ownership moved to %q", updated.Site)
	}
	if updated.NodesTotal != 41 {
		t.Fatalf("nodes_total = %d", updated.NodesTotal)
	}
}

func TestRebalanceQueued(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/rebalance", testToken, "", map[string]any{})
	if w.Code != http.StatusAccepted {
		t.Fatalf("got %d: %s", w.Code, w.Body.String())
	}
	tk := f.popTask(t, task.QueueCron)
	if tk.Name != task.LoopRebalance {
		t.Fatalf("queued %q", tk.Name)
	}
}
