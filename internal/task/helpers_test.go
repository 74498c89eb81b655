package task

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/campusweb/atlas/internal/backup"
	"github.com/campusweb/atlas/internal/code"
	"github.com/campusweb/atlas/internal/compose"
	"github.com/campusweb/atlas/internal/config"
	"github.com/campusweb/atlas/internal/fanout"
	"github.com/campusweb/atlas/internal/model"
	"github.com/campusweb/atlas/internal/notify"
	"github.com/campusweb/atlas/internal/secret"
	"github.com/campusweb/atlas/internal/store"
)

type fakeDB struct {
	provisioned []string
	dropped     []string
}

func (f *fakeDB) Provision(ctx context.Context, sid string) (string, error) {
	f.provisioned = append(f.provisioned, sid)
	return "enc-key", nil
}

func (f *fakeDB) Drop(ctx context.Context, sid string) error {
	f.dropped = append(f.dropped, sid)
	return nil
}

type notifyRecorder struct {
	chats    []notify.ChatMessage
	mailTo   [][]string
	subjects []string
}

func (n *notifyRecorder) Chat(ctx context.Context, msg notify.ChatMessage) {
	n.chats = append(n.chats, msg)
}

func (n *notifyRecorder) Mail(to []string, subject, body string) {
	n.mailTo = append(n.mailTo, to)
	n.subjects = append(n.subjects, subject)
}

type runnerRecorder struct {
	commands []string
}

func (r *runnerRecorder) Run(ctx context.Context, role fanout.Role, command string) (map[string]fanout.Result, error) {
	r.commands = append(r.commands, command)
	return map[string]fanout.Result{"web1": {}}, nil
}

type nopReplicator struct{}

func (nopReplicator) Replicate(ctx context.Context, src, dest string, hosts []string) error {
	return nil
}

type harness struct {
	deps   *Deps
	engine *Engine
	broker *Memory
	mem    *store.Memory
	db     *fakeDB
	chat   *notifyRecorder
	run    *runnerRecorder

	coreID    string
	profileID string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Environment:     "test",
		WebUser:         "www",
		AvailableTarget: 2,
		Inactivity:      config.Inactivity{First: 30, Second: 55, TakeDown: 60, MinGap: 5, Subject: "inactive", Message: "log in or lose it"},
		TestAccounts:    []string{"test@example.edu"},
	}
	cfg.Paths.CodeRoot = filepath.Join(dir, "code")
	cfg.Paths.InstanceRoot = filepath.Join(dir, "instances")
	cfg.Paths.WebRoot = filepath.Join(dir, "web")
	cfg.Paths.BackupPath = filepath.Join(dir, "backup")
	cfg.Paths.NFSMount = filepath.Join(dir, "nfs")
	cfg.HomepageFiles = filepath.Join(dir, "homepage-files")
	cfg.Crypto = config.CryptoConfig{Password: "pw", Salt: "salt"}

	// minimal current core + profile checkouts
	coreDir := filepath.Join(cfg.Paths.CodeRoot, "cores", "d7", "d7-7.59")
	for _, d := range []string{
		filepath.Join(coreDir, "sites", "default"),
		filepath.Join(cfg.Paths.CodeRoot, "profiles", "campus", "campus-2.0"),
		filepath.Join(cfg.Paths.BackupPath, "backups"),
		cfg.HomepageFiles,
	} {
		if err := os.MkdirAll(d, 0o775); err != nil {
			t.Fatal(err)
		}
	}
	mustWriteFile(t, filepath.Join(coreDir, "index.php"), "<?php\n")
	mustWriteFile(t, filepath.Join(coreDir, "sites", "default", "default.settings.php"), "<?php\n")
	mustWriteFile(t, filepath.Join(cfg.HomepageFiles, ".htaccess"), "# homepage\n")
	mustWriteFile(t, filepath.Join(cfg.HomepageFiles, "robots.txt"), "User-agent: *\n")

	mem := store.NewMemory()
	docs := store.NewClient(mem)
	ctx := context.Background()
	coreMeta, err := docs.Code.S.Insert(ctx, store.ResCode, model.CodeItem{Name: "d7", Version: "7.59", CodeType: model.CodeTypeCore, IsCurrent: true})
	if err != nil {
		t.Fatal(err)
	}
	profMeta, err := docs.Code.S.Insert(ctx, store.ResCode, model.CodeItem{Name: "campus", Version: "2.0", CodeType: model.CodeTypeProfile, IsCurrent: true})
	if err != nil {
		t.Fatal(err)
	}

	codec := secret.NewCodec(cfg.Crypto)
	codes := code.NewManager(cfg, code.GitRepository{}, nopReplicator{}, docs)
	comp := compose.NewComposer(cfg, docs, codes, nopReplicator{}, codec)
	run := &runnerRecorder{}
	db := &fakeDB{}
	chat := &notifyRecorder{}
	deps := &Deps{
		Cfg:     cfg,
		Docs:    docs,
		Codes:   codes,
		Comp:    comp,
		DB:      db,
		Backups: backup.NewManager(cfg, docs, run, comp),
		Run:     run,
		Notify:  chat,
	}
	broker := NewMemory()
	engine := NewEngine(broker, deps)
	return &harness{
		deps: deps, engine: engine, broker: broker, mem: mem,
		db: db, chat: chat, run: run,
		coreID: coreMeta.ID, profileID: profMeta.ID,
	}
}

func mustWriteFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

// addSite inserts a site document (plus statistics) in the given status.
func (h *harness) addSite(t *testing.T, status model.SiteStatus, path string) *model.Site {
	t.Helper()
	ctx := context.Background()
	site := &model.Site{
		SID:    model.NewSID(),
		Path:   path,
		Status: status,
		Code:   model.SiteCode{Core: h.coreID, Profile: h.profileID},
	}
	meta, err := h.deps.Docs.Sites.S.Insert(ctx, store.ResSites, site)
	if err != nil {
		t.Fatal(err)
	}
	site.Meta = meta
	if _, err := h.deps.Docs.Statistics.S.Insert(ctx, store.ResStatistics, model.Statistics{Site: site.ID}); err != nil {
		t.Fatal(err)
	}
	return site
}

// drain runs every queued task synchronously until the queues are empty.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for rounds := 0; rounds < 1000; rounds++ {
		progressed := false
		for _, q := range Queues {
			payload, err := h.broker.Pop(ctx, q, 0)
			if err != nil {
				continue
			}
			var tk Task
			if err := json.Unmarshal(payload, &tk); err != nil {
				t.Fatal(err)
			}
			h.engine.dispatch(ctx, &tk)
			progressed = true
		}
		if !progressed {
			return
		}
	}
	t.Fatal("queues never drained")
}
