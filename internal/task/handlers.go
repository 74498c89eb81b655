package task

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/campusweb/atlas/internal/fanout"
	"github.com/campusweb/atlas/internal/model"
	"github.com/campusweb/atlas/internal/notify"
	"github.com/campusweb/atlas/internal/store"
)

// Task names.
const (
	TaskSiteProvision  = "site_provision"
	TaskSiteUpdate     = "site_update"
	TaskSiteRemove     = "site_remove"
	TaskSiteHeal       = "site_heal"
	TaskSiteHealSingle = "site_heal_single"
	TaskHealFinalize   = "site_heal_finalize"

	TaskCodeClone  = "code_clone"
	TaskCodeUpdate = "code_update"
	TaskCodeDelete = "code_delete"

	TaskCommandRun = "command_run"
	TaskDrushRun   = "drush_run"

	TaskBackupCreate     = "backup_create"
	TaskBackupCreateBulk = "backup_create_bulk"
	TaskBackupDelete     = "backup_delete"
	TaskBackupRestore    = "backup_restore"
	TaskBackupImport     = "backup_import"
	TaskBackupAll        = "backup_all"
	TaskBackupFinalize   = "backup_all_finalize"
)

// homepagePath is the reserved front-page path; its launch lands in the
// dedicated update group.
const homepagePath = "homepage"

// homepageGroup is the update group reserved for the front page.
const homepageGroup = 6

// registerAll wires every task and loop definition into the engine.
func registerAll(e *Engine) {
	defs := []Definition{
		{Name: TaskSiteProvision, Queue: QueueAtlas, MaxRetries: 1, Fn: siteProvision},
		{Name: TaskSiteUpdate, Queue: QueueUpdate, Fn: siteUpdate},
		{Name: TaskSiteRemove, Queue: QueueAtlas, MaxRetries: 1, Fn: siteRemove},
		{Name: TaskSiteHeal, Queue: QueueUpdate, Fn: siteHeal},
		{Name: TaskSiteHealSingle, Queue: QueueUpdate, MaxRetries: 1, Fn: siteHealSingle},
		{Name: TaskHealFinalize, Queue: QueueUpdate, Fn: healFinalize},

		{Name: TaskCodeClone, Queue: QueueUpdate, MaxRetries: 1, Fn: codeClone},
		{Name: TaskCodeUpdate, Queue: QueueUpdate, MaxRetries: 1, Fn: codeUpdate},
		{Name: TaskCodeDelete, Queue: QueueUpdate, Fn: codeDelete},

		{Name: TaskCommandRun, Queue: QueueCommand, Fn: commandRun},
		{Name: TaskDrushRun, Queue: QueueCommand, Fn: drushRun},

		{Name: TaskBackupCreate, Queue: QueueAtlas, Fn: backupCreate},
		{Name: TaskBackupCreateBulk, Queue: QueueAtlas, TimeLimit: BackupBulkLimit, Fn: backupCreate},
		{Name: TaskBackupDelete, Queue: QueueAtlas, MaxRetries: 1, Fn: backupDelete},
		{Name: TaskBackupRestore, Queue: QueueAtlas, Fn: backupRestore},
		{Name: TaskBackupImport, Queue: QueueAtlas, TimeLimit: ImportTimeLimit, Fn: backupImport},
		{Name: TaskBackupAll, Queue: QueueAtlas, Fn: backupAll},
		{Name: TaskBackupFinalize, Queue: QueueAtlas, Fn: backupFinalize},
	}
	for _, def := range defs {
		e.Register(def)
	}
	registerLoops(e)
}

// SiteArgs address one site by id or sid.
type SiteArgs struct {
	SiteID string `json:"site_id"`
}

// UpdateArgs carry what changed so the handler applies the minimal
// layers and the right deploy chain.
type UpdateArgs struct {
	SiteID          string            `json:"site_id"`
	CoreChanged     bool              `json:"core_changed,omitempty"`
	ProfileChanged  bool              `json:"profile_changed,omitempty"`
	PackagesChanged bool              `json:"packages_changed,omitempty"`
	Hints           model.DeployHints `json:"hints,omitempty"`
}

// siteProvision takes a pending site to available: database, overlay,
// document.
func siteProvision(ctx context.Context, deps *Deps, raw json.RawMessage) error {
	var args SiteArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return err
	}
	site, err := deps.Docs.Sites.Get(ctx, args.SiteID)
	if err != nil {
		return err
	}
	dbKey, err := deps.DB.Provision(ctx, site.SID)
	if err != nil {
		return err
	}
	if err := deps.Docs.Sites.Patch(ctx, site, store.Filter{"db_key": dbKey}); err != nil {
		return err
	}
	if err := deps.Comp.Create(ctx, site, false); err != nil {
		return err
	}
	field, _ := site.Dates.StampFor(model.StatusAvailable, time.Now().UTC())
	if err := deps.Docs.Sites.Patch(ctx, site, store.Filter{
		"status": model.StatusAvailable,
		"dates":  site.Dates,
	}); err != nil {
		return err
	}
	log.Info().Str("sid", site.SID).Str("stamped", field).Msg("site provisioned")
	return nil
}

// siteUpdate applies code changes and drives the status machine. The
// post-mutation order is fixed: rsync (inside the composer), PHP cache
// clear, registry rebuild, database update, CMS cache clear.
func siteUpdate(ctx context.Context, deps *Deps, raw json.RawMessage) error {
	var args UpdateArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return err
	}
	site, err := deps.Docs.Sites.Get(ctx, args.SiteID)
	if err != nil {
		return err
	}

	codeChanged := args.CoreChanged || args.ProfileChanged || args.PackagesChanged
	if codeChanged {
		if err := deps.Comp.Update(ctx, site, args.CoreChanged, args.ProfileChanged, args.PackagesChanged); err != nil {
			return err
		}
		if err := deployChain(ctx, deps, site, args.Hints); err != nil {
			return err
		}
	}

	switch site.Status {
	case model.StatusInstalling:
		return finishInstall(ctx, deps, site)
	case model.StatusLaunching:
		return finishLaunch(ctx, deps, site)
	case model.StatusLocked:
		return deps.Comp.RenderSettings(ctx, site, model.StatusLocked)
	case model.StatusTakeDown:
		return finishTakeDown(ctx, deps, site)
	case model.StatusRestore:
		return finishRestore(ctx, deps, site)
	}
	if !codeChanged {
		// a settings-only change still needs a fresh render
		if err := deps.Comp.RenderSettings(ctx, site, site.Status); err != nil {
			return err
		}
		return deps.Comp.Replicate(ctx)
	}
	return nil
}

func finishInstall(ctx context.Context, deps *Deps, site *model.Site) error {
	if err := deps.Comp.RenderSettings(ctx, site, model.StatusInstalled); err != nil {
		return err
	}
	if site.Install {
		install := drushFor(deps, site.SID, "site-install --account-name=admin -y")
		if _, err := deps.Run.Run(ctx, fanout.RoleWebserverSingle, install); err != nil {
			return err
		}
	}
	site.Dates.StampFor(model.StatusInstalled, time.Now().UTC())
	if err := deps.Docs.Sites.Patch(ctx, site, store.Filter{
		"status":  model.StatusInstalled,
		"install": false,
		"dates":   site.Dates,
	}); err != nil {
		return err
	}
	return phpCacheClear(ctx, deps)
}

func finishLaunch(ctx context.Context, deps *Deps, site *model.Site) error {
	if err := deps.Comp.RenderSettings(ctx, site, model.StatusLaunched); err != nil {
		return err
	}
	if err := deps.Comp.LinkWebRoot(site); err != nil {
		return err
	}
	if err := phpCacheClear(ctx, deps); err != nil {
		return err
	}
	if _, err := deps.Run.Run(ctx, fanout.RoleWebserverSingle, drushFor(deps, site.SID, "cc all")); err != nil {
		return err
	}
	site.Dates.StampFor(model.StatusLaunched, time.Now().UTC())
	if err := deps.Docs.Sites.Patch(ctx, site, store.Filter{
		"status":       model.StatusLaunched,
		"update_group": launchGroup(site),
		"dates":        site.Dates,
	}); err != nil {
		return err
	}
	deps.Notify.Chat(ctx, notify.ChatMessage{
		Text: "site launched",
		Attachments: []notify.ChatAttachment{{
			Fallback: "site launched: " + site.Path,
			Color:    notify.ColorGood,
			Fields: []notify.ChatField{
				{Title: "sid", Value: site.SID, Short: true},
				{Title: "path", Value: site.Path, Short: true},
			},
		}},
	})
	return nil
}

func finishTakeDown(ctx context.Context, deps *Deps, site *model.Site) error {
	if err := deps.Comp.RenderSettings(ctx, site, model.StatusDown); err != nil {
		return err
	}
	deps.Comp.UnlinkWebRoot(site)
	if err := deps.Comp.Replicate(ctx); err != nil {
		return err
	}
	site.Dates.StampFor(model.StatusDown, time.Now().UTC())
	if err := deps.Docs.Sites.Patch(ctx, site, store.Filter{
		"status": model.StatusDown,
		"dates":  site.Dates,
	}); err != nil {
		return err
	}
	if stats, err := deps.Docs.Statistics.ForSite(ctx, site.ID); err == nil {
		if err := deps.Docs.Statistics.S.Delete(ctx, store.ResStatistics, stats.ID, ""); err != nil {
			return err
		}
	}
	return nil
}

func finishRestore(ctx context.Context, deps *Deps, site *model.Site) error {
	if err := deps.Comp.RenderSettings(ctx, site, model.StatusInstalled); err != nil {
		return err
	}
	if err := deps.Comp.LinkWebRoot(site); err != nil {
		return err
	}
	var statsID string
	if stats, err := deps.Docs.Statistics.ForSite(ctx, site.ID); err == nil {
		statsID = stats.ID
	} else {
		var deleted []model.Statistics
		if err := deps.Docs.Statistics.S.Find(ctx, store.ResStatistics,
			store.Filter{"site": site.ID, "_deleted": true}, &deleted); err == nil && len(deleted) > 0 {
			statsID = deleted[0].ID
		}
	}
	if statsID != "" {
		if err := deps.Docs.Statistics.S.Undelete(ctx, store.ResStatistics, statsID); err != nil {
			return err
		}
	}
	site.Dates.StampFor(model.StatusRestore, time.Now().UTC())
	if err := deps.Docs.Sites.Patch(ctx, site, store.Filter{
		"status": model.StatusInstalled,
		"dates":  site.Dates,
	}); err != nil {
		return err
	}
	return deps.Engine.Enqueue(ctx, TaskDrushRun, DrushArgs{SiteID: site.ID, Command: "updb -y"})
}

// deployChain runs the hint-driven follow-ups after a code change, in
// the fixed order.
func deployChain(ctx context.Context, deps *Deps, site *model.Site, hints model.DeployHints) error {
	if err := phpCacheClear(ctx, deps); err != nil {
		return err
	}
	if hints.RegistryRebuild {
		if _, err := deps.Run.Run(ctx, fanout.RoleWebserverSingle, drushFor(deps, site.SID, "rr")); err != nil {
			return err
		}
	}
	if hints.UpdateDatabase {
		if _, err := deps.Run.Run(ctx, fanout.RoleWebserverSingle, drushFor(deps, site.SID, "updb -y")); err != nil {
			return err
		}
	}
	if hints.CacheClear {
		if _, err := deps.Run.Run(ctx, fanout.RoleWebserverSingle, drushFor(deps, site.SID, "cc all")); err != nil {
			return err
		}
	}
	return nil
}

// siteRemove tears down disk, database and documents.
func siteRemove(ctx context.Context, deps *Deps, raw json.RawMessage) error {
	var args SiteArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return err
	}
	site, err := deps.Docs.Sites.Get(ctx, args.SiteID)
	if err != nil {
		return err
	}
	if err := deps.Comp.Delete(ctx, site, false); err != nil {
		return err
	}
	// database drop is best effort inside the admin
	if err := deps.DB.Drop(ctx, site.SID); err != nil {
		log.Warn().Err(err).Str("sid", site.SID).Msg("database drop failed")
	}
	if stats, err := deps.Docs.Statistics.ForSite(ctx, site.ID); err == nil {
		if err := deps.Docs.Statistics.S.Delete(ctx, store.ResStatistics, stats.ID, ""); err != nil {
			return err
		}
	}
	return deps.Docs.Sites.S.Delete(ctx, store.ResSites, site.ID, "")
}

// HealArgs name the sites a heal batch covers.
type HealArgs struct {
	SiteIDs []string `json:"site_ids"`
}

// siteHeal fans a heal out as a batch with a chat finalizer.
func siteHeal(ctx context.Context, deps *Deps, raw json.RawMessage) error {
	var args HealArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return err
	}
	children := make([]ChildTask, 0, len(args.SiteIDs))
	for _, id := range args.SiteIDs {
		children = append(children, ChildTask{Name: TaskSiteHealSingle, Args: SiteArgs{SiteID: id}})
	}
	_, err := deps.Engine.EnqueueBatch(ctx, children, TaskHealFinalize, map[string]int{"count": len(children)})
	return err
}

func siteHealSingle(ctx context.Context, deps *Deps, raw json.RawMessage) error {
	var args SiteArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return err
	}
	site, err := deps.Docs.Sites.Get(ctx, args.SiteID)
	if err != nil {
		return err
	}
	return deps.Comp.Heal(ctx, site)
}

func healFinalize(ctx context.Context, deps *Deps, raw json.RawMessage) error {
	var args map[string]int
	_ = json.Unmarshal(raw, &args)
	deps.Notify.Chat(ctx, notify.ChatMessage{
		Text: fmt.Sprintf("heal finished for %d instances", args["count"]),
	})
	return nil
}

// CodeArgs address one code document.
type CodeArgs struct {
	CodeID string `json:"code_id"`
}

func codeClone(ctx context.Context, deps *Deps, raw json.RawMessage) error {
	var args CodeArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return err
	}
	item, err := deps.Docs.Code.Get(ctx, args.CodeID)
	if err != nil {
		return err
	}
	return deps.Codes.Create(ctx, item)
}

// CodeUpdateArgs carry the pre-change snapshot so the manager can tell
// an identity change (re-clone) from an in-place update.
type CodeUpdateArgs struct {
	CodeID string         `json:"code_id"`
	Old    model.CodeItem `json:"old"`
}

func codeUpdate(ctx context.Context, deps *Deps, raw json.RawMessage) error {
	var args CodeUpdateArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return err
	}
	item, err := deps.Docs.Code.Get(ctx, args.CodeID)
	if err != nil {
		return err
	}
	return deps.Codes.Update(ctx, &args.Old, item)
}

// CodeDeleteArgs carry the full item because the document is already
// soft-deleted when the task runs.
type CodeDeleteArgs struct {
	Item model.CodeItem `json:"item"`
}

func codeDelete(ctx context.Context, deps *Deps, raw json.RawMessage) error {
	var args CodeDeleteArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return err
	}
	return deps.Codes.Delete(ctx, &args.Item)
}

// CommandArgs run one shell command on a role.
type CommandArgs struct {
	Role    fanout.Role `json:"role"`
	Command string      `json:"command"`
}

func commandRun(ctx context.Context, deps *Deps, raw json.RawMessage) error {
	var args CommandArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return err
	}
	if _, err := deps.Run.Run(ctx, args.Role, args.Command); err != nil {
		chatError(ctx, deps, args.Command, err.Error())
		return err
	}
	return nil
}

// DrushArgs run a drush command against one instance on the single web
// server.
type DrushArgs struct {
	SiteID  string `json:"site_id"`
	Command string `json:"command"`
}

func drushRun(ctx context.Context, deps *Deps, raw json.RawMessage) error {
	var args DrushArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return err
	}
	site, err := deps.Docs.Sites.Get(ctx, args.SiteID)
	if err != nil {
		return err
	}
	if _, err := deps.Run.Run(ctx, fanout.RoleWebserverSingle, drushFor(deps, site.SID, args.Command)); err != nil {
		chatError(ctx, deps, site.Path, err.Error())
		return err
	}
	return nil
}

// BackupArgs create one backup.
type BackupArgs struct {
	SiteID string           `json:"site_id"`
	Type   model.BackupType `json:"backup_type"`
}

func backupCreate(ctx context.Context, deps *Deps, raw json.RawMessage) error {
	var args BackupArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return err
	}
	site, err := deps.Docs.Sites.Get(ctx, args.SiteID)
	if err != nil {
		return err
	}
	_, err = deps.Backups.Create(ctx, site, args.Type)
	return err
}

// BackupRefArgs address an existing backup.
type BackupRefArgs struct {
	BackupID string `json:"backup_id"`
}

func backupDelete(ctx context.Context, deps *Deps, raw json.RawMessage) error {
	var args BackupRefArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return err
	}
	b, err := deps.Docs.Backups.Get(ctx, args.BackupID)
	if err != nil {
		return err
	}
	return deps.Backups.Delete(ctx, b)
}

// RestoreArgs restore a backup onto its site.
type RestoreArgs struct {
	SiteID   string `json:"site_id"`
	BackupID string `json:"backup_id"`
}

func backupRestore(ctx context.Context, deps *Deps, raw json.RawMessage) error {
	var args RestoreArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return err
	}
	site, err := deps.Docs.Sites.Get(ctx, args.SiteID)
	if err != nil {
		return err
	}
	b, err := deps.Docs.Backups.Get(ctx, args.BackupID)
	if err != nil {
		return err
	}
	return deps.Backups.Restore(ctx, site, b)
}

// ImportArgs pull a backup from another deployment.
type ImportArgs struct {
	SiteID    string `json:"site_id"`
	RemoteURL string `json:"remote_url"`
	Token     string `json:"token"`
	BackupID  string `json:"backup_id"`
}

func backupImport(ctx context.Context, deps *Deps, raw json.RawMessage) error {
	var args ImportArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return err
	}
	site, err := deps.Docs.Sites.Get(ctx, args.SiteID)
	if err != nil {
		return err
	}
	return deps.Backups.Import(ctx, site, strings.TrimRight(args.RemoteURL, "/"), args.Token, args.BackupID)
}

// BackupAllArgs select the sites a bulk backup covers. With LargeOnly
// set, only the configured large-instance list is taken.
type BackupAllArgs struct {
	Type      model.BackupType `json:"backup_type"`
	LargeOnly bool             `json:"large_only,omitempty"`
}

func backupAll(ctx context.Context, deps *Deps, raw json.RawMessage) error {
	var args BackupAllArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return err
	}
	sites, err := deps.Docs.Sites.ByStatus(ctx, model.StatusInstalled, model.StatusLaunched, model.StatusLocked)
	if err != nil {
		return err
	}
	large := map[string]bool{}
	for _, sid := range deps.Cfg.LargeInstances {
		large[sid] = true
	}
	var children []ChildTask
	for i := range sites {
		if args.LargeOnly != large[sites[i].SID] {
			continue
		}
		children = append(children, ChildTask{
			Name: TaskBackupCreateBulk,
			Args: BackupArgs{SiteID: sites[i].ID, Type: args.Type},
		})
	}
	_, err = deps.Engine.EnqueueBatch(ctx, children, TaskBackupFinalize, map[string]int{"count": len(children)})
	return err
}

func backupFinalize(ctx context.Context, deps *Deps, raw json.RawMessage) error {
	var args map[string]int
	_ = json.Unmarshal(raw, &args)
	deps.Notify.Chat(ctx, notify.ChatMessage{
		Text: fmt.Sprintf("bulk backup finished: %d instances", args["count"]),
	})
	return nil
}

// drushFor builds the per-instance drush invocation rooted at the
// instance's current link.
func drushFor(deps *Deps, sid, command string) string {
	return fmt.Sprintf("sudo -u %s drush -r %s %s", deps.Cfg.WebUser, deps.Comp.CurrentLink(sid), command)
}

// phpCacheClear reloads the PHP runtime on every web server so new code
// is picked up.
func phpCacheClear(ctx context.Context, deps *Deps) error {
	_, err := deps.Run.Run(ctx, fanout.RoleWebservers, "sudo service php-fpm reload")
	return err
}

// launchGroup assigns the update group at launch: the front page gets
// its own bucket, everything else is spread across 0-5.
func launchGroup(site *model.Site) int {
	if site.Path == homepagePath {
		return homepageGroup
	}
	return rand.Intn(6)
}
