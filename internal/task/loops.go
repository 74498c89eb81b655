package task

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/campusweb/atlas/internal/config"
	"github.com/campusweb/atlas/internal/model"
	"github.com/campusweb/atlas/internal/notify"
	"github.com/campusweb/atlas/internal/store"
)

// Loop task names. Loops are ordinary tasks on the cron queue; the
// scheduler enqueues them on their cadence.
const (
	LoopPoolReplenish       = "pool_replenish"
	LoopReapStuckPending    = "reap_stuck_pending"
	LoopReapOrphanStats     = "statistics_reap_orphans"
	LoopCronFanout          = "cron_fanout"
	LoopStaleInstalled      = "stale_installed_takedown"
	LoopStatisticsFreshness = "statistics_freshness"
	LoopReapOldBackups      = "backups_reap_old"
	LoopReapExtraBackups    = "backups_reap_extra"
	LoopReapFailedBackups   = "backups_reap_failed"
	LoopRemoveUnusedCode    = "code_remove_unused"
	LoopRebalance           = "rebalance"
	LoopInactivity          = "inactivity_check"
)

// Reaping thresholds.
const (
	stuckPendingAge   = 20 * time.Minute
	staleInstalledAge = 35 * 24 * time.Hour
	staleStatsAge     = 36 * time.Hour
	oldBackupAge      = 90 * 24 * time.Hour
	failedBackupAge   = 90 * time.Minute
	unusedCodeAge     = 90 * 24 * time.Hour
	keptBackups       = 5
)

func registerLoops(e *Engine) {
	loops := []struct {
		name string
		fn   Handler
	}{
		{LoopPoolReplenish, poolReplenish},
		{LoopReapStuckPending, reapStuckPending},
		{LoopReapOrphanStats, reapOrphanStatistics},
		{LoopCronFanout, cronFanout},
		{LoopStaleInstalled, staleInstalledTakedown},
		{LoopStatisticsFreshness, statisticsFreshness},
		{LoopReapOldBackups, reapOldBackups},
		{LoopReapExtraBackups, reapExtraBackups},
		{LoopReapFailedBackups, reapFailedBackups},
		{LoopRemoveUnusedCode, removeUnusedCode},
		{LoopRebalance, rebalance},
		{LoopInactivity, inactivityCheck},
	}
	for _, l := range loops {
		name, fn := l.name, l.fn
		e.Register(Definition{
			Name:  name,
			Queue: QueueCron,
			Fn: func(ctx context.Context, deps *Deps, raw json.RawMessage) error {
				err := fn(ctx, deps, raw)
				observeLoop(name, err)
				return err
			},
		})
	}
}

// NewPendingSite builds and stores a pending site on the current default
// core and profile, with its statistics record, and enqueues
// provisioning. The pool loop and the sites POST handler share it.
func NewPendingSite(ctx context.Context, deps *Deps, site *model.Site) error {
	if site.Code.Core == "" {
		core, err := defaultCurrent(ctx, deps, model.CodeTypeCore)
		if err != nil {
			return err
		}
		site.Code.Core = core
	}
	if site.Code.Profile == "" {
		profile, err := defaultCurrent(ctx, deps, model.CodeTypeProfile)
		if err != nil {
			return err
		}
		site.Code.Profile = profile
	}
	site.SID = model.NewSID()
	site.Status = model.StatusPending
	if site.UpdateGroup == nil {
		group := rand.Intn(3)
		site.UpdateGroup = &group
	}
	meta, err := deps.Docs.Sites.S.Insert(ctx, store.ResSites, site)
	if err != nil {
		return err
	}
	site.Meta = meta
	if _, err := deps.Docs.Statistics.S.Insert(ctx, store.ResStatistics, model.Statistics{Site: site.ID}); err != nil {
		return err
	}
	return deps.Engine.Enqueue(ctx, TaskSiteProvision, SiteArgs{SiteID: site.ID})
}

// defaultCurrent picks the single current artifact of a type; ambiguity
// is an error so the pool never guesses between cores.
func defaultCurrent(ctx context.Context, deps *Deps, typ model.CodeType) (string, error) {
	items, err := deps.Docs.Code.CurrentByType(ctx, typ)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "", fmt.Errorf("no current %s available", typ)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items[0].ID, nil
}

// poolReplenish keeps the pool of claimable instances at the configured
// size.
func poolReplenish(ctx context.Context, deps *Deps, _ json.RawMessage) error {
	pool, err := deps.Docs.Sites.ByStatus(ctx, model.StatusPending, model.StatusAvailable)
	if err != nil {
		return err
	}
	for i := len(pool); i < deps.Cfg.AvailableTarget; i++ {
		site := &model.Site{}
		if err := NewPendingSite(ctx, deps, site); err != nil {
			return err
		}
		log.Info().Str("sid", site.SID).Msg("pool site created")
	}
	return nil
}

// reapStuckPending removes pending sites whose provisioning never
// finished.
func reapStuckPending(ctx context.Context, deps *Deps, _ json.RawMessage) error {
	sites, err := deps.Docs.Sites.ByStatus(ctx, model.StatusPending)
	if err != nil {
		return err
	}
	cutoff := time.Now().UTC().Add(-stuckPendingAge)
	for i := range sites {
		if sites[i].Created.After(cutoff) {
			continue
		}
		if err := deps.Engine.Enqueue(ctx, TaskSiteRemove, SiteArgs{SiteID: sites[i].ID}); err != nil {
			return err
		}
	}
	return nil
}

// reapOrphanStatistics drops statistics whose owning site is gone.
func reapOrphanStatistics(ctx context.Context, deps *Deps, _ json.RawMessage) error {
	stats, err := deps.Docs.Statistics.All(ctx)
	if err != nil {
		return err
	}
	for i := range stats {
		if _, err := deps.Docs.Sites.Get(ctx, stats[i].Site); err == nil {
			continue
		} else if err != store.ErrNotFound {
			return err
		}
		if err := deps.Docs.Statistics.S.Delete(ctx, store.ResStatistics, stats[i].ID, ""); err != nil {
			return err
		}
		log.Info().Str("statistics", stats[i].ID).Msg("orphan statistics reaped")
	}
	return nil
}

// CronArgs select the statuses one cron sweep covers.
type CronArgs struct {
	Statuses []model.SiteStatus `json:"statuses"`
}

// cronFanout runs the CMS cron for every instance in the given statuses.
func cronFanout(ctx context.Context, deps *Deps, raw json.RawMessage) error {
	var args CronArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return err
	}
	sites, err := deps.Docs.Sites.ByStatus(ctx, args.Statuses...)
	if err != nil {
		return err
	}
	for i := range sites {
		if err := deps.Engine.Enqueue(ctx, TaskDrushRun, DrushArgs{SiteID: sites[i].ID, Command: "cron"}); err != nil {
			return err
		}
	}
	return nil
}

// staleInstalledTakedown reclaims installed-but-never-launched instances
// outside production.
func staleInstalledTakedown(ctx context.Context, deps *Deps, _ json.RawMessage) error {
	if deps.Cfg.IsProd() {
		return nil
	}
	sites, err := deps.Docs.Sites.ByStatus(ctx, model.StatusInstalled)
	if err != nil {
		return err
	}
	cutoff := time.Now().UTC().Add(-staleInstalledAge)
	for i := range sites {
		if sites[i].Updated.After(cutoff) {
			continue
		}
		if err := takeDown(ctx, deps, &sites[i]); err != nil {
			return err
		}
	}
	return nil
}

// takeDown flips a site to take_down and queues the composition work.
func takeDown(ctx context.Context, deps *Deps, site *model.Site) error {
	if err := deps.Docs.Sites.Patch(ctx, site, store.Filter{"status": model.StatusTakeDown}); err != nil {
		return err
	}
	return deps.Engine.Enqueue(ctx, TaskSiteUpdate, UpdateArgs{SiteID: site.ID})
}

// statisticsFreshness alerts when instances stop phoning home.
func statisticsFreshness(ctx context.Context, deps *Deps, _ json.RawMessage) error {
	stats, err := deps.Docs.Statistics.All(ctx)
	if err != nil {
		return err
	}
	cutoff := time.Now().UTC().Add(-staleStatsAge)
	var stale []string
	for i := range stats {
		if stats[i].Updated.Before(cutoff) {
			stale = append(stale, stats[i].Site)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	deps.Notify.Chat(ctx, notify.ChatMessage{
		Text: fmt.Sprintf("%d instances have not reported statistics in %s", len(stale), staleStatsAge),
		Attachments: []notify.ChatAttachment{{
			Fallback: "stale statistics",
			Color:    notify.ColorWarning,
			Fields:   []notify.ChatField{{Title: "sites", Value: strings.Join(stale, ", ")}},
		}},
	})
	return nil
}

// reapOldBackups deletes backups older than the retention window, never
// an instance's only (and therefore newest) backup.
func reapOldBackups(ctx context.Context, deps *Deps, _ json.RawMessage) error {
	perSite, err := backupsBySite(ctx, deps)
	if err != nil {
		return err
	}
	cutoff := time.Now().UTC().Add(-oldBackupAge)
	for _, backups := range perSite {
		// newest first; index 0 always survives
		for i := 1; i < len(backups); i++ {
			if backups[i].Created.After(cutoff) {
				continue
			}
			if err := deps.Engine.Enqueue(ctx, TaskBackupDelete, BackupRefArgs{BackupID: backups[i].ID}); err != nil {
				return err
			}
		}
	}
	return nil
}

// reapExtraBackups trims every instance to its newest five.
func reapExtraBackups(ctx context.Context, deps *Deps, _ json.RawMessage) error {
	perSite, err := backupsBySite(ctx, deps)
	if err != nil {
		return err
	}
	for _, backups := range perSite {
		for i := keptBackups; i < len(backups); i++ {
			if err := deps.Engine.Enqueue(ctx, TaskBackupDelete, BackupRefArgs{BackupID: backups[i].ID}); err != nil {
				return err
			}
		}
	}
	return nil
}

// reapFailedBackups collects pending backups that never completed.
func reapFailedBackups(ctx context.Context, deps *Deps, _ json.RawMessage) error {
	all, err := deps.Docs.Backups.All(ctx)
	if err != nil {
		return err
	}
	cutoff := time.Now().UTC().Add(-failedBackupAge)
	for i := range all {
		if all[i].State != model.BackupPending || all[i].Created.After(cutoff) {
			continue
		}
		if err := deps.Engine.Enqueue(ctx, TaskBackupDelete, BackupRefArgs{BackupID: all[i].ID}); err != nil {
			return err
		}
	}
	return nil
}

// backupsBySite groups completed backups per site, newest first.
func backupsBySite(ctx context.Context, deps *Deps) (map[string][]model.Backup, error) {
	all, err := deps.Docs.Backups.All(ctx)
	if err != nil {
		return nil, err
	}
	perSite := map[string][]model.Backup{}
	for i := range all {
		if all[i].State != model.BackupComplete {
			continue
		}
		perSite[all[i].Site] = append(perSite[all[i].Site], all[i])
	}
	for site := range perSite {
		backups := perSite[site]
		sort.Slice(backups, func(i, j int) bool { return backups[i].Created.After(backups[j].Created) })
		perSite[site] = backups
	}
	return perSite, nil
}

// removeUnusedCode deletes artifacts that are not current, old, and
// referenced by no instance.
func removeUnusedCode(ctx context.Context, deps *Deps, _ json.RawMessage) error {
	items, err := deps.Docs.Code.All(ctx)
	if err != nil {
		return err
	}
	cutoff := time.Now().UTC().Add(-unusedCodeAge)
	for i := range items {
		item := items[i]
		if item.IsCurrent || item.Created.After(cutoff) {
			continue
		}
		refs, err := deps.Docs.Sites.Referencing(ctx, item.ID)
		if err != nil {
			return err
		}
		if len(refs) > 0 {
			continue
		}
		if err := deps.Docs.Code.S.Delete(ctx, store.ResCode, item.ID, ""); err != nil {
			return err
		}
		if err := deps.Engine.Enqueue(ctx, TaskCodeDelete, CodeDeleteArgs{Item: item}); err != nil {
			return err
		}
		log.Info().Str("code", item.VersionDir()).Msg("unused code removed")
	}
	return nil
}

// rebalance respreads update groups: installed over 0-2, launched over
// 0-5. Instances already parked in 6 and above are never moved.
func rebalance(ctx context.Context, deps *Deps, _ json.RawMessage) error {
	spread := func(sites []model.Site, buckets int) error {
		sort.Slice(sites, func(i, j int) bool { return sites[i].SID < sites[j].SID })
		next := 0
		for i := range sites {
			if sites[i].Group() >= homepageGroup {
				continue
			}
			changes := store.Filter{"update_group": next % buckets}
			next++
			if err := deps.Docs.Sites.Patch(ctx, &sites[i], changes); err != nil {
				return err
			}
		}
		return nil
	}
	installed, err := deps.Docs.Sites.ByStatus(ctx, model.StatusInstalled)
	if err != nil {
		return err
	}
	if err := spread(installed, 3); err != nil {
		return err
	}
	launched, err := deps.Docs.Sites.ByStatus(ctx, model.StatusLaunched, model.StatusLocked)
	if err != nil {
		return err
	}
	return spread(launched, 6)
}

// inactivityCheck walks the warning ladder: first notice, second notice,
// takedown. Each step requires the prior step's event and a minimum gap
// since the last message.
func inactivityCheck(ctx context.Context, deps *Deps, _ json.RawMessage) error {
	policy := deps.Cfg.Inactivity
	stats, err := deps.Docs.Statistics.All(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for i := range stats {
		st := &stats[i]
		if st.DaysSinceLastLogin == nil {
			continue
		}
		site, err := deps.Docs.Sites.Get(ctx, st.Site)
		if err != nil {
			if err == store.ErrNotFound {
				continue
			}
			return err
		}
		if site.Status != model.StatusLaunched && site.Status != model.StatusInstalled {
			continue
		}
		if err := inactivityStep(ctx, deps, site, st, now, policy); err != nil {
			return err
		}
	}
	return nil
}

func inactivityStep(ctx context.Context, deps *Deps, site *model.Site, st *model.Statistics, now time.Time, policy config.Inactivity) error {
	days := *st.DaysSinceLastLogin
	events, err := deps.Docs.Events.ForSite(ctx, site.ID, model.EventTypeInactiveMail)
	if err != nil {
		return err
	}
	var hasFirst, hasSecond bool
	var lastMail time.Time
	for i := range events {
		switch events[i].Stage {
		case model.StageFirst:
			hasFirst = true
		case model.StageSecond:
			hasSecond = true
		}
		if events[i].Date.After(lastMail) {
			lastMail = events[i].Date
		}
	}
	gapOK := lastMail.IsZero() || now.Sub(lastMail) >= time.Duration(policy.MinGap)*24*time.Hour

	var stage model.InactiveStage
	switch {
	case days >= policy.TakeDown && hasFirst && hasSecond && gapOK:
		stage = model.StageTakeDown
	case days >= policy.Second && hasFirst && !hasSecond && gapOK:
		stage = model.StageSecond
	case days >= policy.First && !hasFirst:
		stage = model.StageFirst
	default:
		return nil
	}

	if err := deps.Docs.Events.Post(ctx, &model.Event{
		EventType: model.EventTypeInactiveMail,
		Stage:     stage,
		Site:      site.ID,
		Date:      now,
	}); err != nil {
		return err
	}
	if to := mailableOwners(deps.Cfg.TestAccounts, st.Users.SiteOwner); len(to) > 0 {
		deps.Notify.Mail(to, policy.Subject, policy.Message)
	}
	log.Info().Str("sid", site.SID).Str("stage", string(stage)).Int("days", days).Msg("inactivity notice")

	if stage == model.StageTakeDown {
		return takeDown(ctx, deps, site)
	}
	return nil
}

// mailableOwners drops empty addresses and configured test accounts.
func mailableOwners(testAccounts []string, owners ...string) []string {
	skip := map[string]bool{}
	for _, a := range testAccounts {
		skip[a] = true
	}
	var out []string
	for _, o := range owners {
		if o != "" && !skip[o] {
			out = append(out, o)
		}
	}
	return out
}
