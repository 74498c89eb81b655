package task

import (
	"context"

	"github.com/campusweb/atlas/internal/backup"
	"github.com/campusweb/atlas/internal/code"
	"github.com/campusweb/atlas/internal/compose"
	"github.com/campusweb/atlas/internal/config"
	"github.com/campusweb/atlas/internal/dbadmin"
	"github.com/campusweb/atlas/internal/fanout"
	"github.com/campusweb/atlas/internal/notify"
	"github.com/campusweb/atlas/internal/store"
)

// Notify is the sink surface handlers use; *notify.Notifier satisfies
// it, tests substitute a recorder.
type Notify interface {
	Chat(ctx context.Context, msg notify.ChatMessage)
	Mail(to []string, subject, body string)
}

// Databases is the slice of dbadmin handlers depend on.
type Databases interface {
	Provision(ctx context.Context, sid string) (string, error)
	Drop(ctx context.Context, sid string) error
}

var _ Databases = (*dbadmin.Admin)(nil)

// Deps carries every collaborator a handler may need. One value is built
// at startup and shared; nothing in it is mutated after construction.
type Deps struct {
	Cfg     *config.Config
	Docs    *store.Client
	Codes   *code.Manager
	Comp    *compose.Composer
	DB      Databases
	Backups *backup.Manager
	Run     fanout.Runner
	Notify  Notify
	// Engine lets handlers chain continuation tasks.
	Engine *Engine
}
