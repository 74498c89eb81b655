// Package dbadmin provisions and drops the per-instance MySQL database
// and user. Each instance gets a database and a user both named after its
// sid; the user's password is a random seed kept Fernet-encrypted on the
// site document and handed to the instance through its settings file.
package dbadmin

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"

	"github.com/campusweb/atlas/internal/config"
	"github.com/campusweb/atlas/internal/model"
	"github.com/campusweb/atlas/internal/secret"
)

const seedLetters = 14

// execer is the slice of *sql.DB the admin needs; tests substitute a
// recorder.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Admin runs DDL against the deployment's MySQL server with an
// administrative account.
type Admin struct {
	db      execer
	ipRange string
	codec   *secret.Codec
}

// New opens the administrative connection.
func New(cfg *config.Config, codec *secret.Codec) (*Admin, error) {
	db, err := sql.Open("mysql", cfg.MySQL.DSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql admin connection: %w", err)
	}
	return NewWithDB(db, cfg.MySQL.AppIPRange, codec), nil
}

// NewWithDB wires an admin over an existing connection; tests use it with
// a fake.
func NewWithDB(db execer, ipRange string, codec *secret.Codec) *Admin {
	return &Admin{db: db, ipRange: ipRange, codec: codec}
}

// Provision creates the instance's database and user and returns the
// encrypted password seed for the site document. Identifiers cannot be
// bound as parameters, so the sid is validated against its fixed shape
// before interpolation.
func (a *Admin) Provision(ctx context.Context, sid string) (string, error) {
	if !model.SIDPattern.MatchString(sid) {
		return "", fmt.Errorf("dbadmin: invalid sid %q", sid)
	}
	seed, err := model.RandomLetters(seedLetters)
	if err != nil {
		return "", err
	}
	hash := secret.MySQLPassword(seed)

	stmts := []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` CHARACTER SET utf8mb4", sid),
		fmt.Sprintf("CREATE USER IF NOT EXISTS '%s'@'%s' IDENTIFIED BY PASSWORD '%s'", sid, a.ipRange, hash),
		fmt.Sprintf("GRANT ALL PRIVILEGES ON `%s`.* TO '%s'@'%s'", sid, sid, a.ipRange),
		"FLUSH PRIVILEGES",
	}
	for _, stmt := range stmts {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return "", fmt.Errorf("provision database for %s: %w", sid, err)
		}
	}
	log.Info().Str("sid", sid).Msg("database provisioned")
	return a.codec.Encrypt(seed)
}

// Drop removes the instance's database and user. Removal is best effort:
// a missing database or user is not an error, and a failed statement is
// logged without aborting the rest, so deletes stay idempotent.
func (a *Admin) Drop(ctx context.Context, sid string) error {
	if !model.SIDPattern.MatchString(sid) {
		return fmt.Errorf("dbadmin: invalid sid %q", sid)
	}
	stmts := []string{
		fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", sid),
		fmt.Sprintf("DROP USER IF EXISTS '%s'@'%s'", sid, a.ipRange),
		"FLUSH PRIVILEGES",
	}
	for _, stmt := range stmts {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			log.Warn().Err(err).Str("sid", sid).Str("stmt", stmt).Msg("drop statement failed")
		}
	}
	return nil
}
