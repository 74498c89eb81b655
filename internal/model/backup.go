package model

import "time"

// BackupState tracks a backup through its pipeline.
type BackupState string

const (
	BackupPending  BackupState = "pending"
	BackupComplete BackupState = "complete"
)

// BackupType records why a backup was taken.
type BackupType string

const (
	BackupRoutine  BackupType = "routine"
	BackupUpdate   BackupType = "update"
	BackupOnDemand BackupType = "on_demand"
)

// Backup is one database dump plus files archive pair.
type Backup struct {
	Meta
	Site        string      `json:"site"`
	SiteVersion string      `json:"site_version,omitempty"`
	State       BackupState `json:"state"`
	BackupType  BackupType  `json:"backup_type"`
	BackupDate  time.Time   `json:"backup_date"`
	// DatabaseFile and FilesFile are paths under BACKUP_PATH.
	DatabaseFile string `json:"database,omitempty"`
	FilesFile    string `json:"files,omitempty"`
}

// BackupTimestampLayout names backup artifacts down to the second.
const BackupTimestampLayout = "2006-01-02-15-04-05"

// BackupName is the shared base name of a backup's artifact pair.
func BackupName(sid string, at time.Time) string {
	return sid + "_" + at.Format(BackupTimestampLayout)
}
