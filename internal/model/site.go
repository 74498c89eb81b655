package model

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"time"
)

// SiteStatus is an instance's position in its lifecycle.
type SiteStatus string

const (
	StatusPending    SiteStatus = "pending"
	StatusAvailable  SiteStatus = "available"
	StatusInstalling SiteStatus = "installing"
	StatusInstalled  SiteStatus = "installed"
	StatusLaunching  SiteStatus = "launching"
	StatusLaunched   SiteStatus = "launched"
	StatusLocked     SiteStatus = "locked"
	StatusTakeDown   SiteStatus = "take_down"
	StatusDown       SiteStatus = "down"
	StatusRestore    SiteStatus = "restore"
)

// SiteCode pins the artifacts an instance is built from, by document id.
type SiteCode struct {
	Core    string   `json:"core"`
	Profile string   `json:"profile"`
	Package []string `json:"package,omitempty"`
}

// SiteSettings are the per-instance knobs rendered into the settings
// file.
type SiteSettings struct {
	PageCacheMaximumAge int    `json:"page_cache_maximum_age"`
	SiteimproveSite     string `json:"siteimprove_site,omitempty"`
	SiteimproveGroup    string `json:"siteimprove_group,omitempty"`
	GTMID               string `json:"google_tag_manager_id,omitempty"`
	CSEID               string `json:"google_cse_id,omitempty"`
}

// SiteDates are the lifecycle timestamps, stamped once per transition.
type SiteDates struct {
	Assigned  *time.Time `json:"assigned,omitempty"`
	Installed *time.Time `json:"installed,omitempty"`
	Launched  *time.Time `json:"launched,omitempty"`
	Locked    *time.Time `json:"locked,omitempty"`
	TakenDown *time.Time `json:"taken_down,omitempty"`
	Restored  *time.Time `json:"restored,omitempty"`
}

// StampFor records the timestamp a transition into status carries and
// returns the JSON field it set. Statuses without a date field return
// false.
func (d *SiteDates) StampFor(status SiteStatus, at time.Time) (string, bool) {
	switch status {
	case StatusAvailable:
		d.Assigned = &at
		return "assigned", true
	case StatusInstalled:
		d.Installed = &at
		return "installed", true
	case StatusLaunched:
		d.Launched = &at
		return "launched", true
	case StatusLocked:
		d.Locked = &at
		return "locked", true
	case StatusDown:
		d.TakenDown = &at
		return "taken_down", true
	case StatusRestore:
		d.Restored = &at
		return "restored", true
	}
	return "", false
}

// Site is one CMS instance.
type Site struct {
	Meta
	SID         string       `json:"sid"`
	Path        string       `json:"path,omitempty"`
	Status      SiteStatus   `json:"status"`
	// UpdateGroup is nil until a group is assigned; zero is a real group.
	UpdateGroup *int         `json:"update_group,omitempty"`
	Code        SiteCode     `json:"code"`
	Settings    SiteSettings `json:"settings"`
	Dates       SiteDates    `json:"dates"`
	// DBKey is the Fernet-encrypted seed of the instance's database
	// password.
	DBKey      string `json:"db_key,omitempty"`
	Install    bool   `json:"install"`
	CreatedBy  string `json:"created_by,omitempty"`
	ModifiedBy string `json:"modified_by,omitempty"`
}

// Group returns the assigned update group, or 0 when none is assigned.
func (s *Site) Group() int {
	if s.UpdateGroup == nil {
		return 0
	}
	return *s.UpdateGroup
}

// References reports whether the site is built from the code document,
// as core, profile or package.
func (s *Site) References(codeID string) bool {
	if s.Code.Core == codeID || s.Code.Profile == codeID {
		return true
	}
	for _, id := range s.Code.Package {
		if id == codeID {
			return true
		}
	}
	return false
}

// SIDPattern is the fixed shape of an instance id.
var SIDPattern = regexp.MustCompile(`^p1[0-9a-f]{10}$`)

const (
	sidPrefix  = "p1"
	sidSeedLen = 14
	sidHexLen  = 10
)

// NewSID derives a fresh instance id: "p1" plus the first ten hex digits
// of the SHA-1 of fourteen random lowercase letters.
func NewSID() string {
	seed, err := RandomLetters(sidSeedLen)
	if err != nil {
		panic(err)
	}
	sum := sha1.Sum([]byte(seed))
	return sidPrefix + hex.EncodeToString(sum[:])[:sidHexLen]
}

// RandomLetters returns n cryptographically random lowercase letters.
func RandomLetters(n int) (string, error) {
	const alphabet = "abcdefghijklmnopqrstuvwxyz"
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i := range buf {
		buf[i] = alphabet[int(buf[i])%len(alphabet)]
	}
	return string(buf), nil
}
