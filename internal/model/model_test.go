package model

import (
	"testing"
	"time"
)

func TestNewSIDShape(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		sid := NewSID()
		if !SIDPattern.MatchString(sid) {
			t.Fatalf("sid %q does not match the pattern", sid)
		}
		if seen[sid] {
			t.Fatalf("sid %q repeated", sid)
		}
		seen[sid] = true
	}
}

func TestCodeTypeDir(t *testing.T) {
	cases := map[CodeType]string{
		CodeTypeCore:    "cores",
		CodeTypeProfile: "profiles",
		CodeTypeModule:  "modules",
		CodeTypeTheme:   "themes",
		CodeTypeLibrary: "libraries",
		CodeTypeStatic:  "statics",
	}
	for typ, want := range cases {
		if got := typ.Dir(); got != want {
			t.Errorf("%s.Dir() = %s, want %s", typ, got, want)
		}
	}
}

func TestStampForSetsOneField(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var d SiteDates
	field, ok := d.StampFor(StatusLaunched, at)
	if !ok || field != "launched" {
		t.Fatalf("StampFor(launched) = %q, %v", field, ok)
	}
	if d.Launched == nil || !d.Launched.Equal(at) {
		t.Fatal("launched date not stamped")
	}
	if d.Assigned != nil || d.Installed != nil || d.Locked != nil || d.TakenDown != nil || d.Restored != nil {
		t.Fatal("other dates stamped")
	}

	if _, ok := d.StampFor(StatusInstalling, at); ok {
		t.Fatal("installing must not stamp a date")
	}
}

func TestReferences(t *testing.T) {
	s := Site{Code: SiteCode{Core: "c1", Profile: "pr1", Package: []string{"m1", "m2"}}}
	for _, id := range []string{"c1", "pr1", "m1", "m2"} {
		if !s.References(id) {
			t.Errorf("References(%s) = false", id)
		}
	}
	if s.References("m3") {
		t.Error("References(m3) = true")
	}
}

func TestBackupName(t *testing.T) {
	at := time.Date(2024, 3, 1, 21, 5, 9, 0, time.UTC)
	if got := BackupName("p1abcdef0123", at); got != "p1abcdef0123_2024-03-01-21-05-09" {
		t.Fatalf("BackupName = %s", got)
	}
}
