package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) *Manager {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestNewManagerCreatesDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(dir, "config.yml")); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	s := m.Settings()
	if s.Listen != ":1236" || s.Cron != "0 1 * * *" {
		t.Fatalf("defaults = %+v", s)
	}
}

func TestJobResolutionLayering(t *testing.T) {
	m := writeConfig(t, `client_id: global-id
client_secret: global-secret
root_folder_id: "5"
target_dir: /media
flatten_mode: true
job_list:
  - id: movies
  - id: shows
    target_dir: /media/shows
    flatten_mode: false
`)

	movies, err := m.Job("movies")
	if err != nil {
		t.Fatal(err)
	}
	if movies.TargetDir != "/media" || !movies.FlattenMode {
		t.Fatalf("movies picked wrong layer: %+v", movies)
	}

	shows, err := m.Job("shows")
	if err != nil {
		t.Fatal(err)
	}
	if shows.TargetDir != "/media/shows" {
		t.Fatalf("job override lost: %q", shows.TargetDir)
	}
	if shows.FlattenMode {
		t.Fatal("job-level false should beat global true")
	}
	if shows.ClientID != "global-id" || shows.ClientSecret != "global-secret" {
		t.Fatalf("credentials not inherited: %+v", shows)
	}

	// Built-in defaults fill what neither layer sets.
	if len(shows.VideoExtensions) == 0 || shows.Proxy == "" {
		t.Fatalf("defaults not applied: %+v", shows)
	}
}

func TestJobRootFolderIDsSplitOnComma(t *testing.T) {
	m := writeConfig(t, `client_id: id
client_secret: sec
root_folder_id: "100, 200 ,300"
target_dir: /media
job_list:
  - id: j
`)

	job, err := m.Job("j")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"100", "200", "300"}
	if len(job.RootFolderIDs) != len(want) {
		t.Fatalf("roots = %v", job.RootFolderIDs)
	}
	for i := range want {
		if job.RootFolderIDs[i] != want[i] {
			t.Fatalf("roots = %v", job.RootFolderIDs)
		}
	}
}

func TestJobValidation(t *testing.T) {
	m := writeConfig(t, `target_dir: /media
job_list:
  - id: nocreds
`)

	if _, err := m.Job("nocreds"); err == nil {
		t.Fatal("missing credentials accepted")
	}
	if _, err := m.Job("ghost"); err == nil {
		t.Fatal("unknown job accepted")
	}
}

func TestCacheExpireResolvesToDuration(t *testing.T) {
	m := writeConfig(t, `client_id: id
client_secret: sec
root_folder_id: "1"
target_dir: /media
cache_expire_time: 600
job_list:
  - id: j
`)

	job, err := m.Job("j")
	if err != nil {
		t.Fatal(err)
	}
	if job.CacheExpire != 10*time.Minute {
		t.Fatalf("cache expire = %v", job.CacheExpire)
	}
}

func TestSaveBacksUpPreviousConfig(t *testing.T) {
	m := writeConfig(t, "listen: \":9999\"\n")

	s := m.Settings()
	s.Cron = "30 4 * * *"
	if err := m.Save(s); err != nil {
		t.Fatal(err)
	}

	if m.Settings().Cron != "30 4 * * *" {
		t.Fatalf("cron = %q", m.Settings().Cron)
	}
	backup, err := os.ReadFile(filepath.Join(m.Dir(), "config.bak.yml"))
	if err != nil {
		t.Fatalf("backup missing: %v", err)
	}
	if string(backup) != "listen: \":9999\"\n" {
		t.Fatalf("backup = %q", backup)
	}
}

func TestCheckReloadDetectsMtimeChange(t *testing.T) {
	m := writeConfig(t, "cron: \"0 1 * * *\"\n")

	reloaded, err := m.CheckReload()
	if err != nil || reloaded {
		t.Fatalf("unchanged file: (%v, %v)", reloaded, err)
	}

	// Push the mtime forward explicitly; editors and mounts do not
	// guarantee sub-second resolution.
	if err := os.WriteFile(m.Path(), []byte("cron: \"30 4 * * *\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(m.Path(), future, future); err != nil {
		t.Fatal(err)
	}

	reloaded, err = m.CheckReload()
	if err != nil || !reloaded {
		t.Fatalf("changed file: (%v, %v)", reloaded, err)
	}
	if m.Settings().Cron != "30 4 * * *" {
		t.Fatalf("cron = %q", m.Settings().Cron)
	}
}
