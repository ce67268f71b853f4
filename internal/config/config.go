// Package config loads the layered YAML configuration.
//
// Resolution order for every job-scoped key is: job override, then global
// value, then built-in default. A Job view is resolved once at job start
// and stays immutable for the whole run.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Options is the set of keys that can be given globally and overridden
// per job. Pointer fields distinguish "unset" from zero values.
type Options struct {
	ClientID            *string  `yaml:"client_id,omitempty"`
	ClientSecret        *string  `yaml:"client_secret,omitempty"`
	RootFolderID        *string  `yaml:"root_folder_id,omitempty"`
	TargetDir           *string  `yaml:"target_dir,omitempty"`
	PathPrefix          *string  `yaml:"path_prefix,omitempty"`
	Proxy               *string  `yaml:"proxy,omitempty"`
	Use302URL           *bool    `yaml:"use_302_url,omitempty"`
	FlattenMode         *bool    `yaml:"flatten_mode,omitempty"`
	Overwrite           *bool    `yaml:"overwrite,omitempty"`
	Image               *bool    `yaml:"image,omitempty"`
	Subtitle            *bool    `yaml:"subtitle,omitempty"`
	NFO                 *bool    `yaml:"nfo,omitempty"`
	VideoExtensions     []string `yaml:"video_extensions,omitempty"`
	ImageExtensions     []string `yaml:"image_extensions,omitempty"`
	SubtitleExtensions  []string `yaml:"subtitle_extensions,omitempty"`
	DownloadImageSuffix []string `yaml:"download_image_suffix,omitempty"`
	MinFileSize         *int64   `yaml:"min_file_size,omitempty"`
	CacheExpireTime     *int     `yaml:"cache_expire_time,omitempty"`
}

// JobEntry is one entry of job_list.
type JobEntry struct {
	ID      string `yaml:"id"`
	Options `yaml:",inline"`
}

// Settings is the full configuration file.
type Settings struct {
	Options `yaml:",inline"`

	Listen         string     `yaml:"listen"`
	Cron           string     `yaml:"cron"`
	RunningOnStart bool       `yaml:"running_on_start"`
	WatchDelete    bool       `yaml:"watch_delete"`
	CleanLocal     bool       `yaml:"clean_local"`
	LogLevel       string     `yaml:"log_level"`
	LogFormat      string     `yaml:"log_format"`
	JobList        []JobEntry `yaml:"job_list"`
}

// Job is the fully resolved, immutable view of one job's configuration.
type Job struct {
	ID                  string
	ClientID            string
	ClientSecret        string
	RootFolderIDs       []string
	TargetDir           string
	PathPrefix          string
	Proxy               string
	Use302URL           bool
	FlattenMode         bool
	Overwrite           bool
	DownloadImage       bool
	DownloadSubtitle    bool
	DownloadNFO         bool
	VideoExtensions     []string
	ImageExtensions     []string
	SubtitleExtensions  []string
	DownloadImageSuffix []string
	MinFileSize         int64
	CacheExpire         time.Duration
}

func defaults() Settings {
	return Settings{
		Options: Options{
			ClientID:           ptr(""),
			ClientSecret:       ptr(""),
			RootFolderID:       ptr("0"),
			TargetDir:          ptr("/media/"),
			PathPrefix:         ptr(""),
			Proxy:              ptr("http://127.0.0.1:1236"),
			Use302URL:          ptr(true),
			FlattenMode:        ptr(false),
			Overwrite:          ptr(false),
			Image:              ptr(false),
			Subtitle:           ptr(false),
			NFO:                ptr(true),
			VideoExtensions:    []string{".mp4", ".mkv", ".ts", ".iso"},
			ImageExtensions:    []string{".jpg", ".jpeg", ".png", ".webp"},
			SubtitleExtensions: []string{".srt", ".ass", ".sub"},
			MinFileSize:        ptr[int64](10 * 1024 * 1024),
			CacheExpireTime:    ptr(300),
		},
		Listen:    ":1236",
		Cron:      "0 1 * * *",
		LogLevel:  "info",
		LogFormat: "console",
	}
}

func ptr[T any](v T) *T { return &v }

// Manager loads and serves the configuration file.
type Manager struct {
	mu       sync.RWMutex
	dir      string
	path     string
	settings Settings
	lastMod  time.Time
}

// NewManager loads config.yml from dir, creating it with defaults when it
// does not exist yet.
func NewManager(dir string) (*Manager, error) {
	m := &Manager{
		dir:  dir,
		path: filepath.Join(dir, "config.yml"),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// Dir returns the configuration directory.
func (m *Manager) Dir() string { return m.dir }

// Path returns the configuration file path.
func (m *Manager) Path() string { return m.path }

func (m *Manager) load() error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(m.path); os.IsNotExist(err) {
		m.settings = defaults()
		data, err := yaml.Marshal(&m.settings)
		if err != nil {
			return err
		}
		if err := os.WriteFile(m.path, data, 0o644); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
		if fi, err := os.Stat(m.path); err == nil {
			m.lastMod = fi.ModTime()
		}
		return nil
	}

	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	settings := Settings{}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if settings.Listen == "" {
		settings.Listen = ":1236"
	}
	if settings.Cron == "" {
		settings.Cron = "0 1 * * *"
	}
	if settings.LogLevel == "" {
		settings.LogLevel = "info"
	}
	if settings.LogFormat == "" {
		settings.LogFormat = "console"
	}

	m.settings = settings
	if fi, err := os.Stat(m.path); err == nil {
		m.lastMod = fi.ModTime()
	}
	return nil
}

// Reload re-reads the configuration file unconditionally.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load()
}

// CheckReload reloads the file if its mtime advanced since the last load.
// It reports whether a reload happened.
func (m *Manager) CheckReload() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fi, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	if !fi.ModTime().After(m.lastMod) {
		return false, nil
	}
	if err := m.load(); err != nil {
		return false, err
	}
	return true, nil
}

// Settings returns a copy of the current settings.
func (m *Manager) Settings() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}

// Save replaces the configuration file with the given settings, backing up
// the previous file to config.bak.yml, and reloads.
func (m *Manager) Save(s Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, err := os.ReadFile(m.path); err == nil {
		backup := filepath.Join(m.dir, "config.bak.yml")
		if err := os.WriteFile(backup, prev, 0o644); err != nil {
			return fmt.Errorf("backup config: %w", err)
		}
	}

	data, err := yaml.Marshal(&s)
	if err != nil {
		return err
	}
	if err := os.WriteFile(m.path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return m.load()
}

// JobIDs returns the configured job ids in file order.
func (m *Manager) JobIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.settings.JobList))
	for _, j := range m.settings.JobList {
		if j.ID != "" {
			ids = append(ids, j.ID)
		}
	}
	return ids
}

// Job resolves the configuration for one job id.
func (m *Manager) Job(id string) (Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var entry *JobEntry
	for i := range m.settings.JobList {
		if m.settings.JobList[i].ID == id {
			entry = &m.settings.JobList[i]
			break
		}
	}
	if entry == nil {
		return Job{}, fmt.Errorf("job %q is not configured", id)
	}

	def := defaults().Options
	glob := m.settings.Options

	job := Job{
		ID:                  id,
		ClientID:            resolveStr(entry.ClientID, glob.ClientID, def.ClientID),
		ClientSecret:        resolveStr(entry.ClientSecret, glob.ClientSecret, def.ClientSecret),
		TargetDir:           resolveStr(entry.TargetDir, glob.TargetDir, def.TargetDir),
		PathPrefix:          resolveStr(entry.PathPrefix, glob.PathPrefix, def.PathPrefix),
		Proxy:               resolveStr(entry.Proxy, glob.Proxy, def.Proxy),
		Use302URL:           resolveBool(entry.Use302URL, glob.Use302URL, def.Use302URL),
		FlattenMode:         resolveBool(entry.FlattenMode, glob.FlattenMode, def.FlattenMode),
		Overwrite:           resolveBool(entry.Overwrite, glob.Overwrite, def.Overwrite),
		DownloadImage:       resolveBool(entry.Image, glob.Image, def.Image),
		DownloadSubtitle:    resolveBool(entry.Subtitle, glob.Subtitle, def.Subtitle),
		DownloadNFO:         resolveBool(entry.NFO, glob.NFO, def.NFO),
		VideoExtensions:     resolveList(entry.VideoExtensions, glob.VideoExtensions, def.VideoExtensions),
		ImageExtensions:     resolveList(entry.ImageExtensions, glob.ImageExtensions, def.ImageExtensions),
		SubtitleExtensions:  resolveList(entry.SubtitleExtensions, glob.SubtitleExtensions, def.SubtitleExtensions),
		DownloadImageSuffix: resolveList(entry.DownloadImageSuffix, glob.DownloadImageSuffix, nil),
		MinFileSize:         resolveInt64(entry.MinFileSize, glob.MinFileSize, def.MinFileSize),
	}

	root := resolveStr(entry.RootFolderID, glob.RootFolderID, def.RootFolderID)
	for _, part := range strings.Split(root, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			job.RootFolderIDs = append(job.RootFolderIDs, part)
		}
	}

	expire := resolveInt(entry.CacheExpireTime, glob.CacheExpireTime, def.CacheExpireTime)
	job.CacheExpire = time.Duration(expire) * time.Second

	if job.ClientID == "" || job.ClientSecret == "" {
		return Job{}, fmt.Errorf("job %q: client_id and client_secret are required", id)
	}
	if len(job.RootFolderIDs) == 0 {
		return Job{}, fmt.Errorf("job %q: root_folder_id is required", id)
	}
	if job.TargetDir == "" {
		return Job{}, fmt.Errorf("job %q: target_dir is required", id)
	}

	return job, nil
}

func resolveStr(vals ...*string) string {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return ""
}

func resolveBool(vals ...*bool) bool {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return false
}

func resolveInt(vals ...*int) int {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return 0
}

func resolveInt64(vals ...*int64) int64 {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return 0
}

func resolveList(vals ...[]string) []string {
	for _, v := range vals {
		if len(v) > 0 {
			return v
		}
	}
	return nil
}
