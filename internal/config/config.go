// Package config loads the immutable configuration snapshot (C1) that every
// other component receives as an explicit constructor argument — there is
// no global config singleton, per the source's redesign note.
//
// Loading follows the teacher's utils.InitConfig: Viper reads a TOML file
// and a fixed set of defaults. In production this module is fed by the
// router's UCI-backed config store (out of scope here); the original
// Python ConfigManager reached that store by shelling out to
// `uci -q show pixiv-backup` and parsing `section.option='value'` lines,
// which is functionally identical to pointing Viper at one TOML section —
// both are a flat key/value read taken once per round.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Mode selects which listing sources the Scanner walks.
type Mode string

const (
	ModeBookmarks Mode = "bookmarks"
	ModeFollowing Mode = "following"
	ModeBoth      Mode = "both"
)

// Restrict selects the visibility scope requested from the upstream
// listing endpoints.
type Restrict string

const (
	RestrictPublic  Restrict = "public"
	RestrictPrivate Restrict = "private"
)

// Snapshot is the immutable parameter set read once per round (C1).
type Snapshot struct {
	Enabled      bool
	UserID       string
	RefreshToken string
	OutputDir    string
	Mode         Mode
	Restrict     Restrict
	MaxDownloads int
	Timeout      time.Duration

	SyncIntervalMinutes         int
	CooldownAfterLimitMinutes   int
	CooldownAfterErrorMinutes   int
	HighSpeedQueueSize          int
	LowSpeedIntervalSeconds     float64
	IntervalJitterMillis        int
}

// defaults mirrors config_manager.py's get_* fallback constants.
func defaults(v *viper.Viper) {
	v.SetDefault("mode", string(ModeBookmarks))
	v.SetDefault("restrict", string(RestrictPublic))
	v.SetDefault("max_downloads", 1000)
	v.SetDefault("timeout", 30)
	v.SetDefault("sync_interval_minutes", 360)
	v.SetDefault("cooldown_after_limit_minutes", 60)
	v.SetDefault("cooldown_after_error_minutes", 180)
	v.SetDefault("high_speed_queue_size", 20)
	v.SetDefault("low_speed_interval_seconds", 1.5)
	v.SetDefault("interval_jitter_ms", 250)
	v.SetDefault("enabled", true)
}

// Load reads a snapshot from the given Viper instance. Callers build the
// Viper instance (config file path, env prefix, etc.) so this package makes
// no assumption about where the key/value store physically lives.
func Load(v *viper.Viper) (*Snapshot, error) {
	defaults(v)

	s := &Snapshot{
		Enabled:                   v.GetBool("enabled"),
		UserID:                    v.GetString("user_id"),
		RefreshToken:              v.GetString("refresh_token"),
		OutputDir:                 v.GetString("output_dir"),
		Mode:                      Mode(v.GetString("mode")),
		Restrict:                  Restrict(v.GetString("restrict")),
		MaxDownloads:              v.GetInt("max_downloads"),
		Timeout:                   time.Duration(v.GetInt("timeout")) * time.Second,
		SyncIntervalMinutes:       v.GetInt("sync_interval_minutes"),
		CooldownAfterLimitMinutes: v.GetInt("cooldown_after_limit_minutes"),
		CooldownAfterErrorMinutes: v.GetInt("cooldown_after_error_minutes"),
		HighSpeedQueueSize:        v.GetInt("high_speed_queue_size"),
		LowSpeedIntervalSeconds:   v.GetFloat64("low_speed_interval_seconds"),
		IntervalJitterMillis:      v.GetInt("interval_jitter_ms"),
	}

	switch s.Mode {
	case ModeBookmarks, ModeFollowing, ModeBoth:
	default:
		s.Mode = ModeBookmarks
	}
	switch s.Restrict {
	case RestrictPublic, RestrictPrivate:
	default:
		s.Restrict = RestrictPublic
	}
	if s.SyncIntervalMinutes <= 0 {
		s.SyncIntervalMinutes = 360
	}
	if s.CooldownAfterLimitMinutes <= 0 {
		s.CooldownAfterLimitMinutes = 60
	}
	if s.CooldownAfterErrorMinutes <= 0 {
		s.CooldownAfterErrorMinutes = 180
	}
	if s.HighSpeedQueueSize < 0 {
		s.HighSpeedQueueSize = 20
	}
	if s.LowSpeedIntervalSeconds < 0 {
		s.LowSpeedIntervalSeconds = 1.5
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}

	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// ValidationError is a config-category error (C7's "config" kind): it is
// fatal for startup, never retried.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: missing required keys: %s", strings.Join(e.Missing, ", "))
}

// Validate checks the presence of every field the service cannot start
// without (ported from config_manager.py::validate_required).
func (s *Snapshot) Validate() error {
	var missing []string
	if strings.TrimSpace(s.UserID) == "" {
		missing = append(missing, "user_id")
	}
	if strings.TrimSpace(s.RefreshToken) == "" {
		missing = append(missing, "refresh_token")
	}
	if strings.TrimSpace(s.OutputDir) == "" {
		missing = append(missing, "output_dir")
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &ValidationError{Missing: missing}
}

// Layout derives the on-disk paths rooted at OutputDir (spec.md §6.1).
type Layout struct {
	Root         string
	ImgDir       string
	MetadataDir  string
	DataDir      string
	DatabasePath string
	QueuePath    string
	CursorPath   string
	StatusPath   string
	LastRunPath  string
	ForceRunFlag string
	TokenPath    string
	LockPath     string
	RunHistory   string
	LogDir       string
}

// NewLayout computes every derived path from the configured output
// directory.
func (s *Snapshot) NewLayout() Layout {
	root := s.OutputDir
	data := root + "/data"
	return Layout{
		Root:         root,
		ImgDir:       root + "/img",
		MetadataDir:  root + "/metadata",
		DataDir:      data,
		DatabasePath: data + "/pixiv.db",
		QueuePath:    data + "/task_queue.json",
		CursorPath:   data + "/scan_cursor.json",
		StatusPath:   data + "/status.json",
		LastRunPath:  data + "/last_run.txt",
		ForceRunFlag: data + "/force_run.flag",
		TokenPath:    data + "/token.json",
		LockPath:     data + "/pixiv-backup.lock",
		RunHistory:   data + "/run_history.json",
		LogDir:       data + "/logs",
	}
}
