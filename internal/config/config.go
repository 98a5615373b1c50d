// Package config implements the gateway's hot-reloadable settings store:
// a JSONC settings file, a model→binding endpoint map, and an optional
// model→tokenizer-tag map, each watched independently and swapped in
// atomically on a successful parse. Environment and flag overrides are
// layered on top of the settings file via viper.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/llmbridge/gateway/internal/entity"
	"github.com/llmbridge/gateway/internal/translator"
	"github.com/llmbridge/gateway/pkg/safego"
)

// Settings is the mutable record loaded from config.jsonc. Unknown
// fields in the source file are ignored by json.Unmarshal's default
// behavior.
type Settings struct {
	HTTPPort             int    `json:"http_port"`
	IDCapturePort        int    `json:"id_capture_port"`
	FilebedPort          int    `json:"filebed_port"`
	// APIKey, when set, is required as "Authorization: Bearer <key>" on
	// the OpenAI surface for browser-tab models; direct-API models carry
	// their own upstream credential and skip this check.
	APIKey               string `json:"api_key"`
	BypassEnabled        bool   `json:"bypass_enabled"`
	BypassEnabledImage   bool   `json:"bypass_enabled_image"`
	BypassEnabledSearch  bool   `json:"bypass_enabled_search"`
	ActiveBypassPreset   string `json:"active_bypass_preset"`
	TavernModeEnabled    bool   `json:"tavern_mode_enabled"`
	RoleConversionPolicy string `json:"role_conversion_policy"` // none|system_to_user|system_merge|system_smart_merge
	MergePreserveRoleLabels bool `json:"merge_preserve_role_labels"`
	StripReasoningHistory bool  `json:"strip_reasoning_history"`
	ReasoningOutputMode  string `json:"reasoning_output_mode"` // openai|think_tag
	SplitAttachmentMessages bool `json:"split_attachment_messages"`

	AutoRetryEnabled     bool `json:"auto_retry_enabled"`
	MaxRequestTransfers  int  `json:"max_request_transfers"`
	ActiveRequestTimeoutSec int `json:"active_request_timeout_sec"`
	StreamResponseTimeoutSec int `json:"stream_response_timeout_sec"`
	TabCapacityAdvisory  int  `json:"tab_capacity_advisory"`
	IdleRestartEnabled   bool `json:"idle_restart_enabled"`
	IdleRestartThresholdSec int `json:"idle_restart_threshold_sec"`
	VerificationCooldownSec int `json:"verification_cooldown_sec"`
	// VerificationSkewSec is subtracted from the cool-down's remaining
	// seconds only in the client-visible retry-after message, never in
	// the FSM's own deadline. Kept as its own knob so it can be zeroed
	// independently of the cool-down duration.
	VerificationSkewSec int `json:"verification_skew_sec"`

	Image ImageOptimizationConfig `json:"image_optimization"`

	LocalSaveFormat *LocalSaveFormatConfig `json:"local_save_format,omitempty"`

	Filebed FilebedConfig `json:"filebed"`

	Tokenizer string `json:"default_tokenizer"`

	RequestDetailsCacheSize int `json:"request_details_cache_size"`
}

// ImageOptimizationConfig is the global default, overridden per-binding
// by SessionBinding.ImageCfg.
type ImageOptimizationConfig struct {
	Enabled      bool   `json:"enabled"`
	MaxWidth     int    `json:"max_width"`
	MaxHeight    int    `json:"max_height"`
	TargetFormat string `json:"target_format"`
	TargetSizeKB int    `json:"target_size_kb"`
	JPEGQuality  int    `json:"jpeg_quality"`
	WebPQuality  int    `json:"webp_quality"`
	MinQuality   int    `json:"min_quality"`
	CacheTTLSec  int    `json:"cache_ttl_sec"`
	CacheMaxSize int    `json:"cache_max_size"`
	DownloadConcurrency int `json:"download_concurrency"`
	PlaceholderOnDecodeFailure bool `json:"placeholder_on_decode_failure"`
}

// LocalSaveFormatConfig controls re-encoding of the locally archived
// diagnostic copy of downloaded images, independent of the upload
// pipeline's own encode step.
type LocalSaveFormatConfig struct {
	Format  string `json:"format"`
	Quality int    `json:"quality"`
}

// FilebedConfig configures the image-host upload fallback chain.
type FilebedConfig struct {
	Strategy          string                  `json:"strategy"` // random|round_robin|failover
	RecoveryIntervalSec int                   `json:"recovery_interval_sec"`
	Endpoints         []entity.FilebedEndpoint `json:"endpoints"`
}

// DefaultSettings returns the baseline configuration used when no file
// is present or a reload fails to parse; the gateway always starts
// with defaults rather than refusing to run.
func DefaultSettings() Settings {
	return Settings{
		HTTPPort:                5102,
		IDCapturePort:           5103,
		FilebedPort:             5180,
		RoleConversionPolicy:    "none",
		ReasoningOutputMode:     "openai",
		AutoRetryEnabled:        true,
		MaxRequestTransfers:     3,
		ActiveRequestTimeoutSec: 600,
		StreamResponseTimeoutSec: 360,
		TabCapacityAdvisory:     6,
		IdleRestartThresholdSec: 0,
		VerificationCooldownSec: 25,
		VerificationSkewSec:     3,
		Tokenizer:               "cl100k_base",
		RequestDetailsCacheSize: 10000,
		Image: ImageOptimizationConfig{
			Enabled:             true,
			MaxWidth:            2048,
			MaxHeight:           2048,
			JPEGQuality:         85,
			WebPQuality:         85,
			MinQuality:          10,
			CacheTTLSec:         3600,
			CacheMaxSize:        1000,
			DownloadConcurrency: 50,
		},
		Filebed: FilebedConfig{
			Strategy:            "failover",
			RecoveryIntervalSec: 300,
		},
	}
}

// ModelBinding is what a model name resolves to: either a single
// session, a round-robin list, or (implicitly, when len==1 and
// IsDirect()) a direct-upstream binding.
type ModelBinding struct {
	Bindings []entity.SessionBinding
	cursor   *entity.RoundRobinCursor
}

// Next returns the binding to use for this call, advancing the
// round-robin cursor if there is more than one.
func (m *ModelBinding) Next() entity.SessionBinding {
	if len(m.Bindings) == 1 {
		return m.Bindings[0]
	}
	return m.Bindings[m.cursor.Next(len(m.Bindings))]
}

// Store is the gateway's single mutable configuration record. A
// background poll loop re-reads the underlying files on modification
// and atomically swaps in a fully parsed snapshot; a failed reload
// leaves the previous snapshot in place and logs the cause.
type Store struct {
	settingsPath string
	endpointMapPath string
	modelsPath   string

	mu       sync.RWMutex
	settings Settings
	bindings map[string]*ModelBinding
	models   map[string]ModelInfo
	presets  map[string]translator.BypassPreset

	presetsPath string

	lastSettingsMod time.Time
	lastEndpointMod time.Time
	lastModelsMod   time.Time

	interval time.Duration
	stopCh   chan struct{}
	logger   *zap.Logger

	v *viper.Viper
}

// NewStore constructs the config store, performing a blocking initial
// load. Failure to load falls back to defaults with a warning rather
// than refusing to start.
func NewStore(settingsPath, endpointMapPath, modelsPath string, logger *zap.Logger) *Store {
	s := &Store{
		settingsPath:    settingsPath,
		endpointMapPath: endpointMapPath,
		modelsPath:      modelsPath,
		presetsPath:     filepath.Join(filepath.Dir(settingsPath), "bypass_presets.json"),
		settings:        DefaultSettings(),
		bindings:        map[string]*ModelBinding{},
		models:          map[string]ModelInfo{},
		presets:         map[string]translator.BypassPreset{},
		interval:        5 * time.Second,
		stopCh:          make(chan struct{}),
		logger:          logger.With(zap.String("component", "config-store")),
		v:               newViperOverlay(),
	}

	if err := s.reloadSettings(); err != nil {
		s.logger.Warn("initial settings load failed, using defaults",
			zap.String("path", settingsPath), zap.Error(err))
	}
	if err := s.reloadEndpointMap(); err != nil {
		s.logger.Warn("initial endpoint map load failed",
			zap.String("path", endpointMapPath), zap.Error(err))
	}
	if err := s.reloadModels(); err != nil {
		s.logger.Warn("initial model/tokenizer map load failed",
			zap.String("path", modelsPath), zap.Error(err))
	}
	if err := s.reloadPresets(); err != nil {
		s.logger.Warn("initial bypass preset load failed",
			zap.String("path", s.presetsPath), zap.Error(err))
	}

	return s
}

func newViperOverlay() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("LLMBRIDGE")
	v.AutomaticEnv()
	return v
}

// Start begins watching the settings, endpoint-map and models files
// for changes. An fsnotify watcher fires reloads immediately on write
// events; the ticker is kept
// as a fallback for filesystems (network mounts, some container
// overlays) where fsnotify events don't reliably arrive. Blocks until
// Stop is called; callers should run it via safego.Go in its own
// goroutine.
func (s *Store) Start(logger *zap.Logger) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("fsnotify watcher unavailable, falling back to poll-only reload", zap.Error(err))
		s.pollLoop(ticker)
		return
	}
	defer watcher.Close()

	for _, dir := range watchDirs(s.settingsPath, s.endpointMapPath, s.modelsPath) {
		if err := watcher.Add(dir); err != nil {
			logger.Warn("failed to watch config directory", zap.String("dir", dir), zap.Error(err))
		}
	}

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.pollOnce()
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			s.pollOnce()
		case werr, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("fsnotify watch error", zap.Error(werr))
		}
	}
}

func (s *Store) pollLoop(ticker *time.Ticker) {
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.pollOnce()
		}
	}
}

func watchDirs(paths ...string) []string {
	seen := map[string]struct{}{}
	var dirs []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		dir := filepath.Dir(p)
		if _, ok := seen[dir]; ok {
			continue
		}
		seen[dir] = struct{}{}
		dirs = append(dirs, dir)
	}
	return dirs
}

func (s *Store) pollOnce() {
	if info, err := os.Stat(s.settingsPath); err == nil {
		s.mu.RLock()
		last := s.lastSettingsMod
		s.mu.RUnlock()
		if info.ModTime().After(last) {
			if err := s.reloadSettings(); err != nil {
				s.logger.Warn("config reload failed", zap.Error(err))
			}
		}
	}
	if info, err := os.Stat(s.endpointMapPath); err == nil {
		s.mu.RLock()
		last := s.lastEndpointMod
		s.mu.RUnlock()
		if info.ModTime().After(last) {
			if err := s.reloadEndpointMap(); err != nil {
				s.logger.Warn("endpoint map reload failed", zap.Error(err))
			}
		}
	}
	if s.modelsPath != "" {
		if info, err := os.Stat(s.modelsPath); err == nil {
			s.mu.RLock()
			last := s.lastModelsMod
			s.mu.RUnlock()
			if info.ModTime().After(last) {
				if err := s.reloadModels(); err != nil {
					s.logger.Warn("model/tokenizer map reload failed", zap.Error(err))
				}
			}
		}
	}
	if err := s.reloadPresets(); err != nil {
		s.logger.Warn("bypass preset reload failed", zap.Error(err))
	}
}

// Stop signals the poll loop to exit.
func (s *Store) Stop() {
	close(s.stopCh)
}

func (s *Store) reloadSettings() error {
	raw, err := os.ReadFile(s.settingsPath)
	if err != nil {
		return err
	}

	next := DefaultSettings()
	if err := json.Unmarshal(stripJSONC(raw), &next); err != nil {
		return err
	}
	s.applyEnvOverrides(&next)

	info, _ := os.Stat(s.settingsPath)

	s.mu.Lock()
	s.settings = next
	if info != nil {
		s.lastSettingsMod = info.ModTime()
	}
	s.mu.Unlock()

	s.logger.Info("settings reloaded", zap.String("path", s.settingsPath))
	return nil
}

func (s *Store) applyEnvOverrides(settings *Settings) {
	if s.v.IsSet("http_port") {
		settings.HTTPPort = s.v.GetInt("http_port")
	}
	if s.v.IsSet("api_key") {
		settings.APIKey = s.v.GetString("api_key")
	}
	if s.v.IsSet("bypass_enabled") {
		settings.BypassEnabled = s.v.GetBool("bypass_enabled")
	}
	if s.v.IsSet("active_bypass_preset") {
		settings.ActiveBypassPreset = s.v.GetString("active_bypass_preset")
	}
}

type endpointMapFile map[string][]entity.SessionBinding

func (s *Store) reloadEndpointMap() error {
	raw, err := os.ReadFile(s.endpointMapPath)
	if err != nil {
		return err
	}

	var parsed endpointMapFile
	if err := json.Unmarshal(stripJSONC(raw), &parsed); err != nil {
		return err
	}

	bindings := make(map[string]*ModelBinding, len(parsed))
	for model, list := range parsed {
		if len(list) == 0 {
			continue
		}
		bindings[model] = &ModelBinding{Bindings: list, cursor: &entity.RoundRobinCursor{}}
	}

	info, _ := os.Stat(s.endpointMapPath)

	s.mu.Lock()
	s.bindings = bindings
	if info != nil {
		s.lastEndpointMod = info.ModTime()
	}
	s.mu.Unlock()

	s.logger.Info("endpoint map reloaded", zap.Int("models", len(bindings)))
	return nil
}

// SaveCapturedModel appends (or replaces) one model's binding list in
// the endpoint map file with a single freshly-captured session binding,
// then forces a reload so the new model is immediately selectable.
func (s *Store) SaveCapturedModel(modelName string, binding entity.SessionBinding) error {
	raw, err := os.ReadFile(s.endpointMapPath)
	if err != nil {
		return err
	}

	var parsed endpointMapFile
	if err := json.Unmarshal(stripJSONC(raw), &parsed); err != nil {
		return err
	}
	if parsed == nil {
		parsed = endpointMapFile{}
	}
	parsed[modelName] = []entity.SessionBinding{binding}

	out, err := json.MarshalIndent(parsed, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.endpointMapPath, out, 0o644); err != nil {
		return err
	}

	return s.ForceReload()
}

// ModelInfo is one entry of the optional models.json fallback map: the
// upstream arena's raw model id and capability type for a model name,
// plus an optional per-model tokenizer tag overriding the global
// default for usage accounting.
type ModelInfo struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Tokenizer string `json:"tokenizer,omitempty"`
}

// reloadModels re-reads the optional models.json fallback map. It backs
// the /v1/models listing when the endpoint map is empty, resolves
// target_model_id for browser-tab envelopes, and carries the per-model
// tokenizer tags.
func (s *Store) reloadModels() error {
	if s.modelsPath == "" {
		return nil
	}
	raw, err := os.ReadFile(s.modelsPath)
	if err != nil {
		return err
	}

	var parsed map[string]ModelInfo
	if err := json.Unmarshal(stripJSONC(raw), &parsed); err != nil {
		return err
	}

	info, _ := os.Stat(s.modelsPath)

	s.mu.Lock()
	s.models = parsed
	if info != nil {
		s.lastModelsMod = info.ModTime()
	}
	s.mu.Unlock()

	s.logger.Info("model map reloaded", zap.Int("models", len(parsed)))
	return nil
}

// presetFile is one entry of the optional bypass_presets.json catalogue:
// a named list of messages appended verbatim to every request when the
// preset is active.
type presetFile struct {
	Messages []translator.ChatMessage `json:"messages"`
}

// reloadPresets re-reads the optional bypass preset catalogue. Absence of
// the file is not an error: bypass injection is simply unavailable.
func (s *Store) reloadPresets() error {
	raw, err := os.ReadFile(s.presetsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var parsed map[string]presetFile
	if err := json.Unmarshal(stripJSONC(raw), &parsed); err != nil {
		return err
	}

	presets := make(map[string]translator.BypassPreset, len(parsed))
	for name, pf := range parsed {
		presets[name] = translator.BypassPreset{Name: name, Messages: pf.Messages}
	}

	s.mu.Lock()
	s.presets = presets
	s.mu.Unlock()

	s.logger.Info("bypass presets reloaded", zap.Int("count", len(presets)))
	return nil
}

// GetBypassPreset resolves the named preset from the catalogue, if any.
func (s *Store) GetBypassPreset(name string) (translator.BypassPreset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.presets[name]
	return p, ok
}

// GetConfig returns a consistent snapshot of the current settings.
func (s *Store) GetConfig() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// GetEndpoint resolves a model name to the binding that should serve
// the next request for it, advancing its round-robin cursor if it has
// more than one entry.
func (s *Store) GetEndpoint(model string) (entity.SessionBinding, bool) {
	s.mu.RLock()
	mb, ok := s.bindings[model]
	s.mu.RUnlock()
	if !ok {
		return entity.SessionBinding{}, false
	}
	return mb.Next(), true
}

// ListDirectModels returns the model names bound to a direct-upstream
// connector of the given API type (used for the /v1beta/models listing).
func (s *Store) ListDirectModels(apiType entity.APIType) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for model, mb := range s.bindings {
		if len(mb.Bindings) > 0 && mb.Bindings[0].APIType == apiType {
			out = append(out, model)
		}
	}
	return out
}

// ListModels returns every configured model name for /v1/models: the
// endpoint map's keys when it is non-empty, else the fallback model
// map's keys.
func (s *Store) ListModels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.bindings) > 0 {
		out := make([]string, 0, len(s.bindings))
		for model := range s.bindings {
			out = append(out, model)
		}
		return out
	}
	out := make([]string, 0, len(s.models))
	for model := range s.models {
		out = append(out, model)
	}
	return out
}

// GetModelInfo resolves a model name through the fallback model map.
func (s *Store) GetModelInfo(model string) (ModelInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mi, ok := s.models[model]
	return mi, ok
}

// GetTokenizer returns the tiktoken encoding name configured for a
// model, falling back to the global default tokenizer.
func (s *Store) GetTokenizer(model string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if mi, ok := s.models[model]; ok && mi.Tokenizer != "" {
		return mi.Tokenizer
	}
	return s.settings.Tokenizer
}

// ForceReload re-reads the settings, endpoint-map and models files
// immediately, returning the
// first error encountered (if any); a failure leaves the prior snapshot
// untouched.
func (s *Store) ForceReload() error {
	if err := s.reloadSettings(); err != nil {
		return err
	}
	if err := s.reloadEndpointMap(); err != nil {
		return err
	}
	return s.reloadModels()
}

// StartBackground launches the poll loop under safego, matching the
// ambient rule that background goroutines never run unsupervised.
func (s *Store) StartBackground(logger *zap.Logger) {
	safego.Go(logger, "config-store-poll", func() {
		s.Start(logger)
	})
}

// EnsureDir is a small convenience used by callers that need the parent
// directory of a persisted-state path to exist (logs/, downloaded_images/).
func EnsureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
