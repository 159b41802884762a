// Package config loads and holds the process-wide configuration for
// arenabridge: the default session/message identifiers the translator falls
// back to, the translation behaviour knobs (tavern mode, bypass, battle vs
// direct_chat), the image pipeline and file-bed settings, and the
// connection-pool/timeout tuning of the image download client.
//
// The on-disk file is JSON-with-comments (JWCC). It is stripped to plain
// JSON with github.com/tailscale/hujson before being handed to
// github.com/rakunlabs/chu, which layers environment variable overrides
// on top (prefix ARENABRIDGE_) the same way the teacher project layers
// AT_-prefixed overrides over its own config.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"
	"github.com/rakunlabs/tell"
	"github.com/tailscale/hujson"
	"github.com/worldline-go/types"
)

var Service = ""

// IDUpdaterMode selects how participant position is assigned to translated messages.
type IDUpdaterMode string

const (
	ModeDirectChat IDUpdaterMode = "direct_chat"
	ModeBattle     IDUpdaterMode = "battle"
)

// BattleTarget selects which arena participant slot a battle-mode request targets.
type BattleTarget string

const (
	TargetA BattleTarget = "A"
	TargetB BattleTarget = "B"
)

// ReasoningOutputMode controls how `ag:`-framed reasoning tokens are surfaced.
type ReasoningOutputMode string

const (
	ReasoningOpenAI   ReasoningOutputMode = "openai"
	ReasoningThinkTag ReasoningOutputMode = "think_tag"
)

// FileBedSelectionStrategy controls endpoint ordering for file-bed uploads.
type FileBedSelectionStrategy string

const (
	StrategyRandom     FileBedSelectionStrategy = "random"
	StrategyRoundRobin FileBedSelectionStrategy = "round_robin"
	StrategyFailover   FileBedSelectionStrategy = "failover"
)

// ImageReturnMode controls whether images are returned as markdown URLs or
// re-encoded as base64 data URIs.
type ImageReturnMode string

const (
	ImageReturnURL    ImageReturnMode = "url"
	ImageReturnBase64 ImageReturnMode = "base64"
)

// BypassSettings scopes bypass-injection on/off per request kind.
type BypassSettings struct {
	Text   *bool `cfg:"text" json:"text"`
	Image  *bool `cfg:"image" json:"image"`
	Search *bool `cfg:"search" json:"search"`
}

// BypassPreset is one candidate trailing message injected in bypass mode.
type BypassPreset struct {
	Role                string `cfg:"role" json:"role"`
	Content             string `cfg:"content" json:"content"`
	ParticipantPosition string `cfg:"participant_position" json:"participant_position"`
}

// BypassInjection configures which preset message is appended when bypass is active.
type BypassInjection struct {
	ActivePreset string                  `cfg:"active_preset" json:"active_preset"`
	Presets      map[string]BypassPreset `cfg:"presets" json:"presets"`
	Custom       *BypassPreset           `cfg:"custom" json:"custom"`
}

// ConnectionPool tunes the transport of the image download client. The
// file-bed upload client does not read it, and DNSCacheTTL is not applied.
type ConnectionPool struct {
	TotalLimit       int `cfg:"total_limit" json:"total_limit" default:"100"`
	PerHostLimit     int `cfg:"per_host_limit" json:"per_host_limit" default:"20"`
	DNSCacheTTL      int `cfg:"dns_cache_ttl" json:"dns_cache_ttl" default:"300"`
	KeepAliveTimeout int `cfg:"keepalive_timeout" json:"keepalive_timeout" default:"30"`
}

// DownloadTimeout layers connect/total timeouts plus a retry budget for
// image downloads. SockReadSeconds is loaded but not applied.
type DownloadTimeout struct {
	TotalSeconds    int `cfg:"total_seconds" json:"total_seconds" default:"30"`
	ConnectSeconds  int `cfg:"connect_seconds" json:"connect_seconds" default:"10"`
	SockReadSeconds int `cfg:"sock_read_seconds" json:"sock_read_seconds" default:"20"`
	MaxRetries      int `cfg:"max_retries" json:"max_retries" default:"2"`
}

// CacheConfig bounds the LRU caches used by the image pipeline and housekeeping.
type CacheConfig struct {
	ImageCacheMaxEntries int `cfg:"image_cache_max_entries" json:"image_cache_max_entries" default:"500"`
	ImageCacheKeepSize   int `cfg:"image_cache_keep_size" json:"image_cache_keep_size" default:"200"`
	URLHistoryKeepSize   int `cfg:"url_history_keep_size" json:"url_history_keep_size" default:"1000"`
}

// MemoryManagement configures the housekeeping loop's memory-pressure response.
type MemoryManagement struct {
	GCThresholdMB int         `cfg:"gc_threshold_mb" json:"gc_threshold_mb" default:"512"`
	CacheConfig   CacheConfig `cfg:"cache_config" json:"cache_config"`
}

// LocalSaveFormat configures optional re-encoding of downloaded images before
// they are written to the local save directory.
type LocalSaveFormat struct {
	Enabled     bool   `cfg:"enabled" json:"enabled"`
	Format      string `cfg:"format" json:"format" default:"original"` // original|png|jpeg|webp
	JPEGQuality int    `cfg:"jpeg_quality" json:"jpeg_quality" default:"85"`
	Directory   string `cfg:"directory" json:"directory" default:"downloaded_images"`
}

// ImageReturnFormat selects how the stream parser surfaces upstream images.
type ImageReturnFormat struct {
	Mode ImageReturnMode `cfg:"mode" json:"mode" default:"url"`
}

// FileBedEndpoint describes one external image-upload target.
type FileBedEndpoint struct {
	Name           string            `cfg:"name" json:"name"`
	URL            string            `cfg:"url" json:"url"`
	Enabled        bool              `cfg:"enabled" json:"enabled" default:"true"`
	FormFileField  string            `cfg:"form_file_field" json:"form_file_field" default:"file"`
	FormDataFields map[string]string `cfg:"form_data_fields" json:"form_data_fields"`
	ResponseType   string            `cfg:"response_type" json:"response_type" default:"json"` // json|text
	JSONURLKey     string            `cfg:"json_url_key" json:"json_url_key" default:"url"`
	APIKey         string            `cfg:"api_key" json:"api_key" log:"-"`
	APIKeyHeader   string            `cfg:"api_key_header" json:"api_key_header"`
}

// ModelType classifies a public model name for translation/bypass purposes.
type ModelType string

const (
	ModelTypeText   ModelType = "text"
	ModelTypeImage  ModelType = "image"
	ModelTypeSearch ModelType = "search"
)

// ModelEntry is the fallback model-type lookup used when a model has no
// endpoint mapping of its own.
type ModelEntry struct {
	ID   *string   `json:"id"`
	Type ModelType `json:"type"`
}

// EndpointMapping binds a public model name to a concrete upstream session,
// optionally overriding the global mode/battle-target for that binding.
type EndpointMapping struct {
	SessionID    string        `json:"sessionId"`
	MessageID    string        `json:"messageId"`
	Mode         IDUpdaterMode `json:"mode,omitempty"`
	BattleTarget BattleTarget  `json:"battleTarget,omitempty"`
}

// ModelEndpointEntry is either a single static EndpointMapping or a list of
// mappings the dispatcher round-robins across; UnmarshalJSON accepts both
// shapes, matching the model-endpoint-map.json convention of the original
// upstream-bridge deployments this spec generalizes.
type ModelEndpointEntry struct {
	Mappings []EndpointMapping
}

func (e *ModelEndpointEntry) UnmarshalJSON(data []byte) error {
	var list []EndpointMapping
	if err := json.Unmarshal(data, &list); err == nil {
		e.Mappings = list
		return nil
	}

	var single EndpointMapping
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	e.Mappings = []EndpointMapping{single}
	return nil
}

func (e ModelEndpointEntry) MarshalJSON() ([]byte, error) {
	if len(e.Mappings) == 1 {
		return json.Marshal(e.Mappings[0])
	}
	return json.Marshal(e.Mappings)
}

// IsList reports whether this entry holds more than one mapping (triggers
// round-robin selection); a one-element JSON array counts as a single
// static mapping.
func (e ModelEndpointEntry) IsList() bool {
	return len(e.Mappings) > 1
}

// ModelMap is the full public-model-name routing table, loaded from the
// JSONC file referenced by Config.ModelMapPath: a model-type fallback table
// plus the endpoint bindings the Dispatcher resolves sessions against.
type ModelMap struct {
	Models    map[string]ModelEntry         `json:"models"`
	Endpoints map[string]ModelEndpointEntry `json:"endpoints"`
}

// Config is the full process-wide mutable record, reloaded atomically on demand.
type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	// SessionID and MessageID are the identifiers used when a model has no
	// specific endpoint mapping and UseDefaultIDsIfMappingNotFound is set.
	SessionID string `cfg:"session_id" json:"session_id"`
	MessageID string `cfg:"message_id" json:"message_id"`

	// ModelMapPath points at the JSONC file holding the model/endpoint routing table.
	ModelMapPath string `cfg:"model_map_path" json:"model_map_path" default:"model_endpoint_map.json"`

	TavernModeEnabled bool `cfg:"tavern_mode_enabled" json:"tavern_mode_enabled"`

	BypassEnabled   bool            `cfg:"bypass_enabled" json:"bypass_enabled"`
	BypassSettings  BypassSettings  `cfg:"bypass_settings" json:"bypass_settings"`
	BypassInjection BypassInjection `cfg:"bypass_injection" json:"bypass_injection"`

	IDUpdaterLastMode     IDUpdaterMode `cfg:"id_updater_last_mode" json:"id_updater_last_mode" default:"direct_chat"`
	IDUpdaterBattleTarget BattleTarget  `cfg:"id_updater_battle_target" json:"id_updater_battle_target" default:"A"`

	EnableAutoRetry                bool `cfg:"enable_auto_retry" json:"enable_auto_retry"`
	RetryTimeoutSeconds             int  `cfg:"retry_timeout_seconds" json:"retry_timeout_seconds" default:"30"`
	UseDefaultIDsIfMappingNotFound bool `cfg:"use_default_ids_if_mapping_not_found" json:"use_default_ids_if_mapping_not_found"`

	EnableLMArenaReasoning    bool                `cfg:"enable_lmarena_reasoning" json:"enable_lmarena_reasoning"`
	ReasoningOutputMode       ReasoningOutputMode `cfg:"reasoning_output_mode" json:"reasoning_output_mode" default:"openai"`
	PreserveStreaming         bool                `cfg:"preserve_streaming" json:"preserve_streaming" default:"true"`
	StripReasoningFromHistory bool                `cfg:"strip_reasoning_from_history" json:"strip_reasoning_from_history"`

	FileBedEnabled bool `cfg:"file_bed_enabled" json:"file_bed_enabled"`
	// FileBedEndpoints uses types.Slice so an explicit JSON null (as
	// opposed to an empty array) is distinguishable from "no endpoints
	// configured", the same nil-means-unrestricted convention the teacher
	// uses for AllowedProviders/AllowedModels.
	FileBedEndpoints         types.Slice[FileBedEndpoint] `cfg:"file_bed_endpoints" json:"file_bed_endpoints"`
	FileBedSelectionStrategy FileBedSelectionStrategy     `cfg:"file_bed_selection_strategy" json:"file_bed_selection_strategy" default:"failover"`

	ImageReturnFormat            ImageReturnFormat `cfg:"image_return_format" json:"image_return_format"`
	SaveImagesLocally            bool              `cfg:"save_images_locally" json:"save_images_locally"`
	LocalSaveFormat              LocalSaveFormat   `cfg:"local_save_format" json:"local_save_format"`
	ImageAttachmentBypassEnabled bool              `cfg:"image_attachment_bypass_enabled" json:"image_attachment_bypass_enabled"`

	MaxConcurrentDownloads int              `cfg:"max_concurrent_downloads" json:"max_concurrent_downloads" default:"8"`
	ConnectionPool         ConnectionPool   `cfg:"connection_pool" json:"connection_pool"`
	DownloadTimeout        DownloadTimeout  `cfg:"download_timeout" json:"download_timeout"`
	MemoryManagement       MemoryManagement `cfg:"memory_management" json:"memory_management"`

	MetadataTimeoutMinutes int `cfg:"metadata_timeout_minutes" json:"metadata_timeout_minutes" default:"30"`

	// StreamResponseTimeoutSeconds centralizes the single timeout value read
	// at multiple call sites in the original implementation; here every
	// consumer reads it through Config.StreamResponseTimeout().
	StreamResponseTimeoutSeconds int `cfg:"stream_response_timeout_seconds" json:"stream_response_timeout_seconds" default:"90"`

	// HousekeepingIntervalSeconds sets the cadence of the fixed-interval
	// cache/metadata sweep.
	HousekeepingIntervalSeconds int `cfg:"housekeeping_interval_seconds" json:"housekeeping_interval_seconds" default:"60"`

	Server Server `cfg:"server" json:"server"`

	// Telemetry holds OpenTelemetry exporter settings. It is loaded but no
	// exporter is started from it; internal/monitor keeps its counters
	// in-process.
	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

// Server configures the HTTP/WebSocket entry point.
type Server struct {
	Port string `cfg:"port" default:"8080"`
	Host string `cfg:"host"`

	// WebSocketPath is the fixed upgrade path the paired browser peer connects to.
	WebSocketPath string `cfg:"websocket_path" default:"/ws"`

	// AuthToken, if set, is the bearer token external OpenAI-API callers must present.
	AuthToken string `cfg:"auth_token" log:"-"`
}

// StreamResponseTimeout returns the configured stream timeout, defaulting to
// 90 seconds if unset or non-positive.
func (c *Config) StreamResponseTimeout() int {
	if c.StreamResponseTimeoutSeconds <= 0 {
		return 90
	}
	return c.StreamResponseTimeoutSeconds
}

// store holds the current Config behind an atomic pointer so that readers
// never observe a torn struct mid-reload.
var store atomic.Pointer[Config]

// Current returns the most recently loaded Config snapshot.
func Current() *Config {
	c := store.Load()
	if c == nil {
		panic("config: Load must be called before Current")
	}
	return c
}

// Load reads the JSONC config file at path, strips comments via hujson,
// layers ARENABRIDGE_-prefixed environment overrides via chu, and installs
// the result as the current snapshot.
func Load(ctx context.Context, path string) (*Config, error) {
	cfg, err := loadFile(ctx, path)
	if err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	store.Store(cfg)

	slog.Info("loaded configuration",
		"path", path,
		"tavern_mode_enabled", cfg.TavernModeEnabled,
		"bypass_enabled", cfg.BypassEnabled,
		"enable_auto_retry", cfg.EnableAutoRetry,
		"file_bed_enabled", cfg.FileBedEnabled,
	)

	return cfg, nil
}

// Reload re-reads the config file and atomically swaps the snapshot.
func Reload(ctx context.Context, path string) (*Config, error) {
	return Load(ctx, path)
}

// loadFile standardizes JWCC (JSON-with-comments) to plain JSON, writes it
// to a scratch file, and delegates the structured load (defaults + env
// overrides) to chu, fed pre-cleaned JSON instead of raw JWCC.
func loadFile(ctx context.Context, path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	clean, err := hujson.Standardize(raw)
	if err != nil {
		return nil, fmt.Errorf("parse jsonc config %s: %w", path, err)
	}

	scratch, err := os.CreateTemp("", "arenabridge-config-*.json")
	if err != nil {
		return nil, fmt.Errorf("create scratch config file: %w", err)
	}
	defer os.Remove(scratch.Name())
	defer scratch.Close()

	if _, err := scratch.Write(clean); err != nil {
		return nil, fmt.Errorf("write scratch config file: %w", err)
	}

	var cfg Config
	if err := chu.Load(ctx, scratch.Name(), &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("ARENABRIDGE_")))); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return &cfg, nil
}

// LoadModelMap reads the JSONC model/endpoint routing table referenced by
// Config.ModelMapPath.
func LoadModelMap(path string) (*ModelMap, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model map %s: %w", path, err)
	}

	clean, err := hujson.Standardize(raw)
	if err != nil {
		return nil, fmt.Errorf("parse jsonc model map %s: %w", path, err)
	}

	var mm ModelMap
	if err := json.Unmarshal(clean, &mm); err != nil {
		return nil, fmt.Errorf("decode model map %s: %w", path, err)
	}

	return &mm, nil
}
