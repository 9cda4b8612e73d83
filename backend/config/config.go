package config

import (
	"os"
	"path/filepath"
	"strings"
)

// Config holds runtime options for the live reader service.
type Config struct {
	ListenAddr      string  `json:"listenAddr" yaml:"listenAddr" env:"LIVETTS_LISTEN"`
	DataDir         string  `json:"dataDir" yaml:"dataDir" env:"LIVETTS_DATA_DIR"`
	DBPath          string  `json:"dbPath" yaml:"dbPath" env:"LIVETTS_DB_PATH"`
	APIBase         string  `json:"apiBase" yaml:"apiBase" env:"LIVETTS_API_BASE"`
	AllowOrigin     string  `json:"allowOrigin" yaml:"allowOrigin" env:"LIVETTS_ALLOW_ORIGIN"`
	APITokenHash    string  `json:"apiTokenHash" yaml:"apiTokenHash" env:"LIVETTS_API_TOKEN_HASH"`
	EnableDebugLogs bool    `json:"enableDebugLogs" yaml:"enableDebugLogs" env:"LIVETTS_DEBUG"`
	LogLevel        string  `json:"logLevel" yaml:"logLevel" env:"LIVETTS_LOG_LEVEL"`
	APIRatePerSec   float64 `json:"apiRatePerSec" yaml:"apiRatePerSec" env:"LIVETTS_API_RATE"`
	RetentionDays   int     `json:"retentionDays" yaml:"retentionDays" env:"LIVETTS_RETENTION_DAYS"`

	RoomIDs       []int64 `json:"roomIds" yaml:"roomIds" env:"LIVETTS_ROOM_IDS"`
	SessionCookie string  `json:"sessionCookie" yaml:"sessionCookie" env:"LIVETTS_COOKIE"`
	AutoConnect   bool    `json:"autoConnect" yaml:"autoConnect" env:"LIVETTS_AUTO_CONNECT"`
	HeartbeatSec  int     `json:"heartbeatSec" yaml:"heartbeatSec" env:"LIVETTS_HEARTBEAT_SEC"`

	Reconnect ReconnectConfig `json:"reconnect" yaml:"reconnect"`

	ContinuousGiftInterval float64      `json:"continuousGiftInterval" yaml:"continuousGiftInterval" env:"LIVETTS_GIFT_INTERVAL"`
	WelcomeLevel           int          `json:"welcomeLevel" yaml:"welcomeLevel" env:"LIVETTS_WELCOME_LEVEL"`
	Templates              Templates    `json:"templates" yaml:"templates"`
	Speak                  SpeakToggles `json:"speak" yaml:"speak"`
	BlacklistUsers         []string     `json:"blacklistUsers" yaml:"blacklistUsers" env:"LIVETTS_BLACKLIST_USERS"`
	BlacklistWords         []string     `json:"blacklistWords" yaml:"blacklistWords" env:"LIVETTS_BLACKLIST_WORDS"`

	TTS TTSConfig `json:"tts" yaml:"tts"`

	ConfigFile string `json:"configFile" yaml:"-"`
}

type ReconnectConfig struct {
	Enabled     bool `json:"enabled" yaml:"enabled" env:"LIVETTS_RECONNECT"`
	MinDelayMs  int  `json:"minDelayMs" yaml:"minDelayMs" env:"LIVETTS_RECONNECT_MIN_MS"`
	MaxDelayMs  int  `json:"maxDelayMs" yaml:"maxDelayMs" env:"LIVETTS_RECONNECT_MAX_MS"`
	MaxAttempts int  `json:"maxAttempts" yaml:"maxAttempts" env:"LIVETTS_RECONNECT_MAX_ATTEMPTS"`
}

// Templates use {uname}, {msg}, {num}, {gift_name}, {like_text}, {price} and {guard_name}.
// An empty template mutes that event type.
type Templates struct {
	Danmaku   string `json:"danmaku" yaml:"danmaku"`
	Gift      string `json:"gift" yaml:"gift"`
	Enter     string `json:"enter" yaml:"enter"`
	Follow    string `json:"follow" yaml:"follow"`
	Like      string `json:"like" yaml:"like"`
	SuperChat string `json:"superChat" yaml:"superChat"`
	Guard     string `json:"guard" yaml:"guard"`
}

type SpeakToggles struct {
	Danmaku   bool `json:"danmaku" yaml:"danmaku"`
	Gift      bool `json:"gift" yaml:"gift"`
	Enter     bool `json:"enter" yaml:"enter"`
	Follow    bool `json:"follow" yaml:"follow"`
	Like      bool `json:"like" yaml:"like"`
	SuperChat bool `json:"superChat" yaml:"superChat"`
	Guard     bool `json:"guard" yaml:"guard"`
}

type TTSConfig struct {
	Mode          string     `json:"mode" yaml:"mode" env:"LIVETTS_TTS_MODE"`
	PacingMs      int        `json:"pacingMs" yaml:"pacingMs" env:"LIVETTS_TTS_PACING_MS"`
	QueueCapacity int        `json:"queueCapacity" yaml:"queueCapacity" env:"LIVETTS_TTS_QUEUE_CAPACITY"`
	PlayerCommand string     `json:"playerCommand" yaml:"playerCommand" env:"LIVETTS_TTS_PLAYER"`
	TimeoutSec    int        `json:"timeoutSec" yaml:"timeoutSec" env:"LIVETTS_TTS_TIMEOUT_SEC"`
	Local         LocalTTS   `json:"local" yaml:"local"`
	Azure         AzureTTS   `json:"azure" yaml:"azure"`
	Alibaba       AlibabaTTS `json:"alibaba" yaml:"alibaba"`
	SoVITS        SoVITSTTS  `json:"sovits" yaml:"sovits"`
}

type LocalTTS struct {
	Command string `json:"command" yaml:"command" env:"LIVETTS_LOCAL_TTS_COMMAND"`
}

type AzureTTS struct {
	Region string `json:"region" yaml:"region" env:"LIVETTS_AZURE_REGION"`
	Key    string `json:"key" yaml:"key" env:"LIVETTS_AZURE_KEY"`
	Voice  string `json:"voice" yaml:"voice"`
	Rate   string `json:"rate" yaml:"rate"`
	Pitch  string `json:"pitch" yaml:"pitch"`
	Volume string `json:"volume" yaml:"volume"`
	Format string `json:"format" yaml:"format"`
}

type AlibabaTTS struct {
	AppKey     string `json:"appKey" yaml:"appKey" env:"LIVETTS_ALIBABA_APPKEY"`
	Token      string `json:"token" yaml:"token" env:"LIVETTS_ALIBABA_TOKEN"`
	Endpoint   string `json:"endpoint" yaml:"endpoint"`
	Voice      string `json:"voice" yaml:"voice"`
	SpeechRate int    `json:"speechRate" yaml:"speechRate"`
	PitchRate  int    `json:"pitchRate" yaml:"pitchRate"`
	Volume     int    `json:"volume" yaml:"volume"`
	Format     string `json:"format" yaml:"format"`
}

type SoVITSTTS struct {
	Endpoint       string `json:"endpoint" yaml:"endpoint" env:"LIVETTS_SOVITS_ENDPOINT"`
	Language       string `json:"language" yaml:"language"`
	ReferWavPath   string `json:"referWavPath" yaml:"referWavPath"`
	PromptText     string `json:"promptText" yaml:"promptText"`
	PromptLanguage string `json:"promptLanguage" yaml:"promptLanguage"`
}

const (
	defaultListenAddr   = ":18686"
	defaultAPIBase      = "/api/v1"
	defaultGiftInterval = 3.0
	defaultHeartbeatSec = 30
	defaultQueueCap     = 100
	defaultPacingMs     = 100
	defaultTTSTimeout   = 30
	defaultPlayer       = "ffplay -nodisp -autoexit -loglevel quiet {file}"
	defaultReconnectMin = 1000
	defaultReconnectMax = 60000
	defaultRetention    = 7
)

func resolveConfigFilePath() (string, error) {
	path := strings.TrimSpace(os.Getenv("LIVETTS_CONFIG_FILE"))
	if path == "" {
		path = filepath.FromSlash("./data/config.json")
	}
	return filepath.Abs(path)
}

func DefaultTemplates() Templates {
	return Templates{
		Danmaku:   "{uname}说：{msg}",
		Gift:      "感谢{uname}赠送的{num}个{gift_name}",
		Enter:     "欢迎{uname}进入直播间",
		Follow:    "感谢{uname}的关注",
		Like:      "{uname}{like_text}",
		SuperChat: "感谢{uname}的醒目留言：{msg}",
		Guard:     "感谢{uname}开通了{num}个月{guard_name}",
	}
}

func defaultConfig(configFile string) Config {
	baseDir := filepath.Dir(configFile)
	cfg := Config{
		ListenAddr:             defaultListenAddr,
		DataDir:                baseDir,
		APIBase:                defaultAPIBase,
		AllowOrigin:            "*",
		LogLevel:               "info",
		RetentionDays:          defaultRetention,
		AutoConnect:            true,
		HeartbeatSec:           defaultHeartbeatSec,
		ContinuousGiftInterval: defaultGiftInterval,
		Templates:              DefaultTemplates(),
		Speak: SpeakToggles{
			Danmaku:   true,
			Gift:      true,
			Enter:     true,
			Follow:    true,
			Like:      false,
			SuperChat: true,
			Guard:     true,
		},
		Reconnect: ReconnectConfig{
			Enabled:    true,
			MinDelayMs: defaultReconnectMin,
			MaxDelayMs: defaultReconnectMax,
		},
		TTS: TTSConfig{
			Mode:          "local",
			PacingMs:      defaultPacingMs,
			QueueCapacity: defaultQueueCap,
			PlayerCommand: defaultPlayer,
			TimeoutSec:    defaultTTSTimeout,
			Azure: AzureTTS{
				Voice:  "zh-CN-XiaoxiaoNeural",
				Rate:   "0%",
				Pitch:  "0%",
				Volume: "100",
				Format: "audio-16khz-32kbitrate-mono-mp3",
			},
			Alibaba: AlibabaTTS{
				Endpoint: "https://nls-gateway-cn-shanghai.aliyuncs.com/stream/v1/tts",
				Voice:    "xiaoyun",
				Volume:   50,
				Format:   "mp3",
			},
			SoVITS: SoVITSTTS{
				Endpoint: "http://127.0.0.1:9880",
				Language: "zh",
			},
		},
		ConfigFile: configFile,
	}
	return normalizeConfig(cfg, configFile)
}

// normalizeConfig fills empty fields and clamps ranges. Zero values that
// carry meaning (queue capacity 0, gift interval 0) are kept.
func normalizeConfig(cfg Config, configFile string) Config {
	configDir := filepath.Dir(configFile)
	cfg.ConfigFile = configFile

	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.APIBase = strings.TrimSuffix(strings.TrimSpace(cfg.APIBase), "/")
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if !strings.HasPrefix(cfg.APIBase, "/") {
		cfg.APIBase = "/" + cfg.APIBase
	}
	if strings.TrimSpace(cfg.AllowOrigin) == "" {
		cfg.AllowOrigin = "*"
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.APIRatePerSec < 0 {
		cfg.APIRatePerSec = 0
	}
	if cfg.RetentionDays < 0 {
		cfg.RetentionDays = 0
	}
	if cfg.RetentionDays > 3650 {
		cfg.RetentionDays = 3650
	}
	cfg.SessionCookie = strings.TrimSpace(cfg.SessionCookie)
	cfg.RoomIDs = positiveIDs(cfg.RoomIDs)
	if cfg.HeartbeatSec <= 0 {
		cfg.HeartbeatSec = defaultHeartbeatSec
	}
	if cfg.ContinuousGiftInterval < 0 {
		cfg.ContinuousGiftInterval = 0
	}
	if cfg.WelcomeLevel < 0 {
		cfg.WelcomeLevel = 0
	}
	cfg.BlacklistUsers = trimmedList(cfg.BlacklistUsers)
	cfg.BlacklistWords = trimmedList(cfg.BlacklistWords)

	if cfg.Reconnect.MinDelayMs <= 0 {
		cfg.Reconnect.MinDelayMs = defaultReconnectMin
	}
	if cfg.Reconnect.MaxDelayMs <= 0 {
		cfg.Reconnect.MaxDelayMs = defaultReconnectMax
	}
	if cfg.Reconnect.MaxDelayMs < cfg.Reconnect.MinDelayMs {
		cfg.Reconnect.MaxDelayMs = cfg.Reconnect.MinDelayMs
	}
	if cfg.Reconnect.MaxAttempts < 0 {
		cfg.Reconnect.MaxAttempts = 0
	}

	cfg.TTS.Mode = strings.ToLower(strings.TrimSpace(cfg.TTS.Mode))
	if cfg.TTS.Mode == "" {
		cfg.TTS.Mode = "local"
	}
	if cfg.TTS.PacingMs < 0 {
		cfg.TTS.PacingMs = 0
	}
	if cfg.TTS.QueueCapacity < 0 {
		cfg.TTS.QueueCapacity = defaultQueueCap
	}
	if strings.TrimSpace(cfg.TTS.PlayerCommand) == "" {
		cfg.TTS.PlayerCommand = defaultPlayer
	}
	if cfg.TTS.TimeoutSec <= 0 {
		cfg.TTS.TimeoutSec = defaultTTSTimeout
	}

	cfg.DataDir = absPathWithBase(cfg.DataDir, configDir)
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = configDir
	}
	cfg.DBPath = absPathWithBase(cfg.DBPath, configDir)
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "db", "livetts.db")
	}
	return cfg
}

func trimmedList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func positiveIDs(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id > 0 {
			out = append(out, id)
		}
	}
	return out
}

func absPathWithBase(target string, base string) string {
	target = strings.TrimSpace(target)
	if target == "" {
		return ""
	}
	if filepath.IsAbs(target) {
		return target
	}
	if base == "" {
		if abs, err := filepath.Abs(target); err == nil {
			return abs
		}
		return target
	}
	if abs, err := filepath.Abs(filepath.Join(base, target)); err == nil {
		return abs
	}
	return filepath.Join(base, target)
}

// Redacted returns a copy safe to hand out over the API.
func (c Config) Redacted() Config {
	mask := func(value string) string {
		if strings.TrimSpace(value) == "" {
			return ""
		}
		return "******"
	}
	c.SessionCookie = mask(c.SessionCookie)
	c.APITokenHash = mask(c.APITokenHash)
	c.TTS.Azure.Key = mask(c.TTS.Azure.Key)
	c.TTS.Alibaba.Token = mask(c.TTS.Alibaba.Token)
	return c
}

// Load returns the current config snapshot without starting a watcher.
func Load() (Config, error) {
	manager, err := NewManager()
	if err != nil {
		return Config{}, err
	}
	return manager.Current(), nil
}
