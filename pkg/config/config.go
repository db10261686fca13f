package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var (
	globalConfig *Config
	globalMu     sync.RWMutex
)

// Config 应用配置
type Config struct {
	Server          ServerConfig          `mapstructure:"server"`
	Database        DatabaseConfig        `mapstructure:"database"`
	Redis           RedisConfig           `mapstructure:"redis"`
	Kafka           KafkaConfig           `mapstructure:"kafka"`
	Log             LogConfig             `mapstructure:"log"`
	Minio           MinioConfig           `mapstructure:"minio"`
	Storage         StorageConfig         `mapstructure:"storage"`
	Tools           ToolsConfig           `mapstructure:"tools"`
	Audio           AudioConfig           `mapstructure:"audio"`
	Queue           QueueConfig           `mapstructure:"queue"`
	Worker          WorkerConfig          `mapstructure:"worker"`
	Cleanup         CleanupConfig         `mapstructure:"cleanup"`
	Quota           QuotaConfig           `mapstructure:"quota"`
	ServiceRegistry ServiceRegistryConfig `mapstructure:"service_registry"`
	Etcd            EtcdConfig            `mapstructure:"etcd"`
	Profiling       ProfilingConfig       `mapstructure:"profiling"`
	Public          PublicConfig          `mapstructure:"public"`
}

// ServerConfig 管理接口配置
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	Charset         string        `mapstructure:"charset"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	EnableTLS    bool          `mapstructure:"enable_tls"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	BootstrapServers     []string          `mapstructure:"bootstrap_servers"`
	ClientID             string            `mapstructure:"client_id"`
	GroupID              string            `mapstructure:"group_id"`
	Enabled              bool              `mapstructure:"enabled"`
	Topics               KafkaTopicsConfig `mapstructure:"topics"`
	CommitOnDecodeError  bool              `mapstructure:"commit_on_decode_error"`
	CommitOnProcessError bool              `mapstructure:"commit_on_process_error"`
}

// KafkaTopicsConfig 主题名称
type KafkaTopicsConfig struct {
	Uploads       string `mapstructure:"uploads"`
	JobEvents     string `mapstructure:"job_events"`
	QuotaWarnings string `mapstructure:"quota_warnings"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// MinioConfig MinIO配置
type MinioConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	AccessKey       string `mapstructure:"access_key"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SecretKey       string `mapstructure:"secret_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// StorageConfig 暂存目录与删除重试
type StorageConfig struct {
	StagingDir      string        `mapstructure:"staging_dir"`
	DeleteAttempts  int           `mapstructure:"delete_attempts"`
	DeleteBaseDelay time.Duration `mapstructure:"delete_base_delay"`
	DeleteMaxDelay  time.Duration `mapstructure:"delete_max_delay"`
}

// ToolsConfig 外部工具配置
type ToolsConfig struct {
	FFmpegPath      string               `mapstructure:"ffmpeg_path"`
	LamePath        string               `mapstructure:"lame_path"`
	TempDir         string               `mapstructure:"temp_dir"`
	Timeout         time.Duration        `mapstructure:"timeout"`
	StderrTailLines int                  `mapstructure:"stderr_tail_lines"`
	ModulePlayers   []ModulePlayerConfig `mapstructure:"module_players"`
}

// ModulePlayerConfig 模块播放器配置，参数中的 {input} {output} {output_dir} 会被替换
type ModulePlayerConfig struct {
	Name        string   `mapstructure:"name"`
	BinaryPath  string   `mapstructure:"binary_path"`
	Formats     []string `mapstructure:"formats"`
	FullMixArgs []string `mapstructure:"full_mix_args"`
	StemArgs    []string `mapstructure:"stem_args"`
}

// AudioConfig 编码参数
type AudioConfig struct {
	Mp3BitrateKbps       int `mapstructure:"mp3_bitrate_kbps"`
	FlacCompressionLevel int `mapstructure:"flac_compression_level"`
	SamplesPerPeak       int `mapstructure:"samples_per_peak"`
}

// QueueConfig 任务队列配置
type QueueConfig struct {
	Backend     string        `mapstructure:"backend"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
	Attempts    int           `mapstructure:"attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
	Capacity    int           `mapstructure:"capacity"`
}

// WorkerConfig Worker相关配置
type WorkerConfig struct {
	Enabled             bool           `mapstructure:"enabled"`
	WorkerID            string         `mapstructure:"worker_id"`
	Concurrency         map[string]int `mapstructure:"concurrency"`
	ShutdownGracePeriod time.Duration  `mapstructure:"shutdown_grace_period"`
}

// CleanupConfig 派生文件回收配置
type CleanupConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	Retention time.Duration `mapstructure:"retention"`
	BatchSize int           `mapstructure:"batch_size"`
}

// QuotaConfig 配额默认值
type QuotaConfig struct {
	DefaultFreeSeconds float64 `mapstructure:"default_free_seconds"`
}

// ServiceRegistryConfig registration configuration.
type ServiceRegistryConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	ServiceName     string        `mapstructure:"service_name"`
	ServiceID       string        `mapstructure:"service_id"`
	RegisterHost    string        `mapstructure:"register_host"`
	TTL             time.Duration `mapstructure:"ttl"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// EtcdConfig etcd连接配置
type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
}

// ProfilingConfig 持续性能分析
type ProfilingConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	ServerAddress string `mapstructure:"server_address"`
}

// PublicConfig 对外访问配置
type PublicConfig struct {
	StorageBase string `mapstructure:"storage_base"`
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	// .env 不存在时忽略
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetDefault("service_registry.enabled", false)
	v.SetDefault("worker.enabled", true)
	v.SetDefault("cleanup.enabled", true)
	v.SetDefault("kafka.enabled", true)
	v.SetDefault("kafka.client_id", "audio-pipeline")
	v.SetDefault("kafka.group_id", "audio-pipeline-group")
	v.SetDefault("kafka.bootstrap_servers", []string{"localhost:29092"})
	v.SetDefault("kafka.topics.uploads", "audio.uploads")
	v.SetDefault("kafka.topics.job_events", "audio.job.events")
	v.SetDefault("kafka.topics.quota_warnings", "audio.quota.warnings")
	v.SetDefault("kafka.commit_on_decode_error", true)

	// 设置环境变量前缀
	v.SetEnvPrefix("AUDIO_PIPELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.normalize()

	return &config, nil
}

// Default 返回只包含默认值的配置，供命令行工具与测试使用
func Default() *Config {
	c := &Config{}
	c.Kafka.Topics = KafkaTopicsConfig{
		Uploads:       "audio.uploads",
		JobEvents:     "audio.job.events",
		QuotaWarnings: "audio.quota.warnings",
	}
	c.normalize()
	return c
}

// normalize 补全配置的默认值
func (c *Config) normalize() {
	if c.Minio.AccessKeyID == "" {
		c.Minio.AccessKeyID = c.Minio.AccessKey
	}
	if c.Minio.SecretAccessKey == "" {
		c.Minio.SecretAccessKey = c.Minio.SecretKey
	}
	if c.Public.StorageBase == "" && c.Minio.Endpoint != "" {
		scheme := "http"
		if c.Minio.UseSSL {
			scheme = "https"
		}
		c.Public.StorageBase = fmt.Sprintf("%s://%s", scheme, c.Minio.Endpoint)
	}
	c.Public.StorageBase = strings.TrimRight(c.Public.StorageBase, "/")

	if c.Server.Port == 0 {
		c.Server.Port = 8083
	}
	if c.Database.Charset == "" {
		c.Database.Charset = "utf8mb4"
	}

	if c.Storage.StagingDir == "" {
		c.Storage.StagingDir = "/tmp/audio-pipeline/staging"
	}
	if c.Storage.DeleteAttempts <= 0 {
		c.Storage.DeleteAttempts = 3
	}
	if c.Storage.DeleteBaseDelay <= 0 {
		c.Storage.DeleteBaseDelay = 200 * time.Millisecond
	}
	if c.Storage.DeleteMaxDelay <= 0 {
		c.Storage.DeleteMaxDelay = 5 * time.Second
	}

	if c.Tools.FFmpegPath == "" {
		c.Tools.FFmpegPath = "ffmpeg"
	}
	if c.Tools.LamePath == "" {
		c.Tools.LamePath = "lame"
	}
	if c.Tools.TempDir == "" {
		c.Tools.TempDir = os.TempDir()
	}
	if c.Tools.Timeout == 0 {
		c.Tools.Timeout = 30 * time.Minute
	}
	if c.Tools.StderrTailLines <= 0 {
		c.Tools.StderrTailLines = 50
	}
	if len(c.Tools.ModulePlayers) == 0 {
		c.Tools.ModulePlayers = DefaultModulePlayers()
	}

	if c.Audio.Mp3BitrateKbps <= 0 {
		c.Audio.Mp3BitrateKbps = 320
	}
	if c.Audio.FlacCompressionLevel <= 0 {
		c.Audio.FlacCompressionLevel = 5
	}
	if c.Audio.SamplesPerPeak <= 0 {
		c.Audio.SamplesPerPeak = 1000
	}

	if c.Queue.Backend == "" {
		c.Queue.Backend = "redis"
	}
	if c.Queue.KeyPrefix == "" {
		c.Queue.KeyPrefix = "audio-pipeline"
	}
	if c.Queue.Attempts <= 0 {
		c.Queue.Attempts = 3
	}
	if c.Queue.BackoffBase <= 0 {
		c.Queue.BackoffBase = time.Second
	}
	if c.Queue.PollTimeout <= 0 {
		c.Queue.PollTimeout = 2 * time.Second
	}
	if c.Queue.Capacity <= 0 {
		c.Queue.Capacity = 1000
	}

	if c.Worker.WorkerID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Worker.WorkerID = host
		} else {
			c.Worker.WorkerID = "audio-worker"
		}
	}
	if c.Worker.Concurrency == nil {
		c.Worker.Concurrency = map[string]int{}
	}
	for name, n := range DefaultConcurrency() {
		if c.Worker.Concurrency[name] <= 0 {
			c.Worker.Concurrency[name] = n
		}
	}
	if c.Worker.ShutdownGracePeriod == 0 {
		c.Worker.ShutdownGracePeriod = 10 * time.Second
	}

	if c.Cleanup.Interval <= 0 {
		c.Cleanup.Interval = 24 * time.Hour
	}
	if c.Cleanup.Retention <= 0 {
		c.Cleanup.Retention = 7 * 24 * time.Hour
	}
	if c.Cleanup.BatchSize <= 0 {
		c.Cleanup.BatchSize = 200
	}

	if c.ServiceRegistry.ServiceName == "" {
		c.ServiceRegistry.ServiceName = "audio-pipeline"
	}
	if c.ServiceRegistry.ServiceID == "" {
		c.ServiceRegistry.ServiceID = c.Worker.WorkerID
	}
	if c.ServiceRegistry.TTL == 0 {
		c.ServiceRegistry.TTL = 30 * time.Second
	}
	if c.ServiceRegistry.RefreshInterval == 0 {
		c.ServiceRegistry.RefreshInterval = 10 * time.Second
	}
	if len(c.Etcd.Endpoints) == 0 {
		c.Etcd.Endpoints = []string{"localhost:2379"}
	}
	if c.Etcd.DialTimeout == 0 {
		c.Etcd.DialTimeout = 5 * time.Second
	}

	if len(c.Kafka.BootstrapServers) == 0 {
		c.Kafka.BootstrapServers = []string{"localhost:29092"}
	}
	if c.Kafka.ClientID == "" {
		c.Kafka.ClientID = "audio-pipeline"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "audio-pipeline-group"
	}
}

// DefaultConcurrency 每个队列的默认并发，合成类队列固定为1
func DefaultConcurrency() map[string]int {
	return map[string]int{
		"track-conversion":      2,
		"audio-file-conversion": 2,
		"stem-processing":       2,
		"track-regeneration":    1,
		"track-deletion":        1,
		"file-cleanup":          1,
	}
}

// DefaultModulePlayers xm/mod 使用 openmpt123，it 使用 schismtracker
func DefaultModulePlayers() []ModulePlayerConfig {
	return []ModulePlayerConfig{
		{
			Name:        "openmpt123",
			BinaryPath:  "openmpt123",
			Formats:     []string{"xm", "mod"},
			FullMixArgs: []string{"--batch", "--quiet", "--force", "--render", "--output-type", "wav", "-o", "{output}", "{input}"},
			StemArgs:    []string{"--batch", "--quiet", "--force", "--render", "--output-type", "wav", "--individual", "-o", "{output_dir}/stem-%c.wav", "{input}"},
		},
		{
			Name:        "schismtracker",
			BinaryPath:  "schismtracker",
			Formats:     []string{"it"},
			FullMixArgs: []string{"--headless", "--diskwrite={output}", "{input}"},
			StemArgs:    []string{"--headless", "--diskwrite={output_dir}/stem-%c.wav", "{input}"},
		},
	}
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
		c.Username, c.Password, c.Host, c.Port, c.Database, c.Charset)
}

// GetRedisAddr 获取Redis地址
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SetGlobalConfig 设置全局配置，资源插件初始化前调用
func SetGlobalConfig(cfg *Config) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalConfig = cfg
}

// GetGlobalConfig 获取全局配置
func GetGlobalConfig() *Config {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalConfig
}
