package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	MySQL struct {
		DSN string `yaml:"dsn"`
	} `yaml:"mysql"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	NATS struct {
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`
	Storage struct {
		Type    string `yaml:"type"` // minio | s3
		TempDir string `yaml:"temp_dir"`
	} `yaml:"storage"`
	MinIO struct {
		Endpoint  string        `yaml:"endpoint"`
		AccessKey string        `yaml:"access_key"`
		SecretKey string        `yaml:"secret_key"`
		Bucket    string        `yaml:"bucket"`
		UseSSL    bool          `yaml:"use_ssl"`
		Domain    string        `yaml:"domain"` // 公开访问前缀，为空时使用预签名 URL
		URLExpiry time.Duration `yaml:"url_expiry"`
	} `yaml:"minio"`
	S3 struct {
		Endpoint  string        `yaml:"endpoint"`
		Region    string        `yaml:"region"`
		AccessKey string        `yaml:"access_key"`
		SecretKey string        `yaml:"secret_key"`
		Bucket    string        `yaml:"bucket"`
		PublicURL string        `yaml:"public_url"`
		URLExpiry time.Duration `yaml:"url_expiry"`
	} `yaml:"s3"`
	Provider struct {
		Endpoint     string        `yaml:"endpoint"`
		APIKey       string        `yaml:"api_key"`
		PollInterval time.Duration `yaml:"poll_interval"`
		Timeout      time.Duration `yaml:"timeout"`
		DefaultModel string        `yaml:"default_model"`
	} `yaml:"provider"`
	Gemini struct {
		APIKey string `yaml:"api_key"`
		Model  string `yaml:"model"`
	} `yaml:"gemini"`
	Media struct {
		FFmpegPath  string  `yaml:"ffmpeg_path"`
		FrameFormat string  `yaml:"frame_format"` // png | webp
		WebPQuality float32 `yaml:"webp_quality"`
	} `yaml:"media"`
	Pipeline struct {
		DefaultMode      string        `yaml:"default_mode"`
		RunTimeout       time.Duration `yaml:"run_timeout"`
		ScriptTimeout    time.Duration `yaml:"script_timeout"`
		SceneTimeout     time.Duration `yaml:"scene_timeout"`
		MaxParallel      int           `yaml:"max_parallel"`
		MaxSceneDuration float64       `yaml:"max_scene_duration"`
	} `yaml:"pipeline"`
	Worker struct {
		Concurrency int `yaml:"concurrency"`
	} `yaml:"worker"`
	Sweeper struct {
		Interval time.Duration `yaml:"interval"`
		Grace    time.Duration `yaml:"grace"`
	} `yaml:"sweeper"`
	Log struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		Output     string `yaml:"output"`
		FilePath   string `yaml:"file_path"`
		MaxSize    int    `yaml:"max_size"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAge     int    `yaml:"max_age"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"log"`
}

var AppConfig *Config

// InitConfig 读取配置文件并写入 AppConfig
func InitConfig(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	AppConfig = cfg
	return nil
}

// Load 读取 yaml 配置，.env 与环境变量覆盖敏感项
func Load(path string) (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	cfg := &Config{}
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	overrides := map[string]*string{
		"SERVER_PORT":       &c.Server.Port,
		"MYSQL_DSN":         &c.MySQL.DSN,
		"REDIS_ADDR":        &c.Redis.Addr,
		"REDIS_PASSWORD":    &c.Redis.Password,
		"NATS_URL":          &c.NATS.URL,
		"MINIO_ENDPOINT":    &c.MinIO.Endpoint,
		"MINIO_ACCESS_KEY":  &c.MinIO.AccessKey,
		"MINIO_SECRET_KEY":  &c.MinIO.SecretKey,
		"S3_ACCESS_KEY":     &c.S3.AccessKey,
		"S3_SECRET_KEY":     &c.S3.SecretKey,
		"PROVIDER_ENDPOINT": &c.Provider.Endpoint,
		"PROVIDER_API_KEY":  &c.Provider.APIKey,
		"GEMINI_API_KEY":    &c.Gemini.APIKey,
		"LOG_LEVEL":         &c.Log.Level,
	}
	for key, dst := range overrides {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "minio"
	}
	if c.Storage.TempDir == "" {
		c.Storage.TempDir = os.TempDir()
	}
	if c.MinIO.URLExpiry == 0 {
		c.MinIO.URLExpiry = 72 * time.Hour
	}
	if c.S3.URLExpiry == 0 {
		c.S3.URLExpiry = 72 * time.Hour
	}
	if c.S3.Region == "" {
		c.S3.Region = "auto"
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "sceneforge.progress"
	}
	if c.Provider.PollInterval == 0 {
		c.Provider.PollInterval = 3 * time.Second
	}
	if c.Provider.Timeout == 0 {
		c.Provider.Timeout = 30 * time.Minute
	}
	if c.Gemini.Model == "" {
		c.Gemini.Model = "gemini-1.5-flash"
	}
	if c.Media.FFmpegPath == "" {
		c.Media.FFmpegPath = "ffmpeg"
	}
	if c.Media.FrameFormat == "" {
		c.Media.FrameFormat = "png"
	}
	if c.Media.WebPQuality == 0 {
		c.Media.WebPQuality = 80
	}
	if c.Pipeline.DefaultMode == "" {
		c.Pipeline.DefaultMode = "sequential"
	}
	if c.Pipeline.RunTimeout == 0 {
		c.Pipeline.RunTimeout = 60 * time.Minute
	}
	if c.Pipeline.ScriptTimeout == 0 {
		c.Pipeline.ScriptTimeout = 90 * time.Second
	}
	if c.Pipeline.SceneTimeout == 0 {
		c.Pipeline.SceneTimeout = 20 * time.Minute
	}
	if c.Pipeline.MaxParallel == 0 {
		c.Pipeline.MaxParallel = 4
	}
	if c.Pipeline.MaxSceneDuration == 0 {
		c.Pipeline.MaxSceneDuration = 8
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 5
	}
	if c.Sweeper.Interval == 0 {
		c.Sweeper.Interval = 5 * time.Minute
	}
	if c.Sweeper.Grace == 0 {
		c.Sweeper.Grace = 10 * time.Minute
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}
	if c.Log.FilePath == "" {
		c.Log.FilePath = "logs/app.log"
	}
}

// Validate 检查启动必需的配置项
func (c *Config) Validate() error {
	var errs []error
	if c.MySQL.DSN == "" {
		errs = append(errs, errors.New("mysql.dsn is required"))
	} else if _, err := mysqldriver.ParseDSN(c.MySQL.DSN); err != nil {
		errs = append(errs, fmt.Errorf("mysql.dsn: %w", err))
	}
	switch strings.ToLower(c.Storage.Type) {
	case "minio", "s3":
	default:
		errs = append(errs, fmt.Errorf("storage.type %q is not supported", c.Storage.Type))
	}
	switch c.Pipeline.DefaultMode {
	case "sequential", "parallel":
	default:
		errs = append(errs, fmt.Errorf("pipeline.default_mode %q is not supported", c.Pipeline.DefaultMode))
	}
	if c.Pipeline.RunTimeout <= 0 || c.Pipeline.ScriptTimeout <= 0 || c.Pipeline.SceneTimeout <= 0 {
		errs = append(errs, errors.New("pipeline timeouts must be positive"))
	}
	if c.Pipeline.MaxSceneDuration <= 0 {
		errs = append(errs, errors.New("pipeline.max_scene_duration must be positive"))
	}
	return errors.Join(errs...)
}
