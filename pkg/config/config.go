package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/wagate/pkg/constant"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App      App      `yaml:"app"`
	Database Database `yaml:"database"`
	Ingest   Ingest   `yaml:"ingest"`
	WhatsApp WhatsApp `yaml:"whatsapp"`
	Allows   Allows   `yaml:"allows"`
}

type App struct {
	Name    string `yaml:"name"`
	Port    string `yaml:"port"`
	Host    string `yaml:"host"`
	DataDir string `yaml:"data_dir"`
}

type Database struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
	User string `yaml:"user"`
	Pass string `yaml:"pass"`
	Name string `yaml:"name"`
}

type Retry struct {
	BaseMs      int `yaml:"base_ms"`
	MaxMs       int `yaml:"max_ms"`
	MaxAttempts int `yaml:"max_attempts"`
	HorizonMs   int `yaml:"horizon_ms"`
}

type Ingest struct {
	LogPath            string `yaml:"log_path"`
	CheckpointPath     string `yaml:"checkpoint_path"`
	DLQPath            string `yaml:"dlq_path"`
	QueueCapacity      int    `yaml:"queue_capacity"`
	BatchSize          int    `yaml:"batch_size"`
	BatchMaxWaitMs     int    `yaml:"batch_max_wait_ms"`
	Workers            int    `yaml:"workers"`
	Retry              Retry  `yaml:"retry"`
	ReadyMaxQueueDepth int    `yaml:"ready_max_queue_depth"`
}

type WhatsApp struct {
	SessionsDir string `yaml:"sessions_dir"`
	QRTimeoutS  int    `yaml:"qr_timeout_s"`
}

type Allows struct {
	Methods []string `yaml:"methods"`
	Origins []string `yaml:"origins"`
	Headers []string `yaml:"headers"`
}

func InitConfig() *Config {
	var configs Config
	file_name, _ := filepath.Abs("./config.yaml")
	yaml_file, _ := os.ReadFile(file_name)
	yaml.Unmarshal(yaml_file, &configs)

	// Override with environment variables if they exist (for Docker)
	if dbHost := os.Getenv("DB_HOST"); dbHost != "" {
		configs.Database.Host = dbHost
	}
	if dbPort := os.Getenv("DB_PORT"); dbPort != "" {
		configs.Database.Port = dbPort
	}
	if dbUser := os.Getenv("DB_USER"); dbUser != "" {
		configs.Database.User = dbUser
	}
	if dbPassword := os.Getenv("DB_PASSWORD"); dbPassword != "" {
		configs.Database.Pass = dbPassword
	}
	if dbName := os.Getenv("DB_NAME"); dbName != "" {
		configs.Database.Name = dbName
	}

	// Override app configuration with environment variables
	if appHost := os.Getenv("APP_HOST"); appHost != "" {
		configs.App.Host = appHost
	}
	if appPort := os.Getenv("APP_PORT"); appPort != "" {
		configs.App.Port = appPort
	}
	if appName := os.Getenv("APP_NAME"); appName != "" {
		configs.App.Name = appName
	}
	if dataDir := os.Getenv("APP_DATA_DIR"); dataDir != "" {
		configs.App.DataDir = dataDir
	}
	if sessionsDir := os.Getenv("WA_SESSIONS_DIR"); sessionsDir != "" {
		configs.WhatsApp.SessionsDir = sessionsDir
	}

	overrideIngest(&configs.Ingest)
	applyDefaults(&configs)

	return &configs
}

func overrideIngest(ing *Ingest) {
	if v := os.Getenv("INGEST_LOG_PATH"); v != "" {
		ing.LogPath = v
	}
	if v := os.Getenv("INGEST_CHECKPOINT_PATH"); v != "" {
		ing.CheckpointPath = v
	}
	if v := os.Getenv("INGEST_DLQ_PATH"); v != "" {
		ing.DLQPath = v
	}
	envInt("INGEST_QUEUE_CAPACITY", &ing.QueueCapacity)
	envInt("INGEST_BATCH_SIZE", &ing.BatchSize)
	envInt("INGEST_BATCH_MAX_WAIT_MS", &ing.BatchMaxWaitMs)
	envInt("INGEST_WORKERS", &ing.Workers)
	envInt("INGEST_RETRY_BASE_MS", &ing.Retry.BaseMs)
	envInt("INGEST_RETRY_MAX_MS", &ing.Retry.MaxMs)
	envInt("INGEST_RETRY_MAX_ATTEMPTS", &ing.Retry.MaxAttempts)
	envInt("INGEST_RETRY_MAX_HORIZON_MS", &ing.Retry.HorizonMs)
	envInt("INGEST_READY_MAX_QUEUE_DEPTH", &ing.ReadyMaxQueueDepth)
}

func envInt(name string, target *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*target = n
	}
}

func applyDefaults(configs *Config) {
	if configs.App.DataDir == "" {
		configs.App.DataDir = "./data"
	}
	if configs.WhatsApp.SessionsDir == "" {
		configs.WhatsApp.SessionsDir = filepath.Join(configs.App.DataDir, "sessions")
	}
	if configs.WhatsApp.QRTimeoutS <= 0 {
		configs.WhatsApp.QRTimeoutS = 300
	}

	ing := &configs.Ingest
	if ing.LogPath == "" {
		ing.LogPath = filepath.Join(configs.App.DataDir, "ingestion.log")
	}
	if ing.CheckpointPath == "" {
		ing.CheckpointPath = filepath.Join(configs.App.DataDir, "ingestion.offset")
	}
	if ing.DLQPath == "" {
		ing.DLQPath = filepath.Join(configs.App.DataDir, "dlq.log")
	}
	if ing.QueueCapacity <= 0 {
		ing.QueueCapacity = constant.DefaultQueueCapacity
	}
	if ing.BatchSize <= 0 {
		ing.BatchSize = constant.DefaultBatchSize
	}
	if ing.BatchMaxWaitMs <= 0 {
		ing.BatchMaxWaitMs = constant.DefaultBatchMaxWaitMs
	}
	if ing.Workers <= 0 {
		ing.Workers = constant.DefaultWorkers
	}
	if ing.Retry.BaseMs <= 0 {
		ing.Retry.BaseMs = constant.DefaultRetryBaseMs
	}
	if ing.Retry.MaxMs <= 0 {
		ing.Retry.MaxMs = constant.DefaultRetryMaxMs
	}
	if ing.Retry.MaxAttempts <= 0 {
		ing.Retry.MaxAttempts = constant.DefaultRetryMaxAttempts
	}
	if ing.Retry.HorizonMs <= 0 {
		ing.Retry.HorizonMs = constant.DefaultRetryHorizonMs
	}
	if ing.ReadyMaxQueueDepth <= 0 {
		ing.ReadyMaxQueueDepth = ing.QueueCapacity * 9 / 10
	}
}
