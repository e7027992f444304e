package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	CacheDir         string
	DownloadDir      string
	ListenPort       uint16 // read from LISTEN_PORT; the coordinator does not use it and always binds an ephemeral port
	AnnounceInterval time.Duration
	DB               *DBConfig
}

func NewAppConfig() *AppConfig {
	cacheDir := os.Getenv("CACHE_DIR")
	if cacheDir == "" {
		cacheDir = "storage/cache"
	}

	downloadDir := os.Getenv("DOWNLOAD_DIR")
	if downloadDir == "" {
		downloadDir = "storage/downloads"
	}

	var listenPort uint16
	if v := os.Getenv("LISTEN_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 65535 {
			listenPort = uint16(n)
		}
	}

	announceInterval := 60 * time.Second
	if v := os.Getenv("ANNOUNCE_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			announceInterval = time.Duration(n) * time.Second
		}
	}

	dbConf := NewDBConfig()

	return &AppConfig{
		CacheDir:         cacheDir,
		DownloadDir:      downloadDir,
		ListenPort:       listenPort,
		AnnounceInterval: announceInterval,
		DB:               dbConf,
	}
}

var Main *AppConfig

func init() {
	_ = godotenv.Load()
	Main = NewAppConfig()
}
