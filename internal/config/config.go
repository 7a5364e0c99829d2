// Copyright (C) 2024 The s3nbd authors

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"flag"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values
	// for all parameters will be used instead.
	defaultConfig = "/etc/s3nbd/config.toml"
)

var Cfg Config

// Configuration structure for the program. We use toml format for
// file-based configuration and all options can be overridden by the
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Null       bool  `toml:"null" env:"S3NBD_NULL" env-default:"false" env-description:"Use null backend, i.e. immediate acknowledge of reads and writes. For measuring the raw NBD path."`
	Size       int64 `toml:"size" env:"S3NBD_SIZE" env-default:"8" env-description:"Device size in GB."`
	BlockSize  int64 `toml:"block_size" env:"S3NBD_BLOCKSIZE" env-default:"4096" env-description:"Block size. 512 or 4096."`
	MaxRequest int64 `toml:"max_request" env:"S3NBD_MAXREQUEST" env-default:"32" env-description:"Largest single request in MB."`

	S3 struct {
		Bucket      string `toml:"bucket" env:"S3NBD_S3_BUCKET" env-description:"S3 Bucket name." env-default:"s3nbd"`
		Remote      string `toml:"remote" env:"S3NBD_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region      string `toml:"region" env:"S3NBD_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey   string `toml:"access_key" env:"S3NBD_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey   string `toml:"secret_key" env:"S3NBD_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
		Uploaders   int    `toml:"uploaders" env:"S3NBD_S3_UPLOADERS" env-description:"S3 Max number of uploader threads." env-default:"16"`
		Downloaders int    `toml:"downloaders" env:"S3NBD_S3_DOWNLOADERS" env-description:"S3 Max number of downloader threads." env-default:"16"`
	} `toml:"s3"`

	Cache struct {
		Blocks         int64  `toml:"blocks" env:"S3NBD_CACHE_BLOCKS" env-description:"Block cache capacity in blocks. 0 disables the cache." env-default:"0"`
		Path           string `toml:"path" env:"S3NBD_CACHE_PATH" env-description:"Cache file path. Empty keeps the cache in memory." env-default:""`
		PreloadWorkers int    `toml:"preload_workers" env:"S3NBD_CACHE_PRELOADWORKERS" env-description:"Concurrent backend fetches during cache warm-up." env-default:"8"`
	} `toml:"cache"`

	NBD struct {
		Network     string `toml:"network" env:"S3NBD_NBD_NETWORK" env-description:"Listener network, tcp or unix." env-default:"tcp"`
		Address     string `toml:"address" env:"S3NBD_NBD_ADDRESS" env-description:"Listen address or socket path." env-default:":10809"`
		Export      string `toml:"export" env:"S3NBD_NBD_EXPORT" env-description:"Export name presented during negotiation." env-default:"s3nbd"`
		Description string `toml:"description" env:"S3NBD_NBD_DESCRIPTION" env-description:"Export description." env-default:"Block device backed by s3"`
		ReadOnly    bool   `toml:"read_only" env:"S3NBD_NBD_READONLY" env-description:"Refuse writes." env-default:"false"`
	} `toml:"nbd"`

	Log struct {
		Level  int  `toml:"level" env:"S3NBD_LOG_LEVEL" env-description:"Log level." env-default:"-1"`
		Pretty bool `toml:"pretty" env:"S3NBD_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"S3NBD_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"S3NBD_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priority and the environment
// variables have the highest priority. It is perfectly fine to use just
// one of these or to combine them.
func Configure() error {
	flagSetup()
	return parse()
}

// Parse the configuration file and read the environment variables.
// After that do some value postprocessing and fill the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	Cfg.Size *= 1024 * 1024 * 1024
	Cfg.MaxRequest *= 1024 * 1024

	if Cfg.BlockSize != 512 {
		Cfg.BlockSize = 4096
	}

	// The device covers whole blocks only.
	Cfg.Size -= Cfg.Size % Cfg.BlockSize

	return nil
}

// Handle program flags.
func flagSetup() {
	f := flag.NewFlagSet("s3nbd", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(os.Args[1:])
}
