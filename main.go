// Copyright (C) 2024 The s3nbd authors

// s3nbd is a userspace daemon exposing object storage as a network
// block device. NBD clients see an ordinary byte-addressable device;
// underneath, every request is decomposed into block-aligned pieces and
// dispatched against an s3 bucket holding one object per block.
//
// Project structure is following:
//
// - internal contains all packages used by this program. The name
// "internal" is reserved by the go compiler and disallows imports from
// different projects. Since we don't provide any reusable packages, we
// use the internal directory.
//
// - internal/device is the core: boundary decomposition of byte ranges
// and the dispatchers driving the backing store. It has no dependency
// on the NBD runtime and is tested in isolation.
//
// - internal/store contains the backing store contract and its
// implementations: s3, a write-through block cache, an in-memory store
// and a null store for benchmarking.
//
// - internal/export/nbd serves the device to NBD clients.
//
// - internal/config contains the configuration package common to all
// backends.
package main

import (
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/s3nbd/s3nbd/internal/config"
	"github.com/s3nbd/s3nbd/internal/device"
	"github.com/s3nbd/s3nbd/internal/export/nbd"
	"github.com/s3nbd/s3nbd/internal/store"
	"github.com/s3nbd/s3nbd/internal/store/cache"
	"github.com/s3nbd/s3nbd/internal/store/null"
	"github.com/s3nbd/s3nbd/internal/store/s3"
)

// Parse configuration from file and environment variables, build the
// store chain and the device over it, and serve NBD clients until
// SIGINT or SIGTERM asks for a graceful finish.
func main() {
	err := config.Configure()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	blockStore, blockCache, err := getBlockStore(config.Cfg.Null)
	if err != nil {
		log.Panic().Err(err).Send()
	}

	dev := device.New(blockStore, device.Options{
		BlockSize:   config.Cfg.BlockSize,
		Size:        config.Cfg.Size,
		MaxRequest:  config.Cfg.MaxRequest,
		CacheBlocks: config.Cfg.Cache.Blocks,
	})

	ln, err := net.Listen(config.Cfg.NBD.Network, config.Cfg.NBD.Address)
	if err != nil {
		log.Panic().Err(err).Send()
	}

	log.Info().
		Str("address", config.Cfg.NBD.Address).
		Int64("size", dev.Size()).
		Int64("block_size", dev.BlockSize()).
		Msg("serving NBD export")

	registerSigHandlers(ln, blockCache)

	err = nbd.Serve(ln, dev, nbd.Options{
		Name:        config.Cfg.NBD.Export,
		Description: config.Cfg.NBD.Description,
		ReadOnly:    config.Cfg.NBD.ReadOnly,
	})
	if err != nil {
		log.Error().Err(err).Send()
	}

	if err := dev.Sync(); err != nil {
		log.Error().Err(err).Send()
	}
	if blockCache != nil {
		blockCache.Close()
	}

	log.Info().Msg("shut down")
}

// Return the null store if the user wants it, otherwise the s3 store,
// which is the default, wrapped in a block cache when one is
// configured. The cache is also returned directly so the signal
// handler can drop it.
func getBlockStore(wantNull bool) (store.BlockStore, *cache.Cache, error) {
	if wantNull {
		return null.New(), nil, nil
	}

	s3Store, err := s3.New(s3.Options{
		Remote:      config.Cfg.S3.Remote,
		Region:      config.Cfg.S3.Region,
		Bucket:      config.Cfg.S3.Bucket,
		AccessKey:   config.Cfg.S3.AccessKey,
		SecretKey:   config.Cfg.S3.SecretKey,
		BlockSize:   config.Cfg.BlockSize,
		Uploaders:   config.Cfg.S3.Uploaders,
		Downloaders: config.Cfg.S3.Downloaders,
	})
	if err != nil {
		return nil, nil, err
	}

	if config.Cfg.Cache.Blocks == 0 {
		return s3Store, nil, nil
	}

	blockCache, err := cache.New(s3Store, cache.Options{
		BlockSize:      config.Cfg.BlockSize,
		Blocks:         config.Cfg.Cache.Blocks,
		Path:           config.Cfg.Cache.Path,
		PreloadWorkers: config.Cfg.Cache.PreloadWorkers,
	})
	if err != nil {
		return nil, nil, err
	}

	return blockCache, blockCache, nil
}

// Register handlers for graceful stop on SIGINT or SIGTERM and for
// dropping the block cache on SIGUSR1.
func registerSigHandlers(ln net.Listener, blockCache *cache.Cache) {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	go func() {
		<-stopChan
		log.Info().Msg("received interrupt, stopping NBD listener")
		ln.Close()
	}()

	if blockCache != nil {
		dropChan := make(chan os.Signal, 1)
		signal.Notify(dropChan, syscall.SIGUSR1)
		go func() {
			for range dropChan {
				log.Info().Msg("received SIGUSR1, dropping block cache")
				blockCache.Drop()
			}
		}()
	}
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for performance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
