// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	tikvconfig "github.com/tikv/client-go/v2/config"

	"github.com/kvfs-project/kvfs/internal/cfg"
	"github.com/kvfs-project/kvfs/internal/clock"
	"github.com/kvfs-project/kvfs/internal/fileio"
	"github.com/kvfs-project/kvfs/internal/format"
	"github.com/kvfs-project/kvfs/internal/fscache"
	"github.com/kvfs-project/kvfs/internal/hashblock"
	"github.com/kvfs-project/kvfs/internal/kverrors"
	"github.com/kvfs-project/kvfs/internal/kvfs"
	"github.com/kvfs-project/kvfs/internal/kvstore/tikv"
	"github.com/kvfs-project/kvfs/internal/logger"
	"github.com/kvfs-project/kvfs/internal/txn"
)

// exit codes per spec: 0 clean unmount, 1 configuration error, 2 backend
// unreachable, 3 unexpected internal error.
const (
	exitOK             = 0
	exitConfigError    = 1
	exitBackendUnreach = 2
	exitInternal       = 3
)

// runMount dials the store, reconciles format/mount-instance state,
// assembles a kvfs.MountContext and hands the resulting FileSystem to
// fuse.Mount, the same overall shape as gcsfuse's mountWithStorageHandle
// but against TiKV rather than a GCS bucket handle. statusFD is the
// inherited daemon handshake fd from daemonize(), or -1 when running in
// the foreground with no parent waiting on a handshake.
func runMount(ctx context.Context, mountPoint string, c *cfg.Config, statusFD int) (err error) {
	reported := false
	if statusFD >= 0 {
		defer func() {
			if !reported {
				reportOutcome(statusFD, err)
			}
		}()
	}
	if err := logger.Init(logger.Config{
		Format:          c.Logging.Format,
		Severity:        c.Logging.Severity,
		FilePath:        c.Logging.FilePath,
		MaxFileSizeMb:   c.Logging.LogRotate.MaxFileSizeMb,
		BackupFileCount: c.Logging.LogRotate.BackupFileCount,
		Prefix:          "kvfs: ",
	}); err != nil {
		return exitErr(exitConfigError, fmt.Errorf("logger.Init: %w", err))
	}

	if len(c.PDEndpoints) == 0 {
		return exitErr(exitConfigError, fmt.Errorf("--pd-endpoints must name at least one TiKV PD endpoint"))
	}

	logger.Infof("dialing TiKV cluster: %s", strings.Join(c.PDEndpoints, ","))
	store, err := tikv.Dial(ctx, c.PDEndpoints, tikvconfig.Security{})
	if err != nil {
		return exitErr(exitBackendUnreach, fmt.Errorf("tikv.Dial: %w", err))
	}
	defer store.Close()

	meta, err := format.ReadStaticMeta(ctx, store)
	if err != nil {
		if kverrors.Is(err, kverrors.NotInitialized) {
			return exitErr(exitConfigError, fmt.Errorf("filesystem has never been formatted; run kvfsfmt first: %w", err))
		}
		return exitErr(exitBackendUnreach, fmt.Errorf("format.ReadStaticMeta: %w", err))
	}
	if meta.BlockSize != c.Format.BlockSize {
		return exitErr(exitConfigError, fmt.Errorf("configured block-size %d does not match formatted block-size %d", c.Format.BlockSize, meta.BlockSize))
	}

	mountInstance, err := format.BeginMount(ctx, store)
	if err != nil {
		return exitErr(exitBackendUnreach, fmt.Errorf("format.BeginMount: %w", err))
	}
	cleared, err := format.ReconcileOpenHandles(ctx, store, mountInstance)
	if err != nil {
		return exitErr(exitBackendUnreach, fmt.Errorf("format.ReconcileOpenHandles: %w", err))
	}
	if cleared > 0 {
		logger.Warnf("reconciled %d stale open-handle entries left by a prior mount", cleared)
	}

	hasher, err := hashblock.NewHasher(meta.HashAlgorithm)
	if err != nil {
		return exitErr(exitConfigError, fmt.Errorf("hashblock.NewHasher: %w", err))
	}

	blockCache, err := fscache.NewBlockCache(c.CacheBytes, c.CacheEntries)
	if err != nil {
		return exitErr(exitConfigError, fmt.Errorf("fscache.NewBlockCache: %w", err))
	}
	attrCache, err := fscache.NewAttrCache(c.CacheEntries)
	if err != nil {
		return exitErr(exitConfigError, fmt.Errorf("fscache.NewAttrCache: %w", err))
	}

	runner := txn.NewRunner(store, clock.RealClock{}, c.AdmissionLimit)

	mc := &kvfs.MountContext{
		Store: store,
		Runner: runner,
		Geometry: fileio.Geometry{
			BlockSize:       meta.BlockSize,
			InlineThreshold: c.Format.InlineThreshold,
		},
		Hasher:        hasher,
		BlockCache:    blockCache,
		AttrCache:     attrCache,
		MountInstance: mountInstance,
		Clock:         clock.RealClock{},
		HashedBlocks:  meta.HashedBlocks,
		DirMode:       uint32(c.FileSystem.DirMode),
		FileMode:      uint32(c.FileSystem.FileMode),
	}

	fsImpl := kvfs.NewFileSystem(mc)
	server := fuseutil.NewFileSystemServer(fsImpl)

	mountCfg := getFuseMountConfig(c)
	logger.Infof("mounting kvfs at %q", mountPoint)
	mfs, err := fuse.Mount(mountPoint, server, mountCfg)
	if err != nil {
		return exitErr(exitInternal, fmt.Errorf("fuse.Mount: %w", err))
	}
	if statusFD >= 0 {
		reportOutcome(statusFD, nil)
		reported = true
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Infof("received signal, unmounting %q", mountPoint)
		if err := fuse.Unmount(mountPoint); err != nil {
			logger.Errorf("fuse.Unmount: %v", err)
		}
	}()

	if err := mfs.Join(ctx); err != nil {
		return exitErr(exitInternal, fmt.Errorf("MountedFileSystem.Join: %w", err))
	}
	logger.Infof("unmounted %q cleanly", mountPoint)
	return nil
}

// getFuseMountConfig mirrors gcsfuse's cmd/mount.go getFuseMountConfig:
// POSIX mount options parsed from the comma-separated --options flag,
// plus severity-gated error/debug loggers adapted to jacobsa/fuse's
// legacy *log.Logger expectation.
func getFuseMountConfig(c *cfg.Config) *fuse.MountConfig {
	parsedOptions := make(map[string]string)
	for _, o := range cfg.ParseMountOptions(c.FileSystem.Options) {
		kv := strings.SplitN(o, "=", 2)
		if len(kv) == 2 {
			parsedOptions[kv[0]] = kv[1]
		} else if kv[0] != "" {
			parsedOptions[kv[0]] = ""
		}
	}

	mountCfg := &fuse.MountConfig{
		FSName:     "kvfs",
		Subtype:    "kvfs",
		VolumeName: "kvfs",
		Options:    parsedOptions,
	}

	switch c.Logging.Severity {
	case logger.Off:
	case logger.Trace:
		mountCfg.DebugLogger = logger.NewLegacyLogger(logger.LevelTrace, "fuse_debug: ", "kvfs")
		mountCfg.ErrorLogger = logger.NewLegacyLogger(logger.LevelError, "fuse: ", "kvfs")
	default:
		mountCfg.ErrorLogger = logger.NewLegacyLogger(logger.LevelError, "fuse: ", "kvfs")
	}
	return mountCfg
}

func exitErr(code int, err error) error {
	return &cliError{code: code, err: err}
}

// cliError tags an error with the exit code root.go's Execute should use,
// following gcsfuse's run()-returns-exit-code convention rather than
// calling os.Exit deep inside the mount path.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

// exitCode extracts the intended process exit status from an error
// returned by runMount, defaulting to the "unexpected internal error"
// code for anything not explicitly classified.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ce *cliError
	if ok := asCliError(err, &ce); ok {
		return ce.code
	}
	return exitInternal
}

func asCliError(err error, target **cliError) bool {
	for err != nil {
		if ce, ok := err.(*cliError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
