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

// Command kvfsfmt writes the static-meta singleton and root inode a kvfs
// mount needs before it can be mounted (spec.md §3, §4.11), the same
// one-shot, non-daemonizing CLI shape as gcsfuse's standalone helper
// binaries under gcsfuse_mount_helper/.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	tikvconfig "github.com/tikv/client-go/v2/config"

	"github.com/kvfs-project/kvfs/internal/cfg"
	"github.com/kvfs-project/kvfs/internal/format"
	"github.com/kvfs-project/kvfs/internal/kvstore/tikv"
	"github.com/kvfs-project/kvfs/internal/logger"
	"github.com/kvfs-project/kvfs/internal/record"
)

const (
	exitOK          = 0
	exitConfigError = 1
	exitBackendErr  = 2
)

var (
	pdEndpointsFlag string
	blockSizeFlag   uint64
	inlineFlag      uint64
	hashAlgoFlag    string
	hashedFlag      bool
	forceFlag       bool
	encodingFlag    string
	uidFlag         uint32
	gidFlag         uint32
	modeFlag        string
)

var rootCmd = &cobra.Command{
	Use:   "kvfsfmt --pd-endpoints=host:port[,host:port...]",
	Short: "Format a TiKV cluster for use as a kvfs backing store",
	Args:  cobra.NoArgs,
	RunE:  runFormat,
}

func init() {
	flags := rootCmd.Flags()
	d := cfg.Defaults()
	flags.StringVar(&pdEndpointsFlag, "pd-endpoints", "", "Comma-separated TiKV PD endpoints.")
	flags.Uint64Var(&blockSizeFlag, "block-size", d.Format.BlockSize, "Block size in bytes (power of two, >=512).")
	flags.Uint64Var(&inlineFlag, "inline-threshold", d.Format.InlineThreshold, "Inline-data threshold in bytes.")
	flags.StringVar(&hashAlgoFlag, "hash-algorithm", string(d.Format.HashAlgorithm), "Content hash algorithm: blake3 or sha256.")
	flags.BoolVar(&hashedFlag, "hashed-blocks", d.Format.HashedBlocks, "Content-address blocks by hash for dedup.")
	flags.BoolVar(&forceFlag, "force", false, "Reformat even if static meta already exists.")
	flags.StringVar(&encodingFlag, "encoding", string(record.EncodingGob), "Encoding name recorded in static meta: gob or yaml (values are gob-encoded either way).")
	flags.Uint32Var(&uidFlag, "root-uid", 0, "Owning uid for the root inode.")
	flags.Uint32Var(&gidFlag, "root-gid", 0, "Owning gid for the root inode.")
	flags.StringVar(&modeFlag, "root-mode", "0755", "Octal permission bits for the root inode.")
}

func runFormat(cmd *cobra.Command, args []string) error {
	if err := logger.Init(logger.Config{Format: "text", Severity: logger.Info, Prefix: "kvfsfmt: "}); err != nil {
		return exitErr(exitConfigError, err)
	}

	endpoints := cfg.ParsePDEndpoints(pdEndpointsFlag)
	if len(endpoints) == 0 {
		return exitErr(exitConfigError, fmt.Errorf("--pd-endpoints must name at least one TiKV PD endpoint"))
	}

	var rootMode cfg.Octal
	if err := rootMode.UnmarshalText([]byte(modeFlag)); err != nil {
		return exitErr(exitConfigError, err)
	}

	formatCfg := cfg.FormatConfig{
		BlockSize:       blockSizeFlag,
		InlineThreshold: inlineFlag,
		HashAlgorithm:   cfg.HashAlgorithm(hashAlgoFlag),
		HashedBlocks:    hashedFlag,
		Force:           forceFlag,
	}
	if err := validateFormatFlags(&formatCfg, encodingFlag); err != nil {
		return exitErr(exitConfigError, err)
	}

	ctx := context.Background()
	logger.Infof("dialing TiKV cluster: %v", endpoints)
	store, err := tikv.Dial(ctx, endpoints, tikvconfig.Security{})
	if err != nil {
		return exitErr(exitBackendErr, fmt.Errorf("tikv.Dial: %w", err))
	}
	defer store.Close()

	opts := format.Options{
		BlockSize:     formatCfg.BlockSize,
		HashedBlocks:  formatCfg.HashedBlocks,
		HashAlgorithm: string(formatCfg.HashAlgorithm),
		Encoding:      record.Encoding(encodingFlag),
		Force:         formatCfg.Force,
		RootUid:       uidFlag,
		RootGid:       gidFlag,
		RootMode:      uint32(rootMode),
		Now:           time.Now(),
	}
	if err := format.Format(ctx, store, opts); err != nil {
		return exitErr(exitBackendErr, fmt.Errorf("format.Format: %w", err))
	}
	fmt.Printf("formatted: block-size=%d hash-algorithm=%s hashed-blocks=%t\n", opts.BlockSize, opts.HashAlgorithm, opts.HashedBlocks)
	return nil
}

// validateFormatFlags reuses cfg's format validation plus the one extra
// check (serializer name) kvfsfmt alone needs to make.
func validateFormatFlags(f *cfg.FormatConfig, encoding string) error {
	tmp := cfg.Config{Format: *f, Logging: cfg.Defaults().Logging, PDEndpoints: []string{"placeholder"}, TxnRetryAttempts: 1}
	if err := cfg.ValidateConfig(&tmp); err != nil {
		return err
	}
	switch record.Encoding(encoding) {
	case record.EncodingGob, record.EncodingYAML:
	default:
		return fmt.Errorf("invalid --encoding %q: must be gob or yaml", encoding)
	}
	return nil
}

type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func exitErr(code int, err error) error {
	return &cliError{code: code, err: err}
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if ce, ok := err.(*cliError); ok {
		return ce.code
	}
	return exitBackendErr
}

func main() {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}
