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

// Command kvfs mounts a kvfs filesystem against a TiKV cluster, using a
// cobra-driven entrypoint (cobra.OnInitialize(initConfig),
// cfg.BindFlags, viper.Unmarshal).
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kvfs-project/kvfs/internal/cfg"
)

var (
	cfgFile       string
	bindErr       error
	configFileErr error
	unmarshalErr  error
	MountConfig   cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "kvfs [flags] mount_point",
	Short: "Mount a kvfs filesystem backed by a TiKV cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return exitErr(exitConfigError, bindErr)
		}
		if configFileErr != nil {
			return exitErr(exitConfigError, configFileErr)
		}
		if unmarshalErr != nil {
			return exitErr(exitConfigError, unmarshalErr)
		}
		if err := cfg.ValidateConfig(&MountConfig); err != nil {
			return exitErr(exitConfigError, err)
		}
		mountPoint, err := resolvePath(args[0])
		if err != nil {
			return exitErr(exitConfigError, fmt.Errorf("canonicalizing mount point: %w", err))
		}

		// The re-exec'd child always runs with --foreground, so it is
		// recognised by its status fd before the foreground check.
		if fd, ok := daemonChild(); ok {
			return runMount(cmd.Context(), mountPoint, &MountConfig, fd)
		}
		if !MountConfig.FileSystem.Foreground {
			return daemonize()
		}
		return runMount(cmd.Context(), mountPoint, &MountConfig, -1)
	},
}

// resolvePath makes p absolute, the same canonicalization cmd/root.go's
// populateArgs applies to the mount point before use (the background
// re-exec in daemonize.go keeps the working directory, but an absolute
// path still avoids surprises if the process chdirs for any other reason).
func resolvePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("path must be specified")
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCode(err)
	}
	return exitOK
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file.")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	viper.SetDefault("format", cfg.Defaults().Format)
	viper.SetDefault("file-system", cfg.Defaults().FileSystem)
	viper.SetDefault("logging", cfg.Defaults().Logging)
	viper.SetDefault("cache-bytes", cfg.Defaults().CacheBytes)
	viper.SetDefault("cache-entries", cfg.Defaults().CacheEntries)
	viper.SetDefault("admission-limit", cfg.Defaults().AdmissionLimit)
	viper.SetDefault("txn-retry-attempts", cfg.Defaults().TxnRetryAttempts)

	if cfgFile == "" {
		unmarshalErr = viper.Unmarshal(&MountConfig)
		return
	}
	resolved, err := resolvePath(cfgFile)
	if err != nil {
		configFileErr = fmt.Errorf("error while resolving config file path: %w", err)
		return
	}
	viper.SetConfigFile(resolved)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		configFileErr = fmt.Errorf("error while reading config file: %w", err)
		return
	}
	unmarshalErr = viper.Unmarshal(&MountConfig)
}

func main() {
	os.Exit(Execute())
}
