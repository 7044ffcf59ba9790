/*
Copyright © 2022 SUSE LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cmd wires the agent's cobra commands to pkg/action, building one
// *config.Config per invocation from flags, environment variables and the
// well-known on-disk defaults, following the teacher's cmd/config package
// viper-merging idiom (flags > env > config-dir YAML > compiled-in default).
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/mount-utils"

	"github.com/rancher-sandbox/hostagent/pkg/config"
	elementalError "github.com/rancher-sandbox/hostagent/pkg/error"
	"github.com/rancher-sandbox/hostagent/pkg/types"
)

// Version is recorded as the agent version of every servicing operation and
// offline initialization this process stages; overridden at build time via
// -ldflags "-X ...cmd.Version=...".
var Version = "0.0.0-dev"

var rootCmd = &cobra.Command{
	Use:           "hostagent",
	Short:         "host-servicing agent: installs, updates and rolls back a host from a declarative configuration",
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config-dir", "c", "/etc/hostagent", "Directory holding config.yaml")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().Bool("quiet", false, "Disable logging to stdout")
	rootCmd.PersistentFlags().String("logfile", "", "Also write logs to this file")
	rootCmd.PersistentFlags().String("datastore", "", "Override the persistent datastore path")

	_ = viper.BindPFlags(rootCmd.PersistentFlags())
}

// Execute runs the selected subcommand and returns the process exit code
// the caller should exit with.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		return elementalError.ProcessExitCode(err)
	}
	return 0
}

// viperReadEnv lets HOSTAGENT_-prefixed environment variables override
// config-file values; flags that were set on the command line still take
// precedence over them.
func viperReadEnv() {
	viper.SetEnvPrefix("HOSTAGENT")
	viper.AutomaticEnv()
}

// buildConfig assembles *config.Config for the current invocation: it reads
// config-dir's config.yaml (if present), layers environment variables and
// flags on top, configures the logger, and returns a Config with every
// subsystem dependency defaulted to its production implementation.
func buildConfig(cmd *cobra.Command) (*config.Config, error) {
	_ = viper.BindPFlags(cmd.Flags())
	viperReadEnv()

	configDir, _ := cmd.Flags().GetString("config-dir")
	if configDir != "" {
		viper.AddConfigPath(configDir)
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
		if err := viper.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read %s/config.yaml: %w", configDir, err)
			}
		}
	}

	logger := types.NewLogger()
	configureLogger(logger)

	opts := []config.Option{
		config.WithFs(afero.NewOsFs()),
		config.WithLogger(logger),
		config.WithMounter(mount.New("mount")),
		config.WithAgentVersion(Version),
	}
	if ds := viper.GetString("datastore"); ds != "" {
		opts = append(opts, config.WithDatastorePath(ds))
	}
	if viper.GetBool("strict") {
		opts = append(opts, config.WithStrict(true))
	}

	return config.New(opts...), nil
}

// configureLogger mirrors the teacher's configLogger: a plain text
// formatter, debug level when requested, and stdout/logfile/both/neither
// output routing depending on the --quiet and --logfile flags.
func configureLogger(log types.Logger) {
	if viper.GetBool("debug") {
		log.SetLevel(logrus.DebugLevel)
	}
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	logfile := viper.GetString("logfile")
	quiet := viper.GetBool("quiet")

	switch {
	case logfile != "":
		f, err := os.OpenFile(logfile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			log.Errorf("could not open %q for logging: %s", logfile, err)
			return
		}
		if quiet {
			log.SetOutput(f)
		} else {
			log.SetOutput(io.MultiWriter(os.Stdout, f))
		}
	case quiet:
		log.SetOutput(io.Discard)
	default:
		log.SetOutput(os.Stdout)
	}
}
