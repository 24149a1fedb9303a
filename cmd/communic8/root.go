package main

import (
	"github.com/opd-ai/communic8/config"
	"github.com/spf13/cobra"
)

var (
	envFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "communic8",
	Short:         "Chat negotiation server and peer-to-peer chat client",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var files []string
		if envFile != "" {
			files = append(files, envFile)
		}
		var err error
		if cfg, err = config.Load(files...); err != nil {
			return err
		}
		applyFlags(cmd)
		return cfg.ConfigureLogging()
	},
}

// Execute runs the command line.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&envFile, "env-file", "", "env file to load (default .env if present)")
	flags.String("log-level", "", "log level: trace, debug, info, warn, error")
	flags.String("log-format", "", "log format: text or json")
	flags.String("noise-key", "", "hex private key enabling Noise encryption")
	flags.Duration("response-timeout", 0, "how long to wait for a response")
}

// applyFlags overrides the loaded configuration with flags the user set.
func applyFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	setString := func(name string, target *string) {
		if flags.Changed(name) {
			*target, _ = flags.GetString(name)
		}
	}
	setString("log-level", &cfg.LogLevel)
	setString("log-format", &cfg.LogFormat)
	setString("noise-key", &cfg.NoiseKey)
	setString("listen", &cfg.ListenAddr)
	setString("discovery", &cfg.DiscoveryAddr)
	setString("metrics", &cfg.MetricsAddr)
	setString("server", &cfg.ServerAddr)
	setString("download-dir", &cfg.DownloadDir)
	setString("proxy", &cfg.Proxy)

	if flags.Changed("response-timeout") {
		cfg.ResponseTimeout, _ = flags.GetDuration("response-timeout")
	}
	if flags.Changed("block-size") {
		cfg.BlockSize, _ = flags.GetInt64("block-size")
	}
	if flags.Changed("keep-partial") {
		cfg.KeepPartial, _ = flags.GetBool("keep-partial")
	}
}
