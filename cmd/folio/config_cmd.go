package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/folio"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage folio configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.folio/" + folio.DefaultConfigFileName
	if dir, err := folio.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, folio.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default folio configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := folio.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, folio.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o700); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the persistent flags; keys match flag names so viper
// reads the file without a translation table.
type configDefaults struct {
	Server               string `yaml:"server"`
	Timeout              string `yaml:"timeout"`
	RenewTimeout         string `yaml:"renew-timeout"`
	TokenFile            string `yaml:"token-file"`
	MaskKey              int    `yaml:"mask-key"`
	ViewportWidth        int    `yaml:"viewport-width"`
	ViewportHeight       int    `yaml:"viewport-height"`
	NoPrefetch           bool   `yaml:"no-prefetch"`
	OTLPEndpoint         string `yaml:"otlp-endpoint"`
	MetricsListen        string `yaml:"metrics-listen"`
	EnableRuntimeMetrics bool   `yaml:"enable-runtime-metrics"`
	LogLevel             string `yaml:"log-level"`
}

func defaultConfigYAML() ([]byte, error) {
	tokenFile := "~/.folio/" + folio.DefaultTokenFileName
	if path, err := folio.DefaultTokenPath(); err == nil {
		tokenFile = path
	}
	defaults := configDefaults{
		Server:        folio.DefaultServer,
		Timeout:       folio.DefaultHTTPTimeout.String(),
		RenewTimeout:  folio.DefaultRenewTimeout.String(),
		TokenFile:     tokenFile,
		MaskKey:       int(folio.DefaultMaskKey),
		MetricsListen: folio.DefaultMetricsListen,
		LogLevel:      "none",
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	return data, nil
}
