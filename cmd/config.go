package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/harshul/scope-launcher/internal/config"
	"github.com/harshul/scope-launcher/internal/secrets"
	"github.com/harshul/scope-launcher/internal/ui"
)

// configCmd groups the config subcommands
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Write or print the launcher configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config.yaml with the default settings",
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration, including environment overrides",
	RunE:  runConfigShow,
}

var configEnvCmd = &cobra.Command{
	Use:   "env",
	Short: "List the variables passed to the backend from its .env file",
	RunE:  runConfigEnvList,
}

var configEnvSetCmd = &cobra.Command{
	Use:   "set KEY=VALUE...",
	Short: "Add or update variables in the backend .env file",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runConfigEnvSet,
}

func init() {
	configInitCmd.Flags().BoolP("force", "f", false, "Overwrite an existing config.yaml")
	configEnvCmd.Flags().Bool("reveal", false, "Print credential values in clear")
	configEnvCmd.AddCommand(configEnvSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEnvCmd)
}

// promptable is false in tests and when stdin is not a terminal.
var promptable = func() bool { return isatty.IsTerminal(os.Stdin.Fd()) }

func configPath(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return path
	}
	return filepath.Join(config.DefaultDataDir(), config.FileName)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")
	path := configPath(cmd)

	if _, err := os.Stat(path); err == nil && !force {
		if !promptable() {
			return fmt.Errorf("configuration file already exists at %s. Use --force to overwrite", path)
		}
		ok, err := ui.Confirm("Overwrite "+path+"?", "The current settings will be replaced by the defaults.", false)
		if err != nil {
			return err
		}
		if !ok {
			ui.Info("Left " + path + " unchanged")
			return nil
		}
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	cfg := config.Default()
	if err := config.Write(path, cfg); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}
	ui.Success("Configuration written to " + path)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath(cmd))
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func envFilePath(cmd *cobra.Command) (string, error) {
	cfg, err := config.Load(configPath(cmd))
	if err != nil {
		return "", err
	}
	if cfg.Backend.EnvFile == "" {
		return "", errors.New("backend.env_file is empty in the configuration")
	}
	return filepath.Join(cfg.ProjectDir(), cfg.Backend.EnvFile), nil
}

func runConfigEnvList(cmd *cobra.Command, args []string) error {
	path, err := envFilePath(cmd)
	if err != nil {
		return err
	}
	vars, err := secrets.ReadEnvFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(vars) == 0 {
		ui.Info("No variables in " + path)
		return nil
	}

	reveal, _ := cmd.Flags().GetBool("reveal")
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := vars[k]
		if !reveal && secrets.IsSensitiveKey(k) {
			v = secrets.MaskValue(v)
		}
		ui.Line(k + "=" + v)
	}
	return nil
}

func runConfigEnvSet(cmd *cobra.Command, args []string) error {
	values := make(map[string]string, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("invalid assignment %q, expected KEY=VALUE", arg)
		}
		values[strings.TrimSpace(k)] = v
	}

	path, err := envFilePath(cmd)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := secrets.WriteEnvFile(path, values); err != nil {
		return fmt.Errorf("failed to update %s: %w", path, err)
	}
	ui.Success(fmt.Sprintf("Updated %d variable(s) in %s", len(values), path))
	ui.Info("Restart the backend for the change to take effect")
	return nil
}
