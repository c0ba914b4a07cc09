package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/waywire/waywire/catalog"
	catalogxml "github.com/waywire/waywire/catalog/xml"
	"github.com/waywire/waywire/frontend"
	"github.com/waywire/waywire/tracelog"
)

// commonArgs are the flags shared by both subcommands (SPEC_FULL.md
// §6: "common flags on both").
type commonArgs struct {
	Output    string
	Protocols []string
	LogLevel  string
	LogFormat string
	Config    string
}

func bindCommonFlags(cmd *cobra.Command, a *commonArgs) {
	cmd.Flags().StringVarP(&a.Output, "output", "o", "", "Write the trace to this file instead of stdout")
	cmd.Flags().StringArrayVarP(&a.Protocols, "protocol", "d", nil, "Wayland protocol XML file (repeatable); presence selects the typed frontend")
	cmd.Flags().StringVar(&a.LogLevel, "log-level", "info", "Minimum operational log level")
	cmd.Flags().StringVar(&a.LogFormat, "log-format", "console", "Operational log encoding: console or json")
	cmd.Flags().StringVarP(&a.Config, "config", "c", "", "Optional YAML file overriding the flags above")
}

// fileConfig is the optional YAML config shape a.Config loads; set
// fields override their flag counterparts only when present.
type fileConfig struct {
	Output    *string         `yaml:"output"`
	Protocols []string        `yaml:"protocol"`
	Logging   tracelog.Config `yaml:"logging"`
}

func (a *commonArgs) applyConfigFile() error {
	if a.Config == "" {
		return nil
	}
	buf, err := os.ReadFile(a.Config)
	if err != nil {
		return fmt.Errorf("read config %s: %w", a.Config, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(buf, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", a.Config, err)
	}
	if fc.Output != nil {
		a.Output = *fc.Output
	}
	if len(fc.Protocols) > 0 {
		a.Protocols = fc.Protocols
	}
	if fc.Logging.Level != "" {
		a.LogLevel = fc.Logging.Level
	}
	if fc.Logging.Format != "" {
		a.LogFormat = fc.Logging.Format
	}
	return nil
}

// setupLogging builds the leveled operational logger described by a.
func setupLogging(a *commonArgs) (*zap.SugaredLogger, error) {
	return tracelog.Init(tracelog.Config{Level: a.LogLevel, Format: a.LogFormat})
}

// loadFrontend parses every -d/--protocol file into one catalog and
// returns it alongside a frontend constructor; with no protocol files
// the catalog is nil and the constructor returns the binary frontend
// (SPEC_FULL.md §6).
func loadFrontend(a *commonArgs) (*catalog.Catalog, func() frontend.Frontend, error) {
	if len(a.Protocols) == 0 {
		return nil, func() frontend.Frontend { return frontend.Binary{} }, nil
	}
	cat, err := catalogxml.LoadFiles(a.Protocols)
	if err != nil {
		return nil, nil, fmt.Errorf("loading protocol descriptions: %w", err)
	}
	return cat, func() frontend.Frontend { return frontend.Analyze{Catalog: cat} }, nil
}
