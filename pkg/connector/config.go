// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"errors"
	"fmt"
	"text/template"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/mautrix-slack-teamsync/pkg/teamsync"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config holds the team sync daemon configuration.
type Config struct {
	Homeserver HomeserverConfig `yaml:"homeserver"`
	AppService AppServiceConfig `yaml:"appservice"`
	Database   DatabaseConfig   `yaml:"database"`
	Slack      SlackConfig      `yaml:"slack"`

	// TeamSync maps a Slack team ID, or "all" for every other team, to the
	// policy that decides what is bridged.
	TeamSync map[string]teamsync.TeamSyncPolicy `yaml:"team_sync"`
	Sync     SyncConfig                         `yaml:"sync"`

	DisplaynameTemplate string `yaml:"displayname_template"`
	// AdminAPIAddr is the listen address for the admin HTTP API that serves
	// /api/sync, the channel hooks and /metrics. Defaults to ":29335".
	AdminAPIAddr string `yaml:"admin_api_addr"`

	Logging zeroconfig.Config `yaml:"logging"`

	displaynameTemplate *template.Template `yaml:"-"`
}

type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

type AppServiceConfig struct {
	// Registration is the path to the appservice registration file.
	Registration string `yaml:"registration"`
	// UserPrefix is prepended to ghost localparts, e.g. "slack_".
	UserPrefix string `yaml:"user_prefix"`
}

type DatabaseConfig struct {
	Type         string `yaml:"type"`
	URI          string `yaml:"uri"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type SlackConfig struct {
	// APIURL overrides the Slack Web API base URL. Must end with a slash.
	APIURL            string  `yaml:"api_url"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type SyncConfig struct {
	// Interval between full sync passes. Zero disables the periodic loop;
	// passes can still be triggered through the admin API.
	Interval        time.Duration `yaml:"interval"`
	TeamConcurrency int           `yaml:"team_concurrency"`
	ItemConcurrency int           `yaml:"item_concurrency"`
	PageWaitMin     time.Duration `yaml:"page_wait_min"`
	PageWaitMax     time.Duration `yaml:"page_wait_max"`
	MaxPages        int           `yaml:"max_pages"`
}

// DisplaynameParams holds the parameters for rendering the displayname template.
type DisplaynameParams struct {
	Username    string
	RealName    string
	DisplayName string
	FirstName   string
	LastName    string
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

func (c *Config) PostProcess() error {
	var err error
	c.displaynameTemplate, err = template.New("displayname").Parse(c.DisplaynameTemplate)
	if err != nil {
		return err
	}
	if c.Sync.Interval < 0 || c.Sync.PageWaitMin < 0 || c.Sync.PageWaitMax < 0 {
		return errors.New("sync durations must not be negative")
	}
	if c.Sync.PageWaitMax != 0 && c.Sync.PageWaitMax < c.Sync.PageWaitMin {
		return fmt.Errorf("sync.page_wait_max (%s) is below sync.page_wait_min (%s)", c.Sync.PageWaitMax, c.Sync.PageWaitMin)
	}
	return nil
}

// PolicyFilter builds the team sync policy table.
func (c *Config) PolicyFilter() *teamsync.PolicyFilter {
	return teamsync.NewPolicyFilter(c.TeamSync)
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "address")
	helper.Copy(up.Str, "homeserver", "domain")
	helper.Copy(up.Str, "appservice", "registration")
	helper.Copy(up.Str, "appservice", "user_prefix")
	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Int, "database", "max_open_conns")
	helper.Copy(up.Str|up.Null, "slack", "api_url")
	helper.Copy(up.Float|up.Int, "slack", "requests_per_second")
	helper.Copy(up.Int, "slack", "burst")
	helper.Copy(up.Map, "team_sync")
	helper.Copy(up.Str, "sync", "interval")
	helper.Copy(up.Int, "sync", "team_concurrency")
	helper.Copy(up.Int, "sync", "item_concurrency")
	helper.Copy(up.Str, "sync", "page_wait_min")
	helper.Copy(up.Str, "sync", "page_wait_max")
	helper.Copy(up.Int, "sync", "max_pages")
	helper.Copy(up.Str, "displayname_template")
	helper.Copy(up.Str, "admin_api_addr")
	helper.Copy(up.Map, "logging")
}

func configUpgrader() *up.StructUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks: [][]string{
			{"appservice"},
			{"database"},
			{"slack"},
			{"team_sync"},
			{"sync"},
			{"displayname_template"},
			{"logging"},
		},
		Base: ExampleConfig,
	}
}

// LoadConfig upgrades the config file at path against the example config,
// optionally writing the result back, and parses it.
func LoadConfig(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, configUpgrader())
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err = cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("failed to post-process config: %w", err)
	}
	return &cfg, nil
}

// FormatDisplayname generates a display name from the template and params.
func (c *Config) FormatDisplayname(params DisplaynameParams) string {
	if c.displaynameTemplate == nil {
		return params.Username
	}
	var buf []byte
	err := c.displaynameTemplate.Execute(
		(*templateBuffer)(&buf),
		params,
	)
	if err != nil {
		return params.Username
	}
	return string(buf)
}

// templateBuffer is a simple io.Writer that appends to a byte slice.
type templateBuffer []byte

func (b *templateBuffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}
