/*
Copyright (c) Facebook, Inc. and its affiliates.

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

// Package slclient implements the SeedLink connection lifecycle: negotiate
// protocol version and data selection over a transport, then drive a
// long-running receive loop that frames complete packets for the caller.
package slclient

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/seedlink-go/slink/slauth"
	"github.com/seedlink-go/slink/slmetrics"
	"github.com/seedlink-go/slink/slreg"
	"github.com/seedlink-go/slink/statefile"
)

// Config describes a session's policy knobs: everything a caller sets once
// before the connection lifecycle starts.
type Config struct {
	Address       string        `yaml:"address"`
	ClientName    string        `yaml:"client_name"`
	ClientVersion string        `yaml:"client_version"`
	TimeStart     string        `yaml:"time_start"`
	TimeEnd       string        `yaml:"time_end"`
	KeepaliveInt  time.Duration `yaml:"keepalive_interval"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	ReconnectWait time.Duration `yaml:"reconnect_delay"`
	IOTimeout     time.Duration `yaml:"io_timeout"`
	Blocking      bool          `yaml:"blocking"`
	Dialup        bool          `yaml:"dialup"`
	Batch         bool          `yaml:"batch"`
	TLS           bool          `yaml:"tls"`

	// StreamListFile and StreamListString are alternative, mutually
	// exclusive ways of populating the initial subscription set;
	// StreamListFile wins if both are set. Neither is required: a caller
	// may instead call Session.Registry().Add/SetAllStation directly.
	StreamListFile   string `yaml:"stream_list_file"`
	StreamListString string `yaml:"stream_list_string"`

	// StateFile names the resumption state file. The session never reads or
	// writes it (the driver itself never touches disk): callers load it with
	// statefile.Load and persist it with statefile.Save where they choose,
	// as cmd/slinkcat does.
	StateFile string `yaml:"state_file"`

	// Auth supplies a credential the negotiator attaches to the v4
	// USERAGENT line; defaults to slauth.None{}, which sends nothing.
	Auth      slauth.Authenticator `yaml:"-"`
	Metrics   slmetrics.Recorder   `yaml:"-"`
	LogSink   Logger               `yaml:"-"`
	Verbosity int                  `yaml:"verbosity"`
}

// DefaultConfig returns a Config populated with the protocol's documented
// defaults.
func DefaultConfig() *Config {
	return &Config{
		Address:       "localhost:18000",
		ClientName:    "slink-go",
		ClientVersion: "1.0",
		KeepaliveInt:  0,
		IdleTimeout:   0,
		ReconnectWait: 30 * time.Second,
		IOTimeout:     60 * time.Second,
		Blocking:      true,
		Auth:          slauth.None{},
		Metrics:       slmetrics.Noop{},
		LogSink:       NopLogger{},
	}
}

// ReadConfig loads a yaml-encoded Config from path, starting from
// DefaultConfig so unset fields keep their documented defaults.
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("slclient: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("slclient: parse config %s: %w", path, err)
	}
	if c.Auth == nil {
		c.Auth = slauth.None{}
	}
	if c.Metrics == nil {
		c.Metrics = slmetrics.Noop{}
	}
	if c.LogSink == nil {
		c.LogSink = NopLogger{}
	}
	return c, nil
}

// Validate checks that a Config is internally consistent.
func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("slclient: address must be set")
	}
	if c.ReconnectWait <= 0 {
		return fmt.Errorf("slclient: reconnect_delay must be positive")
	}
	if c.IOTimeout <= 0 {
		return fmt.Errorf("slclient: io_timeout must be positive")
	}
	if c.StreamListFile != "" && c.StreamListString != "" {
		return fmt.Errorf("slclient: stream_list_file and stream_list_string are mutually exclusive")
	}
	return nil
}

// loadStreamList applies Config's stream-list source, if any, to r.
func (c *Config) loadStreamList(r *slreg.Registry) error {
	var entries []statefile.StreamEntry
	var err error
	switch {
	case c.StreamListFile != "":
		entries, err = statefile.LoadStreamListFile(c.StreamListFile)
	case c.StreamListString != "":
		entries, err = statefile.ParseStreamListString(c.StreamListString)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("slclient: loading stream list: %w", err)
	}
	for _, e := range entries {
		if e.StationID == slreg.AllStationID {
			if err := r.SetAllStation(e.Selectors, 0, ""); err != nil {
				return err
			}
			continue
		}
		if err := r.Add(e.StationID, e.Selectors, 0, ""); err != nil {
			return err
		}
	}
	return nil
}
