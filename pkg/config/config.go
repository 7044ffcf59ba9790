/*
Copyright © 2021 SUSE LLC

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

// Package config builds the agent-wide Config value via functional options,
// generalizing the teacher's pkg/config construction to the servicing-agent
// domain: one Config is built once at process startup and threaded through
// every subsystem (C1-C10), none of which constructs its own dependencies.
package config

import (
	"net/http"

	"github.com/spf13/afero"
	"k8s.io/mount-utils"

	"github.com/rancher-sandbox/hostagent/pkg/types"
)

// HTTPClient is a plain fetch client. Config carries one, but no subsystem
// reads Config.Client: every download, the recovery key included, goes
// through pkg/http's grab-based Client.
type HTTPClient interface {
	Get(url string) (*http.Response, error)
}

// Config carries every dependency a subsystem needs: filesystem, logger,
// command runner, mounter, HTTP client, and the well-known paths the agent
// operates against. Subsystems never read package-level globals.
type Config struct {
	Fs              afero.Fs
	Logger          types.Logger
	Runner          types.Runner
	Mounter         mount.Interface
	Client          HTTPClient
	CloudInitRunner types.CloudInitRunner

	// DatastorePath is the persistent datastore's on-disk location once the
	// target root filesystem is mounted; TemporaryDatastorePath is the
	// well-known path used while booted from installer media.
	DatastorePath          string
	TemporaryDatastorePath string

	// EspMountPoint is where the EFI System Partition is expected to be
	// mounted during servicing; the install-index allocator (C5) and the
	// boot-entry manager (C6) both resolve ESP-relative paths against it.
	EspMountPoint string

	// MinimumRollbackVersion is stored but not read: the rollback chain
	// (C4) applies its own rollback.MinimumVersion constant.
	MinimumRollbackVersion string

	// AgentVersion is recorded in the host status by every servicing
	// operation and offline initialization this process stages.
	AgentVersion string

	// Strict is stored but not read: hook and phase failures are always
	// returned as errors.
	Strict bool
}

// Option mutates a Config under construction.
type Option func(*Config)

func WithFs(fs afero.Fs) Option            { return func(c *Config) { c.Fs = fs } }
func WithLogger(l types.Logger) Option     { return func(c *Config) { c.Logger = l } }
func WithRunner(r types.Runner) Option     { return func(c *Config) { c.Runner = r } }
func WithMounter(m mount.Interface) Option { return func(c *Config) { c.Mounter = m } }
func WithClient(cl HTTPClient) Option      { return func(c *Config) { c.Client = cl } }
func WithCloudInitRunner(r types.CloudInitRunner) Option {
	return func(c *Config) { c.CloudInitRunner = r }
}
func WithDatastorePath(p string) Option { return func(c *Config) { c.DatastorePath = p } }
func WithTemporaryDatastorePath(p string) Option {
	return func(c *Config) { c.TemporaryDatastorePath = p }
}
func WithEspMountPoint(p string) Option { return func(c *Config) { c.EspMountPoint = p } }
func WithMinimumRollbackVersion(v string) Option {
	return func(c *Config) { c.MinimumRollbackVersion = v }
}
func WithAgentVersion(v string) Option { return func(c *Config) { c.AgentVersion = v } }
func WithStrict(s bool) Option         { return func(c *Config) { c.Strict = s } }

const (
	defaultTemporaryDatastorePath = "/run/hostagent/datastore.db"
	defaultDatastorePath          = "/var/lib/hostagent/datastore.db"
	defaultEspMountPoint          = "/boot/efi"
	defaultMinimumRollbackVersion = "0.21.0"
)

// New builds a Config, defaulting every dependency to its production
// implementation exactly as the teacher's NewRunConfig defers Runner/
// Mounter/CloudInitRunner construction until after options have run, so a
// WithLogger option set by the caller is visible to every later default.
func New(opts ...Option) *Config {
	c := &Config{
		Fs:     afero.NewOsFs(),
		Logger: types.NewLogger(),
		Runner: types.RealRunner{},
		Client: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	if c.Mounter == nil {
		c.Mounter = mount.New("")
	}
	if c.CloudInitRunner == nil {
		c.CloudInitRunner = types.NewYipCloudInitRunner(c.Logger)
	}
	if c.DatastorePath == "" {
		c.DatastorePath = defaultDatastorePath
	}
	if c.TemporaryDatastorePath == "" {
		c.TemporaryDatastorePath = defaultTemporaryDatastorePath
	}
	if c.EspMountPoint == "" {
		c.EspMountPoint = defaultEspMountPoint
	}
	if c.MinimumRollbackVersion == "" {
		c.MinimumRollbackVersion = defaultMinimumRollbackVersion
	}
	return c
}
