// Package onionpipe forwards TCP traffic across the Tor network using
// onion services: it exports local listeners as v3 onion services and
// imports remote onion services as local TCP listeners proxied through
// a SOCKS5 hop.
package onionpipe

//----------------------------------------------------------------------
// This file is part of onionpipe.
// Copyright (C) 2022-2026 the onionpipe authors
//
// onionpipe is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// onionpipe is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL3.0-or-later
//----------------------------------------------------------------------

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/cmars/onionpipe/config"
	"github.com/cmars/onionpipe/secrets"
	"github.com/cmars/onionpipe/tor"
)

// Error codes
var (
	ErrConfig    = errors.New("invalid config")
	ErrParseAddr = errors.New("invalid socket address")
)

// Export is the local side of an onion service: a local TCP endpoint
// published on one or more onion-side ports. A nil Key denotes an
// ephemeral service whose key is generated at registration.
type Export struct {
	LocalAddr   *net.TCPAddr
	Key         *tor.ServiceKey
	RemotePorts []uint16
}

// Import is a local proxy of a remote onion service.
type Import struct {
	RemoteAddr *tor.OnionAddr
	RemotePort uint16
	LocalAddr  *net.TCPAddr
}

// Builder assembles an OnionPipe from configuration and programmatic
// forwards.
type Builder struct {
	tempDir string
	store   *secrets.Store
	exports []Export
	imports []Import
}

// Defaults returns a builder with the system temp directory and no
// forwards.
func Defaults() *Builder {
	return &Builder{
		tempDir: os.TempDir(),
	}
}

// TempDir sets the directory under which the private working directory
// is created.
func (b *Builder) TempDir(dir string) *Builder {
	b.tempDir = dir
	return b
}

// SecretStore installs the store that resolves named service keys.
func (b *Builder) SecretStore(store *secrets.Store) *Builder {
	b.store = store
	return b
}

// Export appends an export forward.
func (b *Builder) Export(export Export) *Builder {
	b.exports = append(b.exports, export)
	return b
}

// Import appends an import forward.
func (b *Builder) Import(imp Import) *Builder {
	b.imports = append(b.imports, imp)
	return b
}

// Config merges a configuration into the builder: a secrets_dir setting
// replaces any prior store, exports resolve their service keys, imports
// parse their onion addresses, and temp_dir is applied last.
func (b *Builder) Config(cfg *config.Config) (*Builder, error) {
	if cfg.SecretsDir != "" {
		b.store = secrets.NewStore(cfg.SecretsDir)
	}
	for _, ce := range cfg.Exports {
		export, err := b.resolveExport(ce)
		if err != nil {
			return nil, err
		}
		b.exports = append(b.exports, export)
	}
	for _, ci := range cfg.Imports {
		imp, err := resolveImport(ci)
		if err != nil {
			return nil, err
		}
		b.imports = append(b.imports, imp)
	}
	if cfg.TempDir != "" {
		b.tempDir = cfg.TempDir
	}
	return b, nil
}

// resolveExport turns a config export into a runtime one. Named
// services require a secret store; unnamed ones get a fresh key.
func (b *Builder) resolveExport(ce config.Export) (Export, error) {
	addr, err := net.ResolveTCPAddr("tcp", ce.LocalAddr)
	if err != nil {
		return Export{}, fmt.Errorf("%w: %s", ErrParseAddr, err)
	}
	var key *tor.ServiceKey
	if ce.ServiceName != "" {
		if b.store == nil {
			return Export{}, fmt.Errorf("%w: secret store not configured", ErrConfig)
		}
		data, err := b.store.EnsureService(ce.ServiceName)
		if err != nil {
			return Export{}, err
		}
		if key, err = tor.ServiceKeyFromBytes(data); err != nil {
			return Export{}, err
		}
	} else if key, err = tor.GenerateServiceKey(); err != nil {
		return Export{}, err
	}
	return Export{
		LocalAddr:   addr,
		Key:         key,
		RemotePorts: ce.RemotePorts,
	}, nil
}

func resolveImport(ci config.Import) (Import, error) {
	remote, port, err := config.ParseOnionAddr(ci.RemoteAddr)
	if err != nil {
		return Import{}, err
	}
	local, err := net.ResolveTCPAddr("tcp", ci.LocalAddr)
	if err != nil {
		return Import{}, fmt.Errorf("%w: %s", ErrParseAddr, err)
	}
	return Import{
		RemoteAddr: remote,
		RemotePort: port,
		LocalAddr:  local,
	}, nil
}

// New creates the supervisor state: a private 0700 working directory
// holding the tor data directory and both Unix sockets.
func (b *Builder) New() (*OnionPipe, error) {
	tempDir, err := os.MkdirTemp(b.tempDir, "onionpipe")
	if err != nil {
		return nil, err
	}
	dataDir := filepath.Join(tempDir, "data")
	if err = os.Mkdir(dataDir, 0700); err != nil {
		os.RemoveAll(tempDir)
		return nil, err
	}
	return &OnionPipe{
		tempDir:     tempDir,
		dataDir:     dataDir,
		controlSock: filepath.Join(dataDir, "control.sock"),
		socksSock:   filepath.Join(dataDir, "socks.sock"),
		exports:     b.exports,
		imports:     b.imports,
	}, nil
}
