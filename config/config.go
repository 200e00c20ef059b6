package config

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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"

	"github.com/cmars/onionpipe/parse"
	"github.com/cmars/onionpipe/tor"
)

//======================================================================
// JSON configuration model. The forward set of a process is fixed at
// startup: it comes either from a configuration file or from forward
// expressions on the command line, both of which land here.
//======================================================================

// Error codes
var (
	ErrConfig      = errors.New("invalid config")
	ErrConfigParse = errors.New("config parse error")
)

// Config is the JSON-serializable process configuration.
type Config struct {
	TempDir    string   `json:"temp_dir,omitempty"`
	SecretsDir string   `json:"secrets_dir,omitempty"`
	Exports    []Export `json:"exports"`
	Imports    []Import `json:"imports"`
}

// Export publishes a local TCP endpoint on an onion address.
type Export struct {
	LocalAddr   string   `json:"local_addr"`
	ServiceName string   `json:"service_name,omitempty"`
	RemotePorts []uint16 `json:"remote_ports"`
}

// Import proxies a remote onion service on a local TCP endpoint.
type Import struct {
	RemoteAddr string `json:"remote_addr"`
	LocalAddr  string `json:"local_addr"`
}

// Load reads a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConfigParse, err)
	}
	cfg := new(Config)
	if err = json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConfigParse, err)
	}
	return cfg, nil
}

// FromForwards builds a configuration from forward expressions,
// appending each parsed expression to the export or import set.
func FromForwards(exprs []string) (*Config, error) {
	cfg := new(Config)
	for _, expr := range exprs {
		fwd, err := parse.Parse(expr)
		if err != nil {
			return nil, err
		}
		switch {
		case fwd.Export != nil:
			cfg.Exports = append(cfg.Exports, Export{
				LocalAddr:   fwd.Export.LocalAddr(),
				ServiceName: fwd.Export.ServiceName(),
				RemotePorts: fwd.Export.RemotePorts(),
			})
		case fwd.Import != nil:
			cfg.Imports = append(cfg.Imports, Import{
				RemoteAddr: fwd.Import.RemoteAddr(),
				LocalAddr:  fwd.Import.LocalAddr(),
			})
		}
	}
	return cfg, nil
}

// onionAddrRE matches "<base32>[.onion][:port]".
var onionAddrRE = regexp.MustCompile(`^([^.:]+)(\.onion)?(:(\d+))?$`)

// ParseOnionAddr splits an import remote address into its validated
// onion address and port; the port defaults to 80 when omitted.
func ParseOnionAddr(s string) (*tor.OnionAddr, uint16, error) {
	m := onionAddrRE.FindStringSubmatch(s)
	if m == nil {
		return nil, 0, fmt.Errorf("%w: invalid onion address %q", ErrConfig, s)
	}
	addr, err := tor.ParseOnionAddr(m[1])
	if err != nil {
		return nil, 0, err
	}
	port := uint16(80)
	if m[4] != "" {
		v, err := strconv.ParseUint(m[4], 10, 16)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: invalid onion address %q", ErrConfig, s)
		}
		port = uint16(v)
	}
	return addr, port, nil
}
