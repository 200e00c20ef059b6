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
	"os"
	"path/filepath"
	"testing"

	"github.com/cmars/onionpipe/config"
	"github.com/cmars/onionpipe/secrets"
	"github.com/cmars/onionpipe/tor"
)

func TestConfigNamedExportNeedsStore(t *testing.T) {
	_, err := Defaults().Config(&config.Config{
		Exports: []config.Export{{
			LocalAddr:   "127.0.0.1:4566",
			ServiceName: "svc",
			RemotePorts: []uint16{4567},
		}},
	})
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestConfigNamedExportStableKey(t *testing.T) {
	store := secrets.NewStore(filepath.Join(t.TempDir(), "secrets"))
	resolve := func() *tor.OnionAddr {
		builder, err := Defaults().SecretStore(store).Config(&config.Config{
			Exports: []config.Export{{
				LocalAddr:   "127.0.0.1:4566",
				ServiceName: "svc",
				RemotePorts: []uint16{4567},
			}},
		})
		if err != nil {
			t.Fatal(err)
		}
		addr, err := builder.exports[0].Key.OnionAddr()
		if err != nil {
			t.Fatal(err)
		}
		return addr
	}
	if first, second := resolve(), resolve(); first.ID() != second.ID() {
		t.Fatalf("onion address not stable: %s != %s", first, second)
	}
}

func TestConfigEphemeralExport(t *testing.T) {
	builder, err := Defaults().Config(&config.Config{
		Exports: []config.Export{{
			LocalAddr:   "127.0.0.1:4566",
			RemotePorts: []uint16{80},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if builder.exports[0].Key == nil {
		t.Fatal("expected generated ephemeral key")
	}
}

func TestConfigSecretsDirOverride(t *testing.T) {
	// a secrets_dir in the config replaces the store installed on
	// the builder
	other := secrets.NewStore(filepath.Join(t.TempDir(), "other"))
	cfgDir := filepath.Join(t.TempDir(), "secrets")
	builder, err := Defaults().SecretStore(other).Config(&config.Config{
		SecretsDir: cfgDir,
		Exports: []config.Export{{
			LocalAddr:   "127.0.0.1:4566",
			ServiceName: "svc",
			RemotePorts: []uint16{4567},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if builder.store.Dir() != cfgDir {
		t.Fatalf("store dir %q, expected %q", builder.store.Dir(), cfgDir)
	}
	if _, err = os.Stat(filepath.Join(cfgDir, "services", "svc")); err != nil {
		t.Fatal(err)
	}
}

func TestConfigImport(t *testing.T) {
	key, err := tor.GenerateServiceKey()
	if err != nil {
		t.Fatal(err)
	}
	addr, err := key.OnionAddr()
	if err != nil {
		t.Fatal(err)
	}
	builder, err := Defaults().Config(&config.Config{
		Imports: []config.Import{{
			RemoteAddr: addr.String(),
			LocalAddr:  "127.0.0.1:8080",
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	imp := builder.imports[0]
	if imp.RemoteAddr.ID() != addr.ID() {
		t.Fatalf("unexpected remote %s", imp.RemoteAddr)
	}
	if imp.RemotePort != 80 {
		t.Fatalf("unexpected default port %d", imp.RemotePort)
	}
	if imp.LocalAddr.String() != "127.0.0.1:8080" {
		t.Fatalf("unexpected local addr %s", imp.LocalAddr)
	}
}

func TestConfigBadLocalAddr(t *testing.T) {
	_, err := Defaults().Config(&config.Config{
		Exports: []config.Export{{
			LocalAddr:   "not an address",
			RemotePorts: []uint16{80},
		}},
	})
	if !errors.Is(err, ErrParseAddr) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewWorkingDir(t *testing.T) {
	builder, err := Defaults().TempDir(t.TempDir()).Config(new(config.Config))
	if err != nil {
		t.Fatal(err)
	}
	pipe, err := builder.New()
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(pipe.tempDir)
	fi, err := os.Stat(pipe.dataDir)
	if err != nil {
		t.Fatal(err)
	}
	if !fi.IsDir() || fi.Mode().Perm() != 0700 {
		t.Fatalf("data dir mode %v", fi.Mode())
	}
	if filepath.Dir(pipe.controlSock) != pipe.dataDir ||
		filepath.Dir(pipe.socksSock) != pipe.dataDir {
		t.Fatal("socket paths outside data dir")
	}
}
