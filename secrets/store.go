package secrets

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
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cmars/onionpipe/tor"
)

//======================================================================
// Persistent key material
//
// Long-lived keys live as raw bytes under a per-user directory:
//
//	<dir>/services/<name>   64-byte expanded v3 service key
//	<dir>/clients/<name>    32-byte X25519 client key
//
// Files are mode 0600, directories 0700. Keys are never mutated in
// place; delete and recreate instead.
//======================================================================

// Error codes
var (
	ErrStore = errors.New("secret store error")
)

const (
	servicesDir = "services"
	clientsDir  = "clients"

	// ClientKeyLen is the size of a stored client key.
	ClientKeyLen = 32
)

// Store keeps service and client keys on the filesystem.
type Store struct {
	dir string
}

// NewStore opens a secret store rooted at dir. Directories are created
// lazily on first use.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// DefaultDir returns the per-user secret store location.
func DefaultDir() (string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrStore, err)
	}
	return filepath.Join(cfgDir, "onionpipe"), nil
}

// Dir returns the root directory of the store.
func (s *Store) Dir() string {
	return s.dir
}

//----------------------------------------------------------------------
// Service keys
//----------------------------------------------------------------------

// EnsureService returns the v3 service key of the given name,
// generating and persisting a new one if none exists yet. Two
// successive calls return identical key material.
func (s *Store) EnsureService(name string) ([]byte, error) {
	file, err := s.keyFile(servicesDir, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(file)
	if err == nil {
		if len(data) != tor.ServiceKeyLen {
			return nil, fmt.Errorf("%w: service key '%s' has size %d",
				ErrStore, name, len(data))
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrStore, err)
	}
	key, err := tor.GenerateServiceKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrStore, err)
	}
	if err = writeKey(file, key.Bytes()); err != nil {
		return nil, err
	}
	return key.Bytes(), nil
}

// DeleteService removes a service key. It reports false without error
// if no such key exists.
func (s *Store) DeleteService(name string) (bool, error) {
	return s.deleteKey(servicesDir, name)
}

// ListServices returns the names of all stored service keys; the order
// is unspecified.
func (s *Store) ListServices() ([]string, error) {
	return s.listKeys(servicesDir)
}

//----------------------------------------------------------------------
// Client keys
//----------------------------------------------------------------------

// EnsureClient returns the X25519 client key of the given name,
// generating and persisting a new one if none exists yet.
func (s *Store) EnsureClient(name string) ([]byte, error) {
	file, err := s.keyFile(clientsDir, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(file)
	if err == nil {
		if len(data) != ClientKeyLen {
			return nil, fmt.Errorf("%w: client key '%s' has size %d",
				ErrStore, name, len(data))
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrStore, err)
	}
	key := make([]byte, ClientKeyLen)
	if _, err = rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrStore, err)
	}
	if err = writeKey(file, key); err != nil {
		return nil, err
	}
	return key, nil
}

// DeleteClient removes a client key. It reports false without error if
// no such key exists.
func (s *Store) DeleteClient(name string) (bool, error) {
	return s.deleteKey(clientsDir, name)
}

// ListClients returns the names of all stored client keys; the order
// is unspecified.
func (s *Store) ListClients() ([]string, error) {
	return s.listKeys(clientsDir)
}

//----------------------------------------------------------------------
// Shared file handling
//----------------------------------------------------------------------

// keyFile resolves the path of a named key, creating missing parent
// directories with tight permissions.
func (s *Store) keyFile(kind, name string) (string, error) {
	if name == "" || name != filepath.Base(name) {
		return "", fmt.Errorf("%w: invalid key name '%s'", ErrStore, name)
	}
	dir := filepath.Join(s.dir, kind)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("%w: %s", ErrStore, err)
	}
	return filepath.Join(dir, name), nil
}

// writeKey persists key material atomically: readers observe either no
// file or a complete one, never a partial write.
func writeKey(file string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(file), ".key*")
	if err != nil {
		return fmt.Errorf("%w: %s", ErrStore, err)
	}
	defer os.Remove(tmp.Name())
	if err = tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %s", ErrStore, err)
	}
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %s", ErrStore, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("%w: %s", ErrStore, err)
	}
	if err = os.Rename(tmp.Name(), file); err != nil {
		return fmt.Errorf("%w: %s", ErrStore, err)
	}
	return nil
}

func (s *Store) deleteKey(kind, name string) (bool, error) {
	if name == "" || name != filepath.Base(name) {
		return false, fmt.Errorf("%w: invalid key name '%s'", ErrStore, name)
	}
	err := os.Remove(filepath.Join(s.dir, kind, name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %s", ErrStore, err)
	}
	return true, nil
}

func (s *Store) listKeys(kind string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, kind))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrStore, err)
	}
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names, nil
}
