package tor

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
	"encoding/base32"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

//======================================================================
// Onion (hidden service) v3 addresses
//======================================================================

// Error codes
var (
	ErrOnionAddr = fmt.Errorf("invalid onion address")
)

const (
	// OnionSuffix is the ".onion" TLD of hidden service addresses.
	OnionSuffix = ".onion"

	// v3AddrLen is the length of the base32 part of a v3 address.
	v3AddrLen = 56

	// v3Version is the address format version byte.
	v3Version = 0x03
)

// b32 encodes onion addresses: RFC 4648 without padding.
var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// OnionAddr is the v3 address of a hidden service: the base32 encoding
// of its ed25519 public key, a truncated checksum and a version byte.
type OnionAddr struct {
	pub [32]byte
}

// NewOnionAddr builds an address from a raw ed25519 public key.
func NewOnionAddr(pub []byte) (*OnionAddr, error) {
	if len(pub) != 32 {
		return nil, fmt.Errorf("%w: public key size %d", ErrOnionAddr, len(pub))
	}
	addr := new(OnionAddr)
	copy(addr.pub[:], pub)
	return addr, nil
}

// ParseOnionAddr decodes a 56-character v3 address, with or without the
// trailing ".onion". The embedded checksum and version are verified.
func ParseOnionAddr(s string) (*OnionAddr, error) {
	s = strings.TrimSuffix(s, OnionSuffix)
	if len(s) != v3AddrLen {
		return nil, fmt.Errorf("%w: length %d", ErrOnionAddr, len(s))
	}
	data, err := b32.DecodeString(strings.ToUpper(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrOnionAddr, err)
	}
	if data[34] != v3Version {
		return nil, fmt.Errorf("%w: version %d", ErrOnionAddr, data[34])
	}
	sum := onionChecksum(data[:32])
	if data[32] != sum[0] || data[33] != sum[1] {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrOnionAddr)
	}
	addr := new(OnionAddr)
	copy(addr.pub[:], data[:32])
	return addr, nil
}

// onionChecksum computes SHA3-256(".onion checksum" || pubkey || version)
// truncated to two bytes.
func onionChecksum(pub []byte) []byte {
	hsh := sha3.New256()
	hsh.Write([]byte(".onion checksum"))
	hsh.Write(pub)
	hsh.Write([]byte{v3Version})
	return hsh.Sum(nil)[:2]
}

// ID returns the service identifier: the bare base32 address without
// the ".onion" suffix, as used by DEL_ONION.
func (a *OnionAddr) ID() string {
	sum := onionChecksum(a.pub[:])
	data := make([]byte, 0, 35)
	data = append(data, a.pub[:]...)
	data = append(data, sum...)
	data = append(data, v3Version)
	return strings.ToLower(b32.EncodeToString(data))
}

// String returns the full hidden service address with ".onion" suffix.
func (a *OnionAddr) String() string {
	return a.ID() + OnionSuffix
}

// PublicKey returns the ed25519 public key embedded in the address.
func (a *OnionAddr) PublicKey() []byte {
	pub := make([]byte, 32)
	copy(pub, a.pub[:])
	return pub
}
