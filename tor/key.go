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
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"fmt"

	"filippo.io/edwards25519"
)

//======================================================================
// Hidden service keys (v3)
//
// Tor wants the expanded form of an ed25519 secret key: the clamped
// scalar followed by the PRF half, 64 bytes total. That is also the
// form persisted by the secret store, so the key type holds exactly
// those bytes.
//======================================================================

// Error codes
var (
	ErrServiceKeySize = fmt.Errorf("invalid service key size")
)

// ServiceKeyLen is the size of an expanded v3 service key.
const ServiceKeyLen = 64

// ServiceKey is an expanded ed25519 hidden service secret key.
type ServiceKey struct {
	data [ServiceKeyLen]byte
}

// GenerateServiceKey creates a fresh v3 service key from a random seed.
func GenerateServiceKey() (*ServiceKey, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, err
	}
	h := sha512.Sum512(seed[:])
	// clamp the scalar half
	h[0] &= 248
	h[31] &= 63
	h[31] |= 64
	key := new(ServiceKey)
	copy(key.data[:], h[:])
	return key, nil
}

// ServiceKeyFromBytes restores a service key from its expanded form.
func ServiceKeyFromBytes(data []byte) (*ServiceKey, error) {
	if len(data) != ServiceKeyLen {
		return nil, fmt.Errorf("%w: %d", ErrServiceKeySize, len(data))
	}
	key := new(ServiceKey)
	copy(key.data[:], data)
	return key, nil
}

// Bytes returns the expanded 64-byte key material.
func (k *ServiceKey) Bytes() []byte {
	data := make([]byte, ServiceKeyLen)
	copy(data, k.data[:])
	return data
}

// PublicKey recovers the ed25519 public key from the secret scalar.
func (k *ServiceKey) PublicKey() ([]byte, error) {
	s, err := edwards25519.NewScalar().SetBytesWithClamping(k.data[:32])
	if err != nil {
		return nil, err
	}
	return new(edwards25519.Point).ScalarBaseMult(s).Bytes(), nil
}

// OnionAddr returns the hidden service address of the key. The address
// is stable for the life of the key material.
func (k *ServiceKey) OnionAddr() (*OnionAddr, error) {
	pub, err := k.PublicKey()
	if err != nil {
		return nil, err
	}
	return NewOnionAddr(pub)
}

// Blob renders the key in the form ADD_ONION expects.
func (k *ServiceKey) Blob() string {
	return "ED25519-V3:" + base64.StdEncoding.EncodeToString(k.data[:])
}
