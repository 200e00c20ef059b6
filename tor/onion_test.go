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
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

// torProject is the well-known v3 address of www.torproject.org.
const torProject = "2gzyxa5ihm7nsggfxnu52rck2vv4rvmdlkiu3zzui5du4xyclen53wid"

func TestParseOnionAddr(t *testing.T) {
	for _, input := range []string{
		torProject,
		torProject + OnionSuffix,
		strings.ToUpper(torProject),
	} {
		addr, err := ParseOnionAddr(input)
		if err != nil {
			t.Fatalf("%q: %s", input, err)
		}
		if addr.ID() != torProject {
			t.Fatalf("%q: re-encoded to %q", input, addr.ID())
		}
		if addr.String() != torProject+OnionSuffix {
			t.Fatalf("%q: rendered as %q", input, addr.String())
		}
	}
}

func TestParseOnionAddrInvalid(t *testing.T) {
	for _, input := range []string{
		"",
		"xyz123",
		torProject[:55],
		torProject + "a",
		// '1' is not in the base32 alphabet
		"1" + torProject[1:],
		// checksum damage
		"aa" + torProject[2:],
	} {
		if _, err := ParseOnionAddr(input); !errors.Is(err, ErrOnionAddr) {
			t.Fatalf("%q: expected onion address error", input)
		}
	}
}

func TestParseOnionAddrBadVersion(t *testing.T) {
	addr, err := ParseOnionAddr(torProject)
	if err != nil {
		t.Fatal(err)
	}
	// re-encode the same key with a wrong version byte
	sum := onionChecksum(addr.PublicKey())
	data := append(addr.PublicKey(), sum...)
	data = append(data, 0x02)
	input := strings.ToLower(b32.EncodeToString(data))
	if _, err = ParseOnionAddr(input); !errors.Is(err, ErrOnionAddr) {
		t.Fatal("expected version error")
	}
}

func TestServiceKeyAddrStable(t *testing.T) {
	key, err := GenerateServiceKey()
	if err != nil {
		t.Fatal(err)
	}
	addr1, err := key.OnionAddr()
	if err != nil {
		t.Fatal(err)
	}
	// restoring the key from its serialized form preserves the address
	restored, err := ServiceKeyFromBytes(key.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	addr2, err := restored.OnionAddr()
	if err != nil {
		t.Fatal(err)
	}
	if addr1.ID() != addr2.ID() {
		t.Fatalf("address changed across restore: %s != %s", addr1.ID(), addr2.ID())
	}
	// and the address survives its own parse
	parsed, err := ParseOnionAddr(addr1.String())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(parsed.PublicKey(), addr1.PublicKey()) {
		t.Fatal("public key changed across parse")
	}
}

func TestServiceKeyClamped(t *testing.T) {
	key, err := GenerateServiceKey()
	if err != nil {
		t.Fatal(err)
	}
	data := key.Bytes()
	if data[0]&7 != 0 || data[31]&128 != 0 || data[31]&64 == 0 {
		t.Fatalf("scalar not clamped: %x", data[:32])
	}
}

func TestServiceKeyBlob(t *testing.T) {
	key, err := GenerateServiceKey()
	if err != nil {
		t.Fatal(err)
	}
	blob := key.Blob()
	if !strings.HasPrefix(blob, "ED25519-V3:") {
		t.Fatalf("unexpected blob prefix: %s", blob)
	}
	raw, err := base64.StdEncoding.DecodeString(blob[len("ED25519-V3:"):])
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw, key.Bytes()) {
		t.Fatal("blob does not round-trip key material")
	}
}

func TestServiceKeyFromBytesSize(t *testing.T) {
	if _, err := ServiceKeyFromBytes(make([]byte, 63)); !errors.Is(err, ErrServiceKeySize) {
		t.Fatal("expected key size error")
	}
}
