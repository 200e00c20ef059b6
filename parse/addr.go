package parse

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
	"strconv"
	"strings"
)

//======================================================================
// Low-level address scanners. Each consumes a prefix of the input and
// returns the remaining input; the boolean reports a match.
//======================================================================

// digits consumes between min and max decimal digits.
func digits(s string, min, max int) (string, string, bool) {
	n := 0
	for n < len(s) && n < max && s[n] >= '0' && s[n] <= '9' {
		n++
	}
	if n < min {
		return "", s, false
	}
	return s[:n], s[n:], true
}

// port consumes a 2-5 digit decimal port number up to 65535.
func port(s string) (uint16, string, bool) {
	lit, rest, ok := digits(s, 2, 5)
	if !ok {
		return 0, s, false
	}
	v, err := strconv.ParseUint(lit, 10, 16)
	if err != nil {
		return 0, s, false
	}
	return uint16(v), rest, true
}

// ipNum consumes a 1-3 digit IPv4 octet.
func ipNum(s string) (uint8, string, bool) {
	lit, rest, ok := digits(s, 1, 3)
	if !ok {
		return 0, s, false
	}
	v, err := strconv.ParseUint(lit, 10, 8)
	if err != nil {
		return 0, s, false
	}
	return uint8(v), rest, true
}

// ip consumes a dotted-quad IPv4 address and returns it in canonical
// form (leading zeros dropped).
func ip(s string) (string, string, bool) {
	var quad [4]uint8
	rest := s
	for i := 0; i < 4; i++ {
		var ok bool
		if quad[i], rest, ok = ipNum(rest); !ok {
			return "", s, false
		}
		if i < 3 {
			if !strings.HasPrefix(rest, ".") {
				return "", s, false
			}
			rest = rest[1:]
		}
	}
	addr := strconv.Itoa(int(quad[0])) + "." +
		strconv.Itoa(int(quad[1])) + "." +
		strconv.Itoa(int(quad[2])) + "." +
		strconv.Itoa(int(quad[3]))
	return addr, rest, true
}

// alphanumeric consumes one or more characters from [A-Za-z0-9].
func alphanumeric(s string) (string, string, bool) {
	n := 0
	for n < len(s) {
		c := s[n]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			break
		}
		n++
	}
	if n == 0 {
		return "", s, false
	}
	return s[:n], s[n:], true
}
