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
	"errors"
	"fmt"
	"strconv"
	"strings"
)

//======================================================================
// Forward expressions
//
//	forward      := import | export
//	export       := local_tcp [ "~" export_remote ]
//	local_tcp    := [ ipv4 ":" ] port
//	export_remote:= [ alias ":" ] port ("," port)*
//	import       := onion ".onion" [ ":" port ] [ "~" import_local ]
//	import_local := ipv4 ":" port | ipv4 | port
//
// The ".onion" suffix unambiguously discriminates imports, so the
// import alternative is tried first. The whole expression must match;
// trailing input is a parse error.
//======================================================================

// Error codes
var (
	ErrParse = errors.New("forward parse error")
)

// localhost is the default host for omitted local addresses.
const localhost = "127.0.0.1"

// Forward is a parsed forward expression, either an export of a local
// service to an onion address or an import of a remote onion service.
type Forward struct {
	Export *ExportForward
	Import *ImportForward
}

// ExportForward publishes a local TCP listener as an onion service.
type ExportForward struct {
	host   string   // empty when omitted
	port   uint16   // local port
	alias  string   // onion service alias, empty for ephemeral
	ports  []uint16 // onion-side ports
	remote bool     // remote part present?
}

// LocalAddr renders the local endpoint, defaulting the host to
// 127.0.0.1.
func (e *ExportForward) LocalAddr() string {
	host := e.host
	if host == "" {
		host = localhost
	}
	return host + ":" + strconv.Itoa(int(e.port))
}

// ServiceName returns the onion service alias; an empty name denotes
// an ephemeral service key.
func (e *ExportForward) ServiceName() string {
	return e.alias
}

// RemotePorts returns the onion-side ports, defaulting to [80].
func (e *ExportForward) RemotePorts() []uint16 {
	if !e.remote || len(e.ports) == 0 {
		return []uint16{80}
	}
	return e.ports
}

// ImportForward proxies a remote onion service on a local listener.
type ImportForward struct {
	onion     string // onion address without ".onion"
	port      uint16
	hasPort   bool
	local     bool // local part present?
	localHost string
	localPort uint16
	hasLPort  bool
}

// Onion returns the remote onion address without the ".onion" suffix.
func (i *ImportForward) Onion() string {
	return i.onion
}

// RemotePort returns the onion-side port, defaulting to 80.
func (i *ImportForward) RemotePort() uint16 {
	if !i.hasPort {
		return 80
	}
	return i.port
}

// RemoteAddr renders the remote endpoint as "<onion>:<port>".
func (i *ImportForward) RemoteAddr() string {
	return i.onion + ":" + strconv.Itoa(int(i.RemotePort()))
}

// LocalAddr renders the local endpoint. A wholly omitted local part
// defaults to 127.0.0.1:8080; a partial one fills in host 127.0.0.1
// or port 80.
func (i *ImportForward) LocalAddr() string {
	if !i.local {
		return localhost + ":8080"
	}
	host := i.localHost
	if host == "" {
		host = localhost
	}
	port := i.localPort
	if !i.hasLPort {
		port = 80
	}
	return host + ":" + strconv.Itoa(int(port))
}

// Parse reads a forward expression. The returned Forward has exactly
// one of its variants set.
func Parse(expr string) (*Forward, error) {
	if imp, rest, ok := importForward(expr); ok && rest == "" {
		return &Forward{Import: imp}, nil
	}
	if exp, rest, ok := exportForward(expr); ok && rest == "" {
		return &Forward{Export: exp}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrParse, expr)
}

//----------------------------------------------------------------------
// Grammar productions
//----------------------------------------------------------------------

func exportForward(s string) (*ExportForward, string, bool) {
	host, exPort, rest, ok := localTCPAddr(s)
	if !ok {
		return nil, s, false
	}
	exp := &ExportForward{
		host: host,
		port: exPort,
	}
	if strings.HasPrefix(rest, "~") {
		alias, ports, r, ok := exportRemoteAddr(rest[1:])
		if !ok {
			return nil, s, false
		}
		exp.alias = alias
		exp.ports = ports
		exp.remote = true
		rest = r
	}
	return exp, rest, true
}

// localTCPAddr parses "[ipv4:]port".
func localTCPAddr(s string) (string, uint16, string, bool) {
	var host string
	rest := s
	if h, r, ok := ip(rest); ok && strings.HasPrefix(r, ":") {
		host = h
		rest = r[1:]
	}
	p, rest, ok := port(rest)
	if !ok {
		return "", 0, s, false
	}
	return host, p, rest, true
}

// exportRemoteAddr parses "[alias:]port(,port)*".
func exportRemoteAddr(s string) (string, []uint16, string, bool) {
	var alias string
	rest := s
	if a, r, ok := alphanumeric(rest); ok && strings.HasPrefix(r, ":") {
		alias = a
		rest = r[1:]
	}
	var ports []uint16
	for {
		p, r, ok := port(rest)
		if !ok {
			if len(ports) == 0 {
				return "", nil, s, false
			}
			break
		}
		ports = append(ports, p)
		rest = r
		if !strings.HasPrefix(rest, ",") {
			break
		}
		rest = rest[1:]
	}
	return alias, ports, rest, true
}

func importForward(s string) (*ImportForward, string, bool) {
	label, rest, ok := alphanumeric(s)
	if !ok || !strings.HasPrefix(rest, ".onion") {
		return nil, s, false
	}
	rest = rest[len(".onion"):]
	imp := &ImportForward{onion: label}
	if strings.HasPrefix(rest, ":") {
		p, r, ok := port(rest[1:])
		if !ok {
			return nil, s, false
		}
		imp.port = p
		imp.hasPort = true
		rest = r
	}
	if strings.HasPrefix(rest, "~") {
		host, lport, hasPort, r, ok := importLocalAddr(rest[1:])
		if !ok {
			return nil, s, false
		}
		imp.local = true
		imp.localHost = host
		imp.localPort = lport
		imp.hasLPort = hasPort
		rest = r
	}
	return imp, rest, true
}

// importLocalAddr parses "ipv4:port | ipv4 | port", longest
// alternative first.
func importLocalAddr(s string) (string, uint16, bool, string, bool) {
	if host, rest, ok := ip(s); ok {
		if strings.HasPrefix(rest, ":") {
			if p, r, ok := port(rest[1:]); ok {
				return host, p, true, r, true
			}
		}
		return host, 0, false, rest, true
	}
	if p, rest, ok := port(s); ok {
		return "", p, true, rest, true
	}
	return "", 0, false, s, false
}
