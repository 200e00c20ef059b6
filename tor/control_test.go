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
	"bufio"
	"errors"
	"net"
	"strings"
	"testing"
)

// scriptedPeer plays the daemon side of a control conversation. Each
// received command line is answered with the scripted reply whose key
// is a prefix of the line; unmatched commands get a 510.
type scriptedPeer struct {
	conn    net.Conn
	t       *testing.T
	replies map[string]string
}

func newScriptedPeer(t *testing.T, replies map[string]string) net.Conn {
	client, server := net.Pipe()
	peer := &scriptedPeer{
		conn:    server,
		t:       t,
		replies: replies,
	}
	go peer.serve()
	return client
}

func (p *scriptedPeer) serve() {
	defer p.conn.Close()
	rdr := bufio.NewReader(p.conn)
	for {
		line, err := rdr.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		reply := "510 Unrecognized command\r\n"
		for prefix, scripted := range p.replies {
			if strings.HasPrefix(line, prefix) {
				reply = scripted
				break
			}
		}
		if _, err = p.conn.Write([]byte(reply)); err != nil {
			return
		}
	}
}

func TestAuthenticateNull(t *testing.T) {
	conn := newScriptedPeer(t, map[string]string{
		"AUTHENTICATE": "250 OK\r\n",
	})
	defer conn.Close()
	utc := NewUnauthenticatedConn(conn)
	if err := utc.Authenticate(AuthNull()); err != nil {
		t.Fatal(err)
	}
}

func TestAuthenticateRejected(t *testing.T) {
	conn := newScriptedPeer(t, map[string]string{
		"AUTHENTICATE": "515 Authentication failed\r\n",
	})
	defer conn.Close()
	utc := NewUnauthenticatedConn(conn)
	err := utc.Authenticate(AuthNull())
	respErr := new(ResponseError)
	if !errors.As(err, &respErr) {
		t.Fatalf("unexpected error: %v", err)
	}
	if respErr.Code != 515 {
		t.Fatalf("unexpected code %d", respErr.Code)
	}
}

func TestProtocolInfo(t *testing.T) {
	conn := newScriptedPeer(t, map[string]string{
		"PROTOCOLINFO": "250-PROTOCOLINFO 1\r\n" +
			"250-AUTH METHODS=COOKIE,SAFECOOKIE COOKIEFILE=\"/var/run/tor/control.authcookie\"\r\n" +
			"250-VERSION Tor=\"0.4.8.9\"\r\n" +
			"250 OK\r\n",
	})
	defer conn.Close()
	utc := NewUnauthenticatedConn(conn)
	info, err := utc.ProtocolInfo()
	if err != nil {
		t.Fatal(err)
	}
	if len(info.AuthMethods) != 2 || info.AuthMethods[0] != "COOKIE" {
		t.Fatalf("unexpected auth methods %v", info.AuthMethods)
	}
	if info.CookieFile != "/var/run/tor/control.authcookie" {
		t.Fatalf("unexpected cookie file %q", info.CookieFile)
	}
	if info.TorVersion != "0.4.8.9" {
		t.Fatalf("unexpected version %q", info.TorVersion)
	}
	// tor drops connections on a duplicate PROTOCOLINFO, so the
	// second fetch must fail client-side
	if _, err = utc.ProtocolInfo(); !errors.Is(err, ErrInfoFetchedTwice) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAddDelOnion(t *testing.T) {
	key, err := GenerateServiceKey()
	if err != nil {
		t.Fatal(err)
	}
	addr, err := key.OnionAddr()
	if err != nil {
		t.Fatal(err)
	}
	conn := newScriptedPeer(t, map[string]string{
		"AUTHENTICATE":   "250 OK\r\n",
		"TAKE_OWNERSHIP": "250 OK\r\n",
		"RESETCONF":      "250 OK\r\n",
		"ADD_ONION": "250-ServiceID=" + addr.ID() + "\r\n" +
			"250 OK\r\n",
		"DEL_ONION": "250 OK\r\n",
	})
	defer conn.Close()
	utc := NewUnauthenticatedConn(conn)
	if err = utc.Authenticate(AuthNull()); err != nil {
		t.Fatal(err)
	}
	ac := utc.IntoAuthenticated()
	if err = ac.TakeOwnership(); err != nil {
		t.Fatal(err)
	}
	serviceID, err := ac.AddOnionV3(key, []PortMapping{
		{OnionPort: 80, Target: "127.0.0.1:8080"},
		{OnionPort: 8080, Target: "127.0.0.1:8080"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if serviceID != addr.ID() {
		t.Fatalf("unexpected service ID %q", serviceID)
	}
	if err = ac.DelOnion(serviceID); err != nil {
		t.Fatal(err)
	}
}

func TestAddOnionRejected(t *testing.T) {
	key, err := GenerateServiceKey()
	if err != nil {
		t.Fatal(err)
	}
	conn := newScriptedPeer(t, map[string]string{
		"ADD_ONION": "512 Invalid number of arguments\r\n",
	})
	defer conn.Close()
	ac := NewUnauthenticatedConn(conn).IntoAuthenticated()
	_, err = ac.AddOnionV3(key, nil)
	respErr := new(ResponseError)
	if !errors.As(err, &respErr) || respErr.Code != 512 {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAddOnionInvalidTarget(t *testing.T) {
	key, err := GenerateServiceKey()
	if err != nil {
		t.Fatal(err)
	}
	ac := NewUnauthenticatedConn(nil).IntoAuthenticated()
	_, err = ac.AddOnionV3(key, []PortMapping{{OnionPort: 80, Target: "bad target"}})
	if !errors.Is(err, ErrInvalidListenerSpec) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDelOnionInvalidID(t *testing.T) {
	ac := NewUnauthenticatedConn(nil).IntoAuthenticated()
	for _, id := range []string{"", "UPPER", "short", torProject + "x"} {
		if err := ac.DelOnion(id); !errors.Is(err, ErrInvalidServiceID) {
			t.Fatalf("%q: unexpected error: %v", id, err)
		}
	}
}

func TestSetEventsInvalidName(t *testing.T) {
	ac := NewUnauthenticatedConn(nil).IntoAuthenticated()
	for _, ev := range []string{"", "circ established", "bad\r\nname"} {
		if err := ac.SetEvents(ev); !errors.Is(err, ErrInvalidEventName) {
			t.Fatalf("%q: unexpected error: %v", ev, err)
		}
	}
}

// Async 650 responses interleaved with a command are routed to the
// installed handler; the command still gets its own reply.
func TestAsyncEventDispatch(t *testing.T) {
	conn := newScriptedPeer(t, map[string]string{
		"GETINFO": "650 CIRC 1000 BUILT\r\n" +
			"250-version=0.4.8.9\r\n" +
			"250 OK\r\n",
	})
	defer conn.Close()
	ac := NewUnauthenticatedConn(conn).IntoAuthenticated()
	var events [][]string
	ac.SetEventHandler(func(code uint16, lines []string) {
		events = append(events, lines)
	})
	info, err := ac.GetInfo("version")
	if err != nil {
		t.Fatal(err)
	}
	if info["version"] != "0.4.8.9" {
		t.Fatalf("unexpected info %v", info)
	}
	if len(events) != 1 || events[0][0] != "CIRC 1000 BUILT" {
		t.Fatalf("unexpected events %v", events)
	}
}
