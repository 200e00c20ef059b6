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
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cmars/onionpipe/logger"
)

//======================================================================
// Control connection state machine:
//
//	Unauthenticated --Authenticate--> Authenticated
//	Authenticated   --TakeOwnership / AddOnionV3 / DelOnion / ...
//
// Both wrappers drive the same framing Conn; the split keeps commands
// that require authentication off the unauthenticated state.
//======================================================================

// Error codes
var (
	ErrInfoFetchedTwice     = errors.New("protocol info fetched twice")
	ErrServerHashMismatch   = errors.New("tor server hash mismatch")
	ErrInvalidKeywordValue  = errors.New("invalid keyword value")
	ErrInvalidHostnameValue = errors.New("invalid hostname value")
	ErrInvalidListenerSpec  = errors.New("invalid listener specification")
	ErrInvalidServiceID     = errors.New("invalid onion service identifier")
	ErrInvalidEventName     = errors.New("invalid event name")
)

const (
	// success is the response code of a completed command.
	success = 250

	// asyncEvent is the response code of out-of-band event lines.
	asyncEvent = 650

	// nonceLen is the length of SAFECOOKIE nonces.
	nonceLen = 32

	// cookieLen is the length of the authentication cookie.
	cookieLen = 32
)

// HMAC keys of the SAFECOOKIE exchange.
var (
	serverKey = []byte("Tor safe cookie authentication " +
		"server-to-controller hash")
	controllerKey = []byte("Tor safe cookie authentication " +
		"controller-to-server hash")
)

//----------------------------------------------------------------------
// Authentication methods
//----------------------------------------------------------------------

const (
	authNull = iota
	authPassword
	authCookie
	authSafeCookie
)

// Auth selects a control-port authentication method.
type Auth struct {
	method   int
	password string
}

// AuthNull authenticates with a bare AUTHENTICATE command. The trust
// boundary is the permission on the control socket, not the wire.
func AuthNull() Auth {
	return Auth{method: authNull}
}

// AuthPassword authenticates against a HashedControlPassword setting.
func AuthPassword(password string) Auth {
	return Auth{method: authPassword, password: password}
}

// AuthCookie authenticates with the contents of the cookie file
// announced in PROTOCOLINFO.
func AuthCookie() Auth {
	return Auth{method: authCookie}
}

// AuthSafeCookie runs the SAFECOOKIE challenge/response exchange over
// the cookie file announced in PROTOCOLINFO.
func AuthSafeCookie() Auth {
	return Auth{method: authSafeCookie}
}

//----------------------------------------------------------------------
// Unauthenticated connection
//----------------------------------------------------------------------

// ProtocolInfo describes the authentication profile of a tor daemon.
type ProtocolInfo struct {
	AuthMethods []string // announced AUTH METHODS
	CookieFile  string   // path of the authentication cookie
	TorVersion  string   // daemon version string
}

// UnauthenticatedConn is a fresh control connection. The only commands
// available are PROTOCOLINFO and AUTHENTICATE.
type UnauthenticatedConn struct {
	conn *Conn
	info *ProtocolInfo
}

// NewUnauthenticatedConn wraps a control stream.
func NewUnauthenticatedConn(stream io.ReadWriter) *UnauthenticatedConn {
	return &UnauthenticatedConn{
		conn: NewConn(stream),
	}
}

// ProtocolInfo fetches the authentication profile of the daemon. Tor
// drops the connection when PROTOCOLINFO is issued twice before
// authentication, so a second call fails without touching the wire.
func (u *UnauthenticatedConn) ProtocolInfo() (*ProtocolInfo, error) {
	if u.info != nil {
		return nil, ErrInfoFetchedTwice
	}
	return u.fetchInfo()
}

func (u *UnauthenticatedConn) fetchInfo() (*ProtocolInfo, error) {
	lines, err := u.run("PROTOCOLINFO 1")
	if err != nil {
		return nil, err
	}
	info := new(ProtocolInfo)
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "AUTH "):
			for _, kv := range strings.Split(line[5:], " ") {
				key, value, ok := strings.Cut(kv, "=")
				if !ok {
					continue
				}
				switch key {
				case "METHODS":
					info.AuthMethods = strings.Split(value, ",")
				case "COOKIEFILE":
					info.CookieFile = strings.Trim(value, "\"")
				}
			}
		case strings.HasPrefix(line, "VERSION "):
			_, value, ok := strings.Cut(line[8:], "=")
			if ok {
				info.TorVersion = strings.Trim(value, "\"")
			}
		}
	}
	u.info = info
	return info, nil
}

// Authenticate runs the selected authentication exchange. On success
// the connection is ready to be promoted with IntoAuthenticated.
func (u *UnauthenticatedConn) Authenticate(auth Auth) error {
	switch auth.method {
	case authNull:
		_, err := u.run("AUTHENTICATE")
		return err
	case authPassword:
		if !isQuotable(auth.password) {
			return ErrInvalidKeywordValue
		}
		_, err := u.run(fmt.Sprintf("AUTHENTICATE %s", quote(auth.password)))
		return err
	case authCookie:
		cookie, err := u.readCookie()
		if err != nil {
			return err
		}
		_, err = u.run(fmt.Sprintf("AUTHENTICATE %x", cookie))
		return err
	case authSafeCookie:
		return u.safeCookie()
	}
	return ErrInvalidKeywordValue
}

// IntoAuthenticated promotes the connection after a successful
// Authenticate call.
func (u *UnauthenticatedConn) IntoAuthenticated() *AuthenticatedConn {
	return &AuthenticatedConn{conn: u.conn}
}

// readCookie loads the daemon's authentication cookie.
func (u *UnauthenticatedConn) readCookie() ([]byte, error) {
	info := u.info
	if info == nil {
		var err error
		if info, err = u.fetchInfo(); err != nil {
			return nil, err
		}
	}
	cookie, err := os.ReadFile(info.CookieFile)
	if err != nil {
		return nil, err
	}
	if len(cookie) != cookieLen {
		return nil, fmt.Errorf("%w: cookie length %d",
			ErrInvalidFormat, len(cookie))
	}
	return cookie, nil
}

// safeCookie runs the two-step SAFECOOKIE exchange: AUTHCHALLENGE with
// a client nonce, verification of the server hash, then AUTHENTICATE
// with the controller hash.
func (u *UnauthenticatedConn) safeCookie() error {
	cookie, err := u.readCookie()
	if err != nil {
		return err
	}
	clientNonce := make([]byte, nonceLen)
	if _, err = rand.Read(clientNonce); err != nil {
		return err
	}
	lines, err := u.run(fmt.Sprintf("AUTHCHALLENGE SAFECOOKIE %x", clientNonce))
	if err != nil {
		return err
	}
	reply := parseReply(lines)
	serverHash, err := hex.DecodeString(reply["SERVERHASH"])
	if err != nil || len(serverHash) != sha256.Size {
		return fmt.Errorf("%w: bad server hash", ErrInvalidFormat)
	}
	serverNonce, err := hex.DecodeString(reply["SERVERNONCE"])
	if err != nil || len(serverNonce) != nonceLen {
		return fmt.Errorf("%w: bad server nonce", ErrInvalidFormat)
	}
	msg := bytes.Join([][]byte{cookie, clientNonce, serverNonce}, nil)
	if !hmac.Equal(computeHMAC256(serverKey, msg), serverHash) {
		return ErrServerHashMismatch
	}
	_, err = u.run(fmt.Sprintf("AUTHENTICATE %x", computeHMAC256(controllerKey, msg)))
	return err
}

// run sends a command and expects a 250 response. Async events cannot
// occur before SETEVENTS, so no handler is consulted here.
func (u *UnauthenticatedConn) run(cmd string) ([]string, error) {
	logger.Printf(logger.DBG, "[tor] <<< %s\n", cmd)
	if err := u.conn.WriteLine(cmd); err != nil {
		return nil, err
	}
	code, lines, err := u.conn.ReadResponse()
	if err != nil {
		return nil, err
	}
	logger.Printf(logger.DBG, "[tor] >>> %d %s\n", code, strings.Join(lines, " / "))
	if code != success {
		return nil, &ResponseError{Code: code, Lines: lines}
	}
	return lines, nil
}

//----------------------------------------------------------------------
// Authenticated connection
//----------------------------------------------------------------------

// EventHandler consumes out-of-band (650) event responses.
type EventHandler func(code uint16, lines []string)

// AuthenticatedConn is a control connection after AUTHENTICATE.
type AuthenticatedConn struct {
	conn    *Conn
	handler EventHandler
}

// SetEventHandler installs the handler for asynchronous event lines.
// Events received while no handler is set are dropped.
func (a *AuthenticatedConn) SetEventHandler(handler EventHandler) {
	a.handler = handler
}

// SetEvents subscribes to the named events.
func (a *AuthenticatedConn) SetEvents(events ...string) error {
	for _, ev := range events {
		if !isValidEvent(ev) {
			return ErrInvalidEventName
		}
	}
	cmd := "SETEVENTS"
	for _, ev := range events {
		cmd += " " + ev
	}
	_, err := a.run(cmd)
	return err
}

// TakeOwnership binds the lifetime of the tor daemon to this control
// connection: tor exits when the connection closes.
func (a *AuthenticatedConn) TakeOwnership() error {
	if _, err := a.run("TAKE_OWNERSHIP"); err != nil {
		return err
	}
	// Taking ownership supersedes the __OwningControllerProcess
	// handshake; reset it so the daemon does not also poll a PID.
	_, err := a.run("RESETCONF __OwningControllerProcess")
	return err
}

// PortMapping maps an onion-side virtual port to a local TCP endpoint.
type PortMapping struct {
	OnionPort uint16
	Target    string // local "host:port" endpoint
}

// AddOnionV3 registers a hidden service for the given key, mapping each
// onion port to its local endpoint. The flags tor considers dangerous
// for this use (DiscardPK, BasicAuth, NonAnonymous) are never sent.
// The returned identifier is the onion address without ".onion".
func (a *AuthenticatedConn) AddOnionV3(key *ServiceKey, ports []PortMapping) (string, error) {
	cmd := "ADD_ONION " + key.Blob()
	for _, pm := range ports {
		if !isValidTarget(pm.Target) {
			return "", ErrInvalidListenerSpec
		}
		cmd += fmt.Sprintf(" Port=%d,%s", pm.OnionPort, pm.Target)
	}
	lines, err := a.run(cmd)
	if err != nil {
		return "", err
	}
	reply := parseReply(lines)
	serviceID, ok := reply["ServiceID"]
	if !ok {
		return "", fmt.Errorf("%w: no ServiceID in ADD_ONION reply",
			ErrInvalidFormat)
	}
	return serviceID, nil
}

// DelOnion removes a hidden service registered on this connection. The
// identifier is the onion address without the ".onion" suffix.
func (a *AuthenticatedConn) DelOnion(serviceID string) error {
	if !isValidServiceID(serviceID) {
		return ErrInvalidServiceID
	}
	_, err := a.run("DEL_ONION " + serviceID)
	return err
}

// GetInfo fetches daemon runtime values for the given keys.
func (a *AuthenticatedConn) GetInfo(keys ...string) (map[string]string, error) {
	cmd := "GETINFO"
	for _, k := range keys {
		if !isValidOption(k) {
			return nil, ErrInvalidKeywordValue
		}
		cmd += " " + k
	}
	lines, err := a.run(cmd)
	if err != nil {
		return nil, err
	}
	return parseReply(lines), nil
}

// Close terminates the control connection. For a daemon owned through
// TakeOwnership this also terminates the daemon.
func (a *AuthenticatedConn) Close() error {
	if closer, ok := a.conn.stream.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// run sends a command and reads responses until a synchronous one
// arrives; event responses seen on the way are fed to the handler.
func (a *AuthenticatedConn) run(cmd string) ([]string, error) {
	logger.Printf(logger.DBG, "[tor] <<< %s\n", cmd)
	if err := a.conn.WriteLine(cmd); err != nil {
		return nil, err
	}
	for {
		code, lines, err := a.conn.ReadResponse()
		if err != nil {
			return nil, err
		}
		if code == asyncEvent {
			if a.handler != nil {
				a.handler(code, lines)
			}
			continue
		}
		logger.Printf(logger.DBG, "[tor] >>> %d %s\n", code, strings.Join(lines, " / "))
		if code != success {
			return nil, &ResponseError{Code: code, Lines: lines}
		}
		return lines, nil
	}
}

//----------------------------------------------------------------------
// Reply and argument helpers
//----------------------------------------------------------------------

// parseReply collects KEY=VALUE reply lines into a map. Lines without
// "=" (such as the final "OK") are skipped.
func parseReply(lines []string) map[string]string {
	params := make(map[string]string)
	for _, line := range lines {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		params[key] = value
	}
	return params
}

// computeHMAC256 computes the HMAC-SHA256 of a key and message.
func computeHMAC256(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// quote renders a QuotedString per the control protocol.
func quote(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	return "\"" + s + "\""
}

// isQuotable reports whether a value survives QuotedString encoding.
func isQuotable(s string) bool {
	for _, c := range s {
		if c == '\r' || c == '\n' || c > 0x7f {
			return false
		}
	}
	return true
}

// isValidEvent accepts event names for SETEVENTS.
func isValidEvent(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, c := range s {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') && c != '_' {
			return false
		}
	}
	return true
}

// isValidOption accepts keyword arguments for GETINFO and friends.
func isValidOption(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, c := range s {
		if c > 0x7f || c == '\r' || c == '\n' || c == ' ' {
			return false
		}
	}
	return true
}

// isValidTarget accepts local endpoint specifications for ADD_ONION
// Port arguments.
func isValidTarget(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, c := range s {
		if c > 0x7f || c == '\r' || c == '\n' || c == ' ' || c == ',' {
			return false
		}
	}
	return true
}

// isValidServiceID accepts v2 and v3 service identifiers.
func isValidServiceID(s string) bool {
	if len(s) != 16 && len(s) != v3AddrLen {
		return false
	}
	for _, c := range s {
		if (c < 'a' || c > 'z') && (c < '2' || c > '7') {
			return false
		}
	}
	return true
}
