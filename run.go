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
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cmars/onionpipe/logger"
	"github.com/cmars/onionpipe/network"
	"github.com/cmars/onionpipe/tor"
)

//======================================================================
// Forwarding supervisor
//
// Run owns the whole lifecycle: the embedded tor daemon, the control
// connection, the export registrations and the import accept loops.
// Import loops never reference the supervisor back; they die with the
// process when Run returns.
//======================================================================

// torExitTimeout bounds the wait for the owned tor daemon to exit
// after the control connection closes.
const torExitTimeout = 5 * time.Second

// OnionPipe is the forwarding supervisor state.
type OnionPipe struct {
	tempDir      string
	dataDir      string
	controlSock  string
	socksSock    string
	exports      []Export
	imports      []Import
	activeOnions []string
	proc         *tor.Proc
}

// Run brings up the embedded tor daemon, registers all exports, serves
// all imports, and tears everything down again on SIGINT. It returns
// when shutdown completes; startup errors are fatal.
func (p *OnionPipe) Run() error {
	proc, err := tor.StartProc(p.dataDir, p.controlSock, p.socksSock)
	if err != nil {
		return err
	}
	p.proc = proc

	if err = waitForFile(p.controlSock); err != nil {
		return err
	}
	stream, err := net.Dial("unix", p.controlSock)
	if err != nil {
		return err
	}
	utc := tor.NewUnauthenticatedConn(stream)
	// Null authentication: the trust boundary is the permission on
	// the control socket, not the wire.
	if err = utc.Authenticate(tor.AuthNull()); err != nil {
		return err
	}
	ac := utc.IntoAuthenticated()
	ac.SetEventHandler(func(code uint16, lines []string) {})
	if err = ac.TakeOwnership(); err != nil {
		return err
	}

	if err = p.registerExports(ac); err != nil {
		return err
	}
	p.forwardImports()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig
	fmt.Fprintln(os.Stderr, "interrupt received, shutting down")

	p.drainOnions(ac)
	if err = ac.Close(); err != nil {
		logger.Printf(logger.WARN, "[onionpipe] control close: %s\n", err)
	}
	if err = p.proc.WaitTimeout(torExitTimeout); err != nil {
		logger.Printf(logger.WARN, "[onionpipe] tor exit: %s\n", err)
	}
	if err = os.RemoveAll(p.dataDir); err != nil {
		return err
	}
	return os.RemoveAll(p.tempDir)
}

// registerExports issues one ADD_ONION per export, folding all onion
// ports into a single command, and records the active onion addresses
// in registration order.
func (p *OnionPipe) registerExports(ac *tor.AuthenticatedConn) error {
	for i := range p.exports {
		export := &p.exports[i]
		key := export.Key
		if key == nil {
			// export added without a key: ephemeral service
			var err error
			if key, err = tor.GenerateServiceKey(); err != nil {
				return err
			}
		}
		addr, err := key.OnionAddr()
		if err != nil {
			return err
		}
		ports := make([]string, len(export.RemotePorts))
		mappings := make([]tor.PortMapping, len(export.RemotePorts))
		for j, port := range export.RemotePorts {
			ports[j] = strconv.Itoa(int(port))
			mappings[j] = tor.PortMapping{
				OnionPort: port,
				Target:    export.LocalAddr.String(),
			}
		}
		fmt.Printf("forward %s => %s:%s\n",
			export.LocalAddr, addr, strings.Join(ports, ","))
		serviceID, err := ac.AddOnionV3(key, mappings)
		if err != nil {
			return err
		}
		if serviceID != addr.ID() {
			logger.Printf(logger.WARN,
				"[onionpipe] onion address mismatch: expected %s, got %s\n",
				addr.ID(), serviceID)
		}
		p.activeOnions = append(p.activeOnions, addr.ID())
	}
	return nil
}

// forwardImports launches one accept loop per import.
func (p *OnionPipe) forwardImports() {
	for i := range p.imports {
		imp := &p.imports[i]
		go runImport(imp.LocalAddr.String(), p.socksSock,
			imp.RemoteAddr.String(), imp.RemotePort)
		fmt.Printf("forward %s:%d => %s\n",
			imp.RemoteAddr, imp.RemotePort, imp.LocalAddr)
	}
}

// drainOnions removes the registered onions in registration order. A
// connection reset means tor is already gone and ends the loop; other
// failures are logged and deletion continues.
func (p *OnionPipe) drainOnions(ac *tor.AuthenticatedConn) {
	for _, id := range p.activeOnions {
		if err := ac.DelOnion(id); err != nil {
			if errors.Is(err, unix.ECONNRESET) {
				break
			}
			fmt.Fprintf(os.Stderr, "failed to delete onion: %s\n", err)
		}
	}
}

// runImport accepts connections on the local endpoint and splices each
// one onto a fresh SOCKS5 session through tor. Per-connection failures
// keep the listener up.
func runImport(localAddr, socksSock, onionHost string, onionPort uint16) {
	listener, err := net.Listen("tcp", localAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen on %s failed: %s\n", localAddr, err)
		return
	}
	for {
		conn, err := listener.Accept()
		if err != nil {
			fmt.Fprintf(os.Stderr, "accept on %s failed: %s\n", localAddr, err)
			return
		}
		fmt.Println("got connection")
		proxy, err := net.Dial("unix", socksSock)
		if err != nil {
			fmt.Fprintf(os.Stderr, "socks proxy connection failed: %s\n", err)
			conn.Close()
			continue
		}
		if err = network.Socks5Connect(proxy, onionHost, onionPort); err != nil {
			fmt.Fprintf(os.Stderr, "remote onion connection failed: %s\n", err)
			proxy.Close()
			conn.Close()
			continue
		}
		go network.Splice(conn, proxy)
	}
}

// waitForFile polls for the control socket to appear, backing off with
// sleeps of i seconds for i = 0..9.
func waitForFile(path string) error {
	for i := 0; i < 10; i++ {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		time.Sleep(time.Duration(i) * time.Second)
	}
	return tor.ErrConnTimeout
}
