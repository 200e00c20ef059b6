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
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/cmars/onionpipe/logger"
)

//======================================================================
// Embedded tor daemon
//
// The daemon is configured entirely on the command line; no torrc is
// read or written. Both its sockets live inside the supervisor's
// private data directory, so socket permissions are the trust boundary.
//======================================================================

// Proc is a tor daemon running as a child process. It is reached only
// through the control and SOCKS sockets it was started with.
type Proc struct {
	cmd  *exec.Cmd
	done chan error
}

// StartProc launches a tor daemon with a control socket, an
// onion-only SOCKS socket and the given working directory.
func StartProc(dataDir, controlSock, socksSock string) (*Proc, error) {
	path, err := exec.LookPath("tor")
	if err != nil {
		return nil, fmt.Errorf("tor binary not found: %w", err)
	}
	cmd := exec.Command(path,
		"--ControlSocket", controlSock,
		"--DataDirectory", dataDir,
		"--Log", "warn stderr",
		"--SocksPort", "unix:"+socksSock+" OnionTrafficOnly",
	)
	cmd.Stderr = os.Stderr
	if err = cmd.Start(); err != nil {
		return nil, err
	}
	logger.Printf(logger.DBG, "[tor] daemon started (pid %d)\n", cmd.Process.Pid)
	p := &Proc{
		cmd:  cmd,
		done: make(chan error, 1),
	}
	go func() {
		p.done <- cmd.Wait()
	}()
	return p, nil
}

// Done signals termination of the daemon.
func (p *Proc) Done() <-chan error {
	return p.done
}

// WaitTimeout waits for the daemon to exit on its own, killing it when
// the deadline passes. A daemon owned by a control connection exits as
// soon as that connection closes, so the kill path is the exception.
func (p *Proc) WaitTimeout(timeout time.Duration) error {
	select {
	case err := <-p.done:
		return err
	case <-time.After(timeout):
		logger.Println(logger.WARN, "[tor] daemon still running, killing it")
		if err := p.cmd.Process.Kill(); err != nil {
			return err
		}
		return <-p.done
	}
}
