package network

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
	"io"
	"net"

	"github.com/cmars/onionpipe/logger"
)

//======================================================================
// Bidirectional stream splice
//======================================================================

// Splice copies bytes between two connections in both directions and
// returns as soon as either direction ends; the other direction is
// dropped with its stream. Byte order within each direction is that of
// a single copy. Both connections are closed on return.
func Splice(a, b net.Conn) {
	done := make(chan error, 2)
	go func() {
		_, err := io.Copy(a, b)
		done <- err
	}()
	go func() {
		_, err := io.Copy(b, a)
		done <- err
	}()
	if err := <-done; err != nil {
		logger.Printf(logger.DBG, "[network] splice ended: %s\n", err)
	}
	a.Close()
	b.Close()
}
