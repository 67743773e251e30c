/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

//go:build !linux || !amd64

package strace

// The guest targets linux/amd64; elsewhere every syscall renders through
// the generic formatter.
func (p *Printer) registerKnown() {
}
