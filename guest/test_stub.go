/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

//go:build !linux || !amd64

package guest

// The canned test sequence uses legacy x86-64 syscall numbers.
func (g *Guest) runTest() error {
	return ErrUnsupportedArch
}
