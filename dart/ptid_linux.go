/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package dart

import "golang.org/x/sys/unix"

// CurrentPTID names the calling thread. The guest runs every worker locked
// to its own OS thread, so the tid is the flow identity.
func CurrentPTID() PTID {
	return UserTaskPTID(unix.Gettid())
}
