/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package dart

import (
	"runtime"
	"sync/atomic"
)

// Switch is the atomic gate controlling tracing admission. The value is a
// reader count offset by one: 0 is off, 1 is on with no hook in flight,
// >1 means on with hooks running. Off waits for the count to drain back to
// 1 before flipping, which is the drainage guarantee every hook relies on.
type Switch struct {
	v int32
}

// On flips the switch from idle. Turning on a switch that is already on is
// a sequencing bug in launch/finish and panics.
func (s *Switch) On() {
	if !atomic.CompareAndSwapInt32(&s.v, 0, 1) {
		panic("dart switch turned on twice")
	}
}

// Off flips the switch back to idle, waiting out every hook that acquired
// before the flip started.
func (s *Switch) Off() {
	for !atomic.CompareAndSwapInt32(&s.v, 1, 0) {
		runtime.Gosched()
	}
}

// Acquire takes a reader reference, failing when the switch is off.
func (s *Switch) Acquire() bool {
	for {
		v := atomic.LoadInt32(&s.v)
		if v == 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(&s.v, v, v+1) {
			return true
		}
	}
}

// Release drops a reader reference. Underflow means a release without a
// matching acquire and panics.
func (s *Switch) Release() {
	if atomic.AddInt32(&s.v, -1) <= 0 {
		panic("dart switch released below hold count")
	}
}

// Enabled reports whether the switch is currently on.
func (s *Switch) Enabled() bool {
	return atomic.LoadInt32(&s.v) >= 1
}
