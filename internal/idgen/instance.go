// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package idgen

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sony/sonyflake"
)

// epoch is the sonyflake start time; ids stay positive until 2194.
var epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

var flake = sync.OnceValue(func() *sonyflake.Sonyflake {
	// nil when no private address is found; InstanceID falls back
	sf, _ := sonyflake.New(sonyflake.Settings{StartTime: epoch})
	return sf
})

// InstanceID returns a positive id for this process. Successive calls
// return increasing values, so each call names a distinct run.
func InstanceID() int64 {
	sf := flake()
	if sf == nil {
		return rand.Int64N(1 << 62)
	}
	v, err := sf.NextID()
	if err != nil {
		return rand.Int64N(1 << 62)
	}
	return int64(v)
}
