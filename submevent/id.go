package submevent

import (
	"strconv"
	"sync/atomic"
	"time"
)

// seqWrap bounds the rolling sequence appended to event ids.
const seqWrap = 1_000_000

// IDGen assigns event ids of the form <subject>:<unixMillis>:<seq>.
// Ids never repeat within one generator unless a single subject receives more
// than seqWrap events in the same millisecond.
type IDGen struct {
	seq atomic.Uint64
}

func (g *IDGen) Next(subjectID string, at time.Time) string {
	n := (g.seq.Add(1) - 1) % seqWrap
	return subjectID + ":" + strconv.FormatInt(at.UnixMilli(), 10) + ":" + strconv.FormatUint(n, 10)
}
