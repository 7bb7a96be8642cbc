package xtime

import (
	"fmt"
	"sync"
)

// alphabet is a base64url-ish charset, listed in ASCII order, used to render
// monotonically increasing timestamps as short, lexicographically-sortable
// strings. It backs the recovery offset ids handed out per persisted packet
// (offsets must compare as strings).
const alphabet = "-0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz"

var (
	yeastMu  sync.Mutex
	seed     = make(map[int64]int)
	prevTime int64
)

func encode(n int64) string {
	if n == 0 {
		return string(alphabet[0])
	}
	var buf []byte
	base := int64(len(alphabet))
	for n > 0 {
		buf = append([]byte{alphabet[n%base]}, buf...)
		n /= base
	}
	return string(buf)
}

// Yeast returns a short, time-ordered, collision-resistant id suitable for
// recovery-record offsets: monotonic under repeated calls within the same
// millisecond, driven off an injected now rather than time.Now so callers
// and tests stay deterministic.
func Yeast(nowUnixMilli int64) string {
	yeastMu.Lock()
	defer yeastMu.Unlock()

	if nowUnixMilli != prevTime {
		seed = make(map[int64]int)
		prevTime = nowUnixMilli
	}
	enc := encode(nowUnixMilli)
	if seed[nowUnixMilli] > 0 {
		// Zero-padded so repeats within one millisecond keep string order.
		enc += fmt.Sprintf(".%06d", seed[nowUnixMilli])
	}
	seed[nowUnixMilli]++
	return enc
}
