package storage

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bilbercode/gencam/internal/exposure"
)

// ImageNames formats image names as {source}_O_{dayObs}_{seq:06d}.
func ImageNames(source, dayObs string, seqs []int) []string {
	names := make([]string, len(seqs))
	for i, seq := range seqs {
		names[i] = fmt.Sprintf("%s_O_%s_%06d", source, dayObs, seq)
	}
	return names
}

// Counter hands out image sequence numbers. Numbering restarts at 1 when the
// observing day changes.
type Counter struct {
	mu     sync.Mutex
	dayObs string
	next   int
}

// Next reserves n sequence numbers for an exposure sequence started at t.
func (c *Counter) Next(n int, t time.Time) (string, []int) {
	dayObs := exposure.DayObs(t)
	c.mu.Lock()
	defer c.mu.Unlock()
	if dayObs != c.dayObs || c.next == 0 {
		c.dayObs = dayObs
		c.next = 1
	}
	seqs := make([]int, n)
	for i := range seqs {
		seqs[i] = c.next
		c.next++
	}
	return dayObs, seqs
}

// ParseKeyValueMap splits "k1: v1, k2: v2" into colon joined keys and values,
// "k1:k2" and "v1:v2". Colons inside a value are escaped as `\:`.
func ParseKeyValueMap(kvm string) (keys, values string) {
	parts := strings.Split(kvm, ",")
	ks := make([]string, 0, len(parts))
	vs := make([]string, 0, len(parts))
	for _, part := range parts {
		k, v, _ := strings.Cut(part, ":")
		v = strings.ReplaceAll(v, ":", `\:`)
		ks = append(ks, strings.TrimSpace(k))
		vs = append(vs, strings.TrimSpace(v))
	}
	return strings.Join(ks, ":"), strings.Join(vs, ":")
}
