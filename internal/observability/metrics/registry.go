package metrics

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
)

type kind int

const (
	kindCounter kind = iota
	kindHistogram
)

var (
	latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	proofBuckets   = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120}
)

// family is one exposition block: a name, its HELP text and every labelled series.
type family struct {
	name    string
	help    string
	kind    kind
	buckets []float64

	counters   map[string]uint64
	histograms map[string]*histogram
}

type histogram struct {
	counts []uint64
	sum    float64
	count  uint64
}

func (h *histogram) observe(buckets []float64, value float64) {
	h.count++
	h.sum += value
	// values above the last bound only land in +Inf, which is h.count
	for i, bound := range buckets {
		if value <= bound {
			h.counts[i]++
		}
	}
}

// registry holds families in declaration order; series inside a family are
// keyed by their rendered label set.
type registry struct {
	mu       sync.Mutex
	families map[string]*family
}

func newRegistry() *registry {
	return &registry{families: make(map[string]*family)}
}

func (r *registry) counter(name, help string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.families[name] = &family{name: name, help: help, kind: kindCounter, counters: make(map[string]uint64)}
}

func (r *registry) histogram(name, help string, buckets []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.families[name] = &family{name: name, help: help, kind: kindHistogram, buckets: buckets, histograms: make(map[string]*histogram)}
}

func (r *registry) inc(name string, pairs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.families[name]
	if !ok || f.kind != kindCounter {
		return
	}
	f.counters[labels(pairs...)]++
}

func (r *registry) observe(name string, value float64, pairs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.families[name]
	if !ok || f.kind != kindHistogram {
		return
	}
	key := labels(pairs...)
	h := f.histograms[key]
	if h == nil {
		h = &histogram{counts: make([]uint64, len(f.buckets))}
		f.histograms[key] = h
	}
	h.observe(f.buckets, value)
}

func (r *registry) value(name string, pairs ...string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.families[name]
	if !ok {
		return 0
	}
	key := labels(pairs...)
	if f.kind == kindHistogram {
		if h := f.histograms[key]; h != nil {
			return h.count
		}
		return 0
	}
	return f.counters[key]
}

// writeTo renders every non-empty family in Prometheus text format, sorted by
// family name and label set.
func (r *registry) writeTo(w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.families))
	for name := range r.families {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		f := r.families[name]
		switch f.kind {
		case kindCounter:
			if len(f.counters) == 0 {
				continue
			}
			fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s counter\n", f.name, f.help, f.name)
			for _, key := range sortedKeys(f.counters) {
				fmt.Fprintf(&b, "%s%s %d\n", f.name, braces(key), f.counters[key])
			}
		case kindHistogram:
			if len(f.histograms) == 0 {
				continue
			}
			fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s histogram\n", f.name, f.help, f.name)
			for _, key := range sortedKeys(f.histograms) {
				h := f.histograms[key]
				for i, bound := range f.buckets {
					fmt.Fprintf(&b, "%s_bucket%s %d\n", f.name, braces(join(key, `le="`+formatFloat(bound)+`"`)), h.counts[i])
				}
				fmt.Fprintf(&b, "%s_bucket%s %d\n", f.name, braces(join(key, `le="+Inf"`)), h.count)
				fmt.Fprintf(&b, "%s_sum%s %s\n", f.name, braces(key), formatFloat(h.sum))
				fmt.Fprintf(&b, "%s_count%s %d\n", f.name, braces(key), h.count)
			}
		}
	}
	_, _ = io.WriteString(w, b.String())
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func labels(pairs ...string) string {
	parts := make([]string, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		parts = append(parts, pairs[i]+`="`+escape(pairs[i+1])+`"`)
	}
	return strings.Join(parts, ",")
}

func join(a, b string) string {
	if a == "" {
		return b
	}
	return a + "," + b
}

func braces(set string) string {
	if set == "" {
		return ""
	}
	return "{" + set + "}"
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	return strings.ReplaceAll(value, "\n", "")
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
