// Package analysis computes trace summaries for a run's span tree: total and
// critical-path duration, slowest and failed spans, and per-kind hotspots by
// inclusive and self time.
//
// Span data comes from instrumented agents and is routinely inconsistent:
// missing parents, parent cycles, ends before starts, spans left open. The
// summary never fails on such data. Implausible durations are zeroed and
// counted in AnomalyCounts instead.
package analysis

import (
	"cmp"
	"slices"
	"time"

	"github.com/ashita-ai/agentops/internal/model"
)

// MaxPlausibleDuration bounds a single span. Longer or negative raw
// durations are treated as anomalies.
const MaxPlausibleDuration = 24 * time.Hour

// SlowestLimit is how many spans SlowestSpans lists.
const SlowestLimit = 10

// node is a span plus the derived values the summary needs.
type node struct {
	span      *model.Span
	duration  int64
	anomalous bool
	children  []int
}

// Summarize builds the trace summary of spans. agg may be nil when no usage
// is known. now (epoch ms) closes spans that are still open.
func Summarize(runID string, spans []model.Span, agg *model.UsageAggregate, now int64) model.TraceSummary {
	sum := model.TraceSummary{
		RunID:               runID,
		SpanCount:           len(spans),
		CriticalPathSpanIDs: []string{},
		SlowestSpans:        []model.SpanDigest{},
		ErrorSpans:          []model.SpanDigest{},
		HotspotsByKind:      []model.KindHotspot{},
		HotspotsByKindSelf:  []model.KindSelfHotspot{},
	}
	if agg != nil {
		sum.Usage = &agg.Totals
	}
	if len(spans) == 0 {
		return sum
	}

	var anomalies model.AnomalyCounts
	nodes, roots := buildTree(spans, now, &anomalies)

	sum.TotalDurationMs = totalDuration(spans, now)
	pathMs, path := criticalPath(nodes, roots)
	sum.CriticalPathMs = min(pathMs, sum.TotalDurationMs)
	for _, i := range path {
		sum.CriticalPathSpanIDs = append(sum.CriticalPathSpanIDs, nodes[i].span.SpanID)
	}

	sum.SlowestSpans = slowest(nodes)
	for i := range nodes {
		if nodes[i].span.Status == model.SpanStatusError {
			sum.ErrorSpans = append(sum.ErrorSpans, digest(&nodes[i]))
		}
	}

	var bySpan map[string]model.SpanUsage
	if agg != nil {
		bySpan = agg.BySpan
	}
	sum.HotspotsByKind, sum.HotspotsByKindSelf = hotspots(nodes, bySpan, &anomalies)

	if !anomalies.Zero() {
		sum.AnomalyCounts = &anomalies
	}
	return sum
}

// spanEnd is the effective end of a span: its EndTs, or now while open.
func spanEnd(s *model.Span, now int64) int64 {
	if s.EndTs != nil {
		return *s.EndTs
	}
	return now
}

func buildTree(spans []model.Span, now int64, anomalies *model.AnomalyCounts) ([]node, []int) {
	nodes := make([]node, len(spans))
	index := make(map[string]int, len(spans))
	for i := range spans {
		s := &spans[i]
		raw := spanEnd(s, now) - s.StartTs
		n := node{span: s, duration: raw}
		if raw < 0 || raw > MaxPlausibleDuration.Milliseconds() {
			n.duration, n.anomalous = 0, true
			anomalies.DurationAnomalies++
		}
		nodes[i] = n
		if _, dup := index[s.SpanID]; !dup {
			index[s.SpanID] = i
		}
	}

	var roots []int
	for i := range nodes {
		s := nodes[i].span
		if s.ParentSpanID == nil || *s.ParentSpanID == s.SpanID {
			roots = append(roots, i)
			continue
		}
		parent, ok := index[*s.ParentSpanID]
		if !ok || parent == i {
			roots = append(roots, i)
			continue
		}
		nodes[parent].children = append(nodes[parent].children, i)
	}
	return nodes, roots
}

// totalDuration is the latest end minus the earliest start, floored at zero.
func totalDuration(spans []model.Span, now int64) int64 {
	start, end := spans[0].StartTs, spanEnd(&spans[0], now)
	for i := range spans[1:] {
		s := &spans[i+1]
		start = min(start, s.StartTs)
		end = max(end, spanEnd(s, now))
	}
	return max(end-start, 0)
}

// criticalPath returns the longest root-to-leaf chain by summed duration and
// the node indices along it. The walk is an iterative post-order over an
// explicit stack so chain depth is bounded only by memory. Nodes caught in a
// parent cycle are unreachable from any root; each such cycle is entered at
// its first member and cut where the walk meets a node already on the stack.
func criticalPath(nodes []node, roots []int) (int64, []int) {
	const (
		unvisited = iota
		active
		done
	)
	state := make([]uint8, len(nodes))
	longest := make([]int64, len(nodes))
	next := make([]int, len(nodes))

	type frame struct {
		idx   int
		child int
	}
	walk := func(start int) {
		stack := []frame{{idx: start}}
		state[start] = active
		next[start] = -1
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			n := &nodes[top.idx]
			if top.child < len(n.children) {
				c := n.children[top.child]
				top.child++
				if state[c] == unvisited {
					state[c] = active
					next[c] = -1
					stack = append(stack, frame{idx: c})
				}
				continue
			}
			best := int64(0)
			for _, c := range n.children {
				if state[c] == done && (next[top.idx] == -1 || longest[c] > best) {
					best, next[top.idx] = longest[c], c
				}
			}
			longest[top.idx] = n.duration + best
			state[top.idx] = done
			stack = stack[:len(stack)-1]
		}
	}

	starts := slices.Clone(roots)
	for _, r := range roots {
		walk(r)
	}
	for i := range nodes {
		if state[i] == unvisited {
			starts = append(starts, i)
			walk(i)
		}
	}

	head := -1
	for _, s := range starts {
		if head == -1 || longest[s] > longest[head] {
			head = s
		}
	}
	path := make([]int, 0, 8)
	for i := head; i != -1 && len(path) < len(nodes); i = next[i] {
		path = append(path, i)
	}
	return longest[head], path
}

func digest(n *node) model.SpanDigest {
	return model.SpanDigest{
		SpanID:     n.span.SpanID,
		Name:       n.span.Name,
		Kind:       n.span.Kind,
		DurationMs: n.duration,
		Status:     n.span.Status,
	}
}

func slowest(nodes []node) []model.SpanDigest {
	valid := make([]*node, 0, len(nodes))
	for i := range nodes {
		if !nodes[i].anomalous {
			valid = append(valid, &nodes[i])
		}
	}
	slices.SortStableFunc(valid, func(a, b *node) int {
		if c := cmp.Compare(b.duration, a.duration); c != 0 {
			return c
		}
		if c := cmp.Compare(a.span.StartTs, b.span.StartTs); c != 0 {
			return c
		}
		return cmp.Compare(a.span.SpanID, b.span.SpanID)
	})
	out := make([]model.SpanDigest, 0, min(len(valid), SlowestLimit))
	for _, n := range valid[:min(len(valid), SlowestLimit)] {
		out = append(out, digest(n))
	}
	return out
}

// kindTotals accumulates one hotspot row.
type kindTotals struct {
	ms     int64
	count  int
	errors int
	usage  model.UsageTotals
}

func (k *kindTotals) add(ms int64, s *model.Span, u *model.SpanUsage) {
	k.ms += ms
	k.count++
	if s.Status == model.SpanStatusError {
		k.errors++
	}
	if u != nil {
		k.usage.InputTokens = addInt(k.usage.InputTokens, u.InputTokens)
		k.usage.OutputTokens = addInt(k.usage.OutputTokens, u.OutputTokens)
		k.usage.TotalTokens = addInt(k.usage.TotalTokens, u.TotalTokens)
		k.usage.CostUSD = addFloat(k.usage.CostUSD, u.CostUSD)
	}
}

// hotspots groups valid spans by kind. Self time is a span's duration minus
// the durations of its valid children; a negative result means the children
// overrun the parent, and is clamped to zero and counted.
func hotspots(nodes []node, bySpan map[string]model.SpanUsage, anomalies *model.AnomalyCounts) ([]model.KindHotspot, []model.KindSelfHotspot) {
	incl := map[model.SpanKind]*kindTotals{}
	self := map[model.SpanKind]*kindTotals{}
	bucket := func(m map[model.SpanKind]*kindTotals, k model.SpanKind) *kindTotals {
		t, ok := m[k]
		if !ok {
			t = &kindTotals{}
			m[k] = t
		}
		return t
	}

	for i := range nodes {
		n := &nodes[i]
		if n.anomalous {
			continue
		}
		var u *model.SpanUsage
		if v, ok := bySpan[n.span.SpanID]; ok {
			u = &v
		}
		bucket(incl, n.span.Kind).add(n.duration, n.span, u)

		selfMs := n.duration
		for _, c := range n.children {
			if !nodes[c].anomalous {
				selfMs -= nodes[c].duration
			}
		}
		if selfMs < 0 {
			selfMs = 0
			anomalies.SelfTimeClampedSpans++
		}
		bucket(self, n.span.Kind).add(selfMs, n.span, u)
	}

	inclusive := make([]model.KindHotspot, 0, len(incl))
	for kind, t := range incl {
		inclusive = append(inclusive, model.KindHotspot{
			Kind: kind, TotalDurationMs: t.ms, SpanCount: t.count, ErrorCount: t.errors,
			InputTokens: t.usage.InputTokens, OutputTokens: t.usage.OutputTokens,
			TotalTokens: t.usage.TotalTokens, CostUSD: t.usage.CostUSD,
		})
	}
	slices.SortFunc(inclusive, func(a, b model.KindHotspot) int {
		if c := cmp.Compare(b.TotalDurationMs, a.TotalDurationMs); c != 0 {
			return c
		}
		return cmp.Compare(a.Kind, b.Kind)
	})

	exclusive := make([]model.KindSelfHotspot, 0, len(self))
	for kind, t := range self {
		exclusive = append(exclusive, model.KindSelfHotspot{
			Kind: kind, TotalSelfMs: t.ms, SpanCount: t.count, ErrorCount: t.errors,
			InputTokens: t.usage.InputTokens, OutputTokens: t.usage.OutputTokens,
			TotalTokens: t.usage.TotalTokens, CostUSD: t.usage.CostUSD,
		})
	}
	slices.SortFunc(exclusive, func(a, b model.KindSelfHotspot) int {
		if c := cmp.Compare(b.TotalSelfMs, a.TotalSelfMs); c != 0 {
			return c
		}
		return cmp.Compare(a.Kind, b.Kind)
	})
	return inclusive, exclusive
}

func addInt(acc, v *int64) *int64 {
	if v == nil {
		return acc
	}
	if acc == nil {
		return model.Ptr(*v)
	}
	return model.Ptr(*acc + *v)
}

func addFloat(acc, v *float64) *float64 {
	if v == nil {
		return acc
	}
	if acc == nil {
		return model.Ptr(*v)
	}
	return model.Ptr(*acc + *v)
}
