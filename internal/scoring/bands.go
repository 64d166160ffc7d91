package scoring

import (
	"fmt"
	"strings"
)

// band is one arm of a threshold table. Tables are evaluated top to bottom
// and the first matching band wins; every table ends with a catch-all.
//
// Note templates may contain {ms} (value truncated to whole ms), {mbps} or
// {pct} (value with one decimal).
type band struct {
	match  func(v float64) bool
	points float64
	caps   []string
	issues []string
	recs   []string
}

type bands []band

func below(limit float64) func(float64) bool {
	return func(v float64) bool { return v < limit }
}

func atLeast(limit float64) func(float64) bool {
	return func(v float64) bool { return v >= limit }
}

func always(float64) bool { return true }

// notes collects the text side effects of evaluated bands in order.
type notes struct {
	capabilities    []string
	issues          []string
	recommendations []string
}

func (bs bands) eval(v float64, n *notes) float64 {
	for _, b := range bs {
		if !b.match(v) {
			continue
		}
		for _, s := range b.caps {
			n.capabilities = append(n.capabilities, render(s, v))
		}
		for _, s := range b.issues {
			n.issues = append(n.issues, render(s, v))
		}
		for _, s := range b.recs {
			n.recommendations = append(n.recommendations, render(s, v))
		}
		return b.points
	}
	return 0
}

func render(tmpl string, v float64) string {
	if !strings.Contains(tmpl, "{") {
		return tmpl
	}
	return strings.NewReplacer(
		"{ms}", fmt.Sprintf("%d", truncMs(v)),
		"{mbps}", fmt.Sprintf("%.1f", v),
		"{pct}", fmt.Sprintf("%.1f", v),
	).Replace(tmpl)
}

func truncMs(v float64) uint32 {
	if v <= 0 || v != v {
		return 0
	}
	if v >= 4294967295 {
		return 4294967295
	}
	return uint32(v)
}
