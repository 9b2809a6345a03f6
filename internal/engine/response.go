package engine

import "time"

// Response categories in descending priority. Vendors model RSVP/workflow
// state as a single enum while the canonical model tracks independent
// signals, so collapsing them needs a fixed, documented order.
const (
	ResponseAttending  = "attending"
	ResponseDeclined   = "declined"
	ResponseTentative  = "tentative"
	ResponseNeedsReply = "needsAction"
)

// responsePriority maps a category to its rank; higher wins.
var responsePriority = map[string]int{
	ResponseAttending:  3,
	ResponseDeclined:   2,
	ResponseTentative:  1,
	ResponseNeedsReply: 0,
}

// ResponseSignal is one observed response-state change, e.g. a tag added in
// an update batch.
type ResponseSignal struct {
	Category string
	AddedAt  time.Time
}

// ResolveResponse collapses concurrently-arriving signals into the single
// enum value a vendor can hold. Rule: highest category priority wins;
// between signals of equal priority the most recently added wins. The result
// is deterministic for any input ordering.
func ResolveResponse(signals []ResponseSignal) string {
	if len(signals) == 0 {
		return ResponseNeedsReply
	}

	best := signals[0]

	for _, s := range signals[1:] {
		if better(s, best) {
			best = s
		}
	}

	return best.Category
}

// better reports whether a should replace b as the winning signal.
func better(a, b ResponseSignal) bool {
	pa, pb := responsePriority[a.Category], responsePriority[b.Category]
	if pa != pb {
		return pa > pb
	}

	return a.AddedAt.After(b.AddedAt)
}
