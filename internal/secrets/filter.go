package secrets

import (
	"sort"
	"strings"

	"github.com/memstore-dev/memstore/internal/memstoreerr"
)

// Allowlist tracks detection hashes a user has explicitly approved,
// per namespace, so a known-safe string (a test fixture, a public key)
// doesn't keep tripping the filter.
type Allowlist interface {
	IsAllowlisted(hash, namespace string) bool
	Add(hash, namespace string) error
	Remove(hash, namespace string) error
}

// Filter applies policy to text, returning the action taken and the
// (possibly rewritten) content. Detections whose hash is allowlisted for
// namespace are excluded before the strategy decision is made.
func Filter(text, source, namespace string, policy Policy, allow Allowlist, audit *AuditLog) (FilterResult, error) {
	result := Scan(text, policy)

	var active []Detection
	for _, d := range result.Detections {
		if allow != nil && allow.IsAllowlisted(d.Hash, namespace) {
			continue
		}
		active = append(active, d)
	}

	if audit != nil {
		if err := audit.Append(AuditEvent{
			Action:     "scan",
			Source:     source,
			Namespace:  namespace,
			Detections: len(result.Detections),
		}); err != nil {
			return FilterResult{}, err
		}
	}

	if len(active) == 0 {
		fr := FilterResult{Action: ActionNone, Content: text, Detections: nil}
		return fr, recordFilterAudit(audit, source, namespace, fr)
	}

	worst := worstStrategy(active, policy)

	var fr FilterResult
	switch worst {
	case StrategyBlock:
		fr = FilterResult{Action: ActionBlocked, Content: "", Detections: active}
	case StrategyRedact:
		fr = FilterResult{Action: ActionRedacted, Content: applyRedaction(text, active, redactReplacement), Detections: active}
	case StrategyMask:
		fr = FilterResult{Action: ActionMasked, Content: applyRedaction(text, active, maskReplacement), Detections: active}
	default: // warn
		fr = FilterResult{Action: ActionWarned, Content: text, Detections: active}
	}

	if err := recordFilterAudit(audit, source, namespace, fr); err != nil {
		return FilterResult{}, err
	}

	if fr.Action == ActionBlocked {
		return fr, memstoreerr.ErrContentBlocked
	}
	return fr, nil
}

func recordFilterAudit(audit *AuditLog, source, namespace string, fr FilterResult) error {
	if audit == nil {
		return nil
	}
	return audit.Append(AuditEvent{
		Action:     "filter",
		Source:     source,
		Namespace:  namespace,
		Detections: len(fr.Detections),
		Outcome:    string(fr.Action),
	})
}

// worstStrategy picks the most severe strategy among active detections'
// configured strategies, in the order block > redact > mask > warn.
func worstStrategy(detections []Detection, policy Policy) Strategy {
	severity := map[Strategy]int{
		StrategyWarn:   0,
		StrategyMask:   1,
		StrategyRedact: 2,
		StrategyBlock:  3,
	}
	worst := StrategyWarn
	for _, d := range detections {
		s := policy.strategyFor(d.Kind)
		if severity[s] > severity[worst] {
			worst = s
		}
	}
	return worst
}

const (
	redactReplacement = "[REDACTED]"
)

func maskReplacement(match string) string {
	if len(match) <= 4 {
		return strings.Repeat("*", len(match))
	}
	return match[:2] + strings.Repeat("*", len(match)-4) + match[len(match)-2:]
}

// applyRedaction rewrites text, replacing each detection span with either a
// fixed string or the output of a per-match masking function. Spans are
// processed back-to-front so earlier offsets stay valid.
func applyRedaction(text string, detections []Detection, replacement interface{}) string {
	sorted := make([]Detection, len(detections))
	copy(sorted, detections)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start > sorted[j].Start })

	out := text
	for _, d := range sorted {
		if d.Start < 0 || d.End > len(out) || d.Start > d.End {
			continue
		}
		var rep string
		switch r := replacement.(type) {
		case string:
			rep = r
		case func(string) string:
			rep = r(out[d.Start:d.End])
		}
		out = out[:d.Start] + rep + out[d.End:]
	}
	return out
}
