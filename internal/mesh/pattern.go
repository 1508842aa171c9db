package mesh

import "strings"

// matchPattern implements the Trigger Mesh's topic pattern grammar
// (spec.md §4.3): dotted segments, where the last segment may be a single
// "*" wildcard matching exactly one topic segment. "governance.*" matches
// "governance.decided" but not "governance.a.b" (different segment count).
func matchPattern(pattern, topic string) bool {
	p := strings.Split(pattern, ".")
	t := strings.Split(topic, ".")
	if len(p) != len(t) {
		return false
	}
	for i := range p {
		if i == len(p)-1 && p[i] == "*" {
			continue
		}
		if p[i] != t[i] {
			return false
		}
	}
	return true
}

// IsReservedTopic reports whether topic falls under one of the mesh's
// internally reserved namespaces ("mesh.", "core."). The mesh only uses
// this to label its own system topics; enforcement against non-privileged
// publishers lives in the gate, which calls this to decide whether a
// proposed publish needs elevated privilege (SPEC_FULL.md §F).
func IsReservedTopic(topic string) bool {
	return strings.HasPrefix(topic, "mesh.") || strings.HasPrefix(topic, "core.")
}
