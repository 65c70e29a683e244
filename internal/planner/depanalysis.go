package planner

import (
	"regexp"
	"strings"

	"github.com/orchestrator/coderunner/internal/plan"
)

// creationVerbs mark a step as producing artifacts; consumingVerbs mark a
// step as requiring something another step produced. Seeded from the verb
// sets visible in the pack's planner implementations (kadirpekel-hector's
// pkg/reasoning/goals.go, taipm-go-deep-agent's agent/planner.go), per
// SPEC_FULL.md's "Supplemented features" section.
var creationVerbs = []string{"create", "write", "implement", "add", "build", "generate", "define", "set up", "setup", "configure", "install", "scaffold"}
var consumingVerbs = []string{"use", "read", "test", "verify", "check", "validate", "confirm", "review", "call"}
var testingVerbs = []string{"test", "verify", "validate", "check"}
var setupVerbs = []string{"set up", "setup", "configure", "install", "initialize", "bootstrap"}

var quotedEntityRE = regexp.MustCompile(`"([^"]+)"|'([^']+)'`)

var bucketKeywords = map[plan.ResourceBucket][]string{
	plan.BucketDatabase: {"database", "db", "schema", "migration", "table", "sql"},
	plan.BucketAPI:      {"api", "endpoint", "route", "handler", "rest"},
	plan.BucketUI:       {"ui", "frontend", "component", "page", "view", "css"},
	plan.BucketDocs:     {"doc", "documentation", "readme"},
	plan.BucketConfig:   {"config", "configuration", "env", "environment", "settings"},
	plan.BucketTests:    {"test", "spec", "suite"},
}

func classifyBucket(word string) plan.ResourceBucket {
	lower := strings.ToLower(word)
	for bucket, keywords := range bucketKeywords {
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				return bucket
			}
		}
	}
	return plan.BucketFiles
}

func containsVerb(lower string, verbs []string) (string, bool) {
	for _, v := range verbs {
		if strings.Contains(lower, v) {
			return v, true
		}
	}
	return "", false
}

// contentWords returns lowercase words (len > 3) from s, used to measure
// "shared content words" between two step descriptions.
func contentWords(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, `.,;:!?"'()`)
		if len(w) > 3 {
			out[w] = true
		}
	}
	return out
}

func sharedWordCount(a, b map[string]bool) int {
	n := 0
	for w := range a {
		if b[w] {
			n++
		}
	}
	return n
}

// extractLabels returns the artifact labels a step plausibly produces and
// the requirement labels it plausibly consumes, classified into resource
// buckets, per spec.md §4.1 point 1. Named entities in quotes are captured
// verbatim as an additional label.
func extractLabels(description string) (artifacts, requirements []plan.Label) {
	lower := strings.ToLower(description)
	words := strings.Fields(description)

	if _, ok := containsVerb(lower, creationVerbs); ok {
		for _, w := range words {
			clean := strings.Trim(w, `.,;:!?"'()`)
			if len(clean) > 3 {
				artifacts = append(artifacts, plan.Label{Word: strings.ToLower(clean), Bucket: classifyBucket(clean)})
			}
		}
	}
	if _, ok := containsVerb(lower, consumingVerbs); ok {
		for _, w := range words {
			clean := strings.Trim(w, `.,;:!?"'()`)
			if len(clean) > 3 {
				requirements = append(requirements, plan.Label{Word: strings.ToLower(clean), Bucket: classifyBucket(clean)})
			}
		}
	}

	for _, m := range quotedEntityRE.FindAllStringSubmatch(description, -1) {
		entity := m[1]
		if entity == "" {
			entity = m[2]
		}
		label := plan.Label{Word: strings.ToLower(entity), Bucket: classifyBucket(entity)}
		artifacts = append(artifacts, label)
		requirements = append(requirements, label)
	}

	return artifacts, requirements
}

// AnalyzeDependencies enriches every step in p with artifact/requirement
// labels, dependency edges, and parallel-group assignments, per spec.md
// §4.1 "Dependency analysis".
func AnalyzeDependencies(p *plan.Plan) {
	for _, s := range p.Steps {
		s.Artifacts, s.Requirements = extractLabels(s.Description)
	}

	for i, si := range p.Steps {
		lowerI := strings.ToLower(si.Description)
		_, iIsTesting := containsVerb(lowerI, testingVerbs)
		wordsI := contentWords(si.Description)

		var deps []string
		for j := 0; j < i; j++ {
			sj := p.Steps[j]
			if labelsOverlap(si.Requirements, sj.Artifacts) {
				deps = append(deps, sj.Number)
				continue
			}
			if iIsTesting {
				lowerJ := strings.ToLower(sj.Description)
				if _, jIsCreation := containsVerb(lowerJ, creationVerbs); jIsCreation {
					if sharedWordCount(wordsI, contentWords(sj.Description)) >= 2 {
						deps = append(deps, sj.Number)
						continue
					}
				}
			}
			if _, jIsSetup := containsVerb(strings.ToLower(sj.Description), setupVerbs); jIsSetup {
				deps = append(deps, sj.Number)
			}
		}
		si.Dependencies = dedupe(deps)
	}

	// derive Dependents from Dependencies
	for _, s := range p.Steps {
		for _, dep := range s.Dependencies {
			if d := p.ByNumber(dep); d != nil {
				d.Dependents = append(d.Dependents, s.Number)
			}
		}
	}

	assignParallelGroups(p)
}

func labelsOverlap(a, b []plan.Label) bool {
	for _, la := range a {
		for _, lb := range b {
			if la.Word == lb.Word {
				return true
			}
		}
	}
	return false
}

func dedupe(ss []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range ss {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// assignParallelGroups marks CanParallelize and groups steps at the same
// dependency frontier, per spec.md §4.1 points 3-4.
func assignParallelGroups(p *plan.Plan) {
	groupSeq := 0
	for i, si := range p.Steps {
		var peers []*plan.Step
		for j := i + 1; j < len(p.Steps); j++ {
			sj := p.Steps[j]
			if sameFrontier(si, sj) {
				peers = append(peers, sj)
			}
		}
		if len(peers) == 0 {
			continue
		}
		compatible := true
		for _, peer := range peers {
			ok := true
			for _, dep := range si.Dependencies {
				if dep == peer.Number {
					ok = false
				}
			}
			for _, dep := range peer.Dependencies {
				if dep == si.Number {
					ok = false
				}
			}
			if !ok || !canRunTogetherLocal(si, peer) {
				compatible = false
			}
		}
		if compatible {
			groupSeq++
			group := groupName(groupSeq)
			si.CanParallelize = true
			si.ParallelGroup = group
			for _, peer := range peers {
				peer.CanParallelize = true
				peer.ParallelGroup = group
			}
		}
	}
}

func canRunTogetherLocal(a, b *plan.Step) bool {
	if labelsOverlap(a.Artifacts, b.Artifacts) {
		return false
	}
	aEx, bEx := "", ""
	for _, l := range append(append([]plan.Label{}, a.Artifacts...), a.Requirements...) {
		if l.Bucket == plan.BucketDatabase || l.Bucket == plan.BucketConfig {
			aEx = string(l.Bucket)
		}
	}
	for _, l := range append(append([]plan.Label{}, b.Artifacts...), b.Requirements...) {
		if l.Bucket == plan.BucketDatabase || l.Bucket == plan.BucketConfig {
			bEx = string(l.Bucket)
		}
	}
	return aEx == "" || bEx == "" || aEx != bEx
}

func sameFrontier(a, b *plan.Step) bool {
	return len(a.Dependencies) == len(b.Dependencies) && sameSet(a.Dependencies, b.Dependencies)
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	am := make(map[string]bool)
	for _, x := range a {
		am[x] = true
	}
	for _, x := range b {
		if !am[x] {
			return false
		}
	}
	return true
}

func groupName(n int) string {
	return "pg" + itoa(n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
