// Package planner turns a goal into a Plan by driving a dedicated "planner"
// agent conversation (spec.md §4.1). The strict-template parser below is a
// small line-oriented scanner in the style of the teacher's
// internal/agentfile lexer (tokenize one line at a time, tolerate malformed
// input rather than failing the whole parse) generalized from the
// Agentfile workflow grammar to the ANALYSIS:/PLAN:/TOTAL_STEPS: template
// this engine asks the planner agent to emit.
package planner

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"

	"github.com/orchestrator/coderunner/internal/plan"
)

// planLineRE matches "N. description | complexity" with the complexity tag
// optional and tolerant of extra whitespace.
var planLineRE = regexp.MustCompile(`^\s*(\d+)\.\s*(.+?)(?:\s*\|\s*(\w+))?\s*$`)

var totalStepsRE = regexp.MustCompile(`(?i)^\s*TOTAL_STEPS:\s*(\d+)\s*$`)

// ParsedPlan is the raw line-oriented parse of a planner agent response,
// before dependency analysis.
type ParsedPlan struct {
	Analysis   string
	Steps      []*plan.Step
	TotalSteps int
}

// ParseStrictTemplate parses the agent's strict ANALYSIS:/PLAN:/TOTAL_STEPS:
// template. Parsing is line-oriented and tolerant of missing complexity
// tags (default medium), per spec.md §4.1 "Algorithm — parsing".
func ParseStrictTemplate(raw string) ParsedPlan {
	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var result ParsedPlan
	section := ""
	var analysisLines []string

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(strings.ToUpper(trimmed), "ANALYSIS:"):
			section = "analysis"
			rest := strings.TrimSpace(trimmed[len("ANALYSIS:"):])
			if rest != "" {
				analysisLines = append(analysisLines, rest)
			}
			continue
		case strings.HasPrefix(strings.ToUpper(trimmed), "PLAN:"):
			section = "plan"
			continue
		case totalStepsRE.MatchString(trimmed):
			m := totalStepsRE.FindStringSubmatch(trimmed)
			n, _ := strconv.Atoi(m[1])
			result.TotalSteps = n
			section = ""
			continue
		}

		switch section {
		case "analysis":
			if trimmed != "" {
				analysisLines = append(analysisLines, trimmed)
			}
		case "plan":
			if m := planLineRE.FindStringSubmatch(line); m != nil {
				complexity := plan.ComplexityMedium
				if m[3] != "" {
					switch strings.ToLower(m[3]) {
					case "simple":
						complexity = plan.ComplexitySimple
					case "complex":
						complexity = plan.ComplexityComplex
					}
				}
				result.Steps = append(result.Steps, &plan.Step{
					Number:      m[1],
					Description: strings.TrimSpace(m[2]),
					Complexity:  complexity,
					Status:      plan.StatusPending,
				})
			}
		}
	}

	result.Analysis = strings.Join(analysisLines, " ")
	if result.TotalSteps == 0 {
		result.TotalSteps = len(result.Steps)
	}
	return result
}

// BestEffortExtract recovers a plan from a response that did not follow the
// strict template at all, by pulling out any numbered list it can find.
// Used as the Planner's parse-failure fallback (spec.md §4.1: "on parse
// failure returns a best-effort plan by extracting any numbered list from
// the raw response").
func BestEffortExtract(raw string) ParsedPlan {
	numberedLine := regexp.MustCompile(`^\s*(\d+)[.)]\s*(.+)$`)
	var result ParsedPlan
	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if m := numberedLine.FindStringSubmatch(line); m != nil {
			result.Steps = append(result.Steps, &plan.Step{
				Number:      m[1],
				Description: strings.TrimSpace(m[2]),
				Complexity:  plan.ComplexityMedium,
				Status:      plan.StatusPending,
			})
		}
	}
	result.TotalSteps = len(result.Steps)
	result.Analysis = "best-effort extraction: planner response did not follow the expected template"
	return result
}
