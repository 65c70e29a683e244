package orchestrator

import (
	"regexp"
	"strings"
)

// sentinel phrases the worker agent is instructed to emit at the end of a
// turn, scanned the way the teacher's executor scans LLM output for
// structured markers (buildStructuredOutputInstruction/parseStructuredOutput)
// generalized from named-field JSON to the simpler line markers this
// engine's iteration prompt asks for.
var (
	stepCompleteRE = regexp.MustCompile(`(?i)STEP\s+COMPLETE`)
	stepBlockedRE  = regexp.MustCompile(`(?i)STEP\s+BLOCKED[:\s]*(.+)`)
)

// goalCompletePhrases are the literal completion phrases spec.md §6
// requires the scanner to recognize.
var goalCompletePhrases = []string{
	"task complete", "goal achieved", "all goals met",
	"successfully completed all", "finished all", "all sub-goals complete",
}

// percentCompleteRE catches the "100%"-equivalent completion signal spec.md
// §6 calls out alongside the literal phrases above.
var percentCompleteRE = regexp.MustCompile(`\b100\s*%`)

// turnSignal is what sentinel scanning found in one agent response.
type turnSignal struct {
	StepComplete  bool
	StepBlocked   bool
	BlockedReason string
	GoalComplete  bool
}

// scanResponse inspects response for the sentinel phrases the iteration
// prompt asks the worker agent to emit.
func scanResponse(response string) turnSignal {
	var sig turnSignal
	if stepCompleteRE.MatchString(response) {
		sig.StepComplete = true
	}
	if m := stepBlockedRE.FindStringSubmatch(response); m != nil {
		sig.StepBlocked = true
		sig.BlockedReason = strings.TrimSpace(firstLine(m[1]))
	}
	lower := strings.ToLower(response)
	for _, phrase := range goalCompletePhrases {
		if strings.Contains(lower, phrase) {
			sig.GoalComplete = true
			break
		}
	}
	if percentCompleteRE.MatchString(response) {
		sig.GoalComplete = true
	}
	return sig
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
