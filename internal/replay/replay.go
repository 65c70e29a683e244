package replay

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/glamour"

	"github.com/orchestrator/coderunner/internal/events"
	"github.com/orchestrator/coderunner/internal/state"
)

// Replayer renders one session's archived event log.
type Replayer struct {
	session state.Session
	events  []events.Event
}

// New builds a Replayer over an already-loaded session and its event log
// (state.Archive.GetSession / LoadEvents).
func New(sess state.Session, evs []events.Event) *Replayer {
	return &Replayer{session: sess, events: evs}
}

// Render produces the full plain-text (ANSI-styled) transcript, the same
// content RunPager scrolls through.
func (r *Replayer) Render() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(fmt.Sprintf("Session %s", r.session.ID)))
	b.WriteString("\n")
	b.WriteString(labelStyle.Render("goal: ") + flowStyle.Render(r.session.Goal.Primary) + "\n")
	b.WriteString(labelStyle.Render("status: ") + statusStyle(r.session.Status).Render(string(r.session.Status)) + "\n")
	if r.session.Result != "" {
		b.WriteString(labelStyle.Render("result:") + "\n")
		b.WriteString(renderMarkdown(r.session.Result))
	}
	if r.session.Error != "" {
		b.WriteString(labelStyle.Render("error: ") + errorStyle.Render(r.session.Error) + "\n")
	}
	b.WriteString(dimStyle.Render(strings.Repeat("─", 60)) + "\n\n")

	for i, ev := range r.events {
		b.WriteString(seqStyle.Render(fmt.Sprintf("%d", i+1)))
		b.WriteString(" ")
		b.WriteString(timeStyle.Render(ev.Timestamp.Format("15:04:05.000")))
		b.WriteString(" ")
		b.WriteString(eventStyle(ev.Type).Render(string(ev.Type)))
		if summary := payloadSummary(ev.Payload); summary != "" {
			b.WriteString("  " + dimStyle.Render(summary))
		}
		b.WriteString("\n")
	}

	return b.String()
}

// RunPager renders the transcript inside an interactive bubbletea viewport
// pager (src/internal/replay/pager.go's shape, trimmed of live-reload and
// search since an archived session never changes underneath the viewer).
func (r *Replayer) RunPager() error {
	return runPager(fmt.Sprintf("orchestrator-replay: %s", r.session.ID), r.Render())
}

func statusStyle(s state.RunStatus) interface{ Render(string) string } {
	switch s {
	case state.RunStatusCompleted:
		return successStyle
	case state.RunStatusFailed, state.RunStatusAborted:
		return errorStyle
	default:
		return warnStyle
	}
}

var errorEvents = map[events.Type]bool{
	events.TypeStepFailed:              true,
	events.TypeFatalError:              true,
	events.TypeFinalVerificationFailed: true,
	events.TypeSubplanFailed:           true,
}

var warnEvents = map[events.Type]bool{
	events.TypeStepBlocked:           true,
	events.TypeStepRejected:          true,
	events.TypeStepSkipped:           true,
	events.TypePlanReviewWarning:     true,
	events.TypeEscalation:            true,
	events.TypeTimeExhausted:         true,
	events.TypeStepBlockedReplanning: true,
	events.TypeDuplicateResponse:     true,
}

var successEvents = map[events.Type]bool{
	events.TypeStepComplete:             true,
	events.TypeFinalVerificationPassed:  true,
	events.TypeComplete:                 true,
	events.TypeSubplanCreated:           true,
}

var verificationEvents = map[events.Type]bool{
	events.TypeStepVerificationPending:  true,
	events.TypeStepVerificationStarted:  true,
	events.TypeFinalVerificationStarted: true,
	events.TypeGoalVerificationComplete: true,
	events.TypeSmokeTestsComplete:       true,
	events.TypeVerificationStarted:      true,
}

func eventStyle(t events.Type) interface{ Render(string) string } {
	switch {
	case errorEvents[t]:
		return errorStyle
	case warnEvents[t]:
		return warnStyle
	case successEvents[t]:
		return successStyle
	case verificationEvents[t]:
		return verificationStyle
	default:
		return flowStyle
	}
}

// renderMarkdown renders a step/goal result (the worker agent's own
// markdown-formatted completion evidence, spec.md §4) through glamour,
// falling back to the raw text if the renderer can't be built — a result
// string is never discarded just because it failed to style.
func renderMarkdown(src string) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return src + "\n"
	}
	out, err := r.Render(src)
	if err != nil {
		return src + "\n"
	}
	return out
}

// payloadSummary flattens an event's JSON payload into a stable "k=v k=v"
// line; nested values are rendered via their JSON encoding.
func payloadSummary(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return string(raw)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, m[k]))
	}
	return strings.Join(parts, " ")
}
