package llmcontext

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestFilterByImportance_AlwaysKeepsAnchors covers testable property 7: the
// first message and the last three survive filtering regardless of score,
// even under a budget too small to admit anything else.
func TestFilterByImportance_AlwaysKeepsAnchors(t *testing.T) {
	history := []Message{
		{Role: "system", Content: "goal: build a feature"},
		{Role: "assistant", Content: "ok"},
		{Role: "assistant", Content: "sounds good"},
		{Role: "assistant", Content: "noted"},
		{Role: "assistant", Content: "step complete"},
		{Role: "assistant", Content: "final wrap up"},
	}
	kept := FilterByImportance(history, 1)

	var contents []string
	for _, m := range kept {
		contents = append(contents, m.Content)
	}
	assert.Contains(t, contents, history[0].Content)
	assert.Contains(t, contents, history[3].Content)
	assert.Contains(t, contents, history[4].Content)
	assert.Contains(t, contents, history[5].Content)
}

func TestFilterByImportance_AdmitsHighScoreWithinBudget(t *testing.T) {
	history := []Message{
		{Role: "system", Content: "goal line"},
		{Role: "assistant", Content: "ok"},
		{Role: "assistant", Content: "error: build failed with a traceback"},
		{Role: "assistant", Content: "sure"},
		{Role: "assistant", Content: "a"},
		{Role: "assistant", Content: "b"},
	}
	kept := FilterByImportance(history, 1000)

	var found bool
	for _, m := range kept {
		if strings.Contains(m.Content, "error:") {
			found = true
		}
	}
	assert.True(t, found, "higher-scoring error message should be admitted given ample budget")
}

func TestFilterByImportance_EmptyHistory(t *testing.T) {
	assert.Nil(t, FilterByImportance(nil, 100))
}

func TestImportanceScore_ErrorsScoreHigherThanFillers(t *testing.T) {
	filler := Message{Role: "assistant", Content: "ok"}
	errMsg := Message{Role: "assistant", Content: "error: panic in handler"}
	assert.Greater(t, ImportanceScore(errMsg, 2, 5), ImportanceScore(filler, 2, 5))
}

func TestImportanceScore_ClampedToRange(t *testing.T) {
	msg := Message{Role: "system", Content: "step complete, decided to use X instead of Y, error: failed"}
	score := ImportanceScore(msg, 4, 5)
	assert.LessOrEqual(t, score, 100)
	assert.GreaterOrEqual(t, score, 0)
}

func TestCompress_FoldsOlderHistoryIntoSummary(t *testing.T) {
	history := make([]Message, 0, 12)
	for i := 0; i < 12; i++ {
		history = append(history, Message{Role: "assistant", Content: "turn body"})
	}
	history[0].Content = "step 1 complete"
	history[3].Content = "error: something failed"

	out := Compress(history, 3)
	require := assert.New(t)
	require.Len(out, 4) // 1 summary + 3 kept verbatim
	require.Equal("system", out[0].Role)
	require.Contains(out[0].Content, "prior history summary:")
	require.Contains(out[0].Content, "step 1 complete")
	require.Contains(out[0].Content, "error: something failed")
}

func TestCompress_NoOpUnderThreshold(t *testing.T) {
	history := []Message{{Role: "user", Content: "a"}, {Role: "assistant", Content: "b"}}
	out := Compress(history, 10)
	assert.Equal(t, history, out)
}

func TestAssembleContext_PriorityOrder(t *testing.T) {
	a := Assembly{
		Goal:            "ship the feature",
		CurrentStep:     "2",
		CurrentStepDesc: "wire the handler",
		CompletedCount:  1,
		RecentDecisions: []string{"use sqlite", "skip caching"},
		History:         []Message{{Role: "assistant", Content: "step complete"}},
		MaxTokens:       8000,
	}
	out := AssembleContext(a)
	assert.True(t, strings.HasPrefix(out, "GOAL: ship the feature\n"))

	goalIdx := strings.Index(out, "GOAL:")
	stepIdx := strings.Index(out, "CURRENT STEP")
	progressIdx := strings.Index(out, "PROGRESS:")
	decisionsIdx := strings.Index(out, "RECENT DECISIONS:")
	historyIdx := strings.Index(out, "HISTORY:")
	assert.True(t, goalIdx < stepIdx && stepIdx < progressIdx && progressIdx < decisionsIdx && decisionsIdx < historyIdx)
}

// TestAssembleContext_RestrictiveBudgetShrinksOutput doesn't pin an exact
// byte count, since CountTokens' result depends on whether the tiktoken
// encoder loaded; it only asserts a much smaller budget yields a much
// shorter assembly.
func TestAssembleContext_RestrictiveBudgetShrinksOutput(t *testing.T) {
	history := []Message{{Role: "assistant", Content: strings.Repeat("step complete with details. ", 50)}}
	big := AssembleContext(Assembly{Goal: "ship the feature", History: history, MaxTokens: 8000})
	small := AssembleContext(Assembly{Goal: "ship the feature", History: history, MaxTokens: 10})
	assert.Less(t, len(small), len(big))
}

func TestAssembleContext_KeepsRecentDecisionsBoundedToFive(t *testing.T) {
	a := Assembly{
		Goal:            "g",
		RecentDecisions: []string{"1", "2", "3", "4", "5", "6", "7"},
		MaxTokens:       8000,
	}
	out := AssembleContext(a)
	assert.NotContains(t, out, "- 1\n")
	assert.NotContains(t, out, "- 2\n")
	assert.Contains(t, out, "- 7\n")
}

func TestDuplicateDetector_FlagsRepeatWithinWindow(t *testing.T) {
	d := NewDuplicateDetector(2)
	assert.False(t, d.Observe("response A"))
	assert.False(t, d.Observe("response B"))
	assert.True(t, d.Observe("response A"))
}

func TestDuplicateDetector_ForgetsOutsideWindow(t *testing.T) {
	d := NewDuplicateDetector(1)
	assert.False(t, d.Observe("response A"))
	assert.False(t, d.Observe("response B"))
	assert.False(t, d.Observe("response A"))
}

func TestTokenTracker_TotalsAndRollingAverage(t *testing.T) {
	tr := NewTokenTracker(10)
	tr.Record(10, 20)
	tr.Record(30, 40)
	in, out := tr.Total()
	assert.Equal(t, 40, in)
	assert.Equal(t, 60, out)
	assert.InDelta(t, 50.0, tr.RollingAverage(2), 0.001)
}

func TestTokenTracker_TrendIncreasing(t *testing.T) {
	tr := NewTokenTracker(10)
	tr.Record(10, 10)
	tr.Record(10, 10)
	tr.Record(100, 100)
	tr.Record(100, 100)
	assert.Equal(t, TrendIncreasing, tr.Trend())
}

func TestTokenTracker_TrendStableWithShortHistory(t *testing.T) {
	tr := NewTokenTracker(10)
	tr.Record(10, 10)
	assert.Equal(t, TrendStable, tr.Trend())
}

func TestTokenTracker_BoundedByMaxLen(t *testing.T) {
	tr := NewTokenTracker(2)
	tr.Record(1, 1)
	tr.Record(2, 2)
	tr.Record(3, 3)
	in, out := tr.Total()
	assert.Equal(t, 5, in)
	assert.Equal(t, 5, out)
	_ = time.Now()
}
