package verifier

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrator/coderunner/internal/config"
	"github.com/orchestrator/coderunner/internal/plan"
)

func TestParseChallenge_ExtractsFilesAndCommands(t *testing.T) {
	response := "I created `internal/widget/widget.go` and ran `go test ./...` to confirm:\n" +
		"```go\nfunc NewWidget() *Widget { return &Widget{} }\n```\n"

	c := ParseChallenge(response, "build a widget package")

	assert.Contains(t, c.Files, "internal/widget/widget.go")
	require.Len(t, c.TestCommands, 1)
	assert.Contains(t, c.TestCommands[0], "go test")
	require.Len(t, c.CodeSnippets, 1)
}

func TestParseChallenge_FiltersFalsePositives(t *testing.T) {
	response := "See https://example.com/docs and version 1.2.3 for reference."
	c := ParseChallenge(response, "investigate something")
	assert.Empty(t, c.Files)
}

func TestParseChallenge_ReadOnlyTask(t *testing.T) {
	c := ParseChallenge("I counted 42 matching lines.", "count the number of TODOs in the repo")
	assert.True(t, c.IsReadOnlyTask)
}

func TestChallengeSufficient(t *testing.T) {
	cases := []struct {
		name string
		c    plan.Challenge
		want bool
	}{
		{"empty", plan.Challenge{}, false},
		{"file only, no support", plan.Challenge{Files: []string{"a.go"}}, false},
		{"file with test command", plan.Challenge{Files: []string{"a.go"}, TestCommands: []string{"go test"}}, true},
		{"read-only with snippet", plan.Challenge{IsReadOnlyTask: true, CodeSnippets: []string{"x"}}, true},
		{"read-only with nothing", plan.Challenge{IsReadOnlyTask: true}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ChallengeSufficient(tc.c))
		})
	}
}

func TestCheckArtifacts(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "present.txt"), []byte("content"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.txt"), []byte(""), 0o644))

	reports := CheckArtifacts(dir, []string{"present.txt", "empty.txt", "missing.txt"})
	require.Len(t, reports, 3)
	assert.Equal(t, plan.ArtifactVerified, reports[0].Status)
	assert.Equal(t, plan.ArtifactEmpty, reports[1].Status)
	assert.Equal(t, plan.ArtifactMissing, reports[2].Status)
}

func TestArtifactsPass_Thresholds(t *testing.T) {
	v := New(config.VerifierConfig{MissingFractionFail: 0.5})

	allVerified := []plan.ArtifactReport{{Status: plan.ArtifactVerified}, {Status: plan.ArtifactVerified}}
	assert.True(t, v.ArtifactsPass(allVerified))

	noneVerified := []plan.ArtifactReport{{Status: plan.ArtifactMissing}}
	assert.False(t, v.ArtifactsPass(noneVerified))

	mostlyMissing := []plan.ArtifactReport{
		{Status: plan.ArtifactVerified}, {Status: plan.ArtifactMissing}, {Status: plan.ArtifactMissing}, {Status: plan.ArtifactMissing},
	}
	assert.False(t, v.ArtifactsPass(mostlyMissing))

	moreEmptyThanVerified := []plan.ArtifactReport{
		{Status: plan.ArtifactVerified}, {Status: plan.ArtifactEmpty}, {Status: plan.ArtifactEmpty},
	}
	assert.False(t, v.ArtifactsPass(moreEmptyThanVerified))
}

func TestRunValidation_PassesOnSuccessfulCommand(t *testing.T) {
	v := New(config.VerifierConfig{MaxValidationCommands: 2, CommandTimeout: "5s"})
	dir := t.TempDir()

	outcome := v.RunValidation(context.Background(), dir, plan.Challenge{TestCommands: []string{"true"}})
	assert.True(t, outcome.Passed)
	require.Len(t, outcome.Reports, 1)
	assert.True(t, outcome.Reports[0].Passed)
}

func TestRunValidation_FailsOnNonZeroExit(t *testing.T) {
	v := New(config.VerifierConfig{MaxValidationCommands: 2, CommandTimeout: "5s"})
	dir := t.TempDir()

	outcome := v.RunValidation(context.Background(), dir, plan.Challenge{TestCommands: []string{"false"}})
	assert.False(t, outcome.Passed)
}

func TestRunValidation_SkipsWhenNoCommandsAvailable(t *testing.T) {
	v := New(config.VerifierConfig{})
	dir := t.TempDir()

	outcome := v.RunValidation(context.Background(), dir, plan.Challenge{})
	assert.True(t, outcome.Skipped)
	assert.True(t, outcome.Passed)
}

func TestVerifyCompletion_FullRoundTrip(t *testing.T) {
	v := New(config.VerifierConfig{MaxValidationCommands: 2, CommandTimeout: "5s", MissingFractionFail: 0.5})
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "widget.go"), []byte("package widget"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module widget\n\ngo 1.25\n"), 0o644))

	response := "I created `widget.go` and ran `go test ./...`:\n```go\npackage widget\n```\n"
	result := v.VerifyCompletion(context.Background(), dir, "build a widget", response)

	assert.True(t, result.Passed)
	assert.Empty(t, result.RejectReason)
}

func TestVerifyCompletion_RejectsOnInsufficientChallenge(t *testing.T) {
	v := New(config.VerifierConfig{})
	dir := t.TempDir()

	result := v.VerifyCompletion(context.Background(), dir, "build a widget", "I'm done!")
	assert.False(t, result.Passed)
	assert.NotEmpty(t, result.RejectReason)
}

func TestRejectionPrompt_EmptyWhenNoReason(t *testing.T) {
	assert.Equal(t, "", RejectionPrompt(plan.VerificationResult{}))
}

func TestRejectionPrompt_IncludesReason(t *testing.T) {
	prompt := RejectionPrompt(plan.VerificationResult{RejectReason: "claimed files are missing"})
	assert.Contains(t, prompt, "claimed files are missing")
}

func TestDetectProjectCommands_GoModule(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x\n\ngo 1.25\n"), 0o644))

	cmds := DetectProjectCommands(dir)
	assert.Contains(t, cmds, "go test ./...")
}

func TestRunSmokeTests_NoMarkers(t *testing.T) {
	v := New(config.VerifierConfig{})
	dir := t.TempDir()

	result := v.RunSmokeTests(context.Background(), dir, "any goal")
	assert.True(t, result.Passed)
}
