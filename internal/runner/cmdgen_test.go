package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	necroerr "necrocode/internal/errors"
	"necrocode/internal/logging"
)

func shellGenerator(t *testing.T, script string) *CommandGenerator {
	t.Helper()
	return &CommandGenerator{
		Command: "sh",
		Args:    []string{"-c", script},
		Timeout: 5 * time.Second,
		Logger:  logging.Nop(),
	}
}

func TestCommandGeneratorRoundTrip(t *testing.T) {
	g := shellGenerator(t, `cat > /dev/null; printf '%s' '{"changes":[{"file_path":"main.go","operation":"create","content":"package main\n"}],"summary":"added main"}'`)

	resp, err := g.Generate(context.Background(), GenerationRequest{
		SpecName: "demo",
		TaskID:   "1",
		Prompt:   "write main",
	})
	require.NoError(t, err)
	require.Len(t, resp.Changes, 1)
	assert.Equal(t, "main.go", resp.Changes[0].Path)
	assert.Equal(t, OpCreate, resp.Changes[0].Operation)
	assert.Equal(t, "added main", resp.Summary)
}

func TestCommandGeneratorReceivesRequestOnStdin(t *testing.T) {
	// echo the prompt back as the summary to prove stdin plumbing
	g := shellGenerator(t, `prompt=$(cat); printf '{"changes":[{"file_path":"a.txt","operation":"create","content":"x"}],"summary":"saw request"}'; echo "$prompt" >&2`)

	resp, err := g.Generate(context.Background(), GenerationRequest{SpecName: "demo", TaskID: "1", Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "saw request", resp.Summary)
}

func TestCommandGeneratorNonZeroExitIsTransient(t *testing.T) {
	g := shellGenerator(t, `echo "rate limited" >&2; exit 1`)

	_, err := g.Generate(context.Background(), GenerationRequest{})
	require.Error(t, err)
	assert.True(t, necroerr.IsTransient(err))
	assert.Contains(t, err.Error(), "rate limited")
}

func TestCommandGeneratorExitTwoIsPermanent(t *testing.T) {
	g := shellGenerator(t, `echo "invalid credentials" >&2; exit 2`)

	_, err := g.Generate(context.Background(), GenerationRequest{})
	require.Error(t, err)
	assert.True(t, necroerr.IsPermanent(err))
}

func TestCommandGeneratorMalformedOutputIsPermanent(t *testing.T) {
	g := shellGenerator(t, `printf 'not json at all'`)

	_, err := g.Generate(context.Background(), GenerationRequest{})
	require.Error(t, err)
	assert.True(t, necroerr.IsPermanent(err))
}

func TestCommandGeneratorErrorFieldIsPermanent(t *testing.T) {
	g := shellGenerator(t, `printf '{"error":"prompt rejected"}'`)

	_, err := g.Generate(context.Background(), GenerationRequest{})
	require.Error(t, err)
	assert.True(t, necroerr.IsPermanent(err))
	assert.Contains(t, err.Error(), "prompt rejected")
}

func TestNewCommandGeneratorParsesCommandLine(t *testing.T) {
	g, err := NewCommandGenerator("codegen --model fast", time.Minute, nil)
	require.NoError(t, err)
	assert.Equal(t, "codegen", g.Command)
	assert.Equal(t, []string{"--model", "fast"}, g.Args)

	_, err = NewCommandGenerator("   ", time.Minute, nil)
	assert.Error(t, err)
}

func TestLineStats(t *testing.T) {
	added, removed := lineStats("a\nb\nc\n", "a\nx\nc\nd\n")
	assert.Equal(t, 2, added)
	assert.Equal(t, 1, removed)

	added, removed = lineStats("", "one\ntwo\n")
	assert.Equal(t, 2, added)
	assert.Equal(t, 0, removed)

	added, removed = lineStats("gone\n", "")
	assert.Equal(t, 0, added)
	assert.Equal(t, 1, removed)

	added, removed = lineStats("same\n", "same\n")
	assert.Zero(t, added)
	assert.Zero(t, removed)
}
