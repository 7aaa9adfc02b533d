package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	necroerr "necrocode/internal/errors"
	"necrocode/internal/logging"
	"necrocode/internal/subprocess"
)

// permanentExitCode is the conventional exit code a codegen command uses
// to signal a non-retryable failure (bad credentials, rejected prompt).
// Any other non-zero exit is treated as transient.
const permanentExitCode = 2

type wireRequest struct {
	SpecName string `json:"spec_name"`
	TaskID   string `json:"task_id"`
	Prompt   string `json:"prompt"`
}

type wireResponse struct {
	Changes []FileChange `json:"changes"`
	Summary string       `json:"summary,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// CommandGenerator invokes an external code-generation command per task.
// The GenerationRequest is written to stdin as JSON and the command is
// expected to print a GenerationResponse JSON document on stdout.
type CommandGenerator struct {
	Command string
	Args    []string
	Env     map[string]string
	Timeout time.Duration
	Logger  logging.Logger
}

// NewCommandGenerator parses a shell-style command line into a generator.
func NewCommandGenerator(commandLine string, timeout time.Duration, log logging.Logger) (*CommandGenerator, error) {
	parts := strings.Fields(commandLine)
	if len(parts) == 0 {
		return nil, fmt.Errorf("codegen command is empty")
	}
	return &CommandGenerator{
		Command: parts[0],
		Args:    parts[1:],
		Timeout: timeout,
		Logger:  logging.OrNop(log),
	}, nil
}

func (g *CommandGenerator) Generate(ctx context.Context, req GenerationRequest) (*GenerationResponse, error) {
	payload, err := json.Marshal(wireRequest{
		SpecName: req.SpecName,
		TaskID:   req.TaskID,
		Prompt:   req.Prompt,
	})
	if err != nil {
		return nil, necroerr.NewPermanentError(err, "encode generation request")
	}

	res, err := subprocess.RunWithInput(ctx, subprocess.Config{
		Command: g.Command,
		Args:    g.Args,
		Env:     g.Env,
		Timeout: g.Timeout,
	}, payload)
	if err != nil {
		return nil, necroerr.NewTransientError(err, "codegen command did not complete")
	}
	if res.TimedOut {
		return nil, necroerr.NewTransientError(nil, fmt.Sprintf("codegen command timed out after %s", g.Timeout))
	}
	if res.ExitCode != 0 {
		msg := fmt.Sprintf("codegen command exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
		if res.ExitCode == permanentExitCode {
			return nil, necroerr.NewPermanentError(nil, msg)
		}
		return nil, necroerr.NewTransientError(nil, msg)
	}

	var resp wireResponse
	if err := json.Unmarshal([]byte(res.Stdout), &resp); err != nil {
		return nil, necroerr.NewPermanentError(err, "malformed codegen output")
	}
	if resp.Error != "" {
		return nil, necroerr.NewPermanentError(nil, "codegen reported: "+resp.Error)
	}
	g.Logger.Debug("codegen returned %d change(s)", len(resp.Changes))
	return &GenerationResponse{Changes: resp.Changes, Summary: resp.Summary}, nil
}
