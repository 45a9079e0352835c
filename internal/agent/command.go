package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"autopilot/internal/logging"

	"github.com/tidwall/jsonc"
)

// Feature is one entry of the feature list the agent maintains.
type Feature struct {
	Description string `json:"description"`
	Passes      bool   `json:"passes"`
}

// ReadFeatures parses a JSONC feature list.
func ReadFeatures(path string) ([]Feature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var features []Feature
	if err := json.Unmarshal(jsonc.ToJSON(data), &features); err != nil {
		return nil, fmt.Errorf("parse feature list %s: %w", path, err)
	}
	return features, nil
}

// CountPassing returns how many features pass.
func CountPassing(features []Feature) int {
	n := 0
	for _, f := range features {
		if f.Passes {
			n++
		}
	}
	return n
}

// CommandConfig configures a CommandAgent.
type CommandConfig struct {
	Command        string
	Args           []string
	WorkDir        string
	FeaturesFile   string // relative to WorkDir unless absolute
	FatalExitCodes []int
	Env            []string
}

// CommandAgent runs an external coding agent once per turn. The prompt is
// written to its stdin; progress is read back from the feature list file
// after it exits.
type CommandAgent struct {
	cfg CommandConfig
}

// NewCommandAgent validates cfg and returns an agent.
func NewCommandAgent(cfg CommandConfig) (*CommandAgent, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("agent command is required")
	}
	if cfg.FeaturesFile == "" {
		cfg.FeaturesFile = "feature_list.json"
	}
	return &CommandAgent{cfg: cfg}, nil
}

// FeaturesPath returns the resolved feature list path.
func (a *CommandAgent) FeaturesPath() string {
	if filepath.IsAbs(a.cfg.FeaturesFile) {
		return a.cfg.FeaturesFile
	}
	return filepath.Join(a.cfg.WorkDir, a.cfg.FeaturesFile)
}

const maxOutput = 64 * 1024

// tailBuffer keeps the last maxOutput bytes written to it.
type tailBuffer struct{ buf []byte }

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - maxOutput; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }

// Execute implements Agent.
func (a *CommandAgent) Execute(ctx context.Context, in TurnInput) (TurnResult, error) {
	timer := logging.StartTimer(logging.CategoryAgent, "CommandAgent.Execute")
	defer timer.Stop()

	cmd := exec.CommandContext(ctx, a.cfg.Command, a.cfg.Args...)
	cmd.Dir = a.cfg.WorkDir
	cmd.Stdin = strings.NewReader(in.Prompt)
	cmd.Env = append(append(os.Environ(), a.cfg.Env...), "AUTOPILOT_SESSION_ID="+in.Session.ID)
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr tailBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logging.Agent("Session %s: running %s (attempt %d)", in.Session.ID, a.cfg.Command, in.Attempt)
	err := cmd.Run()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return TurnResult{}, Transient(fmt.Errorf("agent interrupted: %w", ctxErr))
	}
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			code := exitErr.ExitCode()
			kind := KindTransient
			if slices.Contains(a.cfg.FatalExitCodes, code) {
				kind = KindFatal
			}
			detail := strings.TrimSpace(lastLines(stderr.String(), 5))
			return TurnResult{}, &Error{Kind: kind, ExitCode: code, Err: fmt.Errorf("agent exited: %s", detail)}
		case errors.Is(err, exec.ErrNotFound):
			return TurnResult{}, Fatal(err)
		default:
			return TurnResult{}, Transient(err)
		}
	}

	features, err := ReadFeatures(a.FeaturesPath())
	if err != nil {
		return TurnResult{}, Transient(fmt.Errorf("read feature list: %w", err))
	}
	passing := CountPassing(features)

	logging.AgentDebug("Session %s: %d/%d features passing after turn", in.Session.ID, passing, len(features))
	return TurnResult{
		Delta: passing - in.Session.CompletedFeatures,
		Text:  strings.TrimSpace(lastLines(stdout.String(), 40)),
	}, nil
}

func lastLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	idx := len(s)
	for i := 0; i < n; i++ {
		j := strings.LastIndexByte(s[:idx], '\n')
		if j < 0 {
			return s
		}
		idx = j
	}
	return s[idx+1:]
}
