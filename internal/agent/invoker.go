package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/loomhq/loom/internal/memory"
)

// Artifact is one file produced by an invocation.
type Artifact struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

// Invoker is the external generation capability an agent delegates its work
// to. Implementations are injected; the coordinator never depends on how
// artifacts are produced.
type Invoker interface {
	Generate(ctx context.Context, instructions string, snapshot map[string]memory.Discovery) ([]Artifact, error)
}

// invocationRequest is the wire shape written to a command invoker's stdin.
type invocationRequest struct {
	Instructions string                      `json:"instructions"`
	Discoveries  map[string]discoveryRecord  `json:"discoveries"`
}

type discoveryRecord struct {
	Value     any       `json:"value"`
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
}

// CommandInvoker invokes an external command, passing the request as JSON
// on stdin and reading a JSON artifact list from stdout.
type CommandInvoker struct {
	Command string
	Args    []string
	WorkDir string
}

// Generate runs the configured command once.
func (c *CommandInvoker) Generate(ctx context.Context, instructions string, snapshot map[string]memory.Discovery) ([]Artifact, error) {
	req := invocationRequest{
		Instructions: instructions,
		Discoveries:  make(map[string]discoveryRecord, len(snapshot)),
	}
	for k, d := range snapshot {
		req.Discoveries[k] = discoveryRecord{Value: d.Value, AgentID: d.AgentID, Timestamp: d.Timestamp}
	}
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode invocation request: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.WorkDir
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("invoker %q: %w (stderr: %s)", c.Command, err, stderr.String())
	}

	var artifacts []Artifact
	if err := json.Unmarshal(stdout.Bytes(), &artifacts); err != nil {
		return nil, fmt.Errorf("decode invoker %q output: %w", c.Command, err)
	}
	return artifacts, nil
}
