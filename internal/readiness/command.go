// Package readiness runs an external quality-gate command to score an item.
package readiness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"trunkline/internal/domain"
	"trunkline/internal/graph"
)

const DefaultTimeout = 2 * time.Minute

// Verdict is what the command prints on stdout.
type Verdict struct {
	Score   int            `json:"score"`
	Verdict domain.Verdict `json:"verdict"`
	Issues  []string       `json:"issues,omitempty"`
}

// Command scores an item by running Args with the slug appended. The
// command must print one JSON Verdict; anything else is an error.
type Command struct {
	Args    []string
	Dir     string
	Timeout time.Duration
	// Env is added to the command's environment.
	Env []string
}

func (c Command) Score(ctx context.Context, slug string) (int, domain.Verdict, error) {
	v, err := c.Run(ctx, slug)
	if err != nil {
		return 0, "", err
	}
	return v.Score, v.Verdict, nil
}

// Run executes the command and returns its full verdict.
func (c Command) Run(ctx context.Context, slug string) (Verdict, error) {
	if len(c.Args) == 0 {
		return Verdict{}, errors.New("readiness command not configured")
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string(nil), c.Args[1:]...), slug)
	cmd := exec.CommandContext(ctx, c.Args[0], args...)
	cmd.Dir = c.Dir
	cmd.Env = append(cmd.Environ(), "TRUNKLINE_SLUG="+slug)
	cmd.Env = append(cmd.Env, c.Env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Verdict{}, fmt.Errorf("readiness command timed out after %s", timeout)
		}
		return Verdict{}, fmt.Errorf("readiness command: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return Parse(stdout.Bytes())
}

// Parse decodes and checks a verdict.
func Parse(data []byte) (Verdict, error) {
	var v Verdict
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return Verdict{}, fmt.Errorf("decode readiness verdict: %w", err)
	}
	if err := graph.ValidateReadiness(v.Score, v.Verdict); err != nil {
		return Verdict{}, err
	}
	return v, nil
}
