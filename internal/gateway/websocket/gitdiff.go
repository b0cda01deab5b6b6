package websocket

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/paseo-ai/paseo/internal/provider"
)

const gitDiffTimeout = 15 * time.Second

// workingTreeDiff returns the agent working tree's uncommitted diff, bounded
// to the same size cap as tool-call diffs.
func workingTreeDiff(ctx context.Context, cwd string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, gitDiffTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "diff", "HEAD")
	cmd.Dir = cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := bytes.TrimSpace(stderr.Bytes())
		if len(msg) > 0 {
			return "", false, fmt.Errorf("git diff: %s", msg)
		}
		return "", false, fmt.Errorf("git diff: %w", err)
	}

	diff := stdout.String()
	if len(diff) > provider.MaxDiffBytes {
		return provider.Truncate(diff), true, nil
	}
	return diff, false, nil
}
