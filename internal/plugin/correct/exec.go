package correct

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

type execCorrector struct {
	cmd []string
}

type execRequest struct {
	Transcript string `json:"transcript"`
	Language   string `json:"language"`
	System     string `json:"system"`
}

type execResponse struct {
	Transcript string `json:"transcript"`
}

// NewExec returns a Corrector that runs command once per transcript. The
// command reads {"transcript","language","system"} on stdin and writes
// {"transcript"} on stdout.
func NewExec(command string) (Corrector, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse correct command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("correct command empty")
	}
	return &execCorrector{cmd: args}, nil
}

func (c *execCorrector) Correct(ctx context.Context, transcript, language string) (string, error) {
	input, err := json.Marshal(execRequest{Transcript: transcript, Language: language, System: systemPrompt})
	if err != nil {
		return "", err
	}
	cmd := exec.CommandContext(ctx, c.cmd[0], c.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("correct command failed: %w", err)
	}
	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return "", fmt.Errorf("decode correct response: %w", err)
	}
	return resp.Transcript, nil
}
