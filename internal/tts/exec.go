package tts

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

type execSynth struct {
	cmd []string
}

// NewExecSynth wraps an edge-tts compatible command, invoked as
// <command> --voice V --text T --write-media FILE.
func NewExecSynth(command string) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Audio{}, fmt.Errorf("%w: empty text", ErrTTSFailed)
	}
	file, err := os.CreateTemp("", "voicebridge_tts_*.mp3")
	if err != nil {
		return Audio{}, fmt.Errorf("%w: temp file: %v", ErrTTSFailed, err)
	}
	path := file.Name()
	file.Close()
	defer os.Remove(path)

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--voice", req.Voice, "--text", req.Text, "--write-media", path)
	cmd := exec.CommandContext(ctx, base, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Audio{}, ctx.Err()
		}
		return Audio{}, fmt.Errorf("%w: %v: %s", ErrTTSFailed, err, strings.TrimSpace(stderr.String()))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Audio{}, fmt.Errorf("%w: read output: %v", ErrTTSFailed, err)
	}
	if len(data) == 0 {
		return Audio{}, fmt.Errorf("%w: command produced no audio", ErrTTSFailed)
	}
	return Audio{Data: data, Format: "mp3"}, nil
}
