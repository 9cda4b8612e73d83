package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// Player plays an audio file and returns when playback ends.
type Player interface {
	Play(ctx context.Context, path string) error
}

// runCommand is swapped in tests.
var runCommand = func(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func parseCommand(command string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("command empty")
	}
	return args, nil
}

// expandArgs substitutes placeholder inside each argument, or appends value
// as a final argument when no argument mentions it.
func expandArgs(args []string, placeholder, value string) []string {
	out := make([]string, len(args))
	found := false
	for i, arg := range args {
		if strings.Contains(arg, placeholder) {
			found = true
			arg = strings.ReplaceAll(arg, placeholder, value)
		}
		out[i] = arg
	}
	if !found {
		out = append(out, value)
	}
	return out
}

type CommandPlayer struct {
	args []string
}

// NewCommandPlayer parses a command line such as "ffplay -nodisp -autoexit {file}".
func NewCommandPlayer(command string) (*CommandPlayer, error) {
	args, err := parseCommand(command)
	if err != nil {
		return nil, fmt.Errorf("player: %w", err)
	}
	return &CommandPlayer{args: args}, nil
}

func (p *CommandPlayer) Play(ctx context.Context, path string) error {
	args := expandArgs(p.args, "{file}", path)
	return runCommand(ctx, args[0], args[1:]...)
}

// playBytes writes audio to a temp file, plays it and removes it.
func playBytes(ctx context.Context, player Player, audio []byte, ext string) error {
	if player == nil {
		return errors.New("no audio player configured")
	}
	if len(audio) == 0 {
		return errors.New("backend returned empty audio")
	}
	file, err := os.CreateTemp("", "livetts-*."+ext)
	if err != nil {
		return fmt.Errorf("create audio file: %w", err)
	}
	path := file.Name()
	defer os.Remove(path)
	if _, err := file.Write(audio); err != nil {
		file.Close()
		return fmt.Errorf("write audio file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close audio file: %w", err)
	}
	return player.Play(ctx, path)
}
