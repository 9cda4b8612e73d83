package speech

import (
	"context"
	"fmt"
)

// DefaultLocalCommand speaks through espeak-ng when no command is configured.
const DefaultLocalCommand = "espeak-ng -v cmn {text}"

// LocalSynth runs an operating-system speech command. The command both
// synthesizes and plays, so no Player is involved.
type LocalSynth struct {
	args []string
}

func NewLocalSynth(command string) (*LocalSynth, error) {
	if command == "" {
		command = DefaultLocalCommand
	}
	args, err := parseCommand(command)
	if err != nil {
		return nil, fmt.Errorf("local tts: %w", err)
	}
	return &LocalSynth{args: args}, nil
}

func (s *LocalSynth) Kind() Kind { return KindLocal }

func (s *LocalSynth) SynthesizeAndPlay(ctx context.Context, text string) error {
	args := expandArgs(s.args, "{text}", text)
	return synthesisError(KindLocal, runCommand(ctx, args[0], args[1:]...))
}
