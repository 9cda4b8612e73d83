package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind selects a synthesis backend.
type Kind string

const (
	KindLocal   Kind = "local"
	KindAzure   Kind = "azure"
	KindAlibaba Kind = "alibaba"
	KindSoVITS  Kind = "sovits"
)

var ErrUnknownKind = errors.New("unknown tts backend")

func ParseKind(value string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(value))) {
	case KindLocal, "":
		return KindLocal, nil
	case KindAzure:
		return KindAzure, nil
	case KindAlibaba, "aliyun":
		return KindAlibaba, nil
	case KindSoVITS, "gpt-sovits", "gptsovits":
		return KindSoVITS, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, value)
	}
}

// Synthesizer speaks one utterance and returns once playback has finished.
type Synthesizer interface {
	Kind() Kind
	SynthesizeAndPlay(ctx context.Context, text string) error
}

var ErrSynthesis = errors.New("speech synthesis failed")

type SynthesisError struct {
	Backend Kind
	Err     error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("%s: %s backend: %v", ErrSynthesis, e.Backend, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

func (e *SynthesisError) Is(target error) bool { return target == ErrSynthesis }

func synthesisError(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var existing *SynthesisError
	if errors.As(err, &existing) {
		return err
	}
	return &SynthesisError{Backend: kind, Err: err}
}
