package speech

import (
	"net/http"
	"time"

	"bilibililivetools/livetts/backend/config"
)

// NewSynthesizer builds the backend selected by cfg.Mode.
func NewSynthesizer(cfg config.TTSConfig, client *http.Client) (Synthesizer, error) {
	kind, err := ParseKind(cfg.Mode)
	if err != nil {
		return nil, err
	}
	if kind == KindLocal {
		return NewLocalSynth(cfg.Local.Command)
	}

	if client == nil {
		timeout := time.Duration(cfg.TimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	player, err := NewCommandPlayer(cfg.PlayerCommand)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindAzure:
		return NewAzureSynth(AzureOptions{
			Region: cfg.Azure.Region,
			Key:    cfg.Azure.Key,
			Voice:  cfg.Azure.Voice,
			Rate:   cfg.Azure.Rate,
			Pitch:  cfg.Azure.Pitch,
			Volume: cfg.Azure.Volume,
			Format: cfg.Azure.Format,
		}, client, player)
	case KindAlibaba:
		return NewAlibabaSynth(AlibabaOptions{
			AppKey:     cfg.Alibaba.AppKey,
			Token:      cfg.Alibaba.Token,
			Endpoint:   cfg.Alibaba.Endpoint,
			Voice:      cfg.Alibaba.Voice,
			SpeechRate: cfg.Alibaba.SpeechRate,
			PitchRate:  cfg.Alibaba.PitchRate,
			Volume:     cfg.Alibaba.Volume,
			Format:     cfg.Alibaba.Format,
		}, client, player)
	default:
		return NewSoVITSSynth(SoVITSOptions{
			Endpoint:       cfg.SoVITS.Endpoint,
			Language:       cfg.SoVITS.Language,
			ReferWavPath:   cfg.SoVITS.ReferWavPath,
			PromptText:     cfg.SoVITS.PromptText,
			PromptLanguage: cfg.SoVITS.PromptLanguage,
		}, client, player)
	}
}
