package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const maxAudioBytes = 32 << 20

// fetchAudio performs req and returns the body when the backend answered with audio.
func fetchAudio(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", req.URL.Host, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, snippet(body))
	}
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.Contains(contentType, "json") || strings.HasPrefix(contentType, "text/") {
		return nil, fmt.Errorf("backend returned %s: %s", contentType, snippet(body))
	}
	return body, nil
}

func snippet(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		return text[:200] + "..."
	}
	return text
}

// AzureSynth calls the Azure Speech REST endpoint with an SSML body.
type AzureSynth struct {
	endpoint string
	key      string
	voice    string
	rate     string
	pitch    string
	volume   string
	format   string
	client   *http.Client
	player   Player
}

type AzureOptions struct {
	Region string
	Key    string
	Voice  string
	Rate   string
	Pitch  string
	Volume string
	Format string
	// Endpoint overrides the region URL.
	Endpoint string
}

func NewAzureSynth(opts AzureOptions, client *http.Client, player Player) (*AzureSynth, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		region := strings.TrimSpace(opts.Region)
		if region == "" {
			return nil, fmt.Errorf("azure tts: region is required")
		}
		endpoint = "https://" + region + ".tts.speech.microsoft.com/cognitiveservices/v1"
	}
	if strings.TrimSpace(opts.Key) == "" {
		return nil, fmt.Errorf("azure tts: subscription key is required")
	}
	if opts.Format == "" {
		opts.Format = "audio-16khz-32kbitrate-mono-mp3"
	}
	if opts.Voice == "" {
		opts.Voice = "zh-CN-XiaoxiaoNeural"
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &AzureSynth{
		endpoint: endpoint,
		key:      opts.Key,
		voice:    opts.Voice,
		rate:     opts.Rate,
		pitch:    opts.Pitch,
		volume:   opts.Volume,
		format:   opts.Format,
		client:   client,
		player:   player,
	}, nil
}

func (s *AzureSynth) Kind() Kind { return KindAzure }

func (s *AzureSynth) ssml(text string) string {
	var escaped bytes.Buffer
	_ = xml.EscapeText(&escaped, []byte(text))
	lang := "zh-CN"
	if parts := strings.SplitN(s.voice, "-", 3); len(parts) == 3 {
		lang = parts[0] + "-" + parts[1]
	}
	var b strings.Builder
	b.WriteString(`<speak version="1.0" xmlns="http://www.w3.org/2001/10/synthesis" xml:lang="` + lang + `">`)
	b.WriteString(`<voice name="` + s.voice + `">`)
	b.WriteString(`<prosody`)
	if s.rate != "" {
		b.WriteString(` rate="` + s.rate + `"`)
	}
	if s.pitch != "" {
		b.WriteString(` pitch="` + s.pitch + `"`)
	}
	if s.volume != "" {
		b.WriteString(` volume="` + s.volume + `"`)
	}
	b.WriteString(`>`)
	b.Write(escaped.Bytes())
	b.WriteString(`</prosody></voice></speak>`)
	return b.String()
}

func (s *AzureSynth) SynthesizeAndPlay(ctx context.Context, text string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(s.ssml(text)))
	if err != nil {
		return synthesisError(KindAzure, err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", s.key)
	req.Header.Set("Content-Type", "application/ssml+xml")
	req.Header.Set("X-Microsoft-OutputFormat", s.format)
	req.Header.Set("User-Agent", "livetts")
	audio, err := fetchAudio(s.client, req)
	if err != nil {
		return synthesisError(KindAzure, err)
	}
	return synthesisError(KindAzure, playBytes(ctx, s.player, audio, audioExt(s.format)))
}

// AlibabaSynth calls the Aliyun NLS RESTful speech synthesis endpoint.
type AlibabaSynth struct {
	endpoint string
	request  alibabaRequest
	client   *http.Client
	player   Player
}

type alibabaRequest struct {
	AppKey     string `json:"appkey"`
	Token      string `json:"token"`
	Text       string `json:"text"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	Voice      string `json:"voice"`
	Volume     int    `json:"volume"`
	SpeechRate int    `json:"speech_rate"`
	PitchRate  int    `json:"pitch_rate"`
}

type AlibabaOptions struct {
	AppKey     string
	Token      string
	Endpoint   string
	Voice      string
	SpeechRate int
	PitchRate  int
	Volume     int
	Format     string
}

func NewAlibabaSynth(opts AlibabaOptions, client *http.Client, player Player) (*AlibabaSynth, error) {
	if strings.TrimSpace(opts.AppKey) == "" || strings.TrimSpace(opts.Token) == "" {
		return nil, fmt.Errorf("alibaba tts: appkey and token are required")
	}
	if opts.Endpoint == "" {
		opts.Endpoint = "https://nls-gateway-cn-shanghai.aliyuncs.com/stream/v1/tts"
	}
	if opts.Format == "" {
		opts.Format = "mp3"
	}
	if opts.Voice == "" {
		opts.Voice = "xiaoyun"
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &AlibabaSynth{
		endpoint: opts.Endpoint,
		request: alibabaRequest{
			AppKey:     opts.AppKey,
			Token:      opts.Token,
			Format:     opts.Format,
			SampleRate: 16000,
			Voice:      opts.Voice,
			Volume:     opts.Volume,
			SpeechRate: opts.SpeechRate,
			PitchRate:  opts.PitchRate,
		},
		client: client,
		player: player,
	}, nil
}

func (s *AlibabaSynth) Kind() Kind { return KindAlibaba }

func (s *AlibabaSynth) SynthesizeAndPlay(ctx context.Context, text string) error {
	payload := s.request
	payload.Text = text
	body, err := json.Marshal(payload)
	if err != nil {
		return synthesisError(KindAlibaba, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return synthesisError(KindAlibaba, err)
	}
	req.Header.Set("Content-Type", "application/json")
	audio, err := fetchAudio(s.client, req)
	if err != nil {
		return synthesisError(KindAlibaba, err)
	}
	return synthesisError(KindAlibaba, playBytes(ctx, s.player, audio, audioExt(s.request.Format)))
}

// SoVITSSynth calls a GPT-SoVITS api.py server.
type SoVITSSynth struct {
	endpoint       string
	language       string
	referWavPath   string
	promptText     string
	promptLanguage string
	client         *http.Client
	player         Player
}

type SoVITSOptions struct {
	Endpoint       string
	Language       string
	ReferWavPath   string
	PromptText     string
	PromptLanguage string
}

func NewSoVITSSynth(opts SoVITSOptions, client *http.Client, player Player) (*SoVITSSynth, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("sovits tts: endpoint is required")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("sovits tts: endpoint: %w", err)
	}
	if opts.Language == "" {
		opts.Language = "zh"
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &SoVITSSynth{
		endpoint:       endpoint,
		language:       opts.Language,
		referWavPath:   opts.ReferWavPath,
		promptText:     opts.PromptText,
		promptLanguage: opts.PromptLanguage,
		client:         client,
		player:         player,
	}, nil
}

func (s *SoVITSSynth) Kind() Kind { return KindSoVITS }

func (s *SoVITSSynth) SynthesizeAndPlay(ctx context.Context, text string) error {
	query := url.Values{}
	query.Set("text", text)
	query.Set("text_language", s.language)
	if s.referWavPath != "" {
		query.Set("refer_wav_path", s.referWavPath)
		query.Set("prompt_text", s.promptText)
		query.Set("prompt_language", s.promptLanguage)
	}
	target := s.endpoint
	if strings.Contains(target, "?") {
		target += "&" + query.Encode()
	} else {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return synthesisError(KindSoVITS, err)
	}
	audio, err := fetchAudio(s.client, req)
	if err != nil {
		return synthesisError(KindSoVITS, err)
	}
	return synthesisError(KindSoVITS, playBytes(ctx, s.player, audio, "wav"))
}

func audioExt(format string) string {
	format = strings.ToLower(format)
	switch {
	case strings.Contains(format, "mp3"):
		return "mp3"
	case strings.Contains(format, "ogg"), strings.Contains(format, "opus"):
		return "ogg"
	case strings.Contains(format, "pcm"):
		return "pcm"
	default:
		return "wav"
	}
}
