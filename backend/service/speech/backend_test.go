package speech

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bilibililivetools/livetts/backend/config"
)

type fakePlayer struct {
	mu     sync.Mutex
	played [][]byte
}

func (p *fakePlayer) Play(_ context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.played = append(p.played, data)
	return nil
}

func swapRunner(t *testing.T) *[][]string {
	t.Helper()
	var calls [][]string
	original := runCommand
	runCommand = func(_ context.Context, name string, args ...string) error {
		calls = append(calls, append([]string{name}, args...))
		return nil
	}
	t.Cleanup(func() { runCommand = original })
	return &calls
}

func TestParseKind(t *testing.T) {
	kind, err := ParseKind(" Azure ")
	require.NoError(t, err)
	assert.Equal(t, KindAzure, kind)

	kind, err = ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, KindLocal, kind)

	_, err = ParseKind("robot")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestLocalSynthKeepsTextAsOneArgument(t *testing.T) {
	calls := swapRunner(t)
	synth, err := NewLocalSynth(`say -v "Ting-Ting" {text}`)
	require.NoError(t, err)
	require.NoError(t, synth.SynthesizeAndPlay(context.Background(), "欢迎 alice 进入直播间"))
	assert.Equal(t, [][]string{{"say", "-v", "Ting-Ting", "欢迎 alice 进入直播间"}}, *calls)
}

func TestLocalSynthAppendsTextWithoutPlaceholder(t *testing.T) {
	calls := swapRunner(t)
	synth, err := NewLocalSynth("espeak-ng")
	require.NoError(t, err)
	require.NoError(t, synth.SynthesizeAndPlay(context.Background(), "hi"))
	assert.Equal(t, [][]string{{"espeak-ng", "hi"}}, *calls)
}

func TestCommandPlayerSubstitutesFile(t *testing.T) {
	calls := swapRunner(t)
	player, err := NewCommandPlayer("ffplay -nodisp {file}")
	require.NoError(t, err)
	require.NoError(t, player.Play(context.Background(), "/tmp/a.mp3"))
	assert.Equal(t, [][]string{{"ffplay", "-nodisp", "/tmp/a.mp3"}}, *calls)

	_, err = NewCommandPlayer("   ")
	assert.Error(t, err)
}

func TestAzureSynth(t *testing.T) {
	var gotBody string
	var gotHeader http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotHeader = r.Header.Clone()
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("MP3DATA"))
	}))
	defer server.Close()

	player := &fakePlayer{}
	synth, err := NewAzureSynth(AzureOptions{Endpoint: server.URL, Key: "k", Voice: "zh-CN-YunxiNeural", Rate: "10%"}, server.Client(), player)
	require.NoError(t, err)
	require.NoError(t, synth.SynthesizeAndPlay(context.Background(), "a<b"))

	assert.Equal(t, "k", gotHeader.Get("Ocp-Apim-Subscription-Key"))
	assert.Equal(t, "application/ssml+xml", gotHeader.Get("Content-Type"))
	assert.Contains(t, gotBody, `<voice name="zh-CN-YunxiNeural">`)
	assert.Contains(t, gotBody, `rate="10%"`)
	assert.Contains(t, gotBody, "a&lt;b")
	assert.Equal(t, [][]byte{[]byte("MP3DATA")}, player.played)
}

func TestAzureSynthErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()

	synth, err := NewAzureSynth(AzureOptions{Endpoint: server.URL, Key: "k"}, server.Client(), &fakePlayer{})
	require.NoError(t, err)
	err = synth.SynthesizeAndPlay(context.Background(), "x")
	require.ErrorIs(t, err, ErrSynthesis)
	var synthErr *SynthesisError
	require.ErrorAs(t, err, &synthErr)
	assert.Equal(t, KindAzure, synthErr.Backend)
}

func TestAlibabaSynth(t *testing.T) {
	var got alibabaRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ALI"))
	}))
	defer server.Close()

	player := &fakePlayer{}
	synth, err := NewAlibabaSynth(AlibabaOptions{AppKey: "app", Token: "tok", Endpoint: server.URL, Volume: 70}, server.Client(), player)
	require.NoError(t, err)
	require.NoError(t, synth.SynthesizeAndPlay(context.Background(), "你好"))

	assert.Equal(t, "app", got.AppKey)
	assert.Equal(t, "tok", got.Token)
	assert.Equal(t, "你好", got.Text)
	assert.Equal(t, 70, got.Volume)
	assert.Equal(t, "xiaoyun", got.Voice)
	assert.Len(t, player.played, 1)
}

func TestAlibabaSynthJSONErrorIsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":40000001,"message":"token invalid"}`))
	}))
	defer server.Close()

	synth, err := NewAlibabaSynth(AlibabaOptions{AppKey: "a", Token: "t", Endpoint: server.URL}, server.Client(), &fakePlayer{})
	require.NoError(t, err)
	err = synth.SynthesizeAndPlay(context.Background(), "x")
	require.ErrorIs(t, err, ErrSynthesis)
	assert.Contains(t, err.Error(), "token invalid")
}

func TestSoVITSSynth(t *testing.T) {
	var query map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = map[string]string{
			"text":          r.URL.Query().Get("text"),
			"text_language": r.URL.Query().Get("text_language"),
		}
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write([]byte("RIFF"))
	}))
	defer server.Close()

	player := &fakePlayer{}
	synth, err := NewSoVITSSynth(SoVITSOptions{Endpoint: server.URL}, server.Client(), player)
	require.NoError(t, err)
	require.NoError(t, synth.SynthesizeAndPlay(context.Background(), "感谢 bob"))
	assert.Equal(t, map[string]string{"text": "感谢 bob", "text_language": "zh"}, query)
	assert.Len(t, player.played, 1)
}

func TestNewSynthesizerFromConfig(t *testing.T) {
	synth, err := NewSynthesizer(config.TTSConfig{Mode: "local"}, nil)
	require.NoError(t, err)
	assert.Equal(t, KindLocal, synth.Kind())

	_, err = NewSynthesizer(config.TTSConfig{Mode: "azure", PlayerCommand: "ffplay {file}"}, nil)
	assert.Error(t, err)

	synth, err = NewSynthesizer(config.TTSConfig{
		Mode:          "sovits",
		PlayerCommand: "ffplay {file}",
		SoVITS:        config.SoVITSTTS{Endpoint: "http://127.0.0.1:9880"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, KindSoVITS, synth.Kind())

	_, err = NewSynthesizer(config.TTSConfig{Mode: "robot"}, nil)
	assert.ErrorIs(t, err, ErrUnknownKind)
}
