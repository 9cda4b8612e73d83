package pipeline

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"bilibililivetools/livetts/backend/config"
	"bilibililivetools/livetts/backend/metrics"
	"bilibililivetools/livetts/backend/service/danmaku"
)

// Sink receives rendered utterances. Enqueue reports whether the text was accepted.
type Sink interface {
	Enqueue(text string) bool
}

type Settings struct {
	Templates      config.Templates
	Speak          config.SpeakToggles
	BlacklistUsers []string
	BlacklistWords []string
	WelcomeLevel   int
	GiftInterval   time.Duration
}

func SettingsFromConfig(cfg config.Config) Settings {
	return Settings{
		Templates:      cfg.Templates,
		Speak:          cfg.Speak,
		BlacklistUsers: append([]string(nil), cfg.BlacklistUsers...),
		BlacklistWords: append([]string(nil), cfg.BlacklistWords...),
		WelcomeLevel:   cfg.WelcomeLevel,
		GiftInterval:   time.Duration(cfg.ContinuousGiftInterval * float64(time.Second)),
	}
}

type Outcome string

const (
	OutcomeEnqueued       Outcome = "enqueued"
	OutcomeMerging        Outcome = "merging"
	OutcomeBlacklisted    Outcome = "blacklisted"
	OutcomeBelowThreshold Outcome = "below_threshold"
	OutcomeMuted          Outcome = "muted"
	OutcomeDropped        Outcome = "dropped"
	OutcomeIgnored        Outcome = "ignored"
)

var guardNames = map[int]string{
	1: "总督",
	2: "提督",
	3: "舰长",
}

// Pipeline filters classified events, renders them and hands the text to the sink.
type Pipeline struct {
	sink   Sink
	logger *zap.SugaredLogger
	gifts  *giftMerger

	mu       sync.RWMutex
	settings Settings
	users    map[string]struct{}
}

func New(sink Sink, settings Settings, logger *zap.SugaredLogger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	p := &Pipeline{sink: sink, logger: logger}
	p.gifts = newGiftMerger(p.flushGift)
	p.Apply(settings)
	return p
}

// Apply swaps the settings. Pending gift merges keep their timers and render
// with the settings current at flush time.
func (p *Pipeline) Apply(settings Settings) {
	users := make(map[string]struct{}, len(settings.BlacklistUsers))
	for _, name := range settings.BlacklistUsers {
		if name = strings.TrimSpace(name); name != "" {
			users[name] = struct{}{}
		}
	}
	words := make([]string, 0, len(settings.BlacklistWords))
	for _, word := range settings.BlacklistWords {
		if word = strings.TrimSpace(word); word != "" {
			words = append(words, word)
		}
	}
	settings.BlacklistWords = words

	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings = settings
	p.users = users
}

func (p *Pipeline) snapshot() (Settings, map[string]struct{}) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.settings, p.users
}

// Reset cancels every pending gift merge without speaking it.
func (p *Pipeline) Reset() int {
	return p.gifts.reset()
}

// PendingGifts is the number of gift merges waiting for their timer.
func (p *Pipeline) PendingGifts() int {
	return p.gifts.pending()
}

func (p *Pipeline) Handle(ev danmaku.Event) Outcome {
	settings, users := p.snapshot()
	if uname := strings.TrimSpace(danmaku.Uname(ev)); uname != "" {
		if _, blocked := users[uname]; blocked {
			return p.filtered("blacklist_user")
		}
	}

	switch v := ev.(type) {
	case danmaku.Danmaku:
		for _, word := range settings.BlacklistWords {
			if strings.Contains(v.Text, word) {
				return p.filtered("blacklist_word")
			}
		}
		if !settings.Speak.Danmaku {
			return p.filtered("muted")
		}
		return p.enqueue(Render(settings.Templates.Danmaku, Vars{Uname: v.Uname, Msg: v.Text}))
	case danmaku.Gift:
		if !settings.Speak.Gift {
			return p.filtered("muted")
		}
		if p.gifts.add(v, settings.GiftInterval) {
			return OutcomeMerging
		}
		return OutcomeEnqueued
	case danmaku.Enter:
		switch v.MsgType {
		case danmaku.InteractFollow:
			if !settings.Speak.Follow {
				return p.filtered("muted")
			}
			return p.enqueue(Render(settings.Templates.Follow, Vars{Uname: v.Uname}))
		case danmaku.InteractEnter, 0:
			if v.MedalLevel < settings.WelcomeLevel {
				metrics.EventsFiltered.WithLabelValues("below_threshold").Inc()
				return OutcomeBelowThreshold
			}
			if !settings.Speak.Enter {
				return p.filtered("muted")
			}
			return p.enqueue(Render(settings.Templates.Enter, Vars{Uname: v.Uname}))
		default:
			return OutcomeIgnored
		}
	case danmaku.Like:
		if !settings.Speak.Like {
			return p.filtered("muted")
		}
		return p.enqueue(Render(settings.Templates.Like, Vars{Uname: v.Uname, LikeText: v.LikeText}))
	case danmaku.SuperChat:
		if !settings.Speak.SuperChat {
			return p.filtered("muted")
		}
		return p.enqueue(Render(settings.Templates.SuperChat, Vars{
			Uname: v.Uname,
			Msg:   v.Message,
			Price: strconv.FormatInt(v.Price, 10),
		}))
	case danmaku.GuardBuy:
		if !settings.Speak.Guard {
			return p.filtered("muted")
		}
		name := guardNames[v.GuardLevel]
		if name == "" {
			name = v.GiftName
		}
		return p.enqueue(Render(settings.Templates.Guard, Vars{
			Uname:     v.Username,
			Num:       strconv.FormatInt(v.Num, 10),
			GiftName:  v.GiftName,
			GuardName: name,
		}))
	default:
		return OutcomeIgnored
	}
}

func (p *Pipeline) flushGift(entry giftEntry) {
	settings, _ := p.snapshot()
	if !settings.Speak.Gift {
		return
	}
	text := Render(settings.Templates.Gift, Vars{
		Uname:    entry.uname,
		Num:      strconv.FormatInt(entry.num, 10),
		GiftName: entry.giftName,
	})
	p.logger.Debugf("flush gift key=%s num=%d coin=%d", entry.key, entry.num, entry.coin)
	p.enqueue(text)
}

func (p *Pipeline) filtered(reason string) Outcome {
	metrics.EventsFiltered.WithLabelValues(reason).Inc()
	if reason == "muted" {
		return OutcomeMuted
	}
	return OutcomeBlacklisted
}

func (p *Pipeline) enqueue(text string) Outcome {
	text = strings.TrimSpace(text)
	if text == "" {
		return OutcomeMuted
	}
	if !p.sink.Enqueue(text) {
		p.logger.Warnf("speech sink rejected utterance: %q", text)
		return OutcomeDropped
	}
	return OutcomeEnqueued
}
