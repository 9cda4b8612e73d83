package pipeline

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bilibililivetools/livetts/backend/config"
	"bilibililivetools/livetts/backend/service/danmaku"
)

type recordingSink struct {
	mu     sync.Mutex
	texts  []string
	reject bool
}

func (s *recordingSink) Enqueue(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject {
		return false
	}
	s.texts = append(s.texts, text)
	return true
}

func (s *recordingSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

func testSettings() Settings {
	return Settings{
		Templates: config.DefaultTemplates(),
		Speak: config.SpeakToggles{
			Danmaku: true, Gift: true, Enter: true, Follow: true, Like: true, SuperChat: true, Guard: true,
		},
		GiftInterval: 80 * time.Millisecond,
	}
}

func TestDanmakuRendered(t *testing.T) {
	sink := &recordingSink{}
	p := New(sink, testSettings(), nil)
	assert.Equal(t, OutcomeEnqueued, p.Handle(danmaku.Danmaku{Uname: "alice", Text: "hello"}))
	assert.Equal(t, []string{"alice说：hello"}, sink.snapshot())
}

func TestBlacklistedUserNeverReachesSink(t *testing.T) {
	sink := &recordingSink{}
	settings := testSettings()
	settings.BlacklistUsers = []string{"spammer"}
	p := New(sink, settings, nil)

	assert.Equal(t, OutcomeBlacklisted, p.Handle(danmaku.Danmaku{Uname: "spammer", Text: "buy now"}))
	assert.Equal(t, OutcomeBlacklisted, p.Handle(danmaku.Gift{Uname: "spammer", GiftName: "x", Num: 1}))
	assert.Empty(t, sink.snapshot())
	assert.Zero(t, p.PendingGifts())
}

func TestBlacklistedWordOnlyAffectsDanmaku(t *testing.T) {
	sink := &recordingSink{}
	settings := testSettings()
	settings.BlacklistWords = []string{"广告"}
	p := New(sink, settings, nil)

	assert.Equal(t, OutcomeBlacklisted, p.Handle(danmaku.Danmaku{Uname: "bob", Text: "这是广告"}))
	assert.Equal(t, OutcomeEnqueued, p.Handle(danmaku.SuperChat{Uname: "bob", Message: "广告", Price: 30}))
	assert.Equal(t, []string{"感谢bob的醒目留言：广告"}, sink.snapshot())
}

func TestWelcomeThreshold(t *testing.T) {
	sink := &recordingSink{}
	settings := testSettings()
	settings.WelcomeLevel = 10
	p := New(sink, settings, nil)

	assert.Equal(t, OutcomeBelowThreshold, p.Handle(danmaku.Enter{Uname: "low", MedalLevel: 3, MsgType: danmaku.InteractEnter}))
	assert.Equal(t, OutcomeEnqueued, p.Handle(danmaku.Enter{Uname: "high", MedalLevel: 10, MsgType: danmaku.InteractEnter}))
	assert.Equal(t, OutcomeEnqueued, p.Handle(danmaku.Enter{Uname: "fan", MedalLevel: 0, MsgType: danmaku.InteractFollow}))
	assert.Equal(t, OutcomeIgnored, p.Handle(danmaku.Enter{Uname: "sharer", MsgType: danmaku.InteractShare}))
	assert.Equal(t, []string{"欢迎high进入直播间", "感谢fan的关注"}, sink.snapshot())
}

func TestMutedAndIgnoredKinds(t *testing.T) {
	sink := &recordingSink{}
	settings := testSettings()
	settings.Speak.Like = false
	settings.Templates.Danmaku = ""
	p := New(sink, settings, nil)

	assert.Equal(t, OutcomeMuted, p.Handle(danmaku.Like{Uname: "x", LikeText: "点赞了"}))
	assert.Equal(t, OutcomeMuted, p.Handle(danmaku.Danmaku{Uname: "x", Text: "hi"}))
	assert.Equal(t, OutcomeIgnored, p.Handle(danmaku.Popularity{Count: 5}))
	assert.Equal(t, OutcomeIgnored, p.Handle(danmaku.Unknown{Cmd: "X"}))
	assert.Empty(t, sink.snapshot())
}

func TestGuardUsesLevelName(t *testing.T) {
	sink := &recordingSink{}
	p := New(sink, testSettings(), nil)
	p.Handle(danmaku.GuardBuy{Username: "cap", GuardLevel: 3, GiftName: "舰长", Num: 1})
	assert.Equal(t, []string{"感谢cap开通了1个月舰长"}, sink.snapshot())
}

func TestSinkRejectionReported(t *testing.T) {
	sink := &recordingSink{reject: true}
	p := New(sink, testSettings(), nil)
	assert.Equal(t, OutcomeDropped, p.Handle(danmaku.Danmaku{Uname: "a", Text: "b"}))
}

func TestGiftsWithinIntervalMerge(t *testing.T) {
	sink := &recordingSink{}
	p := New(sink, testSettings(), nil)
	gift := danmaku.Gift{UID: 1, Uname: "alice", GiftID: 31036, GiftName: "小花花", Num: 2, BatchComboID: "c1"}

	assert.Equal(t, OutcomeMerging, p.Handle(gift))
	gift.Num = 3
	assert.Equal(t, OutcomeMerging, p.Handle(gift))
	assert.Equal(t, 1, p.PendingGifts())

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, []string{"感谢alice赠送的5个小花花"}, sink.snapshot())
	assert.Zero(t, p.PendingGifts())
}

func TestGiftsBeyondIntervalFlushSeparately(t *testing.T) {
	sink := &recordingSink{}
	p := New(sink, testSettings(), nil)
	gift := danmaku.Gift{UID: 1, Uname: "alice", GiftID: 1, GiftName: "辣条", Num: 1}

	p.Handle(gift)
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	p.Handle(gift)
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"感谢alice赠送的1个辣条", "感谢alice赠送的1个辣条"}, sink.snapshot())
}

func TestGiftKeysAreIndependent(t *testing.T) {
	sink := &recordingSink{}
	p := New(sink, testSettings(), nil)
	p.Handle(danmaku.Gift{UID: 1, Uname: "a", GiftID: 1, GiftName: "g", Num: 1})
	p.Handle(danmaku.Gift{UID: 2, Uname: "b", GiftID: 1, GiftName: "g", Num: 4})
	assert.Equal(t, 2, p.PendingGifts())
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"感谢a赠送的1个g", "感谢b赠送的4个g"}, sink.snapshot())
}

func TestResetCancelsPendingGifts(t *testing.T) {
	sink := &recordingSink{}
	p := New(sink, testSettings(), nil)
	p.Handle(danmaku.Gift{UID: 1, Uname: "a", GiftID: 1, GiftName: "g", Num: 1})
	assert.Equal(t, 1, p.Reset())
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, sink.snapshot())
}

func TestResetWaitsForInFlightGiftFlush(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var flushed atomic.Int32
	m := newGiftMerger(func(giftEntry) {
		close(entered)
		<-release
		flushed.Add(1)
	})
	m.add(danmaku.Gift{UID: 1, GiftID: 1, GiftName: "g", Num: 1}, 10*time.Millisecond)

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("gift timer never fired")
	}
	resetDone := make(chan int)
	go func() { resetDone <- m.reset() }()
	select {
	case <-resetDone:
		t.Fatal("reset returned while a flush was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	assert.Zero(t, <-resetDone)
	assert.Equal(t, int32(1), flushed.Load())
	assert.Zero(t, m.pending())
}

func TestZeroIntervalFlushesImmediately(t *testing.T) {
	sink := &recordingSink{}
	settings := testSettings()
	settings.GiftInterval = 0
	p := New(sink, settings, nil)
	assert.Equal(t, OutcomeEnqueued, p.Handle(danmaku.Gift{UID: 1, Uname: "a", GiftName: "g", Num: 9}))
	assert.Equal(t, []string{"感谢a赠送的9个g"}, sink.snapshot())
}

func TestRenderReplacesEveryOccurrence(t *testing.T) {
	out := Render("{uname}! {uname}! {msg} {unknown}", Vars{Uname: "x", Msg: "m"})
	assert.Equal(t, "x! x! m {unknown}", out)
	assert.Empty(t, Render("", Vars{Uname: "x"}))
}

func TestSettingsFromConfig(t *testing.T) {
	cfg := config.Config{ContinuousGiftInterval: 1.5, WelcomeLevel: 4, BlacklistUsers: []string{"a"}}
	settings := SettingsFromConfig(cfg)
	assert.Equal(t, 1500*time.Millisecond, settings.GiftInterval)
	assert.Equal(t, 4, settings.WelcomeLevel)
	assert.Equal(t, []string{"a"}, settings.BlacklistUsers)
}
