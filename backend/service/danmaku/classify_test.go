package danmaku

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyDanmaku(t *testing.T) {
	raw := `{"cmd":"DANMU_MSG:4:0:2:2:2:0","info":[[0,1,25,16777215,1700000000000],"hello",[42,"alice",1,0,0],[12,"medal","anchor"],[30]]}`
	ev, err := Classify([]byte(raw))
	require.NoError(t, err)
	danmaku, ok := ev.(Danmaku)
	require.True(t, ok)
	assert.Equal(t, KindDanmaku, danmaku.Kind())
	assert.Equal(t, int64(42), danmaku.UID)
	assert.Equal(t, "alice", danmaku.Uname)
	assert.Equal(t, "hello", danmaku.Text)
	assert.True(t, danmaku.IsAdmin)
	assert.False(t, danmaku.IsVIP)
	assert.Equal(t, 12, danmaku.MedalLevel)
	assert.Equal(t, "medal", danmaku.MedalName)
	assert.Equal(t, 30, danmaku.UserLevel)
	assert.Equal(t, int64(1700000000000), danmaku.Timestamp)
}

func TestClassifyDanmakuShortInfo(t *testing.T) {
	ev, err := Classify([]byte(`{"cmd":"DANMU_MSG","info":[[], "hi"]}`))
	require.NoError(t, err)
	danmaku := ev.(Danmaku)
	assert.Equal(t, "hi", danmaku.Text)
	assert.Empty(t, danmaku.Uname)
	assert.Zero(t, danmaku.MedalLevel)
}

func TestClassifyGift(t *testing.T) {
	raw := `{"cmd":"SEND_GIFT","data":{"uid":7,"uname":"bob","giftName":"辣条","giftId":1,"num":3,"price":100,"total_coin":300,"coin_type":"gold"}}`
	ev, err := Classify([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, Gift{UID: 7, Uname: "bob", GiftName: "辣条", GiftID: 1, Num: 3, Price: 100, TotalCoin: 300, CoinType: "gold"}, ev)
}

func TestClassifyInteractWord(t *testing.T) {
	ev, err := Classify([]byte(`{"cmd":"INTERACT_WORD","data":{"uid":9,"uname":"carol","msg_type":1,"fans_medal":{"medal_level":5}}}`))
	require.NoError(t, err)
	enter := ev.(Enter)
	assert.Equal(t, "carol", enter.Uname)
	assert.Equal(t, InteractEnter, enter.MsgType)
	assert.Equal(t, 5, enter.MedalLevel)
}

func TestClassifyLikeSuperChatGuard(t *testing.T) {
	ev, err := Classify([]byte(`{"cmd":"LIKE_INFO_V3_CLICK","data":{"uid":1,"uname":"dan","like_text":"为主播点赞了"}}`))
	require.NoError(t, err)
	assert.Equal(t, Like{UID: 1, Uname: "dan", LikeText: "为主播点赞了"}, ev)

	ev, err = Classify([]byte(`{"cmd":"SUPER_CHAT_MESSAGE","data":{"id":5,"uid":2,"price":30,"message":"hey","user_info":{"uname":"eve"}}}`))
	require.NoError(t, err)
	assert.Equal(t, SuperChat{ID: 5, UID: 2, Uname: "eve", Price: 30, Message: "hey"}, ev)

	ev, err = Classify([]byte(`{"cmd":"GUARD_BUY","data":{"uid":3,"username":"fay","guard_level":3,"gift_name":"舰长","num":1}}`))
	require.NoError(t, err)
	assert.Equal(t, GuardBuy{UID: 3, Username: "fay", GuardLevel: 3, GiftName: "舰长", Num: 1}, ev)
	assert.Equal(t, "fay", Uname(ev))
}

func TestClassifyNotices(t *testing.T) {
	ev, err := Classify([]byte(`{"cmd":"WARNING","msg":"违规"}`))
	require.NoError(t, err)
	assert.Equal(t, Notice{Cmd: "WARNING", Text: "违规"}, ev)

	ev, err = Classify([]byte(`{"cmd":"NOTICE_MSG","msg_common":"全区广播"}`))
	require.NoError(t, err)
	assert.Equal(t, Notice{Cmd: "NOTICE_MSG", Text: "全区广播"}, ev)
}

func TestClassifyUnknownKeepsPayload(t *testing.T) {
	ev, err := Classify([]byte(`{"cmd":"ONLINE_RANK_COUNT","data":{"count":3}}`))
	require.NoError(t, err)
	unknown, ok := ev.(Unknown)
	require.True(t, ok)
	assert.Equal(t, "ONLINE_RANK_COUNT", unknown.Cmd)
	assert.Contains(t, unknown.Raw, "data")
	assert.Empty(t, Uname(ev))
}

func TestClassifyRejectsNonObject(t *testing.T) {
	_, err := Classify([]byte(`[1,2]`))
	assert.Error(t, err)
	_, err = Classify([]byte(`null`))
	assert.Error(t, err)
}

func TestNormalizeCommand(t *testing.T) {
	assert.Equal(t, "DANMU_MSG", NormalizeCommand(" danmu_msg:4:0:2 "))
	assert.Equal(t, "SEND_GIFT", NormalizeCommand("SEND_GIFT"))
}
