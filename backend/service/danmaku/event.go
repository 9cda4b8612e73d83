package danmaku

type EventKind string

const (
	KindDanmaku    EventKind = "danmaku"
	KindGift       EventKind = "gift"
	KindEnter      EventKind = "enter"
	KindLike       EventKind = "like"
	KindSuperChat  EventKind = "super_chat"
	KindGuardBuy   EventKind = "guard_buy"
	KindPopularity EventKind = "popularity"
	KindNotice     EventKind = "notice"
	KindUnknown    EventKind = "unknown"
)

// Event is one classified inbound command.
type Event interface {
	Kind() EventKind
}

type Danmaku struct {
	UID         int64  `json:"uid"`
	Uname       string `json:"uname"`
	Text        string `json:"text"`
	IsAdmin     bool   `json:"isAdmin"`
	IsVIP       bool   `json:"isVip"`
	IsSVIP      bool   `json:"isSvip"`
	MedalLevel  int    `json:"medalLevel"`
	MedalName   string `json:"medalName"`
	MedalAnchor string `json:"medalAnchor"`
	UserLevel   int    `json:"userLevel"`
	Timestamp   int64  `json:"timestamp"`
}

type Gift struct {
	UID          int64  `json:"uid"`
	Uname        string `json:"uname"`
	GiftName     string `json:"giftName"`
	GiftID       int64  `json:"giftId"`
	Num          int64  `json:"num"`
	Price        int64  `json:"price"`
	TotalCoin    int64  `json:"totalCoin"`
	CoinType     string `json:"coinType"`
	BatchComboID string `json:"batchComboId"`
}

// Interaction types carried by INTERACT_WORD.
const (
	InteractEnter  = 1
	InteractFollow = 2
	InteractShare  = 3
)

type Enter struct {
	UID           int64  `json:"uid"`
	Uname         string `json:"uname"`
	MedalLevel    int    `json:"medalLevel"`
	PrivilegeType int    `json:"privilegeType"`
	MsgType       int    `json:"msgType"`
}

type Like struct {
	UID      int64  `json:"uid"`
	Uname    string `json:"uname"`
	LikeText string `json:"likeText"`
}

type SuperChat struct {
	ID      int64  `json:"id"`
	UID     int64  `json:"uid"`
	Uname   string `json:"uname"`
	Price   int64  `json:"price"`
	Message string `json:"message"`
}

type GuardBuy struct {
	UID        int64  `json:"uid"`
	Username   string `json:"username"`
	GuardLevel int    `json:"guardLevel"`
	GiftName   string `json:"giftName"`
	Num        int64  `json:"num"`
}

type Popularity struct {
	Count uint32 `json:"count"`
}

type Notice struct {
	Cmd  string `json:"cmd"`
	Text string `json:"text"`
}

// Unknown keeps commands with no dedicated variant so callers still see them.
type Unknown struct {
	Cmd string         `json:"cmd"`
	Raw map[string]any `json:"raw"`
}

func (Danmaku) Kind() EventKind    { return KindDanmaku }
func (Gift) Kind() EventKind       { return KindGift }
func (Enter) Kind() EventKind      { return KindEnter }
func (Like) Kind() EventKind       { return KindLike }
func (SuperChat) Kind() EventKind  { return KindSuperChat }
func (GuardBuy) Kind() EventKind   { return KindGuardBuy }
func (Popularity) Kind() EventKind { return KindPopularity }
func (Notice) Kind() EventKind     { return KindNotice }
func (Unknown) Kind() EventKind    { return KindUnknown }

// Uname returns the sender name of ev, or "" for events without one.
func Uname(ev Event) string {
	switch v := ev.(type) {
	case Danmaku:
		return v.Uname
	case Gift:
		return v.Uname
	case Enter:
		return v.Uname
	case Like:
		return v.Uname
	case SuperChat:
		return v.Uname
	case GuardBuy:
		return v.Username
	default:
		return ""
	}
}
