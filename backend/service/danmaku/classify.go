package danmaku

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// Classify maps one JSON command to its typed event. Missing or short fields
// produce zero values; only a body that is not a JSON object is an error.
func Classify(raw []byte) (Event, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	payload := map[string]any{}
	if err := decoder.Decode(&payload); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, errors.New("command is null")
	}

	cmd := NormalizeCommand(asString(payload["cmd"]))
	data := asMap(payload["data"])
	switch cmd {
	case "DANMU_MSG":
		info, _ := payload["info"].([]any)
		return parseDanmakuInfo(info), nil
	case "SEND_GIFT":
		return Gift{
			UID:          asInt64(data["uid"]),
			Uname:        asString(data["uname"]),
			GiftName:     asString(data["giftName"]),
			GiftID:       asInt64(data["giftId"]),
			Num:          asInt64(data["num"]),
			Price:        asInt64(data["price"]),
			TotalCoin:    asInt64(data["total_coin"]),
			CoinType:     asString(data["coin_type"]),
			BatchComboID: asString(data["batch_combo_id"]),
		}, nil
	case "INTERACT_WORD":
		medal := asMap(data["fans_medal"])
		level := asInt64(medal["level"])
		if level == 0 {
			level = asInt64(medal["medal_level"])
		}
		return Enter{
			UID:           asInt64(data["uid"]),
			Uname:         asString(data["uname"]),
			MedalLevel:    int(level),
			PrivilegeType: int(asInt64(data["privilege_type"])),
			MsgType:       int(asInt64(data["msg_type"])),
		}, nil
	case "LIKE_INFO_V3_CLICK":
		return Like{
			UID:      asInt64(data["uid"]),
			Uname:    asString(data["uname"]),
			LikeText: asString(data["like_text"]),
		}, nil
	case "SUPER_CHAT_MESSAGE":
		user := asMap(data["user_info"])
		return SuperChat{
			ID:      asInt64(data["id"]),
			UID:     asInt64(data["uid"]),
			Uname:   asString(user["uname"]),
			Price:   asInt64(data["price"]),
			Message: asString(data["message"]),
		}, nil
	case "GUARD_BUY":
		return GuardBuy{
			UID:        asInt64(data["uid"]),
			Username:   asString(data["username"]),
			GuardLevel: int(asInt64(data["guard_level"])),
			GiftName:   asString(data["gift_name"]),
			Num:        asInt64(data["num"]),
		}, nil
	case "NOTICE_MSG":
		text := asString(payload["msg_common"])
		if text == "" {
			text = asString(payload["msg_self"])
		}
		return Notice{Cmd: cmd, Text: text}, nil
	case "WARNING", "CUT_OFF":
		return Notice{Cmd: cmd, Text: asString(payload["msg"])}, nil
	default:
		return Unknown{Cmd: cmd, Raw: payload}, nil
	}
}

// NormalizeCommand upper-cases cmd and strips suffixes such as "DANMU_MSG:4:0:2:2:2:0".
func NormalizeCommand(command string) string {
	command = strings.ToUpper(strings.TrimSpace(command))
	if idx := strings.Index(command, ":"); idx > 0 {
		command = command[:idx]
	}
	return command
}

// parseDanmakuInfo reads the positional DANMU_MSG layout:
// info[0][4] timestamp, info[1] text, info[2] [uid, uname, admin, vip, svip],
// info[3] [medal level, medal name, anchor name], info[4][0] user level.
func parseDanmakuInfo(info []any) Danmaku {
	ev := Danmaku{Text: asString(at(info, 1))}
	if meta, ok := at(info, 0).([]any); ok {
		ev.Timestamp = asInt64(at(meta, 4))
	}
	if user, ok := at(info, 2).([]any); ok {
		ev.UID = asInt64(at(user, 0))
		ev.Uname = asString(at(user, 1))
		ev.IsAdmin = asBool(at(user, 2))
		ev.IsVIP = asBool(at(user, 3))
		ev.IsSVIP = asBool(at(user, 4))
	}
	if medal, ok := at(info, 3).([]any); ok {
		ev.MedalLevel = int(asInt64(at(medal, 0)))
		ev.MedalName = asString(at(medal, 1))
		ev.MedalAnchor = asString(at(medal, 2))
	}
	if level, ok := at(info, 4).([]any); ok {
		ev.UserLevel = int(asInt64(at(level, 0)))
	}
	return ev
}

func at(items []any, idx int) any {
	if idx < 0 || idx >= len(items) {
		return nil
	}
	return items[idx]
}

func asMap(value any) map[string]any {
	if m, ok := value.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func asString(value any) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

func asInt64(value any) int64 {
	switch v := value.(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		f, _ := v.Float64()
		return int64(f)
	case string:
		i, _ := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return i
	default:
		return 0
	}
}

func asBool(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes":
			return true
		}
		return false
	default:
		return asInt64(value) != 0
	}
}
