package main

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"bilibililivetools/livetts/backend/service/danmaku"
)

func runRoot(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestDecodeCommand(t *testing.T) {
	popularity := make([]byte, 4)
	binary.BigEndian.PutUint32(popularity, 42)
	msg := append(
		danmaku.Encode(danmaku.OpHeartbeatReply, popularity),
		danmaku.Encode(danmaku.OpSendMsgReply, []byte(`{"cmd":"DANMU_MSG","info":[[0,1,25,16777215,0,0,0,"",0,0,0,"",0,"{}","{}",{}],"hello",[1001,"alice",0,0,0,10000,1,""]]}`))...,
	)

	out, err := runRoot(t, "", "decode", hex.EncodeToString(msg))
	require.NoError(t, err)
	assert.Contains(t, out, "packet 0: op=heartbeat_reply")
	assert.Contains(t, out, "packet 1: op=send_msg_reply")
	assert.Contains(t, out, "popularity: 42")
	assert.Contains(t, out, "danmaku: ")
	assert.Contains(t, out, `"text":"hello"`)
}

func TestDecodeCommandReadsStdin(t *testing.T) {
	dump := hex.EncodeToString(danmaku.Encode(danmaku.OpAuthReply, []byte(`{"code":0}`)))
	out, err := runRoot(t, "  "+dump[:10]+"\n"+dump[10:]+"\n", "decode")
	require.NoError(t, err)
	assert.Contains(t, out, "auth reply: code=0")
}

func TestDecodeCommandReportsFramingError(t *testing.T) {
	msg := danmaku.Encode(danmaku.OpSendMsgReply, []byte(`{"cmd":"X"}`))
	out, err := runRoot(t, "", "decode", hex.EncodeToString(msg[:len(msg)-3]))
	require.NoError(t, err)
	assert.Contains(t, out, "framing error")
}

func TestDecodeCommandRejectsBadHex(t *testing.T) {
	_, err := runRoot(t, "", "decode", "zz")
	assert.Error(t, err)
}

func TestTokenCommand(t *testing.T) {
	out, err := runRoot(t, "", "token", "secret")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(strings.TrimSpace(out)), []byte("secret")))
}
