package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"bilibililivetools/livetts/backend/service/danmaku"
)

func newDecodeCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "decode [hex]",
		Short: "Decode a captured transport message into packets and events",
		Long:  "Reads a hex dump from the argument, --file or stdin. Whitespace and colons are ignored.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw string
			switch {
			case len(args) == 1:
				raw = args[0]
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				raw = string(data)
			default:
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				raw = string(data)
			}
			buf, err := parseHexDump(raw)
			if err != nil {
				return err
			}
			return decodeMessage(cmd.OutOrStdout(), buf)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "File holding the hex dump")
	return cmd
}

func parseHexDump(raw string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t', ':':
			return -1
		}
		return r
	}, raw)
	cleaned = strings.TrimPrefix(strings.TrimPrefix(cleaned, "0x"), "0X")
	buf, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("parse hex dump: %w", err)
	}
	return buf, nil
}

func decodeMessage(out io.Writer, buf []byte) error {
	packets, decodeErr := danmaku.Decode(buf)
	for idx, packet := range packets {
		fmt.Fprintf(out, "packet %d: op=%s version=%d length=%d body=%d bytes\n",
			idx, packet.Operation, packet.ProtocolVersion, packet.TotalLength, len(packet.Body))
	}
	if decodeErr != nil {
		fmt.Fprintf(out, "framing error: %v\n", decodeErr)
	}

	encoder := json.NewEncoder(out)
	encoder.SetEscapeHTML(false)
	for _, frame := range danmaku.NewUnpacker(nil).Unpack(buf) {
		switch frame.Kind {
		case danmaku.FramePopularity:
			fmt.Fprintf(out, "popularity: %d\n", frame.Popularity)
		case danmaku.FrameAuthReply:
			fmt.Fprintf(out, "auth reply: code=%d\n", frame.AuthCode)
		case danmaku.FrameCommand:
			ev, err := danmaku.Classify(frame.Command)
			if err != nil {
				fmt.Fprintf(out, "command: unparsable: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "%s: ", ev.Kind())
			if err := encoder.Encode(ev); err != nil {
				return err
			}
		}
	}
	return nil
}
