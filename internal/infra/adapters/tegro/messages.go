package tegro

import (
	"strings"

	"github.com/goccy/go-json"
)

type wsAction int

const (
	actionUnknown wsAction = iota
	actionSubscribe
	actionTradeUpdated
	actionOrderBookDiff
	actionOrderPlaced
	actionOrderSubmitted
	actionUserTradeCreated
	actionUserTradeUpdated
)

var wsActionNames = map[string]wsAction{
	"subscribe":          actionSubscribe,
	"trade_updated":      actionTradeUpdated,
	"order_book_diff":    actionOrderBookDiff,
	"order_placed":       actionOrderPlaced,
	"order_submitted":    actionOrderSubmitted,
	"user_trade_created": actionUserTradeCreated,
	"user_trade_updated": actionUserTradeUpdated,
}

func (a wsAction) String() string {
	for name, action := range wsActionNames {
		if action == a {
			return name
		}
	}
	return "unknown"
}

func parseWSAction(raw string) wsAction {
	if action, ok := wsActionNames[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return action
	}
	return actionUnknown
}

// wsFrame is a frame decoded once; Data stays raw for the typed decoders.
type wsFrame struct {
	Action    wsAction
	RawAction string
	ChannelID string
	Data      json.RawMessage
	Raw       []byte
}

type wsEnvelope struct {
	Action    string          `json:"action"`
	ChannelID string          `json:"channelId"`
	Data      json.RawMessage `json:"data"`
}

func decodeFrame(raw []byte) (wsFrame, error) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return wsFrame{Raw: raw}, err
	}
	return wsFrame{
		Action:    parseWSAction(env.Action),
		RawAction: env.Action,
		ChannelID: env.ChannelID,
		Data:      env.Data,
		Raw:       raw,
	}, nil
}

type subscribeMessage struct {
	Action    string `json:"action"`
	ChannelID string `json:"channelId"`
}
