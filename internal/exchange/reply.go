package exchange

import (
	"strings"

	"voicedesk/agent/internal/types"
)

// Reply is one answer from the reasoning service. The set of variants is closed:
// MessageReply, ConfirmReply, ErrorReply, WidgetReply and ActionReply.
type Reply interface {
	isReply()
}

type MessageReply struct {
	Message string
	TTSText string
}

// ConfirmReply asks the user to approve a side-effecting action. It never executes the
// action by itself.
type ConfirmReply struct {
	Message string
	TTSText string
	Confirm types.ConfirmRequest
}

type ErrorReply struct {
	Message string
}

type WidgetReply struct {
	Message string
	TTSText string
	Widget  map[string]any
}

// ActionReply carries any kind the controller does not interpret. Raw is the reply body
// as received, for the host to act on.
type ActionReply struct {
	Name    string
	Message string
	TTSText string
	Raw     map[string]any
}

func (MessageReply) isReply() {}
func (ConfirmReply) isReply() {}
func (ErrorReply) isReply()   {}
func (WidgetReply) isReply()  {}
func (ActionReply) isReply()  {}

// DisplayText is the text shown in the transcript for r.
func DisplayText(r Reply) string {
	switch v := r.(type) {
	case MessageReply:
		return v.Message
	case ConfirmReply:
		if v.Message != "" {
			return v.Message
		}
		return v.Confirm.HumanMessage
	case ErrorReply:
		return v.Message
	case WidgetReply:
		return v.Message
	case ActionReply:
		return v.Message
	}
	return ""
}

// SpeechText is what should be synthesized for r: the tts override when present, the
// display text otherwise. Empty means nothing to say.
func SpeechText(r Reply) string {
	var tts string
	switch v := r.(type) {
	case MessageReply:
		tts = v.TTSText
	case ConfirmReply:
		tts = v.TTSText
	case WidgetReply:
		tts = v.TTSText
	case ActionReply:
		tts = v.TTSText
	}
	if strings.TrimSpace(tts) != "" {
		return tts
	}
	return strings.TrimSpace(DisplayText(r))
}

// wireReply is the JSON shape of a chat response.
type wireReply struct {
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Text    string         `json:"text"`
	TTSText string         `json:"tts_text"`
	Confirm *wireConfirm   `json:"confirm"`
	Payload map[string]any `json:"payload"`
	Widget  map[string]any `json:"widget"`
}

type wireConfirm struct {
	ActionName   string         `json:"action_name"`
	ActionData   map[string]any `json:"action_data"`
	HumanMessage string         `json:"human_message"`
}

func decodeReply(w wireReply, raw map[string]any) (Reply, error) {
	msg := w.Message
	if msg == "" {
		msg = w.Text
	}
	switch strings.ToLower(w.Type) {
	case "", "message", "text":
		return MessageReply{Message: msg, TTSText: w.TTSText}, nil
	case "confirm":
		if w.Confirm == nil || w.Confirm.ActionName == "" {
			return nil, errMalformedConfirm
		}
		data, err := Normalize(w.Confirm.ActionData)
		if err != nil {
			return nil, err
		}
		return ConfirmReply{
			Message: msg,
			TTSText: w.TTSText,
			Confirm: types.ConfirmRequest{
				ActionName:   w.Confirm.ActionName,
				ActionData:   data,
				HumanMessage: w.Confirm.HumanMessage,
			},
		}, nil
	case "error":
		return ErrorReply{Message: msg}, nil
	case "widget":
		payload := w.Widget
		if payload == nil {
			payload = w.Payload
		}
		widget, err := Normalize(payload)
		if err != nil {
			return nil, err
		}
		return WidgetReply{Message: msg, TTSText: w.TTSText, Widget: widget}, nil
	default:
		return ActionReply{Name: w.Type, Message: msg, TTSText: w.TTSText, Raw: raw}, nil
	}
}
