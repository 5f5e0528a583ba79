package server

import (
	"context"
	"log/slog"

	"github.com/Tyrowin/gochat-rtc/internal/fanout"
	"github.com/Tyrowin/gochat-rtc/internal/protocol"
	"github.com/Tyrowin/gochat-rtc/internal/registry"
	"github.com/Tyrowin/gochat-rtc/internal/signaling"
)

const (
	frameOK        = "ok"
	frameMalformed = "malformed"
	frameUnknown   = "unknown"
)

// frameMetrics counts inbound frames.
type frameMetrics interface {
	ObserveFrame(event, result string)
}

// dispatcher decodes inbound frames and routes them to the chat router or
// the call machine. Malformed and unknown frames are dropped with a log and
// never answered.
type dispatcher struct {
	router  *fanout.Router
	machine *signaling.Machine
	metrics frameMetrics
	logger  *slog.Logger
}

func (d *dispatcher) dispatch(ctx context.Context, c *Client, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		d.logger.Debug("dropping malformed frame", "conn", c.id, "error", err)
		d.metrics.ObserveFrame("invalid", frameMalformed)
		return
	}

	result, err := d.route(ctx, c, env)
	switch result {
	case frameUnknown:
		d.logger.Debug("dropping unknown event", "conn", c.id, "event", env.Event)
		d.metrics.ObserveFrame("unknown", frameUnknown)
		return
	case frameMalformed:
		d.logger.Debug("dropping malformed payload", "conn", c.id, "event", env.Event, "error", err)
	}
	d.metrics.ObserveFrame(env.Event, result)
}

func (d *dispatcher) route(ctx context.Context, c *Client, env protocol.Envelope) (string, error) {
	origin := fanout.Origin{Identity: c.identity, ConnectionID: c.id}
	caller := signaling.Caller{Identity: c.identity, ConnectionID: c.id}

	switch env.Event {
	case protocol.EventSearch:
		var req protocol.SearchRequest
		if err := env.DecodeData(&req); err != nil {
			return frameMalformed, err
		}
		d.router.RouteSearchQuery(ctx, origin, req.Query)

	case protocol.EventCreateChat:
		var req protocol.CreateChatRequest
		if err := env.DecodeData(&req); err != nil {
			return frameMalformed, err
		}
		d.router.CreateChat(ctx, origin, req.RecipientID)

	case protocol.EventSendMessage:
		var req protocol.SendMessageRequest
		if err := env.DecodeData(&req); err != nil {
			return frameMalformed, err
		}
		d.router.SendMessage(ctx, origin, req.ChatID, req.Content)

	case protocol.EventCallUser, protocol.EventAnswerCall, protocol.EventRelaySignal, protocol.EventEndCall:
		var req protocol.CallRequest
		if err := env.DecodeData(&req); err != nil {
			return frameMalformed, err
		}
		peer := registry.Identity(req.RecipientID)
		var outcome signaling.Outcome
		switch env.Event {
		case protocol.EventCallUser:
			outcome = d.machine.Call(ctx, caller, peer, req.SignalData)
		case protocol.EventAnswerCall:
			outcome = d.machine.Answer(caller, peer, req.SignalData)
		case protocol.EventRelaySignal:
			outcome = d.machine.Relay(caller, peer, req.SignalData)
		default:
			outcome = d.machine.End(caller, peer)
		}
		d.logger.Debug("call event handled", "conn", c.id, "event", env.Event, "peer", peer, "outcome", outcome)

	default:
		return frameUnknown, nil
	}
	return frameOK, nil
}
