/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	ws "nhooyr.io/websocket"

	playsync "github.com/friendsincode/listenroom/internal/sync"
	"github.com/friendsincode/listenroom/internal/telemetry"
)

// WebSocket message types
type wsMessage struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type wsCommand struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// handleWebSocket streams state snapshots to the client and accepts
// playback commands over the same connection.
func (a *API) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	telemetry.APIWebSocketConnections.Inc()
	defer telemetry.APIWebSocketConnections.Dec()

	a.logger.Debug().
		Str("conversation", sess.ConversationID).
		Msg("playback websocket connected")

	ctx := r.Context()

	// Coalesce bursts: a slow client only ever lags, never blocks the
	// reconciler.
	updateCh := make(chan playsync.Snapshot, 16)
	unsubscribe := sess.Reconciler.Subscribe(func(snap playsync.Snapshot) {
		select {
		case updateCh <- snap:
		default:
		}
	})
	defer unsubscribe()

	if err := sendSnapshot(ctx, conn, "initial_state", sess.Reconciler.Snapshot()); err != nil {
		a.logger.Error().Err(err).Msg("failed to send initial state")
		conn.Close(ws.StatusInternalError, "send failed")
		return
	}

	done := make(chan struct{})
	commandCh := make(chan wsCommand, 16)

	go func() {
		defer close(done)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if ws.CloseStatus(err) == ws.StatusNormalClosure {
					return
				}
				a.logger.Debug().Err(err).Msg("websocket read error")
				return
			}

			var cmd wsCommand
			if err := json.Unmarshal(data, &cmd); err != nil {
				a.logger.Warn().Err(err).Msg("invalid websocket message")
				continue
			}

			select {
			case commandCh <- cmd:
			default:
				a.logger.Warn().Msg("command channel full, dropping message")
			}
		}
	}()

	pingTicker := time.NewTicker(15 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "context cancelled")
			return

		case <-done:
			conn.Close(ws.StatusNormalClosure, "client disconnected")
			return

		case <-pingTicker.C:
			if err := sendPing(ctx, conn); err != nil {
				a.logger.Error().Err(err).Msg("ping failed")
				conn.Close(ws.StatusInternalError, "ping failed")
				return
			}

		case snap := <-updateCh:
			if err := sendSnapshot(ctx, conn, "state", snap); err != nil {
				a.logger.Error().Err(err).Msg("send update failed")
				conn.Close(ws.StatusInternalError, "send failed")
				return
			}

		case cmd := <-commandCh:
			if err := a.handleCommand(ctx, sess, cmd); err != nil {
				a.logger.Warn().Err(err).Str("action", cmd.Action).Msg("command failed")
				sendCommandError(ctx, conn, cmd.Action, err.Error())
			}
		}
	}
}

func sendSnapshot(ctx context.Context, conn *ws.Conn, msgType string, snap playsync.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	bytes, err := json.Marshal(wsMessage{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	})
	if err != nil {
		return err
	}

	return conn.Write(ctx, ws.MessageText, bytes)
}

func sendPing(ctx context.Context, conn *ws.Conn) error {
	bytes, err := json.Marshal(wsMessage{
		Type:      "ping",
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	return conn.Write(ctx, ws.MessageText, bytes)
}

func sendCommandError(ctx context.Context, conn *ws.Conn, action, errMsg string) {
	data, _ := json.Marshal(map[string]string{
		"action":  action,
		"message": errMsg,
	})

	bytes, _ := json.Marshal(wsMessage{
		Type:      "error",
		Timestamp: time.Now(),
		Data:      data,
	})
	conn.Write(ctx, ws.MessageText, bytes)
}

func (a *API) handleCommand(ctx context.Context, sess *Session, cmd wsCommand) error {
	rec := sess.Reconciler

	switch cmd.Action {
	case "play":
		var data struct {
			TrackID *string `json:"track_id"`
		}
		if len(cmd.Data) > 0 {
			if err := json.Unmarshal(cmd.Data, &data); err != nil {
				return err
			}
		}
		return rec.Play(ctx, data.TrackID)

	case "pause":
		return rec.Pause(ctx)

	case "seek":
		var data struct {
			PositionMS int64 `json:"position_ms"`
		}
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return err
		}
		return rec.Seek(ctx, data.PositionMS)

	case "next":
		return rec.Next(ctx)

	case "previous":
		return rec.Previous(ctx)

	case "pong":
		// Client ping response, ignore
		return nil

	default:
		a.logger.Warn().Str("action", cmd.Action).Msg("unknown command action")
		return nil
	}
}
