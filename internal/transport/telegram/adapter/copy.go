package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	tele "gopkg.in/telebot.v4"

	kit "castbot/internal/transport"
)

const maxAPIResponse = 1 << 20

type copyRequest struct {
	ChatID     int64 `json:"chat_id"`
	FromChatID int64 `json:"from_chat_id"`
	MessageID  int   `json:"message_id"`
	ThreadID   int   `json:"message_thread_id,omitempty"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

// copyMessage calls copyMessage with a request bound to ctx. bot.Copy has no
// ctx and runs on the client's one-minute timeout.
func (a *Adapter) copyMessage(ctx context.Context, to kit.ChatTarget, from kit.MessageRef) (int, error) {
	body, err := json.Marshal(copyRequest{
		ChatID:     to.ChatID,
		FromChatID: from.ChatID,
		MessageID:  from.MessageID,
		ThreadID:   to.ThreadID,
	})
	if err != nil {
		return 0, err
	}
	endpoint := a.bot.URL + "/bot" + a.bot.Token + "/copyMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.api.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		// url.Error would print the token
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return 0, fmt.Errorf("telegram: copyMessage: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponse))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, fmt.Errorf("telegram: copyMessage: read response: %w", err)
	}
	var r apiResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return 0, fmt.Errorf("telegram: copyMessage: http %d: %w", resp.StatusCode, err)
	}
	if !r.OK {
		return 0, &tele.Error{Code: r.ErrorCode, Description: r.Description}
	}
	var msg struct {
		MessageID int `json:"message_id"`
	}
	if err := json.Unmarshal(r.Result, &msg); err != nil {
		return 0, fmt.Errorf("telegram: copyMessage: decode result: %w", err)
	}
	return msg.MessageID, nil
}
