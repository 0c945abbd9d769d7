// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/absmach/pickup/queue"
)

// Queue is the queue manager as seen by the transport.
type Queue interface {
	Enqueue(ctx context.Context, req queue.AddRequest) (string, error)
	Dequeue(ctx context.Context, req queue.TakeRequest) ([]queue.QueuedMessage, error)
	Count(ctx context.Context, connectionID string) int64
	RemoveMessages(ctx context.Context, connectionID string, messageIDs []string) error
	RemoveAll(ctx context.Context, connectionID, recipientDID string) error
}

var errNoSessions = errors.New("live session router not configured")

// Sessions is the live session router as seen by the transport.
type Sessions interface {
	AddLiveSession(ctx context.Context, connectionID, sessionID, socketID string) bool
	GetLiveSession(ctx context.Context, connectionID string) bool
	RemoveLiveSession(ctx context.Context, connectionID string) bool
	DropSocket(ctx context.Context, socketID string) int
}

type connectionParams struct {
	ConnectionID string `json:"connectionId"`
}

type takeParams struct {
	ConnectionID   string `json:"connectionId"`
	Limit          int    `json:"limit"`
	LimitBytes     int64  `json:"limitBytes"`
	DeleteMessages bool   `json:"deleteMessages"`
	RecipientDID   string `json:"recipientDid"`
}

type addMessageParams struct {
	ConnectionID  string          `json:"connectionId"`
	RecipientDIDs []string        `json:"recipientDids"`
	Payload       json.RawMessage `json:"payload"`
	Token         string          `json:"token"`
}

type addMessageResult struct {
	MessageID string `json:"messageId"`
}

type removeMessagesParams struct {
	ConnectionID string   `json:"connectionId"`
	MessageIDs   []string `json:"messageIds"`
}

type removeAllParams struct {
	ConnectionID string `json:"connectionId"`
	RecipientDID string `json:"recipientDid"`
}

type addLiveSessionParams struct {
	ConnectionID string `json:"connectionId"`
	SessionID    string `json:"sessionId"`
}

// dispatch runs one method call on behalf of socketID.
func (s *Server) dispatch(ctx context.Context, socketID string, req request) (any, error) {
	switch req.Method {
	case methodPing:
		return "pong", nil

	case methodTakeFromQueue:
		var p takeParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		if p.ConnectionID == "" {
			return nil, invalidParams("connectionId is required")
		}
		msgs, err := s.queue.Dequeue(ctx, queue.TakeRequest{
			ConnectionID:   p.ConnectionID,
			RecipientDID:   p.RecipientDID,
			Limit:          p.Limit,
			LimitBytes:     p.LimitBytes,
			DeleteMessages: p.DeleteMessages,
		})
		if err != nil {
			return nil, err
		}
		if msgs == nil {
			msgs = []queue.QueuedMessage{}
		}
		return msgs, nil

	case methodGetAvailableMessageCount:
		p, err := connectionID(req.Params)
		if err != nil {
			return nil, err
		}
		return s.queue.Count(ctx, p), nil

	case methodAddMessage:
		var p addMessageParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		if p.ConnectionID == "" || len(p.RecipientDIDs) == 0 || len(p.Payload) == 0 {
			return nil, invalidParams("connectionId, recipientDids and payload are required")
		}
		id, err := s.queue.Enqueue(ctx, queue.AddRequest{
			ConnectionID:  p.ConnectionID,
			RecipientDIDs: p.RecipientDIDs,
			Payload:       p.Payload,
			Token:         p.Token,
		})
		if err != nil {
			return nil, err
		}
		return addMessageResult{MessageID: id}, nil

	case methodRemoveMessages:
		var p removeMessagesParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		if p.ConnectionID == "" || p.MessageIDs == nil {
			return nil, invalidParams("connectionId and messageIds are required")
		}
		if err := s.queue.RemoveMessages(ctx, p.ConnectionID, p.MessageIDs); err != nil {
			return nil, err
		}
		return true, nil

	case methodRemoveAllMessages:
		var p removeAllParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		if p.ConnectionID == "" || p.RecipientDID == "" {
			return nil, invalidParams("connectionId and recipientDid are required")
		}
		if err := s.queue.RemoveAll(ctx, p.ConnectionID, p.RecipientDID); err != nil {
			return nil, err
		}
		return true, nil

	case methodGetLiveSession:
		p, err := connectionID(req.Params)
		if err != nil {
			return nil, err
		}
		live := s.sessions()
		if live == nil {
			return nil, errNoSessions
		}
		return live.GetLiveSession(ctx, p), nil

	case methodAddLiveSession:
		var p addLiveSessionParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		if p.ConnectionID == "" || p.SessionID == "" {
			return nil, invalidParams("connectionId and sessionId are required")
		}
		live := s.sessions()
		if live == nil {
			return nil, errNoSessions
		}
		return live.AddLiveSession(ctx, p.ConnectionID, p.SessionID, socketID), nil

	case methodRemoveLiveSession:
		p, err := connectionID(req.Params)
		if err != nil {
			return nil, err
		}
		live := s.sessions()
		if live == nil {
			return nil, errNoSessions
		}
		return live.RemoveLiveSession(ctx, p), nil

	default:
		return nil, newError(codeMethodNotFound, "Method not found")
	}
}

func connectionID(raw json.RawMessage) (string, error) {
	var p connectionParams
	if err := decodeParams(raw, &p); err != nil {
		return "", err
	}
	if p.ConnectionID == "" {
		return "", invalidParams("connectionId is required")
	}
	return p.ConnectionID, nil
}
