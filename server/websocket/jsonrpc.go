// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/absmach/pickup/queue"
)

const jsonRPCVersion = "2.0"

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32000
	codeRateLimited    = -32001
)

// Methods served over the socket.
const (
	methodTakeFromQueue            = "takeFromQueue"
	methodGetAvailableMessageCount = "getAvailableMessageCount"
	methodAddMessage               = "addMessage"
	methodRemoveMessages           = "removeMessages"
	methodRemoveAllMessages        = "removeAllMessages"
	methodGetLiveSession           = "getLiveSession"
	methodAddLiveSession           = "addLiveSession"
	methodRemoveLiveSession        = "removeLiveSession"
	methodPing                     = "ping"

	// MethodMessagesReceived is the server-to-client event carrying
	// messages for a live session.
	MethodMessagesReceived = "messagesReceived"
)

var nullID = json.RawMessage("null")

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// isNotification reports whether the request expects no response.
func (r request) isNotification() bool {
	return len(r.ID) == 0
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return e.Message
}

func newError(code int, message string) *rpcError {
	return &rpcError{Code: code, Message: message}
}

func invalidParams(message string) *rpcError {
	return newError(codeInvalidParams, "Invalid params: "+message)
}

// toRPCError hides backend detail from clients.
func toRPCError(err error) *rpcError {
	var rerr *rpcError
	if errors.As(err, &rerr) {
		return rerr
	}
	if errors.Is(err, queue.ErrInvalidRequest) {
		return newError(codeInvalidParams, err.Error())
	}
	return newError(codeInternal, "Internal server error")
}

// parseRequest validates the envelope of one inbound frame.
func parseRequest(data []byte) (request, *rpcError) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return request{}, newError(codeInvalidRequest, "Batch requests are not supported")
	}

	var req request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return request{}, newError(codeParseError, "Parse error")
	}
	if req.JSONRPC != jsonRPCVersion || req.Method == "" {
		return req, newError(codeInvalidRequest, "Invalid Request")
	}
	return req, nil
}

func decodeParams(raw json.RawMessage, v any) *rpcError {
	if len(raw) == 0 || bytes.Equal(raw, nullID) {
		return invalidParams("params are required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalidParams(err.Error())
	}
	return nil
}
