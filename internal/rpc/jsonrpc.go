// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"hubgate/internal/control"
	"hubgate/internal/device"
	"hubgate/internal/push"
)

// Maximum accepted request body
const maxBodySize = 1 << 20

// Request is a JSON-RPC 1.0 request envelope. TimeoutMS only applies to
// control calls.
type Request struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	ID        json.RawMessage `json:"id,omitempty"`
	TimeoutMS *int64          `json:"timeout_ms,omitempty"`
}

// Response is a JSON-RPC 1.0 response envelope
type Response struct {
	Result interface{}     `json:"result"`
	Error  *Error          `json:"error"`
	ID     json.RawMessage `json:"id"`
}

// Error is the error object of a failed call
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// errorFor converts a service error into its wire form
func errorFor(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	code := control.ErrorCode(err)
	switch {
	case errors.Is(err, push.ErrInvalidTarget), errors.Is(err, push.ErrTargetNotFound):
		code = control.CodeInvalidParams
	case errors.Is(err, ErrPushDisabled):
		code = control.CodeInvalidRequest
	}
	return &Error{Code: code, Message: err.Error()}
}

func invalidParams(format string, args ...interface{}) *Error {
	return &Error{Code: control.CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

func methodNotFound(method string) *Error {
	return &Error{Code: control.CodeMethodNotFound, Message: fmt.Sprintf("method %q not found", method)}
}

// decodeRequest reads the envelope, answering the client itself on failure
func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (*Request, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.reply(w, nil, nil, &Error{Code: control.CodeParseError, Message: err.Error()})
		return nil, false
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.reply(w, nil, nil, &Error{Code: control.CodeParseError, Message: "invalid JSON"})
		return nil, false
	}
	if req.Method == "" {
		s.reply(w, req.ID, nil, &Error{Code: control.CodeInvalidRequest, Message: "method is required"})
		return nil, false
	}
	return &req, true
}

func (s *Server) reply(w http.ResponseWriter, id json.RawMessage, result interface{}, err error) {
	resp := Response{ID: id}
	if err != nil {
		resp.Error = errorFor(err)
	} else {
		resp.Result = result
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// decodeParams unmarshals params into v, treating missing params as empty
func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return invalidParams("invalid params: %v", err)
	}
	return nil
}

func pathID(r *http.Request) (device.ID, error) {
	id, err := device.ParseID(mux.Vars(r)["id"])
	if err != nil {
		return 0, invalidParams("%v", err)
	}
	return id, nil
}

// POST /jsonrpc/v1.0/device
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	switch req.Method {
	case "list":
		s.reply(w, req.ID, s.control.ListDevices(), nil)
	case "get":
		var params struct {
			ID device.ID `json:"id"`
		}
		if err := decodeParams(req.Params, &params); err != nil {
			s.reply(w, req.ID, nil, err)
			return
		}
		if params.ID == 0 {
			s.reply(w, req.ID, nil, invalidParams("id is required"))
			return
		}
		dev, err := s.control.GetDevice(params.ID)
		s.reply(w, req.ID, dev, err)
	default:
		s.reply(w, req.ID, nil, methodNotFound(req.Method))
	}
}

// POST /jsonrpc/v1.0/device/{id}
func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	id, err := pathID(r)
	if err != nil {
		s.reply(w, req.ID, nil, err)
		return
	}

	switch req.Method {
	case "get":
		dev, err := s.control.GetDevice(id)
		s.reply(w, req.ID, dev, err)
	case "update":
		var params struct {
			Name     string `json:"name"`
			Position string `json:"position"`
		}
		if err := decodeParams(req.Params, &params); err != nil {
			s.reply(w, req.ID, nil, err)
			return
		}
		dev, err := s.control.UpdateDevice(id, params.Name, params.Position)
		s.reply(w, req.ID, dev, err)
	case "remove":
		if err := s.control.RemoveDevice(id); err != nil {
			s.reply(w, req.ID, nil, err)
			return
		}
		s.reply(w, req.ID, map[string]interface{}{"id": id, "removed": true}, nil)
	default:
		s.reply(w, req.ID, nil, methodNotFound(req.Method))
	}
}

// POST /jsonrpc/v1.0/control/{id}: the method names the device operation
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	id, err := pathID(r)
	if err != nil {
		s.reply(w, req.ID, nil, err)
		return
	}

	timeout := s.control.DefaultTimeout()
	if req.TimeoutMS != nil {
		timeout = time.Duration(*req.TimeoutMS) * time.Millisecond
	}

	payload, err := s.control.Invoke(r.Context(), id, req.Method, req.Params, timeout)
	if err != nil {
		s.reply(w, req.ID, nil, err)
		return
	}
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	s.reply(w, req.ID, payload, nil)
}

// POST /jsonrpc/v1.0/push
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	if s.targets == nil {
		s.reply(w, req.ID, nil, ErrPushDisabled)
		return
	}

	switch req.Method {
	case "register":
		var target push.Target
		if err := decodeParams(req.Params, &target); err != nil {
			s.reply(w, req.ID, nil, err)
			return
		}
		saved, err := s.targets.Register(target)
		if err != nil {
			s.reply(w, req.ID, nil, err)
			return
		}
		s.logger.Info().
			Str("client_id", saved.ClientID).
			Str("platform", saved.Platform).
			Msg("Push target registered")
		s.reply(w, req.ID, saved, nil)
	case "unregister":
		var params struct {
			ClientID string `json:"client_id"`
		}
		if err := decodeParams(req.Params, &params); err != nil {
			s.reply(w, req.ID, nil, err)
			return
		}
		if err := s.targets.Unregister(params.ClientID); err != nil {
			s.reply(w, req.ID, nil, err)
			return
		}
		s.reply(w, req.ID, map[string]interface{}{"client_id": params.ClientID, "removed": true}, nil)
	case "list":
		targets, err := s.targets.List()
		s.reply(w, req.ID, targets, err)
	default:
		s.reply(w, req.ID, nil, methodNotFound(req.Method))
	}
}
