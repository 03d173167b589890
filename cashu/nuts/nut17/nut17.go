// Package nut17 contains structs as defined in [NUT-17]
//
// [NUT-17]: https://github.com/cashubtc/nuts/blob/main/17.md
package nut17

import (
	"encoding/json"
	"errors"

	"github.com/elnosh/multinuts/cashu/nuts/nut05"
)

type SubscriptionKind int

const (
	Bolt11MeltQuote SubscriptionKind = iota
	ProofState
	Unknown
)

const (
	JSONRPC_2   = "2.0"
	OK          = "OK"
	SUBSCRIBE   = "subscribe"
	UNSUBSCRIBE = "unsubscribe"
)

var kindNames = map[SubscriptionKind]string{
	Bolt11MeltQuote: "bolt11_melt_quote",
	ProofState:      "proof_state",
}

func (kind SubscriptionKind) String() string {
	if name, ok := kindNames[kind]; ok {
		return name
	}
	return "unknown"
}

func StringToKind(kind string) SubscriptionKind {
	for k, name := range kindNames {
		if name == kind {
			return k
		}
	}
	return Unknown
}

var ErrUnknownMessage = errors.New("unknown websocket message")

type WsRequest struct {
	JsonRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  RequestParams `json:"params"`
	Id      int           `json:"id"`
}

type RequestParams struct {
	Kind    string   `json:"kind"`
	SubId   string   `json:"subId"`
	Filters []string `json:"filters"`
}

func NewSubscribeRequest(id int, kind SubscriptionKind, subId string, filters []string) WsRequest {
	return WsRequest{
		JsonRPC: JSONRPC_2,
		Method:  SUBSCRIBE,
		Params:  RequestParams{Kind: kind.String(), SubId: subId, Filters: filters},
		Id:      id,
	}
}

func NewUnsubscribeRequest(id int, subId string) WsRequest {
	return WsRequest{
		JsonRPC: JSONRPC_2,
		Method:  UNSUBSCRIBE,
		Params:  RequestParams{SubId: subId},
		Id:      id,
	}
}

type WsResponse struct {
	JsonRPC string `json:"jsonrpc"`
	Result  Result `json:"result"`
	Id      int    `json:"id"`
}

type Result struct {
	Status string `json:"status"`
	SubId  string `json:"subId"`
}

// NewOKResponse acknowledges the request with the id.
func NewOKResponse(id int, subId string) WsResponse {
	return WsResponse{
		JsonRPC: JSONRPC_2,
		Result:  Result{Status: OK, SubId: subId},
		Id:      id,
	}
}

type WsNotification struct {
	JsonRPC string             `json:"jsonrpc"`
	Method  string             `json:"method"`
	Params  NotificationParams `json:"params"`
}

type NotificationParams struct {
	SubId   string          `json:"subId"`
	Payload json.RawMessage `json:"payload"`
}

func NewNotification(subId string, payload json.RawMessage) WsNotification {
	return WsNotification{
		JsonRPC: JSONRPC_2,
		Method:  SUBSCRIBE,
		Params:  NotificationParams{SubId: subId, Payload: payload},
	}
}

// MeltQuote decodes the payload of a bolt11_melt_quote notification.
func (n WsNotification) MeltQuote() (nut05.PostMeltQuoteBolt11Response, error) {
	var quote nut05.PostMeltQuoteBolt11Response
	if err := json.Unmarshal(n.Params.Payload, &quote); err != nil {
		return nut05.PostMeltQuoteBolt11Response{}, err
	}
	if quote.Quote == "" {
		return nut05.PostMeltQuoteBolt11Response{}, errors.New("notification has no melt quote")
	}
	return quote, nil
}

type WsError struct {
	JsonRPC     string        `json:"jsonrpc"`
	ErrResponse ErrorResponse `json:"error"`
	Id          int           `json:"id"`
}

func NewWsError(code int, message string, id int) WsError {
	return WsError{
		JsonRPC:     JSONRPC_2,
		ErrResponse: ErrorResponse{Code: code, Message: message},
		Id:          id,
	}
}

func (e WsError) Error() string {
	return e.ErrResponse.Message
}

type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ParseMessage decodes a message sent by a mint. It returns
// a WsNotification, a WsResponse or a WsError.
func ParseMessage(data []byte) (any, error) {
	var msg struct {
		JsonRPC string              `json:"jsonrpc"`
		Method  string              `json:"method"`
		Params  *NotificationParams `json:"params"`
		Result  *Result             `json:"result"`
		Error   *ErrorResponse      `json:"error"`
		Id      int                 `json:"id"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}

	switch {
	case msg.Error != nil:
		return WsError{JsonRPC: msg.JsonRPC, ErrResponse: *msg.Error, Id: msg.Id}, nil
	case msg.Result != nil:
		return WsResponse{JsonRPC: msg.JsonRPC, Result: *msg.Result, Id: msg.Id}, nil
	case msg.Method == SUBSCRIBE && msg.Params != nil:
		return WsNotification{JsonRPC: msg.JsonRPC, Method: msg.Method, Params: *msg.Params}, nil
	}
	return nil, ErrUnknownMessage
}

type InfoSetting struct {
	Supported []SupportedMethod `json:"supported"`
}

type SupportedMethod struct {
	Method   string   `json:"method"`
	Unit     string   `json:"unit"`
	Commands []string `json:"commands"`
}
