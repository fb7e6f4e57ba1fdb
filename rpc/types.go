package rpc

import "encoding/json"

// Type identifies a control operation.
type Type string

const (
	TypePing          Type = "PING"
	TypeGetStatus     Type = "GET_STATUS"
	TypeRunCase       Type = "RUN_CASE"
	TypeResetRisk     Type = "RESET_RISK"
	TypeSetThresholds Type = "SET_THRESHOLDS"
	TypeGetThresholds Type = "GET_THRESHOLDS"
	TypeGetRisk       Type = "GET_RISK"
	TypeDisconnect    Type = "DISCONNECT"
	TypeReconnect     Type = "RECONNECT"
	TypePause         Type = "PAUSE"
	TypeShutdown      Type = "SHUTDOWN"
)

// Request is a client->server message. RequestID is unique per in-flight
// call and is echoed back in the matching Response.
type Request struct {
	RequestID string          `json:"request_id"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TimeoutMS int64           `json:"timeout_ms,omitempty"`
}

// Response is a server->client message. Exactly one is sent per Request.
type Response struct {
	RequestID string          `json:"request_id"`
	OK        bool            `json:"ok"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type PingData struct {
	Alive bool `json:"alive"`
}

type RunCasePayload struct {
	CaseID string `json:"case_id"`
}

type RunCaseData struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// ThresholdsPayload carries risk threshold updates. Nil fields are left
// unchanged.
type ThresholdsPayload struct {
	MaxOrderCount  *int `json:"max_order_count,omitempty"`
	MaxCancelCount *int `json:"max_cancel_count,omitempty"`
	MaxRepeatCount *int `json:"max_repeat_count,omitempty"`
}

// OK builds a success Response, marshaling data into the Data field.
func OK(requestID string, data any) Response {
	resp := Response{RequestID: requestID, OK: true}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Fail(requestID, "encoding response data: "+err.Error())
		}
		resp.Data = b
	}
	return resp
}

// Fail builds an error Response.
func Fail(requestID string, errMsg string) Response {
	return Response{RequestID: requestID, OK: false, Error: errMsg}
}
