package wsbridge

import "encoding/json"

// wireMessage is the bridge frame. Requests carry type "req" with an id the
// bridge echoes back in its "res" frame. Frames of type "event" are ignored.
type wireMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const methodActuate = "actuate"

type actuateParams struct {
	Channel string `json:"channel,omitempty"`
	Command string `json:"command"`
}

type actuatePayload struct {
	Detail string `json:"detail,omitempty"`
}
