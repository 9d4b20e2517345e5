package community

import (
	"github.com/klipach/community/contract"
	"github.com/klipach/community/view"
)

// Frame is one message pushed to a client, over SSE or a websocket.
type Frame struct {
	Session string                   `json:"session,omitempty"`
	View    *view.View               `json:"view,omitempty"`
	Result  *contract.ActionResponse `json:"result,omitempty"`
}
