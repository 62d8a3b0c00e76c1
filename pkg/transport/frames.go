package transport

const (
	actionSendMessage = "sendMessage"
	actionHeartbeat   = "heartbeat"
)

type outboundMessage struct {
	Action  string `json:"action"`
	Message string `json:"message"`
}

type outboundHeartbeat struct {
	Action string `json:"action"`
	SentAt int64  `json:"sent_at,omitempty"`
}
