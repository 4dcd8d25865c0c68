package model

// MsgType represents the WebSocket message type
type MsgType string

const (
	// Relay → Agent
	MsgTypeCommand MsgType = "command"

	// Agent → Relay
	MsgTypeScriptReady        MsgType = "scriptReady"
	MsgTypeCollectedImageURLs MsgType = "collectedImageUrls"
	MsgTypeError              MsgType = "error"
)

// Command is the structured relay → agent envelope.
// A bare string frame is accepted as a command too.
type Command struct {
	Type MsgType `json:"type"`
	Text string  `json:"text"`
}

// ScriptReady is sent on every successful (re)connect.
type ScriptReady struct {
	Type MsgType `json:"type"`
	URL  string  `json:"url"`
}

// CollectedImageURLs is the per-task result batch. URLs may be empty.
type CollectedImageURLs struct {
	Type MsgType  `json:"type"`
	URLs []string `json:"urls"`
}

// ErrorReport tells the relay the command could not be executed.
type ErrorReport struct {
	Type    MsgType `json:"type"`
	Message string  `json:"message"`
}

// NewScriptReady builds a scriptReady message.
func NewScriptReady(url string) ScriptReady {
	return ScriptReady{Type: MsgTypeScriptReady, URL: url}
}

// NewCollectedImageURLs builds a result batch; a nil slice is sent as [].
func NewCollectedImageURLs(urls []string) CollectedImageURLs {
	if urls == nil {
		urls = []string{}
	}
	return CollectedImageURLs{Type: MsgTypeCollectedImageURLs, URLs: urls}
}

// NewErrorReport builds an error message.
func NewErrorReport(message string) ErrorReport {
	return ErrorReport{Type: MsgTypeError, Message: message}
}
