package daemon

import (
	"encoding/json"
	"log/slog"
)

// Message severities carried in a Response.
const (
	StatusInfo  = "INFO"
	StatusWarn  = "WARN"
	StatusError = "ERROR"
)

// Response is the JSON document the daemon writes back for every command.
type Response struct {
	Messages []ResponseMessage `json:"messages"`
	Data     any               `json:"data,omitempty"`
}

type ResponseMessage struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (r *Response) AddMessage(message string, status string) {
	r.Messages = append(r.Messages, ResponseMessage{
		Message: message,
		Status:  status,
	})
}

func (r *Response) AddData(data any) {
	r.Data = data
}

// HasErrors reports whether any message has ERROR status.
func (r *Response) HasErrors() bool {
	for _, m := range r.Messages {
		if m.Status == StatusError {
			return true
		}
	}
	return false
}

// DecodeData re-decodes the untyped Data field into v.
func (r *Response) DecodeData(v any) error {
	raw, err := json.Marshal(r.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func (r *Response) ToJSON() string {
	bytes, err := json.Marshal(r)
	if err != nil {
		fallback := Response{}
		fallback.AddMessage("failed to encode response: "+err.Error(), StatusError)
		bytes, _ = json.Marshal(fallback)
	}
	return string(bytes)
}

// LogMessages replays the messages through slog at their matching level.
func (r *Response) LogMessages() {
	for _, message := range r.Messages {
		switch message.Status {
		case StatusWarn:
			slog.Warn(message.Message)
		case StatusError:
			slog.Error(message.Message)
		default:
			slog.Info(message.Message)
		}
	}
}

func errorResponse(message string) Response {
	r := Response{}
	r.AddMessage(message, StatusError)
	return r
}
