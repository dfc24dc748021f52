// Package content defines typed bodies for common Jupyter message types.
//
// Message content is an open JSON object whose shape depends on msg_type.
// The structs here cover the requests this library sends and the replies and
// iopub events it interprets. Unknown fields are ignored on decode; use
// messages.Message.Content directly for anything not modelled here.
//
// # Reference
//
// https://jupyter-client.readthedocs.io/en/stable/messaging.html#messages-on-the-shell-router-dealer-channel
package content

// Reply status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
	StatusAbort = "abort"
)

// Kernel execution states reported on iopub.
const (
	StateBusy     = "busy"
	StateIdle     = "idle"
	StateStarting = "starting"
)

// Stream names.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// MimeBundle maps MIME types to representations.
type MimeBundle map[string]any

// Text returns the text/plain representation, if any.
func (b MimeBundle) Text() string {
	switch v := b["text/plain"].(type) {
	case string:
		return v
	case []any:
		var s string
		for _, line := range v {
			if str, ok := line.(string); ok {
				s += str
			}
		}
		return s
	default:
		return ""
	}
}

// KernelInfoRequest is empty.
type KernelInfoRequest struct{}

// LanguageInfo describes the kernel language.
type LanguageInfo struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	MimeType          string `json:"mimetype,omitempty"`
	FileExtension     string `json:"file_extension,omitempty"`
	PygmentsLexer     string `json:"pygments_lexer,omitempty"`
	NBConvertExporter string `json:"nbconvert_exporter,omitempty"`
}

// HelpLink is one entry of kernel_info_reply help_links.
type HelpLink struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// KernelInfoReply is the body of kernel_info_reply.
type KernelInfoReply struct {
	Status                string       `json:"status"`
	ProtocolVersion       string       `json:"protocol_version"`
	Implementation        string       `json:"implementation"`
	ImplementationVersion string       `json:"implementation_version"`
	LanguageInfo          LanguageInfo `json:"language_info"`
	Banner                string       `json:"banner"`
	Debugger              bool         `json:"debugger,omitempty"`
	HelpLinks             []HelpLink   `json:"help_links,omitempty"`
}

// ExecuteRequest is the body of execute_request.
type ExecuteRequest struct {
	Code            string            `json:"code"`
	Silent          bool              `json:"silent"`
	StoreHistory    bool              `json:"store_history"`
	UserExpressions map[string]string `json:"user_expressions"`
	AllowStdin      bool              `json:"allow_stdin"`
	StopOnError     bool              `json:"stop_on_error"`
}

// NewExecuteRequest returns a request with the defaults notebook frontends use.
func NewExecuteRequest(code string) ExecuteRequest {
	return ExecuteRequest{
		Code:            code,
		StoreHistory:    true,
		UserExpressions: map[string]string{},
		AllowStdin:      false,
		StopOnError:     true,
	}
}

// ExecuteReply is the body of execute_reply.
type ExecuteReply struct {
	Status         string   `json:"status"`
	ExecutionCount int      `json:"execution_count"`
	EName          string   `json:"ename,omitempty"`
	EValue         string   `json:"evalue,omitempty"`
	Traceback      []string `json:"traceback,omitempty"`
}

// ExecuteInput is broadcast on iopub when code starts running.
type ExecuteInput struct {
	Code           string `json:"code"`
	ExecutionCount int    `json:"execution_count"`
}

// ExecuteResult is the body of execute_result.
type ExecuteResult struct {
	ExecutionCount int            `json:"execution_count"`
	Data           MimeBundle     `json:"data"`
	Metadata       map[string]any `json:"metadata"`
}

// DisplayData is the body of display_data and update_display_data.
type DisplayData struct {
	Data      MimeBundle     `json:"data"`
	Metadata  map[string]any `json:"metadata"`
	Transient map[string]any `json:"transient,omitempty"`
}

// Stream is the body of stream.
type Stream struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// Error is the body of error, and the error fields of error replies.
type Error struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

// Status is the body of status.
type Status struct {
	ExecutionState string `json:"execution_state"`
}

// ClearOutput is the body of clear_output.
type ClearOutput struct {
	Wait bool `json:"wait"`
}

// InputRequest is sent by the kernel on stdin to ask for user input.
type InputRequest struct {
	Prompt   string `json:"prompt"`
	Password bool   `json:"password"`
}

// InputReply answers an InputRequest.
type InputReply struct {
	Value string `json:"value"`
}

// ShutdownRequest is the body of shutdown_request.
type ShutdownRequest struct {
	Restart bool `json:"restart"`
}

// ShutdownReply is the body of shutdown_reply.
type ShutdownReply struct {
	Status  string `json:"status"`
	Restart bool   `json:"restart"`
}

// InterruptReply is the body of interrupt_reply.
type InterruptReply struct {
	Status string `json:"status"`
}

// CompleteRequest is the body of complete_request.
type CompleteRequest struct {
	Code      string `json:"code"`
	CursorPos int    `json:"cursor_pos"`
}

// CompleteReply is the body of complete_reply.
type CompleteReply struct {
	Status      string         `json:"status"`
	Matches     []string       `json:"matches"`
	CursorStart int            `json:"cursor_start"`
	CursorEnd   int            `json:"cursor_end"`
	Metadata    map[string]any `json:"metadata"`
}

// InspectRequest is the body of inspect_request.
type InspectRequest struct {
	Code        string `json:"code"`
	CursorPos   int    `json:"cursor_pos"`
	DetailLevel int    `json:"detail_level"`
}

// InspectReply is the body of inspect_reply.
type InspectReply struct {
	Status   string         `json:"status"`
	Found    bool           `json:"found"`
	Data     MimeBundle     `json:"data"`
	Metadata map[string]any `json:"metadata"`
}

// IsCompleteRequest is the body of is_complete_request.
type IsCompleteRequest struct {
	Code string `json:"code"`
}

// IsCompleteReply is the body of is_complete_reply.
type IsCompleteReply struct {
	Status string `json:"status"`
	Indent string `json:"indent,omitempty"`
}
