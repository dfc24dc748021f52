package messages

import "github.com/smnsjas/go-jupytercore/content"

// NewKernelInfoRequest creates a kernel_info_request on shell.
func NewKernelInfoRequest(session string) (*Message, error) {
	return New(ChannelShell, TypeKernelInfoRequest, session, content.KernelInfoRequest{})
}

// NewExecuteRequest creates an execute_request on shell.
func NewExecuteRequest(session string, req content.ExecuteRequest) (*Message, error) {
	return New(ChannelShell, TypeExecuteRequest, session, req)
}

// NewInterruptRequest creates an interrupt_request on control.
// Only kernels whose spec declares interrupt_mode "message" honour it.
func NewInterruptRequest(session string) (*Message, error) {
	return New(ChannelControl, TypeInterruptRequest, session, nil)
}

// NewShutdownRequest creates a shutdown_request on control.
func NewShutdownRequest(session string, restart bool) (*Message, error) {
	return New(ChannelControl, TypeShutdownRequest, session, content.ShutdownRequest{Restart: restart})
}

// NewCompleteRequest creates a complete_request on shell.
func NewCompleteRequest(session, code string, cursorPos int) (*Message, error) {
	return New(ChannelShell, TypeCompleteRequest, session, content.CompleteRequest{Code: code, CursorPos: cursorPos})
}

// NewInspectRequest creates an inspect_request on shell.
func NewInspectRequest(session, code string, cursorPos, detailLevel int) (*Message, error) {
	return New(ChannelShell, TypeInspectRequest, session, content.InspectRequest{
		Code:        code,
		CursorPos:   cursorPos,
		DetailLevel: detailLevel,
	})
}

// NewIsCompleteRequest creates an is_complete_request on shell.
func NewIsCompleteRequest(session, code string) (*Message, error) {
	return New(ChannelShell, TypeIsCompleteRequest, session, content.IsCompleteRequest{Code: code})
}

// NewInputReply answers an input_request on stdin.
func NewInputReply(request *Message, value string) (*Message, error) {
	return NewReply(request, ChannelStdin, TypeInputReply, content.InputReply{Value: value})
}
