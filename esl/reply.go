package esl

import "strings"

// CommandReply is the synchronous reply to a command/reply frame.
type CommandReply struct {
	Success   bool
	ReplyText string
	Headers   map[string]string
}

func newCommandReply(f *Frame) *CommandReply {
	reply := f.Headers[HeaderReplyText]
	return &CommandReply{
		Success:   strings.HasPrefix(reply, "+OK"),
		ReplyText: reply,
		Headers:   f.Headers,
	}
}

// Header percent-decodes a header from the reply frame.
func (c *CommandReply) Header(name string) string {
	return percentDecode(c.Headers[name])
}

// asError turns a failed CommandReply into a CommandError, or nil.
func (c *CommandReply) asError() error {
	if c.Success {
		return nil
	}
	return &CommandError{ReplyText: c.ReplyText}
}

// ApiResponse is the synchronous reply to an api/response frame. The
// body is the invoked command's stdout.
type ApiResponse struct {
	BodyText string
	Success  bool
}

func newAPIResponse(f *Frame) *ApiResponse {
	body := string(f.Body)
	return &ApiResponse{
		BodyText: body,
		Success:  !isDashErr(body),
	}
}

func (a *ApiResponse) asError() error {
	if a.Success {
		return nil
	}
	return &CommandError{ReplyText: a.BodyText}
}

// BackgroundJobResult is delivered asynchronously once the BACKGROUND_JOB
// event matching a bg_api call's Job-UUID arrives.
type BackgroundJobResult struct {
	JobUUID  string
	Success  bool
	BodyText string
}

func newBackgroundJobResult(jobUUID string, ev *EventMessage) *BackgroundJobResult {
	body := string(ev.Body())
	return &BackgroundJobResult{
		JobUUID:  jobUUID,
		Success:  !isDashErr(body),
		BodyText: body,
	}
}
