package attach

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/grafana/jvmsyms/pkg/internal/attacherr"
)

const (
	openJ9Ack   = "ATTACH_ACK"
	openJ9Error = "ATTACH_ERR"
	returnCode  = "return code:"
)

// Response of the attach listener.
type Response struct {
	// Code returned by the attach listener. Zero means the command was executed.
	Code int
	// AgentCode is the return value of the agent initialization, for load commands.
	AgentCode int
	// Output of the command, without the return codes.
	Output string
}

// parseResponse interprets the reply of a command. HotSpot replies with the listener
// return code in the first line, followed by the command output. For load commands the
// output starts with the return code of the agent.
func parseResponse(command string, data []byte) (Response, error) {
	text := strings.TrimRight(string(data), "\x00")
	if strings.TrimSpace(text) == "" {
		return Response{}, errors.Wrap(attacherr.ErrIO, "empty response from the JVM")
	}
	if strings.HasPrefix(text, openJ9Error) {
		return Response{Code: 1, Output: text}, errors.Wrapf(attacherr.ErrInjectionRejected, "%s", strings.TrimSpace(text))
	}
	if strings.HasPrefix(text, openJ9Ack) || strings.HasPrefix(text, "ATTACH_RESULT") {
		return Response{Output: text}, nil
	}

	head := firstLine(text)
	code, err := strconv.Atoi(strings.TrimSpace(head))
	if err != nil {
		return Response{}, errors.Wrapf(attacherr.ErrIO, "unexpected response from the JVM: %q", head)
	}
	resp := Response{Code: code}
	rest := strings.TrimPrefix(text[len(head):], "\n")
	if code != 0 {
		resp.Output = rest
		return resp, errors.Wrapf(attacherr.ErrInjectionRejected, "attach listener returned %d: %s", code, firstLine(rest))
	}
	if command == "load" {
		agentLine := firstLine(rest)
		agentCode, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(agentLine, returnCode)))
		if err != nil {
			return resp, errors.Wrapf(attacherr.ErrIO, "unexpected agent response: %q", agentLine)
		}
		resp.AgentCode = agentCode
		resp.Output = strings.TrimPrefix(rest[len(agentLine):], "\n")
		if agentCode != 0 {
			return resp, errors.Wrapf(attacherr.ErrInjectionRejected, "agent initialization returned %d", agentCode)
		}
		return resp, nil
	}
	resp.Output = rest
	return resp, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
