package engine

import "fmt"

// Code is an engine result code. The values mirror the classic transfer
// engine numbering so logs stay comparable across deployments.
type Code int

const (
	CodeOK                  Code = 0
	CodeUnsupportedProtocol Code = 1
	CodeURLMalformed        Code = 3
	CodeNotBuiltIn          Code = 4
	CodeCouldntResolveProxy Code = 5
	CodeCouldntResolveHost  Code = 6
	CodeCouldntConnect      Code = 7
	CodeWeirdServerReply    Code = 8
	CodeWriteError          Code = 23
	CodeReadError           Code = 26
	CodeOperationTimedOut   Code = 28
	CodeSSLConnectError     Code = 35
	CodeAbortedByCallback   Code = 42
	CodeRecvError           Code = 56
	CodeSendFailRewind      Code = 65
)

var codeNames = map[Code]string{
	CodeOK:                  "ok",
	CodeUnsupportedProtocol: "unsupported protocol",
	CodeURLMalformed:        "url malformed",
	CodeNotBuiltIn:          "feature not built-in",
	CodeCouldntResolveProxy: "could not resolve proxy",
	CodeCouldntResolveHost:  "could not resolve host",
	CodeCouldntConnect:      "could not connect",
	CodeWeirdServerReply:    "weird server reply",
	CodeWriteError:          "write error",
	CodeReadError:           "read error",
	CodeOperationTimedOut:   "operation timed out",
	CodeSSLConnectError:     "ssl connect error",
	CodeAbortedByCallback:   "aborted by callback",
	CodeRecvError:           "recv error",
	CodeSendFailRewind:      "send failed, rewind not supported",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("engine error %d", int(c))
}

// HTTPStatus maps transfer-level failures to the gateway-style HTTP status
// a forward proxy should answer the client with. It returns 0 for codes
// with no fixed mapping.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeURLMalformed:
		return 400
	case CodeUnsupportedProtocol, CodeNotBuiltIn:
		return 501
	case CodeCouldntResolveProxy, CodeCouldntResolveHost, CodeCouldntConnect:
		return 502
	case CodeOperationTimedOut:
		return 504
	default:
		return 0
	}
}

// Result is the terminal status of one transfer.
type Result struct {
	Code    Code
	Message string
}

// OK reports whether the transfer completed successfully.
func (r Result) OK() bool {
	return r.Code == CodeOK
}

func (r Result) String() string {
	if r.Message == "" {
		return r.Code.String()
	}
	return fmt.Sprintf("%s; %s", r.Code, r.Message)
}
