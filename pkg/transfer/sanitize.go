package transfer

import (
	"fmt"
	"strings"
)

// sanitize redacts credential material from a debug line before it reaches
// any sink. Authorization and authenticate header values are reduced to the
// mechanism name plus a length, as are "Proxy auth using ..." engine info
// lines.
func sanitize(msg string) string {
	lower := strings.ToLower(msg)

	if strings.Contains(lower, "authorization: ") || strings.Contains(lower, "authenticate: ") {
		first := strings.Index(msg, " ")
		if first != -1 {
			second := strings.Index(msg[first+1:], " ")
			if second != -1 {
				cut := first + 1 + second
				return fmt.Sprintf("%s redacted len(%d)", msg[:cut], len(msg[cut:]))
			}
		}
		return msg
	}

	if strings.HasPrefix(lower, "proxy auth using") {
		rest := strings.Index(msg[len("proxy auth using "):], " ")
		if rest != -1 {
			cut := len("proxy auth using ") + rest
			return fmt.Sprintf("%s redacted len(%d)", msg[:cut], len(msg[cut:]))
		}
	}

	return msg
}
