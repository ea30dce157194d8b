// Require implements the composable access-control precondition checker
// supplemented from upagekite/web.py's access_requires/http_require
// decorator: methods, local-only, and basic/bearer auth checks a
// registered handler can opt into. There is no secure-transport check.
package reqbody

import (
	"encoding/base64"
	"strings"

	"github.com/pagekite/upk-go/internal/errs"
)

// Precondition is one composable access-control check.
type Precondition func(method string, headers map[string]string, remoteIP string) error

// Methods rejects any method not in allowed.
func Methods(allowed ...string) Precondition {
	return func(method string, _ map[string]string, _ string) error {
		for _, m := range allowed {
			if m == method {
				return nil
			}
		}
		return &errs.Permission{Code: 403, Msg: "method not allowed: " + method}
	}
}

// LocalOnly rejects any request whose remote IP is not loopback.
func LocalOnly() Precondition {
	return func(_ string, _ map[string]string, remoteIP string) error {
		if strings.HasPrefix(remoteIP, "127.") || remoteIP == "::1" || strings.HasPrefix(remoteIP, "::ffff:127.") {
			return nil
		}
		return &errs.Permission{Code: 403, Msg: "local access only"}
	}
}

// BasicAuth requires an `Authorization: Basic ...` header matching user/pass.
func BasicAuth(user, pass string) Precondition {
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
	return func(_ string, headers map[string]string, _ string) error {
		if headers["Authorization"] == want {
			return nil
		}
		return &errs.Permission{Code: 401, Msg: "basic auth required"}
	}
}

// BearerAuth requires an `Authorization: Bearer <token>` header.
func BearerAuth(token string) Precondition {
	want := "Bearer " + token
	return func(_ string, headers map[string]string, _ string) error {
		if headers["Authorization"] == want {
			return nil
		}
		return &errs.Permission{Code: 401, Msg: "bearer auth required"}
	}
}

// Require runs every precondition in order, returning the first failure.
func Require(method string, headers map[string]string, remoteIP string, preconditions ...Precondition) error {
	for _, p := range preconditions {
		if err := p(method, headers, remoteIP); err != nil {
			return err
		}
	}
	return nil
}
