package wsgateway

import (
	"net/http"
	"strings"
)

// Token sources, in extraction order.
const (
	SourceQuery       = "query"
	SourceSubprotocol = "subprotocol"
	SourceHeader      = "authorization"
	SourceCustom      = "custom_header"
)

var (
	queryParams         = []string{"token", "access_token"}
	subprotocolPrefixes = []string{"bearer.", "access_token."}
	customTokenHeaders  = []string{"X-Auth-Token", "X-Access-Token"}
)

// extracted is a token found on the handshake request.
type extracted struct {
	token  string
	source string
	// subprotocol is echoed back so browsers accept the upgrade.
	subprotocol string
}

// extractToken returns the first token found; the zero value means none.
func extractToken(r *http.Request) extracted {
	q := r.URL.Query()
	for _, name := range queryParams {
		if v := strings.TrimSpace(q.Get(name)); v != "" {
			return extracted{token: v, source: SourceQuery}
		}
	}

	for _, proto := range requestedSubprotocols(r) {
		for _, prefix := range subprotocolPrefixes {
			if len(proto) > len(prefix) && strings.EqualFold(proto[:len(prefix)], prefix) {
				return extracted{token: proto[len(prefix):], source: SourceSubprotocol, subprotocol: proto}
			}
		}
	}

	if v := r.Header.Get("Authorization"); len(v) > len("bearer ") && strings.EqualFold(v[:len("bearer ")], "bearer ") {
		if tok := strings.TrimSpace(v[len("bearer "):]); tok != "" {
			return extracted{token: tok, source: SourceHeader}
		}
	}

	for _, h := range customTokenHeaders {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			return extracted{token: v, source: SourceCustom}
		}
	}
	return extracted{}
}

func requestedSubprotocols(r *http.Request) []string {
	var out []string
	for _, line := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(line, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
