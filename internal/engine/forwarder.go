package engine

import "net/http"

// hopByHopHeaders must never be copied to the upstream request or back
// to the client response, grounded on internal/proxy/forwarder.go.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// copyRequestHeaders copies src into dst, skipping hop-by-hop headers
// and Host, Authorization, Content-Length — those three are stripped
// unconditionally by the engine per spec.md §4.3 before it adds its own
// credential and host.
func copyRequestHeaders(dst, src http.Header) {
	for name, values := range src {
		if hopByHopHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		switch http.CanonicalHeaderKey(name) {
		case "Host", "Authorization", "Content-Length":
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// copyResponseHeaders copies src into dst, skipping hop-by-hop headers
// (transfer-encoding and connection specifically, per spec.md §4.10
// phase 5).
func copyResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		if hopByHopHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
