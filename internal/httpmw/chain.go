package httpmw

import "net/http"

// Chain wraps h so mws[0] runs first. nil entries are skipped, which lets
// callers pass optional middleware inline.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}
