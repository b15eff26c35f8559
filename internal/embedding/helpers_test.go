package embedding

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

// newLocalHTTPServer starts an httptest server bound explicitly to
// 127.0.0.1, so tests exercising the ollama backend's localhost-only check
// see a host it accepts regardless of how the test machine resolves
// "localhost".
func newLocalHTTPServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping: cannot bind local test listener: %v", err)
	}

	srv := httptest.NewUnstartedServer(handler)
	srv.Listener = ln
	srv.Start()
	return srv
}
