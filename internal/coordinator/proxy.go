package coordinator

import (
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ashrun/ash/internal/auth"
	"github.com/ashrun/ash/pkg/types"
)

// hop-by-hop headers are not forwarded in either direction.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Proxy forwards the current request to the runner verbatim, streaming
// the response back byte-for-byte with a flush after every chunk so SSE
// frames reach the caller as they happen. The caller's context cancels
// the upstream request, which is how client disconnects propagate into a
// proxied turn.
func (co *Coordinator) Proxy(c echo.Context, runner *types.Runner) error {
	req := c.Request()
	target := fmt.Sprintf("http://%s:%d%s", runner.Host, runner.Port, req.URL.RequestURI())

	upstream, err := http.NewRequestWithContext(req.Context(), req.Method, target, req.Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "runner request build failed")
	}
	copyHeaders(upstream.Header, req.Header)
	upstream.Header.Set("X-Internal-Secret", co.cfg.InternalSecret)
	upstream.Header.Set(auth.TenantHeader, auth.Tenant(c))
	upstream.ContentLength = req.ContentLength

	resp, err := co.client.Do(upstream)
	if err != nil {
		if req.Context().Err() != nil {
			// Caller went away mid-stream; nothing left to answer.
			return nil
		}
		co.log.Warn().Str("runner_id", runner.ID).Err(err).Msg("runner proxy failed")
		return echo.NewHTTPError(http.StatusBadGateway, "runner unavailable")
	}
	defer resp.Body.Close()

	w := c.Response()
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.Writer.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return nil
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			if rerr != io.EOF && req.Context().Err() == nil {
				co.log.Debug().Str("runner_id", runner.ID).Err(rerr).Msg("proxied stream ended early")
			}
			return nil
		}
	}
}

func copyHeaders(dst, src http.Header) {
	for k, vals := range src {
		if isHopHeader(k) {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if http.CanonicalHeaderKey(name) == h {
			return true
		}
	}
	return false
}
