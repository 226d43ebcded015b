package cachectl

import (
	"io"
	"net/http"
)

// Transport routes an http.Client through the controller. A request that is
// neither cached nor reachable fails with ErrOffline.
type Transport struct {
	Controller *Controller
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.Controller.Fetch(req.Context(), req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, ErrOffline
	}
	return resp, nil
}

// Handler exposes the controller to other processes: GET /fetch?url=... is
// answered from the cache policy, 504 when offline with nothing cached.
func (c *Controller) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		target := r.URL.Query().Get("url")
		if target == "" {
			http.Error(w, "url query parameter is required", http.StatusBadRequest)
			return
		}
		req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
		if err != nil {
			http.Error(w, "invalid url", http.StatusBadRequest)
			return
		}
		resp, err := c.Fetch(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		if resp == nil {
			http.Error(w, ErrOffline.Error(), http.StatusGatewayTimeout)
			return
		}
		defer resp.Body.Close()
		for key, values := range resp.Header {
			for _, value := range values {
				w.Header().Add(key, value)
			}
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	})
}
