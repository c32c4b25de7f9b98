package api

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-resty/resty/v2"

	"github.com/datainfrapilot/datainfrapilot/pkg/apierr"
)

// healthCheckClient fetches a target URL and reports its status code; the
// UI uses it to probe a deployment's ingress before linking to it.
type healthCheckClient interface {
	Get(ctx context.Context, targetURL string) (statusCode int, err error)
}

type restyHealthCheckClient struct {
	client *resty.Client
}

func newRestyHealthCheckClient() *restyHealthCheckClient {
	c := resty.New().
		SetTimeout(5 * time.Second).
		SetRetryCount(0)
	return &restyHealthCheckClient{client: c}
}

func (h *restyHealthCheckClient) Get(ctx context.Context, targetURL string) (int, error) {
	resp, err := h.client.R().SetContext(ctx).Get(targetURL)
	if err != nil {
		return 0, err
	}
	return resp.StatusCode(), nil
}

// proxyHealthCheck fetches target_url and returns its HTTP status, so the
// UI can show an endpoint as up/down without a CORS-restricted browser
// fetch. Only http/https targets are allowed, and the target must not
// resolve to a loopback, link-local or private address, closing off this endpoint
// as an SSRF pivot into the control plane's own network.
func (s *Server) proxyHealthCheck(c *gin.Context) {
	raw := c.Query("target_url")
	if raw == "" {
		respondError(c, apierr.Validation("target_url is required"))
		return
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		respondError(c, apierr.Validation("target_url must be an absolute http(s) URL"))
		return
	}
	if err := rejectPrivateHost(u.Hostname()); err != nil {
		respondError(c, apierr.Validation("%v", err))
		return
	}

	status, err := s.healthCheck.Get(c.Request.Context(), raw)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"status": 0, "reachable": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "reachable": true})
}

func rejectPrivateHost(host string) error {
	ips, err := net.LookupIP(host)
	if err != nil {
		return err
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsPrivate() {
			return apierr.Validation("target_url resolves to a disallowed address")
		}
	}
	return nil
}
