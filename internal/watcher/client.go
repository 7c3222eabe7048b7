package watcher

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	"golang.org/x/net/publicsuffix"
)

const (
	DefaultHTTPTimeout = 30 * time.Second

	reportPage     = "/realtime_report.php"
	reportAjax     = "/AST_timeonVDADall.php"
	userStatusPage = "/user_status.php"
	userAgent      = "Mozilla/5.0 (X11; Linux x86_64) autologout"
)

// StatusError is a non-200 answer from the call-center system.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.URL, e.StatusCode)
}

// ClientConfig configures the call-center client.
type ClientConfig struct {
	BaseURL            string
	Username           string
	Password           string
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// Client talks to the realtime report and user status pages. It keeps a
// cookie jar so the session established by the report page is reused.
type Client struct {
	base string
	http *req.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHTTPTimeout
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	c := req.C().
		SetUserAgent(userAgent).
		SetTimeout(cfg.Timeout).
		SetCookieJar(jar).
		SetCommonBasicAuth(cfg.Username, cfg.Password).
		SetTLSClientConfig(&tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in per watcher for self-signed dialers
			MinVersion:         tls.VersionTLS12,
		})
	return &Client{base: strings.TrimRight(cfg.BaseURL, "/"), http: c}, nil
}

// FetchReport opens the realtime report and returns the text report body.
func (c *Client) FetchReport(ctx context.Context) ([]byte, error) {
	page := c.base + reportPage
	resp, err := c.http.R().SetContext(ctx).Get(page)
	if err != nil {
		return nil, fmt.Errorf("open report page: %w", err)
	}
	if resp.StatusCode != 200 {
		return nil, &StatusError{URL: page, StatusCode: resp.StatusCode}
	}

	ajax := c.base + reportAjax
	resp, err = c.http.R().
		SetContext(ctx).
		SetHeader("X-Requested-With", "XMLHttpRequest").
		SetHeader("Referer", page).
		SetFormDataFromValues(reportForm()).
		Post(ajax)
	if err != nil {
		return nil, fmt.Errorf("fetch report: %w", err)
	}
	if resp.StatusCode != 200 {
		return nil, &StatusError{URL: ajax, StatusCode: resp.StatusCode}
	}
	return resp.Bytes(), nil
}

func reportForm() url.Values {
	v := url.Values{}
	v.Set("RTajax", "1")
	v.Set("DB", "0")
	v.Set("groups[]", "ALL-ACTIVE")
	v.Set("user_group_filter[]", "ALL-GROUPS")
	v.Set("ingroup_filter[]", "ALL-INGROUPS")
	v.Set("adastats", "1")
	v.Set("usergroup", "")
	v.Set("UGdisplay", "0")
	v.Set("UidORname", "1")
	v.Set("orderby", "timeup")
	v.Set("SERVdisplay", "0")
	v.Set("CALLSdisplay", "1")
	v.Set("PHONEdisplay", "0")
	v.Set("CUSTPHONEdisplay", "0")
	v.Set("CUSTINFOdisplay", "0")
	v.Set("with_inbound", "Y")
	v.Set("report_display_type", "TEXT")
	return v
}

// Logout forces user out of the dialer. The status page is loaded first so
// its hidden form fields travel with the logout request.
func (c *Client) Logout(ctx context.Context, user string) error {
	page := c.base + userStatusPage
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("user", user).
		Get(page)
	if err != nil {
		return fmt.Errorf("open user status for %s: %w", user, err)
	}
	if resp.StatusCode != 200 {
		return &StatusError{URL: page, StatusCode: resp.StatusCode}
	}

	form := url.Values{}
	for k, v := range hiddenInputs(resp.Bytes()) {
		form.Set(k, v)
	}
	form.Set("DB", "0")
	form.Set("user", user)
	form.Set("stage", "log_agent_out")
	form.Set("submit", "EMERGENCY LOG AGENT OUT")

	resp, err = c.http.R().
		SetContext(ctx).
		SetHeader("Referer", page+"?user="+url.QueryEscape(user)).
		SetFormDataFromValues(form).
		Post(page)
	if err != nil {
		return fmt.Errorf("log out %s: %w", user, err)
	}
	if resp.StatusCode != 200 {
		return &StatusError{URL: page, StatusCode: resp.StatusCode}
	}
	return nil
}
