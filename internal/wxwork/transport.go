package wxwork

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	logx "wxnotice/pkg/logx"
)

const DefaultBaseURL = "https://qyapi.weixin.qq.com"

type TransportConfig struct {
	BaseURL    string
	RatePerSec int
	// Timeout bounds one HTTP round trip. Ignored when HTTPClient is set.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Transport performs API calls for every client of the process. It owns
// the HTTP client and the request rate limiter.
type Transport struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func NewTransport(cfg TransportConfig, log logx.Logger) *Transport {
	if log.IsZero() {
		log = logx.Nop()
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		to := cfg.Timeout
		if to <= 0 {
			to = 10 * time.Second
		}
		hc = &http.Client{Timeout: to}
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	return &Transport{
		base:    base,
		http:    hc,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log.With(logx.String("comp", "wxwork")),
	}
}

// SetRate changes the request rate. Safe while requests are in flight.
func (t *Transport) SetRate(perSec int) {
	if perSec <= 0 {
		return
	}
	t.limiter.SetLimit(rate.Limit(perSec))
	t.limiter.SetBurst(perSec)
}

// errResponse is embedded by every response body.
type errResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

func (r errResponse) apiErr(op string) error {
	if r.ErrCode == 0 {
		return nil
	}
	return &APIError{Op: op, Code: r.ErrCode, Msg: r.ErrMsg}
}

type apiResponse interface {
	apiErr(op string) error
}

// call issues method on path with query and optional JSON body and decodes
// the JSON response into out.
func (t *Transport) call(ctx context.Context, op, method, path string, query url.Values, body any, out apiResponse) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wxwork %s: %w", op, err)
	}

	u := t.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		// Message bodies carry HTML; keep it unescaped on the wire.
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(body); err != nil {
			return fmt.Errorf("wxwork %s: encode: %w", op, err)
		}
		rd = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("wxwork %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("wxwork %s: http=%d", op, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("wxwork %s: decode: %w", op, err)
	}
	return out.apiErr(op)
}
