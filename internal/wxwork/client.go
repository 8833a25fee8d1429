// Package wxwork is a small WeCom (WeChat Work) API client covering what a
// notification sender needs: access tokens for a corp application and for
// a third-party suite installed in another corp, and textcard messages.
package wxwork

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	logx "wxnotice/pkg/logx"
)

// TextCard is the "textcard" message body.
type TextCard struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
}

type sendRequest struct {
	ToUser   string   `json:"touser"`
	AgentID  string   `json:"agentid"`
	MsgType  string   `json:"msgtype"`
	TextCard TextCard `json:"textcard"`
	Safe     int      `json:"safe"`
}

type sendResponse struct {
	errResponse
	InvalidUser string `json:"invaliduser"`
}

type tokenResponse struct {
	errResponse
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type suiteTokenResponse struct {
	errResponse
	SuiteAccessToken string `json:"suite_access_token"`
	ExpiresIn        int    `json:"expires_in"`
}

// Client sends messages as one application. It is safe for concurrent use.
type Client struct {
	t       *Transport
	agentID string
	tokens  *tokenCache
	log     logx.Logger
}

// NewCorpClient returns a client for an application of the corp itself,
// authenticated with the corp id and application secret.
func NewCorpClient(t *Transport, corpID, secret, agentID string) *Client {
	c := &Client{t: t, agentID: agentID, log: t.log.With(logx.String("corp", corpID))}
	c.tokens = newTokenCache(func(ctx context.Context) (string, time.Duration, error) {
		var out tokenResponse
		q := url.Values{"corpid": {corpID}, "corpsecret": {secret}}
		if err := t.call(ctx, "gettoken", http.MethodGet, "/cgi-bin/gettoken", q, nil, &out); err != nil {
			return "", 0, err
		}
		if out.AccessToken == "" {
			return "", 0, ErrNoToken
		}
		return out.AccessToken, ttl(out.ExpiresIn), nil
	})
	return c
}

// Suite identifies a third-party suite and the ticket WeCom pushed to it.
type Suite struct {
	ID     string
	Secret string
	Ticket string
}

// NewSuiteClient returns a client acting for the suite inside the corp
// authCorpID, which installed the suite and granted permanentCode.
func NewSuiteClient(t *Transport, suite Suite, authCorpID, permanentCode, agentID string) *Client {
	suiteTokens := newTokenCache(func(ctx context.Context) (string, time.Duration, error) {
		var out suiteTokenResponse
		body := map[string]string{
			"suite_id":     suite.ID,
			"suite_secret": suite.Secret,
			"suite_ticket": suite.Ticket,
		}
		if err := t.call(ctx, "get_suite_token", http.MethodPost, "/cgi-bin/service/get_suite_token", nil, body, &out); err != nil {
			return "", 0, err
		}
		if out.SuiteAccessToken == "" {
			return "", 0, ErrNoToken
		}
		return out.SuiteAccessToken, ttl(out.ExpiresIn), nil
	})

	c := &Client{t: t, agentID: agentID, log: t.log.With(logx.String("corp", authCorpID), logx.String("suite", suite.ID))}
	c.tokens = newTokenCache(func(ctx context.Context) (string, time.Duration, error) {
		st, err := suiteTokens.Get(ctx)
		if err != nil {
			return "", 0, err
		}
		var out tokenResponse
		body := map[string]string{"auth_corpid": authCorpID, "permanent_code": permanentCode}
		q := url.Values{"suite_access_token": {st}}
		err = t.call(ctx, "get_corp_token", http.MethodPost, "/cgi-bin/service/get_corp_token", q, body, &out)
		if IsTokenError(err) {
			suiteTokens.Invalidate(st)
		}
		if err != nil {
			return "", 0, err
		}
		if out.AccessToken == "" {
			return "", 0, ErrNoToken
		}
		return out.AccessToken, ttl(out.ExpiresIn), nil
	})
	return c
}

// SendTextCard sends card to toUser. An invalid or expired access token is
// refreshed and the send retried once.
func (c *Client) SendTextCard(ctx context.Context, toUser string, card TextCard) error {
	req := sendRequest{
		ToUser:   toUser,
		AgentID:  c.agentID,
		MsgType:  "textcard",
		TextCard: card,
		Safe:     0,
	}

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var tok string
		tok, err = c.tokens.Get(ctx)
		if err != nil {
			return err
		}
		var out sendResponse
		err = c.t.call(ctx, "message/send", http.MethodPost, "/cgi-bin/message/send",
			url.Values{"access_token": {tok}}, req, &out)
		if err == nil {
			if out.InvalidUser != "" {
				return fmt.Errorf("%w: %s", ErrInvalidUser, out.InvalidUser)
			}
			return nil
		}
		if !IsTokenError(err) {
			return err
		}
		c.log.Debug("access token rejected; refreshing", logx.Err(err))
		c.tokens.Invalidate(tok)
	}
	return err
}

func ttl(expiresIn int) time.Duration {
	if expiresIn <= 0 {
		return 0
	}
	return time.Duration(expiresIn) * time.Second
}

var (
	ErrNoToken     = errors.New("wxwork: empty access token")
	ErrInvalidUser = errors.New("wxwork: recipient rejected")
)
