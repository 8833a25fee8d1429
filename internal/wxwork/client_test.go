package wxwork

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	logx "wxnotice/pkg/logx"
)

type fakeAPI struct {
	t *testing.T

	tokenCalls      atomic.Int32
	suiteTokenCalls atomic.Int32
	corpTokenCalls  atomic.Int32
	sendCalls       atomic.Int32

	// rejectSends makes the next n sends fail with an expired token.
	rejectSends atomic.Int32
	sendErrCode int

	mu         sync.Mutex
	sendBodies []string
	suiteBody  map[string]string
	corpBody   map[string]string
	corpQuery  string
	sendTokens []string
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/gettoken", func(w http.ResponseWriter, r *http.Request) {
		n := f.tokenCalls.Add(1)
		require.Equal(f.t, "corp1", r.URL.Query().Get("corpid"))
		require.Equal(f.t, "secret1", r.URL.Query().Get("corpsecret"))
		writeJSON(w, map[string]any{"errcode": 0, "errmsg": "ok", "access_token": "corp-token-" + itoa(n), "expires_in": 7200})
	})
	mux.HandleFunc("/cgi-bin/service/get_suite_token", func(w http.ResponseWriter, r *http.Request) {
		f.suiteTokenCalls.Add(1)
		var body map[string]string
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.suiteBody = body
		f.mu.Unlock()
		writeJSON(w, map[string]any{"errcode": 0, "suite_access_token": "suite-token", "expires_in": 7200})
	})
	mux.HandleFunc("/cgi-bin/service/get_corp_token", func(w http.ResponseWriter, r *http.Request) {
		f.corpTokenCalls.Add(1)
		var body map[string]string
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.corpBody = body
		f.corpQuery = r.URL.Query().Get("suite_access_token")
		f.mu.Unlock()
		writeJSON(w, map[string]any{"errcode": 0, "access_token": "tenant-token", "expires_in": 7200})
	})
	mux.HandleFunc("/cgi-bin/message/send", func(w http.ResponseWriter, r *http.Request) {
		f.sendCalls.Add(1)
		b, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.sendBodies = append(f.sendBodies, strings.TrimSpace(string(b)))
		f.sendTokens = append(f.sendTokens, r.URL.Query().Get("access_token"))
		f.mu.Unlock()
		if f.rejectSends.Load() > 0 {
			f.rejectSends.Add(-1)
			writeJSON(w, map[string]any{"errcode": CodeAccessTokenExpired, "errmsg": "access_token expired"})
			return
		}
		if f.sendErrCode != 0 {
			writeJSON(w, map[string]any{"errcode": f.sendErrCode, "errmsg": "nope"})
			return
		}
		writeJSON(w, map[string]any{"errcode": 0, "errmsg": "ok"})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func itoa(n int32) string { return strconv.Itoa(int(n)) }

func newTestTransport(t *testing.T, api *fakeAPI) *Transport {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	return NewTransport(TransportConfig{BaseURL: srv.URL, RatePerSec: 1000}, logx.Nop())
}

func TestCorpClientSendWireFormat(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{t: t}
	c := NewCorpClient(newTestTransport(t, api), "corp1", "secret1", "1000002")

	card := TextCard{
		Title:       "You've got 2 new notices on Seafile:",
		Description: `<div class="highlight">a & b</div>`,
		URL:         "https://cloud.example.com/notification/list/",
	}
	ctx := context.Background()
	require.NoError(t, c.SendTextCard(ctx, "bob", card))
	require.NoError(t, c.SendTextCard(ctx, "carol", card))

	require.EqualValues(t, 1, api.tokenCalls.Load(), "token must be cached")
	require.EqualValues(t, 2, api.sendCalls.Load())
	want := `{"touser":"bob","agentid":"1000002","msgtype":"textcard",` +
		`"textcard":{"title":"You've got 2 new notices on Seafile:",` +
		`"description":"<div class=\"highlight\">a & b</div>",` +
		`"url":"https://cloud.example.com/notification/list/"},"safe":0}`
	require.Equal(t, want, api.sendBodies[0])
	require.Equal(t, "corp-token-1", api.sendTokens[0])
}

func TestSendRefreshesExpiredTokenOnce(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{t: t}
	api.rejectSends.Store(1)
	c := NewCorpClient(newTestTransport(t, api), "corp1", "secret1", "1000002")

	require.NoError(t, c.SendTextCard(context.Background(), "bob", TextCard{Title: "t"}))
	require.EqualValues(t, 2, api.tokenCalls.Load())
	require.EqualValues(t, 2, api.sendCalls.Load())
	require.Equal(t, []string{"corp-token-1", "corp-token-2"}, api.sendTokens)
}

func TestSendGivesUpAfterSecondTokenError(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{t: t}
	api.rejectSends.Store(5)
	c := NewCorpClient(newTestTransport(t, api), "corp1", "secret1", "1000002")

	err := c.SendTextCard(context.Background(), "bob", TextCard{Title: "t"})
	require.True(t, IsTokenError(err), "got %v", err)
	require.EqualValues(t, 2, api.sendCalls.Load())
}

func TestSendAPIErrorIsNotRetried(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{t: t, sendErrCode: 81013}
	c := NewCorpClient(newTestTransport(t, api), "corp1", "secret1", "1000002")

	err := c.SendTextCard(context.Background(), "ghost", TextCard{Title: "t"})
	var ae *APIError
	require.True(t, errors.As(err, &ae), "got %v", err)
	require.Equal(t, 81013, ae.Code)
	require.Contains(t, err.Error(), "errcode=81013")
	require.EqualValues(t, 1, api.sendCalls.Load())
}

func TestSuiteClientTokenChain(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{t: t}
	tr := newTestTransport(t, api)
	c := NewSuiteClient(tr, Suite{ID: "suite1", Secret: "ssecret", Ticket: "ticket-xyz"}, "corp123", "perm-1", "1000014")

	require.NoError(t, c.SendTextCard(context.Background(), "alice", TextCard{Title: "t"}))
	require.NoError(t, c.SendTextCard(context.Background(), "dave", TextCard{Title: "t"}))

	require.EqualValues(t, 1, api.suiteTokenCalls.Load())
	require.EqualValues(t, 1, api.corpTokenCalls.Load())
	require.EqualValues(t, 0, api.tokenCalls.Load())
	require.Equal(t, map[string]string{"suite_id": "suite1", "suite_secret": "ssecret", "suite_ticket": "ticket-xyz"}, api.suiteBody)
	require.Equal(t, map[string]string{"auth_corpid": "corp123", "permanent_code": "perm-1"}, api.corpBody)
	require.Equal(t, "suite-token", api.corpQuery)
	require.Equal(t, "tenant-token", api.sendTokens[0])
	require.Contains(t, api.sendBodies[0], `"touser":"alice","agentid":"1000014"`)
}

func TestHTTPErrorStatus(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{t: t}
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	tr := NewTransport(TransportConfig{BaseURL: srv.URL + "/broken", RatePerSec: 1000}, logx.Nop())

	c := NewCorpClient(tr, "corp1", "secret1", "1")
	// nothing is routed under /broken, so the token call fails first.
	err := c.SendTextCard(context.Background(), "bob", TextCard{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "http=404")
}

func TestCanceledContextStopsBeforeRequest(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{t: t}
	c := NewCorpClient(newTestTransport(t, api), "corp1", "secret1", "1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, c.SendTextCard(ctx, "bob", TextCard{}))
	require.EqualValues(t, 0, api.sendCalls.Load())
}
