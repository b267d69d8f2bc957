package wechat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"courier/internal/format"
	"courier/internal/transport"
	logx "courier/pkg/logx"
)

// scriptedAPI fakes the gettoken and message/send endpoints. Each
// message/send call consumes the next errcode from sendCodes (running out
// means 0, accepted).
type scriptedAPI struct {
	mu         sync.Mutex
	tokenCalls int
	sendCalls  int
	sendCodes  []int
	lastSend   map[string]any
}

func (f *scriptedAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.URL.Path {
	case "/cgi-bin/gettoken":
		f.tokenCalls++
		fmt.Fprintf(w, `{"errcode":0,"errmsg":"ok","access_token":"tok-%d","expires_in":7200}`, f.tokenCalls)
	case "/cgi-bin/message/send":
		code := 0
		if f.sendCalls < len(f.sendCodes) {
			code = f.sendCodes[f.sendCalls]
		}
		f.sendCalls++
		f.lastSend = map[string]any{}
		_ = json.NewDecoder(r.Body).Decode(&f.lastSend)
		fmt.Fprintf(w, `{"errcode":%d,"errmsg":"scripted"}`, code)
	default:
		http.NotFound(w, r)
	}
}

func (f *scriptedAPI) counts() (tokens, sends int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenCalls, f.sendCalls
}

func newTestSender(t *testing.T, h http.Handler) *Sender {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{
		CorpID:     "corp",
		CorpSecret: "secret",
		AgentID:    7,
		BaseURL:    srv.URL,
		Timeout:    2 * time.Second,
	}, logx.Nop())
}

func TestSendReusesCachedToken(t *testing.T) {
	api := &scriptedAPI{}
	s := newTestSender(t, api)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		att := s.Send(ctx, format.Block{Index: i, Text: fmt.Sprintf("block %d", i)})
		if att.Outcome != transport.OutcomeSuccess {
			t.Fatalf("send %d: outcome=%s err=%v", i, att.Outcome, att.Err)
		}
		if att.Channel != "wechat" || att.BlockIndex != i {
			t.Fatalf("send %d: attempt misfiled: %+v", i, att)
		}
	}

	tokens, sends := api.counts()
	if tokens != 1 {
		t.Fatalf("gettoken called %d times, want 1", tokens)
	}
	if sends != 2 {
		t.Fatalf("message/send called %d times, want 2", sends)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if got := api.lastSend["touser"]; got != "@all" {
		t.Fatalf("touser = %v, want @all", got)
	}
	if got := api.lastSend["msgtype"]; got != "text" {
		t.Fatalf("msgtype = %v", got)
	}
	if got := api.lastSend["agentid"]; got != float64(7) {
		t.Fatalf("agentid = %v", got)
	}
	text, _ := api.lastSend["text"].(map[string]any)
	if text["content"] != "block 1" {
		t.Fatalf("content = %v", text["content"])
	}
}

func TestSendRefreshesRejectedToken(t *testing.T) {
	api := &scriptedAPI{sendCodes: []int{42001}}
	s := newTestSender(t, api)

	att := s.Send(context.Background(), format.Block{Text: "hello"})
	if att.Outcome != transport.OutcomeSuccess {
		t.Fatalf("outcome=%s err=%v", att.Outcome, att.Err)
	}
	tokens, sends := api.counts()
	if tokens != 2 || sends != 2 {
		t.Fatalf("tokens=%d sends=%d, want 2/2", tokens, sends)
	}
}

func TestSendTokenRejectedTwiceIsTransient(t *testing.T) {
	api := &scriptedAPI{sendCodes: []int{42001, 40014}}
	s := newTestSender(t, api)

	att := s.Send(context.Background(), format.Block{Text: "hello"})
	if att.Outcome != transport.OutcomeTransient {
		t.Fatalf("outcome=%s err=%v", att.Outcome, att.Err)
	}
	if tokens, _ := api.counts(); tokens != 2 {
		t.Fatalf("gettoken called %d times, want 2", tokens)
	}
}

func TestSendErrcodeClassification(t *testing.T) {
	cases := []struct {
		name string
		code int
		want transport.Outcome
	}{
		{"rate limit", 45009, transport.OutcomeTransient},
		{"system busy", -1, transport.OutcomeTransient},
		{"bad recipient", 40003, transport.OutcomePermanent},
		{"recipient out of scope", 81013, transport.OutcomePermanent},
		{"bad agentid", 40056, transport.OutcomePermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := &scriptedAPI{sendCodes: []int{tc.code}}
			s := newTestSender(t, api)
			att := s.Send(context.Background(), format.Block{Text: "x"})
			if att.Outcome != tc.want {
				t.Fatalf("errcode %d: outcome=%s, want %s (err=%v)", tc.code, att.Outcome, tc.want, att.Err)
			}
			if att.Err == nil {
				t.Fatalf("errcode %d: attempt carries no error", tc.code)
			}
		})
	}
}

func TestSendServerErrorIsTransient(t *testing.T) {
	s := newTestSender(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/cgi-bin/gettoken" {
			fmt.Fprint(w, `{"errcode":0,"errmsg":"ok","access_token":"tok","expires_in":7200}`)
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	att := s.Send(context.Background(), format.Block{Text: "x"})
	if att.Outcome != transport.OutcomeTransient {
		t.Fatalf("outcome=%s err=%v", att.Outcome, att.Err)
	}
}

func TestSendBadSecretIsPermanent(t *testing.T) {
	s := newTestSender(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"errcode":40001,"errmsg":"invalid credential"}`)
	}))

	att := s.Send(context.Background(), format.Block{Text: "x"})
	if att.Outcome != transport.OutcomePermanent {
		t.Fatalf("outcome=%s err=%v", att.Outcome, att.Err)
	}
}

func TestSendUnreachableAPIIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s := New(Config{CorpID: "corp", CorpSecret: "secret", AgentID: 7, BaseURL: url, Timeout: time.Second}, logx.Nop())
	att := s.Send(context.Background(), format.Block{Text: "x"})
	if att.Outcome != transport.OutcomeTransient {
		t.Fatalf("outcome=%s err=%v", att.Outcome, att.Err)
	}
}

func TestSendMissingCredentialsIsPermanent(t *testing.T) {
	s := New(Config{BaseURL: "http://127.0.0.1:0"}, logx.Nop())
	att := s.Send(context.Background(), format.Block{Text: "x"})
	if att.Outcome != transport.OutcomePermanent {
		t.Fatalf("outcome=%s err=%v", att.Outcome, att.Err)
	}
	if att.Err == nil || !strings.Contains(att.Err.Error(), "required") {
		t.Fatalf("unexpected error: %v", att.Err)
	}
}

func TestSendOversizedContentIsPermanent(t *testing.T) {
	api := &scriptedAPI{}
	s := newTestSender(t, api)

	att := s.Send(context.Background(), format.Block{Text: strings.Repeat("a", maxContentBytes+1)})
	if att.Outcome != transport.OutcomePermanent {
		t.Fatalf("outcome=%s err=%v", att.Outcome, att.Err)
	}
	if _, sends := api.counts(); sends != 0 {
		t.Fatalf("oversized content reached the API (%d sends)", sends)
	}
}
