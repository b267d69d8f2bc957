// Package wechat pushes digest blocks through the WeChat Work application
// message API.
package wechat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"courier/internal/format"
	"courier/internal/transport"
	logx "courier/pkg/logx"
)

const (
	defaultBaseURL = "https://qyapi.weixin.qq.com"
	defaultTimeout = 15 * time.Second

	// Tokens are nominally valid for 7200s; refresh this much early.
	tokenRefreshSkew = 300 * time.Second

	// message/send rejects text content above this many bytes.
	maxContentBytes = 2048
)

// API errcodes the sender branches on. Everything else non-zero is a
// permanent rejection.
const (
	codeSystemBusy   = -1
	codeTokenInvalid = 40014
	codeTokenExpired = 42001
	codeRateLimited  = 45009
)

type Config struct {
	CorpID     string
	CorpSecret string
	AgentID    int64
	ToUser     string // "@all" when empty
	BaseURL    string
	Timeout    time.Duration
}

type Sender struct {
	cfg  Config
	log  logx.Logger
	http *http.Client

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func New(cfg Config, log logx.Logger) *Sender {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if strings.TrimSpace(cfg.ToUser) == "" {
		cfg.ToUser = "@all"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{cfg: cfg, log: log, http: &http.Client{Timeout: cfg.Timeout}}
}

func (s *Sender) Name() string { return "wechat" }

func (s *Sender) Send(ctx context.Context, block format.Block) transport.Attempt {
	started := time.Now()
	finish := func(outcome transport.Outcome, err error) transport.Attempt {
		return transport.Attempt{
			Channel:    s.Name(),
			BlockIndex: block.Index,
			StartedAt:  started,
			Duration:   time.Since(started),
			Outcome:    outcome,
			Err:        err,
		}
	}

	if strings.TrimSpace(s.cfg.CorpID) == "" || strings.TrimSpace(s.cfg.CorpSecret) == "" || s.cfg.AgentID == 0 {
		return finish(transport.OutcomePermanent, errors.New("corp_id, corp_secret and agent_id are required"))
	}
	if n := len(block.Text); n > maxContentBytes {
		return finish(transport.OutcomePermanent, fmt.Errorf("content is %d bytes, api limit is %d", n, maxContentBytes))
	}

	outcome, err := s.push(ctx, block.Text)
	return finish(outcome, err)
}

// push sends the content, refreshing the cached token and resending once
// when the API reports it invalid.
func (s *Sender) push(ctx context.Context, content string) (transport.Outcome, error) {
	token, err := s.accessToken(ctx, false)
	if err != nil {
		return classify(err), err
	}
	err = s.postMessage(ctx, token, content)
	if tokenRejected(err) {
		s.log.Debug("cached token rejected, refreshing")
		if token, err = s.accessToken(ctx, true); err != nil {
			return classify(err), err
		}
		err = s.postMessage(ctx, token, content)
		if tokenRejected(err) {
			// A fresh token got rejected too; assume a service-side hiccup.
			return transport.OutcomeTransient, err
		}
	}
	if err != nil {
		return classify(err), err
	}
	return transport.OutcomeSuccess, nil
}

// apiError is a reply with a non-zero errcode.
type apiError struct {
	Op   string
	Code int
	Msg  string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s: errcode=%d errmsg=%s", e.Op, e.Code, e.Msg)
}

// classify maps a push error to an outcome. Errors that never produced an
// API reply (network, timeout, 5xx) are transient.
func classify(err error) transport.Outcome {
	var api *apiError
	if !errors.As(err, &api) {
		return transport.OutcomeTransient
	}
	switch api.Code {
	case codeSystemBusy, codeRateLimited:
		return transport.OutcomeTransient
	}
	return transport.OutcomePermanent
}

func tokenRejected(err error) bool {
	var api *apiError
	return errors.As(err, &api) && (api.Code == codeTokenInvalid || api.Code == codeTokenExpired)
}

type apiReply struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// accessToken returns the cached token or fetches a fresh one.
func (s *Sender) accessToken(ctx context.Context, force bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !force && s.token != "" && time.Now().Before(s.tokenExp) {
		return s.token, nil
	}

	q := url.Values{}
	q.Set("corpid", s.cfg.CorpID)
	q.Set("corpsecret", s.cfg.CorpSecret)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+"/cgi-bin/gettoken?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("gettoken: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("gettoken failed: http=%d", resp.StatusCode)
	}

	var out struct {
		apiReply
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode gettoken reply: %w", err)
	}
	if out.ErrCode != 0 {
		return "", &apiError{Op: "gettoken", Code: out.ErrCode, Msg: out.ErrMsg}
	}
	if out.AccessToken == "" {
		return "", errors.New("gettoken returned an empty access_token")
	}

	s.token = out.AccessToken
	s.tokenExp = time.Now().Add(time.Duration(out.ExpiresIn)*time.Second - tokenRefreshSkew)
	s.log.Debug("access token refreshed", logx.Int64("expires_in", out.ExpiresIn))
	return s.token, nil
}

func (s *Sender) postMessage(ctx context.Context, token, content string) error {
	payload := struct {
		ToUser  string `json:"touser"`
		MsgType string `json:"msgtype"`
		AgentID int64  `json:"agentid"`
		Text    struct {
			Content string `json:"content"`
		} `json:"text"`
		Safe                   int `json:"safe"`
		EnableIDTrans          int `json:"enable_id_trans"`
		EnableDuplicateCheck   int `json:"enable_duplicate_check"`
		DuplicateCheckInterval int `json:"duplicate_check_interval"`
	}{
		ToUser:                 s.cfg.ToUser,
		MsgType:                "text",
		AgentID:                s.cfg.AgentID,
		DuplicateCheckInterval: 1800,
	}
	payload.Text.Content = content

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.cfg.BaseURL+"/cgi-bin/message/send?access_token="+url.QueryEscape(token), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("message/send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("message/send failed: http=%d", resp.StatusCode)
	}

	var out apiReply
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode message/send reply: %w", err)
	}
	if out.ErrCode != 0 {
		return &apiError{Op: "message/send", Code: out.ErrCode, Msg: out.ErrMsg}
	}
	return nil
}
