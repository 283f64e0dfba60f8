package server

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/logux/logux-server/action"
	"github.com/logux/logux-server/errors"
	"github.com/logux/logux-server/internal/httpclient"
)

// backendProxy forwards accepted actions to an external HTTP backend for
// processing, used when business logic lives outside the Go process
// (the common Logux deployment shape: a thin sync server in front of a
// application backend written in whatever language it already runs in).
type backendProxy struct {
	client *httpclient.SaferClient
	url    string
	secret string
}

func newBackendProxy(client *httpclient.SaferClient, url, secret string) *backendProxy {
	return &backendProxy{client: client, url: url, secret: secret}
}

// backendRequest is the JSON body posted to the backend for one action.
type backendRequest struct {
	RequestID string                 `json:"requestId"`
	Command   string                 `json:"command"`
	Action    action.Action          `json:"action"`
	Meta      *action.Meta           `json:"meta"`
}

// backendResponse is the backend's verdict for an action it was asked to
// authorize and/or process.
type backendResponse struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// Process posts an action to the backend and waits for its verdict. A
// non-approved response becomes a KindProcessorError so the caller's
// existing undo path handles it uniformly with local processor failures.
func (b *backendProxy) Process(a action.Action, meta *action.Meta) error {
	body := backendRequest{
		RequestID: uuid.NewString(),
		Command:   "action",
		Action:    a,
		Meta:      meta,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshal backend request")
	}

	req, err := http.NewRequest(http.MethodPost, b.url, bytes.NewReader(raw))
	if err != nil {
		return WithKind(errors.Wrap(err, "build backend request"), KindBackendError)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.secret != "" {
		req.Header.Set("Authorization", "Bearer "+b.secret)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return WithKind(errors.Wrap(err, "backend request failed"), KindBackendError)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return WithKind(errors.Newf("backend returned status %d", resp.StatusCode), KindBackendError)
	}

	var decoded backendResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return WithKind(errors.Wrap(err, "decode backend response"), KindBackendError)
	}
	if !decoded.Approved {
		return WithKind(errors.Newf("backend rejected action: %s", decoded.Reason), KindProcessorError)
	}
	return nil
}

// BackendProcess adapts the proxy to the TypeHandler.Process signature, so a
// type can be wired straight to the backend with Server.Type(name,
// TypeHandler{Process: srv.BackendProcess}).
func (s *Server) BackendProcess(_ action.Context, a action.Action) error {
	if s.backend == nil {
		return errors.New("no backend configured")
	}
	return s.backend.Process(a, &action.Meta{})
}
