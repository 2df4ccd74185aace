package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/c3po-dev/c3po/internal/apierr"
	"github.com/c3po-dev/c3po/internal/audit"
	"github.com/c3po-dev/c3po/internal/blob"
	"github.com/c3po-dev/c3po/internal/messaging"
	"github.com/c3po-dev/c3po/internal/metrics"
	"github.com/c3po-dev/c3po/internal/registry"
)

// restIdentity resolves the acting agent for a REST call from an explicit
// agent_id, body machine/project fields, or the proxy headers.
func (s *Server) restIdentity(r *http.Request, agentID, machine, project string) (string, error) {
	if agentID == "" && machine != "" && project != "" {
		agentID = machine + "/" + project
	}
	id, err := s.identity(r, agentID)
	if err != nil {
		return "", err
	}
	if err := registry.ValidateID(id); err != nil {
		return "", err
	}
	if err := s.requireScope(r, id); err != nil {
		return "", err
	}
	return id, nil
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		return apierr.InvalidRequest("body", "must be a JSON object")
	}
	return nil
}

func (s *Server) restRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID      string   `json:"agent_id"`
		Machine      string   `json:"machine"`
		Project      string   `json:"project"`
		DisplayName  string   `json:"display_name"`
		Description  string   `json:"description"`
		Capabilities []string `json:"capabilities"`
		SessionID    string   `json:"session_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	id, err := s.restIdentity(r, body.AgentID, body.Machine, body.Project)
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.allowRate(w, r, "rest_register", id) {
		return
	}
	session := body.SessionID
	if session == "" {
		session = r.Header.Get("X-Session-ID")
	}

	agent, status, err := s.deps.Registry.Register(r.Context(), registry.RegisterRequest{
		ID:           id,
		DisplayName:  body.DisplayName,
		Description:  body.Description,
		Capabilities: body.Capabilities,
		SessionID:    session,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.deps.Audit.Record(r.Context(), audit.EventAgentRegister, agent.ID, map[string]string{"status": status})
	s.refreshOnlineGauge(r)
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "agent": agent})
}

func (s *Server) restUnregister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string `json:"agent_id"`
		Machine string `json:"machine"`
		Project string `json:"project"`
		Keep    bool   `json:"keep"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	id, err := s.restIdentity(r, body.AgentID, body.Machine, body.Project)
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.allowRate(w, r, "rest_unregister", id) {
		return
	}
	keep := body.Keep
	if v := r.URL.Query().Get("keep"); v != "" {
		keep, err = strconv.ParseBool(v)
		if err != nil {
			writeError(w, apierr.InvalidRequest("keep", "must be true or false"))
			return
		}
	}

	if err := s.deps.Registry.Unregister(r.Context(), id, keep); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Audit.Record(r.Context(), audit.EventAgentUnregister, id, map[string]string{"keep": fmt.Sprintf("%t", keep)})
	s.refreshOnlineGauge(r)
	writeJSON(w, http.StatusOK, map[string]any{"status": "unregistered", "agent_id": id})
}

func (s *Server) restHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string `json:"agent_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	id, err := s.restIdentity(r, body.AgentID, "", "")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Registry.Heartbeat(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// restValidate lets clients probe their credentials and resolved identity
// without side effects.
func (s *Server) restValidate(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	resp := map[string]any{
		"valid":   true,
		"kind":    string(p.Kind),
		"pattern": p.Pattern,
	}
	if p.KeyID != "" {
		resp["key_id"] = p.KeyID
	}
	if id, err := s.identity(r, r.URL.Query().Get("agent_id")); err == nil {
		resp["identity"] = id
		resp["in_scope"] = p.Allows(id)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) restAgents(w http.ResponseWriter, r *http.Request) {
	id, err := s.restIdentity(r, r.URL.Query().Get("agent_id"), "", "")
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.allowRate(w, r, "list_agents", id) {
		return
	}
	agents, err := s.deps.Registry.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) restPending(w http.ResponseWriter, r *http.Request) {
	id, err := s.restIdentity(r, r.URL.Query().Get("agent_id"), "", "")
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.allowRate(w, r, "rest_pending", id) {
		return
	}
	s.touchAgent(r, id)

	msgs, err := s.deps.Engine.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) restAck(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID    string   `json:"agent_id"`
		MessageIDs []string `json:"message_ids"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	id, err := s.restIdentity(r, body.AgentID, "", "")
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.allowRate(w, r, "ack_messages", id) {
		return
	}
	s.touchAgent(r, id)

	acked, err := s.deps.Engine.Ack(r.Context(), id, body.MessageIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.MessagesAcked.Add(float64(len(acked)))
	writeJSON(w, http.StatusOK, map[string]any{"acked": acked})
}

// restWait long-polls for messages. Unlike the RPC wait, REST waits do not
// heartbeat: REST clients poll from scripts and cron jobs that should not
// look like live agents.
func (s *Server) restWait(w http.ResponseWriter, r *http.Request) {
	id, err := s.restIdentity(r, r.URL.Query().Get("agent_id"), "", "")
	if err != nil {
		writeError(w, err)
		return
	}

	var seconds *int
	if v := r.URL.Query().Get("timeout"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, apierr.InvalidRequest("timeout", "must be an integer number of seconds"))
			return
		}
		seconds = &n
	}
	timeout, err := parseTimeout(seconds)
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.allowRate(w, r, "wait_for_message", id) {
		return
	}

	start := s.deps.Clock.Now()
	var res messaging.WaitResult
	if replyTo := r.URL.Query().Get("reply_to"); replyTo != "" {
		res, err = s.deps.Engine.WaitFor(r.Context(), id, replyTo, timeout, nil)
	} else {
		res, err = s.deps.Engine.WaitAny(r.Context(), id, timeout, nil)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.WaitDuration.Observe(s.deps.Clock.Since(start).Seconds())
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) restSend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID        string `json:"agent_id"`
		Machine        string `json:"machine"`
		Project        string `json:"project"`
		Target         string `json:"target"`
		Subject        string `json:"subject"`
		Message        string `json:"message"`
		Context        string `json:"context"`
		DeliverOffline bool   `json:"deliver_offline"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	id, err := s.restIdentity(r, body.AgentID, body.Machine, body.Project)
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.allowRate(w, r, "send_message", id) {
		return
	}
	s.touchAgent(r, id)

	res, err := s.deps.Engine.Send(r.Context(), id, body.Target, body.Subject, body.Message, body.Context, body.DeliverOffline)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.MessagesSent.WithLabelValues(messaging.TypeMessage).Inc()
	s.deps.Audit.Record(r.Context(), audit.EventMessageSend, id, map[string]string{"to": body.Target, "message_id": res.MessageID})
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) restReply(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID   string `json:"agent_id"`
		MessageID string `json:"message_id"`
		Response  string `json:"response"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	id, err := s.restIdentity(r, body.AgentID, "", "")
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.allowRate(w, r, "reply", id) {
		return
	}
	s.touchAgent(r, id)

	res, err := s.deps.Engine.Reply(r.Context(), id, body.MessageID, body.Response)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.MessagesSent.WithLabelValues(messaging.TypeReply).Inc()
	s.deps.Audit.Record(r.Context(), audit.EventMessageRespond, id, map[string]string{"reply_to": body.MessageID})
	writeJSON(w, http.StatusOK, res)
}

// restBlobUpload accepts the blob as the raw request body. Metadata travels
// in the X-C3PO-Blob-Metadata header.
func (s *Server) restBlobUpload(w http.ResponseWriter, r *http.Request) {
	id, err := s.restIdentity(r, r.URL.Query().Get("agent_id"), "", "")
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.allowRate(w, r, "upload_blob", id) {
		return
	}

	content, err := io.ReadAll(io.LimitReader(r.Body, blob.MaxSize+1))
	if err != nil {
		writeError(w, apierr.InvalidRequest("body", "could not read request body"))
		return
	}

	blobID, err := s.deps.Blobs.Upload(r.Context(), id, content, r.Header.Get("X-C3PO-Blob-Metadata"))
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.BlobBytes.Add(float64(len(content)))
	s.deps.Audit.Record(r.Context(), audit.EventBlobUpload, id, map[string]string{"blob_id": blobID, "size": fmt.Sprintf("%d", len(content))})
	resp := map[string]any{"blob_id": blobID, "size": len(content)}
	if url := s.blobURL(blobID); url != "" {
		resp["url"] = url
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) restBlobFetch(w http.ResponseWriter, r *http.Request) {
	id, err := s.restIdentity(r, r.URL.Query().Get("agent_id"), "", "")
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.allowRate(w, r, "fetch_blob", id) {
		return
	}

	b, err := s.deps.Blobs.Fetch(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.deps.Audit.Record(r.Context(), audit.EventBlobDownload, id, map[string]string{"blob_id": b.ID})
	if b.Metadata != "" {
		w.Header().Set("X-C3PO-Blob-Metadata", b.Metadata)
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(b.Content)
}
