package web

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/c3po-dev/c3po/internal/apierr"
	"github.com/c3po-dev/c3po/internal/audit"
	"github.com/c3po-dev/c3po/internal/messaging"
	"github.com/c3po-dev/c3po/internal/metrics"
	"github.com/c3po-dev/c3po/internal/registry"
)

// tool names exposed on the RPC surface.
type tool string

const (
	toolPing              tool = "ping"
	toolRegister          tool = "register_agent"
	toolUnregister        tool = "unregister"
	toolListAgents        tool = "list_agents"
	toolSendMessage       tool = "send_message"
	toolGetMessages       tool = "get_messages"
	toolAckMessages       tool = "ack_messages"
	toolWaitForMessage    tool = "wait_for_message"
	toolReply             tool = "reply"
	toolSetDescription    tool = "set_description"
	toolRegisterWebhook   tool = "register_webhook"
	toolUnregisterWebhook tool = "unregister_webhook"
	toolUploadBlob        tool = "upload_blob"
	toolFetchBlob         tool = "fetch_blob"
)

type toolHandler func(s *Server, w http.ResponseWriter, r *http.Request, args json.RawMessage) (any, error)

var toolHandlers = map[tool]toolHandler{
	toolPing:              (*Server).rpcPing,
	toolRegister:          (*Server).rpcRegister,
	toolUnregister:        (*Server).rpcUnregister,
	toolListAgents:        (*Server).rpcListAgents,
	toolSendMessage:       (*Server).rpcSendMessage,
	toolGetMessages:       (*Server).rpcGetMessages,
	toolAckMessages:       (*Server).rpcAckMessages,
	toolWaitForMessage:    (*Server).rpcWaitForMessage,
	toolReply:             (*Server).rpcReply,
	toolSetDescription:    (*Server).rpcSetDescription,
	toolRegisterWebhook:   (*Server).rpcRegisterWebhook,
	toolUnregisterWebhook: (*Server).rpcUnregisterWebhook,
	toolUploadBlob:        (*Server).rpcUploadBlob,
	toolFetchBlob:         (*Server).rpcFetchBlob,
}

type rpcRequest struct {
	Tool      tool            `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

// handleRPC dispatches one tool call.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.InvalidRequest("body", "must be a JSON object with tool and arguments"))
		return
	}
	handler, ok := toolHandlers[req.Tool]
	if !ok {
		writeError(w, apierr.InvalidRequest("tool", fmt.Sprintf("unknown tool %q; available: %s", req.Tool, strings.Join(toolNames(), ", "))))
		return
	}
	if req.Arguments == nil {
		req.Arguments = json.RawMessage("{}")
	}

	result, err := handler(s, w, r, req.Arguments)
	if err != nil {
		writeError(w, err)
		return
	}
	if result == nil {
		// The handler wrote the response itself (rate limit rejection).
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func toolNames() []string {
	names := make([]string, 0, len(toolHandlers))
	for t := range toolHandlers {
		names = append(names, string(t))
	}
	sort.Strings(names)
	return names
}

func decodeArgs(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return apierr.InvalidRequest("arguments", "malformed arguments object")
	}
	return nil
}

// callerIdentity resolves the acting agent for a tool call and enforces the
// principal's scope over it.
func (s *Server) callerIdentity(r *http.Request, explicit string) (string, error) {
	id, err := s.identity(r, explicit)
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

// touchAgent keeps the caller's record live: a heartbeat when it exists, an
// automatic registration when the coordinator has never seen the agent.
func (s *Server) touchAgent(r *http.Request, id string) {
	ctx := r.Context()
	if err := s.deps.Registry.Heartbeat(ctx, id); err == nil {
		return
	}
	s.deps.Registry.Register(ctx, registry.RegisterRequest{ID: id, SessionID: r.Header.Get("X-Session-ID")})
}

// parseTimeout validates a long-poll timeout in seconds. An absent value
// defaults to 60; anything outside 1..3600, zero included, is rejected
// rather than clamped.
func parseTimeout(seconds *int) (time.Duration, error) {
	if seconds == nil {
		return 60 * time.Second, nil
	}
	if *seconds < 1 || *seconds > 3600 {
		return 0, apierr.InvalidRequest("timeout", "must be between 1 and 3600")
	}
	return time.Duration(*seconds) * time.Second, nil
}

// rpcPing confirms the coordinator is reachable. When the caller identifies
// itself the ping doubles as a heartbeat.
func (s *Server) rpcPing(w http.ResponseWriter, r *http.Request, raw json.RawMessage) (any, error) {
	var args struct {
		AgentID string `json:"agent_id"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	resp := map[string]any{
		"ok":        true,
		"timestamp": s.deps.Clock.Now().UTC().Format(time.RFC3339),
	}
	if id, err := s.callerIdentity(r, args.AgentID); err == nil {
		s.touchAgent(r, id)
		resp["agent_id"] = id
	}
	return resp, nil
}

func (s *Server) rpcRegister(w http.ResponseWriter, r *http.Request, raw json.RawMessage) (any, error) {
	var args struct {
		AgentID      string   `json:"agent_id"`
		Name         string   `json:"name"`
		DisplayName  string   `json:"display_name"`
		Description  string   `json:"description"`
		Capabilities []string `json:"capabilities"`
		SessionID    string   `json:"session_id"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.AgentID == "" {
		args.AgentID = args.Name
	}
	id, err := s.callerIdentity(r, args.AgentID)
	if err != nil {
		return nil, err
	}
	if !s.allowRate(w, r, "rest_register", id) {
		return nil, nil
	}
	session := args.SessionID
	if session == "" {
		session = r.Header.Get("X-Session-ID")
	}

	agent, status, err := s.deps.Registry.Register(r.Context(), registry.RegisterRequest{
		ID:           id,
		DisplayName:  args.DisplayName,
		Description:  args.Description,
		Capabilities: args.Capabilities,
		SessionID:    session,
	})
	if err != nil {
		return nil, err
	}
	s.deps.Audit.Record(r.Context(), audit.EventAgentRegister, agent.ID, map[string]string{"status": status})
	s.refreshOnlineGauge(r)
	return map[string]any{"status": status, "agent": agent}, nil
}

func (s *Server) rpcUnregister(w http.ResponseWriter, r *http.Request, raw json.RawMessage) (any, error) {
	var args struct {
		AgentID string `json:"agent_id"`
		Keep    bool   `json:"keep"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	id, err := s.callerIdentity(r, args.AgentID)
	if err != nil {
		return nil, err
	}
	if !s.allowRate(w, r, "rest_unregister", id) {
		return nil, nil
	}

	if err := s.deps.Registry.Unregister(r.Context(), id, args.Keep); err != nil {
		return nil, err
	}
	s.deps.Audit.Record(r.Context(), audit.EventAgentUnregister, id, map[string]string{"keep": fmt.Sprintf("%t", args.Keep)})
	s.refreshOnlineGauge(r)
	return map[string]any{"status": "unregistered", "agent_id": id}, nil
}

func (s *Server) rpcListAgents(w http.ResponseWriter, r *http.Request, raw json.RawMessage) (any, error) {
	var args struct {
		AgentID string `json:"agent_id"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	id, err := s.callerIdentity(r, args.AgentID)
	if err != nil {
		return nil, err
	}
	if !s.allowRate(w, r, "list_agents", id) {
		return nil, nil
	}
	s.touchAgent(r, id)

	agents, err := s.deps.Registry.List(r.Context())
	if err != nil {
		return nil, err
	}
	return agents, nil
}

func (s *Server) rpcSendMessage(w http.ResponseWriter, r *http.Request, raw json.RawMessage) (any, error) {
	var args struct {
		AgentID        string `json:"agent_id"`
		Target         string `json:"target"`
		Subject        string `json:"subject"`
		Message        string `json:"message"`
		Context        string `json:"context"`
		DeliverOffline bool   `json:"deliver_offline"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	id, err := s.callerIdentity(r, args.AgentID)
	if err != nil {
		return nil, err
	}
	if !s.allowRate(w, r, "send_message", id) {
		return nil, nil
	}
	s.touchAgent(r, id)

	res, err := s.deps.Engine.Send(r.Context(), id, args.Target, args.Subject, args.Message, args.Context, args.DeliverOffline)
	if err != nil {
		return nil, err
	}
	metrics.MessagesSent.WithLabelValues(messaging.TypeMessage).Inc()
	s.deps.Audit.Record(r.Context(), audit.EventMessageSend, id, map[string]string{"to": args.Target, "message_id": res.MessageID})
	return res, nil
}

func (s *Server) rpcGetMessages(w http.ResponseWriter, r *http.Request, raw json.RawMessage) (any, error) {
	var args struct {
		AgentID string `json:"agent_id"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	id, err := s.callerIdentity(r, args.AgentID)
	if err != nil {
		return nil, err
	}
	if !s.allowRate(w, r, "get_messages", id) {
		return nil, nil
	}
	s.touchAgent(r, id)

	msgs, err := s.deps.Engine.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if len(msgs) > 0 {
		s.deps.Audit.Record(r.Context(), audit.EventMessageReceive, id, map[string]string{"count": fmt.Sprintf("%d", len(msgs))})
	}
	return msgs, nil
}

func (s *Server) rpcAckMessages(w http.ResponseWriter, r *http.Request, raw json.RawMessage) (any, error) {
	var args struct {
		AgentID string   `json:"agent_id"`
		IDs     []string `json:"ids"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	id, err := s.callerIdentity(r, args.AgentID)
	if err != nil {
		return nil, err
	}
	if !s.allowRate(w, r, "ack_messages", id) {
		return nil, nil
	}
	s.touchAgent(r, id)

	acked, err := s.deps.Engine.Ack(r.Context(), id, args.IDs)
	if err != nil {
		return nil, err
	}
	metrics.MessagesAcked.Add(float64(len(acked)))
	return map[string]any{"ok": true, "acked": acked}, nil
}

func (s *Server) rpcWaitForMessage(w http.ResponseWriter, r *http.Request, raw json.RawMessage) (any, error) {
	var args struct {
		AgentID string `json:"agent_id"`
		Timeout *int   `json:"timeout"`
		ReplyTo string `json:"reply_to"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	id, err := s.callerIdentity(r, args.AgentID)
	if err != nil {
		return nil, err
	}
	timeout, err := parseTimeout(args.Timeout)
	if err != nil {
		return nil, err
	}
	if !s.allowRate(w, r, "wait_for_message", id) {
		return nil, nil
	}
	s.touchAgent(r, id)

	// RPC waits heartbeat on every slice so the agent stays online through
	// a long poll.
	heartbeat := func() { s.deps.Registry.Heartbeat(r.Context(), id) }

	start := s.deps.Clock.Now()
	var res messaging.WaitResult
	if args.ReplyTo != "" {
		res, err = s.deps.Engine.WaitFor(r.Context(), id, args.ReplyTo, timeout, heartbeat)
	} else {
		res, err = s.deps.Engine.WaitAny(r.Context(), id, timeout, heartbeat)
	}
	if err != nil {
		return nil, err
	}
	metrics.WaitDuration.Observe(s.deps.Clock.Since(start).Seconds())
	if res.Status == messaging.StatusDelivered {
		s.deps.Audit.Record(r.Context(), audit.EventMessageReceive, id, map[string]string{"count": fmt.Sprintf("%d", len(res.Messages))})
	}
	return res, nil
}

func (s *Server) rpcReply(w http.ResponseWriter, r *http.Request, raw json.RawMessage) (any, error) {
	var args struct {
		AgentID   string `json:"agent_id"`
		MessageID string `json:"message_id"`
		Response  string `json:"response"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	id, err := s.callerIdentity(r, args.AgentID)
	if err != nil {
		return nil, err
	}
	if !s.allowRate(w, r, "reply", id) {
		return nil, nil
	}
	s.touchAgent(r, id)

	res, err := s.deps.Engine.Reply(r.Context(), id, args.MessageID, args.Response)
	if err != nil {
		return nil, err
	}
	metrics.MessagesSent.WithLabelValues(messaging.TypeReply).Inc()
	s.deps.Audit.Record(r.Context(), audit.EventMessageRespond, id, map[string]string{"reply_to": args.MessageID})
	return res, nil
}

func (s *Server) rpcSetDescription(w http.ResponseWriter, r *http.Request, raw json.RawMessage) (any, error) {
	var args struct {
		AgentID     string `json:"agent_id"`
		Description string `json:"description"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	id, err := s.callerIdentity(r, args.AgentID)
	if err != nil {
		return nil, err
	}
	if !s.allowRate(w, r, "set_description", id) {
		return nil, nil
	}
	s.touchAgent(r, id)
	if err := s.deps.Registry.SetDescription(r.Context(), id, args.Description); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "agent_id": id}, nil
}

func (s *Server) rpcRegisterWebhook(w http.ResponseWriter, r *http.Request, raw json.RawMessage) (any, error) {
	var args struct {
		AgentID string `json:"agent_id"`
		URL     string `json:"url"`
		Secret  string `json:"secret"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	id, err := s.callerIdentity(r, args.AgentID)
	if err != nil {
		return nil, err
	}
	if !s.allowRate(w, r, "register_webhook", id) {
		return nil, nil
	}
	if !strings.HasPrefix(args.URL, "http://") && !strings.HasPrefix(args.URL, "https://") {
		return nil, apierr.InvalidRequest("url", "must be an http or https URL")
	}
	s.touchAgent(r, id)
	if err := s.deps.Registry.SetWebhook(r.Context(), id, args.URL, args.Secret); err != nil {
		return nil, err
	}
	return map[string]any{"status": "registered", "agent_id": id}, nil
}

func (s *Server) rpcUnregisterWebhook(w http.ResponseWriter, r *http.Request, raw json.RawMessage) (any, error) {
	var args struct {
		AgentID string `json:"agent_id"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	id, err := s.callerIdentity(r, args.AgentID)
	if err != nil {
		return nil, err
	}
	if !s.allowRate(w, r, "unregister_webhook", id) {
		return nil, nil
	}
	s.touchAgent(r, id)
	if err := s.deps.Registry.SetWebhook(r.Context(), id, "", ""); err != nil {
		return nil, err
	}
	return map[string]any{"status": "unregistered", "agent_id": id}, nil
}

func (s *Server) rpcUploadBlob(w http.ResponseWriter, r *http.Request, raw json.RawMessage) (any, error) {
	var args struct {
		AgentID  string `json:"agent_id"`
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
		Metadata string `json:"metadata"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	id, err := s.callerIdentity(r, args.AgentID)
	if err != nil {
		return nil, err
	}
	if !s.allowRate(w, r, "upload_blob", id) {
		return nil, nil
	}
	var content []byte
	switch args.Encoding {
	case "", "utf-8":
		content = []byte(args.Content)
	case "base64":
		content, err = base64.StdEncoding.DecodeString(args.Content)
		if err != nil {
			return nil, apierr.InvalidRequest("content", "must be valid base64")
		}
	default:
		return nil, apierr.InvalidRequest("encoding", `must be "utf-8" or "base64"`)
	}

	blobID, err := s.deps.Blobs.Upload(r.Context(), id, content, args.Metadata)
	if err != nil {
		return nil, err
	}
	metrics.BlobBytes.Add(float64(len(content)))
	s.deps.Audit.Record(r.Context(), audit.EventBlobUpload, id, map[string]string{"blob_id": blobID, "size": fmt.Sprintf("%d", len(content))})
	resp := map[string]any{"blob_id": blobID, "size": len(content)}
	if url := s.blobURL(blobID); url != "" {
		resp["url"] = url
	}
	return resp, nil
}

// blobURL builds an absolute download link when the coordinator knows its
// external URL.
func (s *Server) blobURL(blobID string) string {
	base := s.deps.Config.CoordinatorURL
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/agent/api/blob/" + blobID
}

// Inline thresholds for fetch_blob responses. Larger payloads come back as
// a download URL instead of inline content.
const (
	blobInlineDefault = 10 << 10
	blobInlineLarge   = 100 << 10
)

func (s *Server) rpcFetchBlob(w http.ResponseWriter, r *http.Request, raw json.RawMessage) (any, error) {
	var args struct {
		AgentID     string `json:"agent_id"`
		BlobID      string `json:"blob_id"`
		InlineLarge bool   `json:"inline_large"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	id, err := s.callerIdentity(r, args.AgentID)
	if err != nil {
		return nil, err
	}
	if !s.allowRate(w, r, "fetch_blob", id) {
		return nil, nil
	}

	b, err := s.deps.Blobs.Fetch(r.Context(), args.BlobID)
	if err != nil {
		return nil, err
	}
	s.deps.Audit.Record(r.Context(), audit.EventBlobDownload, id, map[string]string{"blob_id": b.ID})

	resp := map[string]any{
		"blob_id":    b.ID,
		"size":       len(b.Content),
		"metadata":   b.Metadata,
		"created_at": b.CreatedAt,
	}
	limit := blobInlineDefault
	if args.InlineLarge {
		limit = blobInlineLarge
	}
	if len(b.Content) <= limit {
		resp["content"] = base64.StdEncoding.EncodeToString(b.Content)
	} else if url := s.blobURL(b.ID); url != "" {
		resp["download_url"] = url
	} else {
		resp["download_url"] = "/agent/api/blob/" + b.ID
	}
	return resp, nil
}

// refreshOnlineGauge recomputes the online agent gauge after registry
// mutations.
func (s *Server) refreshOnlineGauge(r *http.Request) {
	if n, err := s.deps.Registry.CountOnline(r.Context()); err == nil {
		metrics.AgentsOnline.Set(float64(n))
	}
}
