package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/keepsake-ai/keepsake/internal/resolver"
	"github.com/keepsake-ai/keepsake/internal/templates"
	"github.com/keepsake-ai/keepsake/pkg/types"
)

func (s *Server) scopeFor(r *http.Request, personaID string) (types.Scope, bool) {
	scope := types.Scope{TenantID: tenantID(r), PersonaID: personaID}
	return scope, scope.Valid()
}

// --- Memory ---

type memoryWriteRequest struct {
	PersonaID  string   `json:"persona_id"`
	Type       string   `json:"type"`
	Key        string   `json:"key"`
	Content    string   `json:"content"`
	Tags       []string `json:"tags,omitempty"`
	TTLSeconds *int64   `json:"ttl_seconds,omitempty"`
	Scope      string   `json:"scope,omitempty"`
	SourceType string   `json:"source_type,omitempty"`
	SourceRef  string   `json:"source_ref,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	ExpiresAt  *int64   `json:"expires_at,omitempty"`
	Temporary  bool     `json:"temporary,omitempty"`
}

func (s *Server) handleMemoryWrite(w http.ResponseWriter, r *http.Request) {
	var req memoryWriteRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "malformed body: "+err.Error(), nil)
		return
	}
	scope, ok := s.scopeFor(r, req.PersonaID)
	if !ok {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "persona_id is required", nil)
		return
	}

	out, err := s.resolver.Write(r.Context(), scope, resolver.WriteRequest{
		Type:       types.ItemType(req.Type),
		Key:        req.Key,
		Content:    req.Content,
		Tags:       req.Tags,
		TTLSeconds: req.TTLSeconds,
		Scope:      types.ScopeLevel(req.Scope),
		SourceType: types.SourceType(req.SourceType),
		SourceRef:  req.SourceRef,
		Confidence: req.Confidence,
		ExpiresAt:  req.ExpiresAt,
		Temporary:  req.Temporary,
	})
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	if out.Skipped {
		s.ok(w, r, map[string]interface{}{"status": "skipped", "updated": false})
		return
	}
	s.ok(w, r, map[string]interface{}{
		"status":  "ok",
		"id":      out.ID,
		"updated": out.Existed,
		"state":   out.Status,
	})
}

type memoryConfirmRequest struct {
	PersonaID    string `json:"persona_id"`
	MemoryID     int64  `json:"memory_id"`
	SupersedesID *int64 `json:"supersedes_id,omitempty"`
}

func (s *Server) handleMemoryConfirm(w http.ResponseWriter, r *http.Request) {
	var req memoryConfirmRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "malformed body: "+err.Error(), nil)
		return
	}
	scope, ok := s.scopeFor(r, req.PersonaID)
	if !ok {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "persona_id is required", nil)
		return
	}

	res, err := s.resolver.Confirm(r.Context(), scope, req.MemoryID, req.SupersedesID)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	s.ok(w, r, res)
}

type memoryRevokeRequest struct {
	PersonaID string `json:"persona_id"`
	MemoryID  int64  `json:"memory_id"`
}

func (s *Server) handleMemoryRevoke(w http.ResponseWriter, r *http.Request) {
	var req memoryRevokeRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "malformed body: "+err.Error(), nil)
		return
	}
	scope, ok := s.scopeFor(r, req.PersonaID)
	if !ok {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "persona_id is required", nil)
		return
	}

	res, err := s.resolver.Revoke(r.Context(), scope, req.MemoryID)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	s.ok(w, r, res)
}

type memoryForgetRequest struct {
	PersonaID string `json:"persona_id"`
	Type      string `json:"type"`
	Key       string `json:"key"`
}

func (s *Server) handleMemoryForget(w http.ResponseWriter, r *http.Request) {
	var req memoryForgetRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "malformed body: "+err.Error(), nil)
		return
	}
	scope, ok := s.scopeFor(r, req.PersonaID)
	if !ok {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "persona_id is required", nil)
		return
	}

	deleted, err := s.resolver.Forget(r.Context(), scope, types.ItemType(req.Type), req.Key)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	s.ok(w, r, map[string]interface{}{"status": "ok", "deleted": deleted})
}

type memoryRecallRequest struct {
	PersonaID string `json:"persona_id"`
	Query     string `json:"query"`
	Limit     int    `json:"limit,omitempty"`
}

func (s *Server) handleMemoryRecall(w http.ResponseWriter, r *http.Request) {
	var req memoryRecallRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "malformed body: "+err.Error(), nil)
		return
	}
	scope, ok := s.scopeFor(r, req.PersonaID)
	if !ok {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "persona_id is required", nil)
		return
	}

	res, err := s.assembler.Recall(r.Context(), scope, req.Query, req.Limit)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	s.ok(w, r, map[string]interface{}{
		"profile":       res.Profile,
		"memory_items":  res.MemoryItems,
		"chat_snippets": res.ChatSnippets,
		"block":         s.assembler.FormatBlock(res),
	})
}

type memoryRebuildRequest struct {
	PersonaID string `json:"persona_id"`
}

func (s *Server) handleMemoryRebuild(w http.ResponseWriter, r *http.Request) {
	var req memoryRebuildRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "malformed body: "+err.Error(), nil)
		return
	}
	scope, ok := s.scopeFor(r, req.PersonaID)
	if !ok {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "persona_id is required", nil)
		return
	}

	if err := s.store.RebuildIndex(r.Context(), scope); err != nil {
		s.failErr(w, r, err)
		return
	}
	s.ok(w, r, map[string]interface{}{"status": "ok"})
}

func (s *Server) handleMemoryList(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scopeFor(r, r.URL.Query().Get("persona_id"))
	if !ok {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "persona_id is required", nil)
		return
	}

	items, err := s.store.ListMemory(r.Context(), scope)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	if items == nil {
		items = []types.MemoryItem{}
	}
	s.ok(w, r, map[string]interface{}{"items": items})
}

// --- Personas & slots ---

type personaCreateRequest struct {
	PersonaID   string `json:"persona_id"`
	DisplayName string `json:"display_name,omitempty"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handlePersonaCreate(w http.ResponseWriter, r *http.Request) {
	var req personaCreateRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "malformed body: "+err.Error(), nil)
		return
	}
	scope, ok := s.scopeFor(r, req.PersonaID)
	if !ok {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "persona_id is required", nil)
		return
	}

	if err := s.store.CreatePersona(r.Context(), scope, req.DisplayName, req.Description); err != nil {
		s.failErr(w, r, err)
		return
	}
	s.ok(w, r, map[string]interface{}{"status": "ok"})
}

type personaFromTemplateRequest struct {
	PersonaID      string `json:"persona_id"`
	TemplatePath   string `json:"template_path"`
	AllowOverwrite bool   `json:"allow_overwrite,omitempty"`
}

func (s *Server) handlePersonaFromTemplate(w http.ResponseWriter, r *http.Request) {
	var req personaFromTemplateRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "malformed body: "+err.Error(), nil)
		return
	}
	scope, ok := s.scopeFor(r, req.PersonaID)
	if !ok {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "persona_id is required", nil)
		return
	}

	dir, err := templates.ResolvePath(s.cfg.Templates.Root, req.TemplatePath)
	if err != nil {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, err.Error(), nil)
		return
	}
	seed, err := templates.Load(dir)
	if err != nil {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, err.Error(), nil)
		return
	}

	res, err := templates.Apply(r.Context(), s.store, scope, seed, req.AllowOverwrite)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	if res.Applied {
		s.assembler.Invalidate(scope)
	}
	s.ok(w, r, res)
}

func (s *Server) handlePersonaProfile(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scopeFor(r, r.URL.Query().Get("persona_id"))
	if !ok {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "persona_id is required", nil)
		return
	}

	profile, err := s.assembler.Profile(r.Context(), scope)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	s.ok(w, r, map[string]interface{}{"profile": profile})
}

type slotsGetRequest struct {
	PersonaID string `json:"persona_id"`
}

func (s *Server) handleSlotsGet(w http.ResponseWriter, r *http.Request) {
	var req slotsGetRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "malformed body: "+err.Error(), nil)
		return
	}
	scope, ok := s.scopeFor(r, req.PersonaID)
	if !ok {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "persona_id is required", nil)
		return
	}

	slots, err := s.store.GetSlots(r.Context(), scope)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	if slots == nil {
		slots = []types.PersonaSlot{}
	}
	s.ok(w, r, map[string]interface{}{"slots": slots})
}

type slotsSetRequest struct {
	PersonaID      string `json:"persona_id"`
	SlotName       string `json:"slot_name"`
	ValueJSON      string `json:"value_json"`
	ProvenanceJSON string `json:"provenance_json,omitempty"`
}

func (s *Server) handleSlotsSet(w http.ResponseWriter, r *http.Request) {
	var req slotsSetRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "malformed body: "+err.Error(), nil)
		return
	}
	scope, ok := s.scopeFor(r, req.PersonaID)
	if !ok {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "persona_id is required", nil)
		return
	}
	if !types.ItemType(req.SlotName).IsSlot() {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "unknown slot name", nil)
		return
	}

	if err := s.store.SetSlot(r.Context(), scope, req.SlotName, req.ValueJSON, req.ProvenanceJSON); err != nil {
		s.failErr(w, r, err)
		return
	}
	s.assembler.Invalidate(scope)
	s.ok(w, r, map[string]interface{}{"status": "ok"})
}

// --- Messages ---

type messageAppendRequest struct {
	PersonaID string `json:"persona_id"`
	SessionID string `json:"session_id,omitempty"`
	SourceApp string `json:"source_app,omitempty"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at,omitempty"`
}

func (s *Server) handleMessagesAppend(w http.ResponseWriter, r *http.Request) {
	var req messageAppendRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "malformed body: "+err.Error(), nil)
		return
	}
	scope, ok := s.scopeFor(r, req.PersonaID)
	if !ok {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "persona_id is required", nil)
		return
	}

	msg := &types.Message{
		SessionID: req.SessionID,
		SourceApp: req.SourceApp,
		Role:      req.Role,
		Content:   req.Content,
		CreatedAt: req.CreatedAt,
	}
	id, err := s.store.AppendMessage(r.Context(), scope, msg)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	s.ok(w, r, map[string]interface{}{"status": "ok", "message_id": id})
}

func (s *Server) handleMessagesRecent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope, ok := s.scopeFor(r, q.Get("persona_id"))
	if !ok {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "persona_id is required", nil)
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	days, _ := strconv.Atoi(q.Get("days"))

	msgs, err := s.store.RecentMessages(r.Context(), scope, limit, days)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []types.Message{}
	}
	s.ok(w, r, map[string]interface{}{"messages": msgs})
}

type messagePurgeRequest struct {
	PersonaID string `json:"persona_id"`
	BeforeTS  *int64 `json:"before_ts,omitempty"`
	Days      *int   `json:"days,omitempty"`
}

func (s *Server) handleMessagesPurge(w http.ResponseWriter, r *http.Request) {
	var req messagePurgeRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "malformed body: "+err.Error(), nil)
		return
	}
	scope, ok := s.scopeFor(r, req.PersonaID)
	if !ok {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "persona_id is required", nil)
		return
	}

	var beforeTS int64
	switch {
	case req.BeforeTS != nil:
		beforeTS = *req.BeforeTS
	case req.Days != nil:
		beforeTS = time.Now().Unix() - int64(*req.Days)*86400
	default:
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "before_ts or days is required", nil)
		return
	}

	deleted, err := s.store.PurgeMessages(r.Context(), scope, beforeTS)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	s.ok(w, r, map[string]interface{}{"status": "ok", "deleted": deleted})
}

// --- Goals ---

type goalCreateRequest struct {
	PersonaID string `json:"persona_id"`
	Title     string `json:"title"`
	Details   string `json:"details,omitempty"`
}

func (s *Server) handleGoalsCreate(w http.ResponseWriter, r *http.Request) {
	var req goalCreateRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "malformed body: "+err.Error(), nil)
		return
	}
	scope, ok := s.scopeFor(r, req.PersonaID)
	if !ok {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "persona_id is required", nil)
		return
	}

	id, err := s.store.CreateGoal(r.Context(), scope, req.Title, req.Details)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	s.ok(w, r, map[string]interface{}{"status": "ok", "goal_id": id})
}

func (s *Server) handleGoalsList(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scopeFor(r, r.URL.Query().Get("persona_id"))
	if !ok {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "persona_id is required", nil)
		return
	}

	goals, err := s.store.ListGoals(r.Context(), scope)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	if goals == nil {
		goals = []types.Goal{}
	}
	s.ok(w, r, map[string]interface{}{"goals": goals})
}

type goalStatusRequest struct {
	PersonaID string `json:"persona_id"`
	GoalID    int64  `json:"goal_id"`
	Status    string `json:"status"`
}

func (s *Server) handleGoalsStatus(w http.ResponseWriter, r *http.Request) {
	var req goalStatusRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "malformed body: "+err.Error(), nil)
		return
	}
	scope, ok := s.scopeFor(r, req.PersonaID)
	if !ok {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "persona_id is required", nil)
		return
	}

	if err := s.store.UpdateGoalStatus(r.Context(), scope, req.GoalID, types.GoalStatus(req.Status)); err != nil {
		s.failErr(w, r, err)
		return
	}
	s.ok(w, r, map[string]interface{}{"status": "ok"})
}

type goalLinkRequest struct {
	PersonaID string `json:"persona_id"`
	GoalID    int64  `json:"goal_id"`
	MemoryID  *int64 `json:"memory_id,omitempty"`
	Note      string `json:"note,omitempty"`
}

func (s *Server) handleGoalsLink(w http.ResponseWriter, r *http.Request) {
	var req goalLinkRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "malformed body: "+err.Error(), nil)
		return
	}
	scope, ok := s.scopeFor(r, req.PersonaID)
	if !ok {
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, "persona_id is required", nil)
		return
	}

	id, err := s.store.LinkGoal(r.Context(), scope, req.GoalID, req.MemoryID, req.Note)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	s.ok(w, r, map[string]interface{}{"status": "ok", "link_id": id})
}

// --- Operational ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.ok(w, r, map[string]interface{}{"status": "ok"})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	s.ok(w, r, map[string]interface{}{
		"backend":   s.cfg.Storage.Backend,
		"search":    s.store.SearchEnabled(),
		"recall":    "keyword",
		"judge":     "rules",
		"profile":   "markdown",
		"sensitive": s.cfg.Judge.SensitivePolicy,
		"events":    s.cfg.Events.Sink,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.Metrics(r.Context())
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	s.ok(w, r, m)
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r, tenantID(r))
}
