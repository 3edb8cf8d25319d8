package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	"github.com/devbrowser/relay/lib/logger"
	"github.com/devbrowser/relay/lib/pagestore"
)

const maxPageNameLen = 256

// Routes mounts the relay's full surface: the REST page-management facade,
// DevTools discovery aliases, and both websocket endpoints.
func (r *Relay) Routes() chi.Router {
	router := chi.NewRouter()

	router.Get("/", r.handleRoot)
	router.Head("/", r.handleRoot)
	router.Get("/stats", r.handleStats)
	router.Get("/json/version", r.handleJSONVersion)
	router.Get("/json", r.handleJSONList)
	router.Get("/json/list", r.handleJSONList)

	router.Get("/pages", r.handleListPages)
	router.Post("/pages", r.handleCreatePage)
	router.Delete("/pages/{name}", r.handleDeletePage)
	router.Delete("/sessions/{id}", r.handleCloseSession)

	router.HandleFunc("/extension", r.HandleExtensionWS)
	router.HandleFunc("/cdp", r.HandleClientWS)
	router.HandleFunc("/cdp/{session}", r.HandleClientWS)

	return router
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (r *Relay) handleRoot(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"wsEndpoint":         r.WSEndpoint(DefaultSession),
		"extensionConnected": r.ExtensionConnected(),
		"mode":               "extension",
	})
}

func (r *Relay) handleStats(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.Stats())
}

func (r *Relay) handleJSONVersion(w http.ResponseWriter, req *http.Request) {
	payload := map[string]any{
		"Browser":          "DevBrowser/extension-relay",
		"Protocol-Version": "1.3",
	}
	if r.ExtensionConnected() {
		payload["webSocketDebuggerUrl"] = r.WSEndpoint(DefaultSession)
	}
	writeJSON(w, http.StatusOK, payload)
}

func (r *Relay) handleJSONList(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	list := make([]map[string]string, 0, len(r.connectedTargets))
	for _, t := range r.connectedTargets {
		list = append(list, map[string]string{
			"id":                   t.TargetID,
			"type":                 t.Info.Type,
			"title":                t.Info.Title,
			"url":                  t.Info.URL,
			"webSocketDebuggerUrl": r.WSEndpoint(DefaultSession),
		})
	}
	r.mu.Unlock()
	writeJSON(w, http.StatusOK, list)
}

func agentSessionFromHeader(req *http.Request) (string, error) {
	s := req.Header.Get(SessionHeader)
	if s == "" {
		s = DefaultSession
	}
	if strings.Contains(s, ":") {
		return "", fmt.Errorf("session must not contain a colon")
	}
	return s, nil
}

func (r *Relay) handleListPages(w http.ResponseWriter, req *http.Request) {
	agentSession, err := agentSessionFromHeader(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	r.mu.Lock()
	names := []string{}
	if s, ok := r.sessions[agentSession]; ok {
		for name := range s.pageNames {
			names = append(names, name)
		}
	}
	r.mu.Unlock()
	sort.Strings(names)

	writeJSON(w, http.StatusOK, map[string]any{"pages": names})
}

type createPageRequest struct {
	Name     string `json:"name"`
	URL      string `json:"url,omitempty"`
	Viewport *struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"viewport,omitempty"`
	Pinned bool `json:"pinned,omitempty"`
}

func validatePageName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if len(name) > maxPageNameLen {
		return fmt.Errorf("name must be at most %d characters", maxPageNameLen)
	}
	if strings.Contains(name, ":") {
		return fmt.Errorf("name must not contain a colon (reserved as separator)")
	}
	return nil
}

// handleCreatePage creates or reuses a named page in the caller's agent
// session and activates it. Reuse is idempotent: the same name returns the
// same target.
func (r *Relay) handleCreatePage(w http.ResponseWriter, req *http.Request) {
	log := logger.FromContext(req.Context())

	agentSession, err := agentSessionFromHeader(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var body createPageRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validatePageName(body.Name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !r.ExtensionConnected() {
		writeError(w, http.StatusServiceUnavailable, "extension not connected")
		return
	}

	key := agentSession + ":" + body.Name

	// Existing live binding: return the same target.
	r.mu.Lock()
	if sid, ok := r.namedPages[key]; ok {
		if t, live := r.connectedTargets[sid]; live {
			targetID, url := t.TargetID, t.Info.URL
			r.mu.Unlock()
			r.activateTarget(req, targetID)
			writeJSON(w, http.StatusOK, map[string]any{
				"wsEndpoint": r.WSEndpoint(agentSession),
				"name":       body.Name,
				"targetId":   targetID,
				"url":        url,
			})
			return
		}
		// Binding went stale (extension restarted); fall through and create.
		delete(r.namedPages, key)
	}

	count := 0
	if s, ok := r.sessions[agentSession]; ok {
		count = len(s.pageNames)
	}
	limit, warnAt := r.cfg.MaxTabsPerSession, r.cfg.WarnTabsPerSession
	r.mu.Unlock()

	if count >= limit {
		writeError(w, http.StatusTooManyRequests,
			fmt.Sprintf("session tab limit reached (%d/%d)", count, limit))
		return
	}

	pageURL := body.URL
	if pageURL == "" {
		pageURL = "about:blank"
	}
	createParams := map[string]any{
		"url":       pageURL,
		"sessionId": agentSession,
		"pinned":    body.Pinned,
	}
	if body.Viewport != nil {
		createParams["viewport"] = body.Viewport
	}

	raw, err := r.sendToExtension(req.Context(), "createTab", createParams)
	if err != nil {
		log.Error("createTab failed", "key", key, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	targetID := gjson.GetBytes(raw, "targetId").String()
	cdpSessionID := gjson.GetBytes(raw, "cdpSessionId").String()
	if targetID == "" {
		writeError(w, http.StatusInternalServerError, "extension returned no targetId")
		return
	}

	// Event-driven wait for the attach event; the extension's response can
	// land before Chrome's Target.attachedToTarget does.
	target, err := r.waitForAttach(targetID, cdpSessionID)
	if err != nil {
		log.Error("attach wait failed", "key", key, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	r.mu.Lock()
	r.namedPages[key] = target.CDPSessionID
	s := r.sessionLocked(agentSession)
	s.pageNames[body.Name] = struct{}{}
	s.targetSessions[target.CDPSessionID] = struct{}{}
	r.targetToAgentSession[target.CDPSessionID] = agentSession
	r.upsertPersistedLocked(key, target)
	newCount := len(s.pageNames)
	r.mu.Unlock()
	r.schedulePersistSave()

	r.activateTarget(req, targetID)

	resp := map[string]any{
		"wsEndpoint": r.WSEndpoint(agentSession),
		"name":       body.Name,
		"targetId":   targetID,
		"url":        target.Info.URL,
	}
	if newCount >= warnAt {
		resp["warning"] = fmt.Sprintf("session is approaching its tab limit (%d/%d)", newCount, limit)
	}
	log.Info("page created", "key", key, "targetId", targetID, "tabs", newCount)
	writeJSON(w, http.StatusOK, resp)
}

// waitForAttach blocks until the Target.attachedToTarget for targetID has
// been observed, bounded by the attach-event wait.
func (r *Relay) waitForAttach(targetID, cdpSessionID string) (*ConnectedTarget, error) {
	r.mu.Lock()
	if t, ok := r.connectedTargets[cdpSessionID]; ok {
		r.mu.Unlock()
		return t, nil
	}
	ch := make(chan ConnectedTarget, 1)
	r.attachWaiters[targetID] = append(r.attachWaiters[targetID], ch)
	r.mu.Unlock()

	select {
	case t := <-ch:
		return &t, nil
	case <-time.After(r.cfg.AttachEventWait):
		r.mu.Lock()
		waiters := r.attachWaiters[targetID]
		for i, c := range waiters {
			if c == ch {
				r.attachWaiters[targetID] = append(waiters[:i], waiters[i+1:]...)
				break
			}
		}
		r.mu.Unlock()
		return nil, fmt.Errorf("timed out waiting for target %s to attach", targetID)
	}
}

func (r *Relay) activateTarget(req *http.Request, targetID string) {
	params, _ := json.Marshal(map[string]string{"targetId": targetID})
	if _, err := r.sendToExtension(req.Context(), "forwardCDPCommand", forwardParams{
		Method: "Target.activateTarget",
		Params: params,
	}); err != nil {
		logger.FromContext(req.Context()).Debug("activate target failed", "targetId", targetID, "err", err)
	}
}

func (r *Relay) handleDeletePage(w http.ResponseWriter, req *http.Request) {
	agentSession, err := agentSessionFromHeader(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	name := chi.URLParam(req, "name")
	key := agentSession + ":" + name

	r.mu.Lock()
	sid, ok := r.namedPages[key]
	if !ok {
		if _, persisted := r.persisted[key]; !persisted {
			r.mu.Unlock()
			writeError(w, http.StatusNotFound, "page not found: "+name)
			return
		}
	}
	target := r.connectedTargets[sid]
	delete(r.namedPages, key)
	delete(r.persisted, key)
	if s, live := r.sessions[agentSession]; live {
		delete(s.pageNames, name)
		delete(s.targetSessions, sid)
	}
	if target != nil {
		delete(r.connectedTargets, sid)
		delete(r.targetToAgentSession, sid)
	}
	r.mu.Unlock()
	r.schedulePersistSave()

	if target != nil {
		if _, err := r.sendToExtension(req.Context(), "closeTab", map[string]int{"tabId": target.TabID}); err != nil {
			logger.FromContext(req.Context()).Warn("closeTab failed", "key", key, "err", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (r *Relay) handleCloseSession(w http.ResponseWriter, req *http.Request) {
	agentSession := chi.URLParam(req, "id")
	if strings.Contains(agentSession, ":") {
		writeError(w, http.StatusBadRequest, "session must not contain a colon")
		return
	}

	r.mu.Lock()
	s, ok := r.sessions[agentSession]
	if !ok {
		r.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"closed": 0, "pages": []string{}})
		return
	}
	names := make([]string, 0, len(s.pageNames))
	for name := range s.pageNames {
		names = append(names, name)
		key := agentSession + ":" + name
		sid := r.namedPages[key]
		delete(r.namedPages, key)
		delete(r.persisted, key)
		delete(r.connectedTargets, sid)
		delete(r.targetToAgentSession, sid)
	}
	delete(r.sessions, agentSession)
	r.mu.Unlock()
	sort.Strings(names)
	r.schedulePersistSave()

	if r.ExtensionConnected() {
		if _, err := r.sendToExtension(req.Context(), "closeSession", map[string]string{"sessionId": agentSession}); err != nil {
			logger.FromContext(req.Context()).Warn("closeSession failed", "session", agentSession, "err", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"closed": len(names), "pages": names})
}

// persistedEntries exposes a snapshot for tests.
func (r *Relay) persistedEntries() []pagestore.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.persistedSnapshotLocked()
}
