package relay

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"
)

// handleClientCommand answers one CDP command. The relay implements a minimum
// CDP persona locally (the Target/Browser meta commands Playwright-style
// drivers issue against a browser endpoint) and forwards everything else to
// the extension. Synthesized events always follow the command's response, and
// go only to the originating client.
func (r *Relay) handleClientCommand(ctx context.Context, c *client, cmd *cdpRequest) {
	if !r.ExtensionConnected() {
		r.respondError(c, cmd, "Extension not connected")
		return
	}

	var (
		result     any
		err        error
		postEvents []*cdpEvent
	)

	switch cmd.Method {
	case "Browser.getVersion":
		result = map[string]string{
			"protocolVersion": "1.3",
			"product":         "Chrome/DevBrowser-Relay",
			"revision":        "0",
			"userAgent":       "DevBrowser-Relay",
			"jsVersion":       "V8",
		}

	case "Browser.setDownloadBehavior":
		result = map[string]any{}

	case "Target.setAutoAttach":
		if cmd.SessionID != "" {
			// Child-frame auto-attach is meaningful; let the extension
			// handle it against the real debugger session.
			result, err = r.forwardCommand(ctx, cmd)
			break
		}
		result = map[string]any{}
		postEvents = r.attachedEventsForKnownTargets(c)

	case "Target.setDiscoverTargets":
		result = map[string]any{}
		if gjson.GetBytes(cmd.Params, "discover").Bool() {
			postEvents = r.targetCreatedEvents()
		}

	case "Target.attachToBrowserTarget":
		result = map[string]string{"sessionId": browserSessionID}

	case "Target.detachFromTarget":
		if gjson.GetBytes(cmd.Params, "sessionId").String() == browserSessionID {
			result = map[string]any{}
			break
		}
		result, err = r.forwardCommand(ctx, cmd)

	case "Target.attachToTarget":
		targetID := gjson.GetBytes(cmd.Params, "targetId").String()
		var target *ConnectedTarget
		target, err = r.targetByID(targetID)
		if err == nil {
			result = map[string]string{"sessionId": target.CDPSessionID}
			postEvents = append(postEvents, attachedEventFor(target))
		}

	case "Target.getTargetInfo":
		result = r.targetInfoFor(cmd)

	case "Target.getTargets":
		result = map[string]any{"targetInfos": r.allTargetInfos()}

	case "Target.createTarget":
		// The extension cannot service a raw Target.createTarget (there is
		// no debuggee yet); it becomes a session-aware createTab.
		raw, cerr := r.sendToExtension(ctx, "createTab", map[string]any{
			"url":       gjson.GetBytes(cmd.Params, "url").String(),
			"sessionId": c.session,
		})
		err = cerr
		if err == nil {
			result = map[string]string{
				"targetId": gjson.GetBytes(raw, "targetId").String(),
			}
		}

	default:
		result, err = r.forwardCommand(ctx, cmd)
	}

	if err != nil {
		r.respondError(c, cmd, err.Error())
	} else {
		r.writeToClient(c, &cdpResponse{ID: &cmd.ID, SessionID: cmd.SessionID, Result: result})
	}

	for _, evt := range postEvents {
		dedup := ""
		if evt.Method == "Target.attachedToTarget" {
			dedup = attachedTargetID(evt)
		}
		r.deliverEventToClient(c, evt, dedup)
	}
}

func (r *Relay) respondError(c *client, cmd *cdpRequest, msg string) {
	r.writeToClient(c, &cdpResponse{
		ID:        &cmd.ID,
		SessionID: cmd.SessionID,
		Error:     &cdpError{Message: msg},
	})
}

// forwardCommand passes a CDP command through to the extension verbatim.
func (r *Relay) forwardCommand(ctx context.Context, cmd *cdpRequest) (any, error) {
	raw, err := r.sendToExtension(ctx, "forwardCDPCommand", forwardParams{
		Method:    cmd.Method,
		Params:    cmd.Params,
		SessionID: cmd.SessionID,
	})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	return raw, nil
}

func (r *Relay) targetByID(targetID string) (*ConnectedTarget, error) {
	if targetID == "" {
		return nil, fmt.Errorf("targetId required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.connectedTargets {
		if t.TargetID == targetID {
			return t, nil
		}
	}
	return nil, fmt.Errorf("target not found: %s", targetID)
}

// targetInfoFor resolves Target.getTargetInfo: by explicit targetId, then by
// the command's sessionId, then the first known target as a fallback.
func (r *Relay) targetInfoFor(cmd *cdpRequest) map[string]any {
	targetID := gjson.GetBytes(cmd.Params, "targetId").String()

	r.mu.Lock()
	defer r.mu.Unlock()

	if targetID != "" {
		for _, t := range r.connectedTargets {
			if t.TargetID == targetID {
				return map[string]any{"targetInfo": t.Info}
			}
		}
	}
	if cmd.SessionID != "" {
		if t, ok := r.connectedTargets[cmd.SessionID]; ok {
			return map[string]any{"targetInfo": t.Info}
		}
	}
	for _, t := range r.connectedTargets {
		return map[string]any{"targetInfo": t.Info}
	}
	return map[string]any{"targetInfo": nil}
}

func (r *Relay) allTargetInfos() []TargetInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]TargetInfo, 0, len(r.connectedTargets))
	for _, t := range r.connectedTargets {
		infos = append(infos, t.Info)
	}
	return infos
}

// attachedEventsForKnownTargets synthesizes attach events for every target
// this client has not seen yet. The dedup set itself is updated at delivery.
func (r *Relay) attachedEventsForKnownTargets(c *client) []*cdpEvent {
	r.mu.Lock()
	targets := make([]*ConnectedTarget, 0, len(r.connectedTargets))
	for _, t := range r.connectedTargets {
		if _, seen := c.knownTargets[t.TargetID]; seen {
			continue
		}
		targets = append(targets, t)
	}
	r.mu.Unlock()

	evts := make([]*cdpEvent, 0, len(targets))
	for _, t := range targets {
		evts = append(evts, attachedEventFor(t))
	}
	return evts
}

func (r *Relay) targetCreatedEvents() []*cdpEvent {
	r.mu.Lock()
	targets := make([]*ConnectedTarget, 0, len(r.connectedTargets))
	for _, t := range r.connectedTargets {
		targets = append(targets, t)
	}
	r.mu.Unlock()

	evts := make([]*cdpEvent, 0, len(targets))
	for _, t := range targets {
		evts = append(evts, &cdpEvent{
			Method: "Target.targetCreated",
			Params: map[string]any{"targetInfo": t.Info},
		})
	}
	return evts
}

func attachedEventFor(t *ConnectedTarget) *cdpEvent {
	return &cdpEvent{
		Method: "Target.attachedToTarget",
		Params: map[string]any{
			"sessionId":          t.CDPSessionID,
			"targetInfo":         t.Info,
			"waitingForDebugger": false,
		},
	}
}

func attachedTargetID(evt *cdpEvent) string {
	params, ok := evt.Params.(map[string]any)
	if !ok {
		return ""
	}
	info, ok := params["targetInfo"].(TargetInfo)
	if !ok {
		return ""
	}
	return info.TargetID
}

// deliverEventToClient sends one synthesized event to a single client,
// honoring its known-targets dedup set.
func (r *Relay) deliverEventToClient(c *client, evt *cdpEvent, dedupTargetID string) {
	if dedupTargetID != "" {
		r.mu.Lock()
		if _, seen := c.knownTargets[dedupTargetID]; seen {
			r.mu.Unlock()
			return
		}
		c.knownTargets[dedupTargetID] = struct{}{}
		r.eventsDelivered++
		r.mu.Unlock()
	} else {
		r.mu.Lock()
		r.eventsDelivered++
		r.mu.Unlock()
	}
	r.writeToClient(c, evt)
}
