package chromedebug

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/devbrowser/relay/lib/extension"
)

// Client satisfies extension.Browser; the compile check keeps the two in
// step.
var _ extension.Browser = (*Client)(nil)

func (c *Client) CreateTab(ctx context.Context, url string) (*extension.Tab, error) {
	if url == "" {
		url = "about:blank"
	}
	raw, err := c.call(ctx, "Target.createTarget", map[string]string{"url": url}, "")
	if err != nil {
		return nil, fmt.Errorf("create target: %w", err)
	}
	targetID := gjson.GetBytes(raw, "targetId").String()
	if targetID == "" {
		return nil, fmt.Errorf("createTarget returned no targetId")
	}

	c.mu.Lock()
	rec := c.recordTargetLocked(targetID, url, "")
	c.mu.Unlock()
	return c.tabFromRecord(rec), nil
}

func (c *Client) RemoveTab(ctx context.Context, tabID int) error {
	c.mu.Lock()
	rec, ok := c.tabs[tabID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no tab %d", tabID)
	}
	if _, err := c.call(ctx, "Target.closeTarget", map[string]string{"targetId": rec.targetID}, ""); err != nil {
		return fmt.Errorf("close target %s: %w", rec.targetID, err)
	}
	// Target.targetDestroyed finishes the cleanup when Chrome confirms.
	return nil
}

func (c *Client) ActivateTab(ctx context.Context, tabID int) error {
	c.mu.Lock()
	rec, ok := c.tabs[tabID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no tab %d", tabID)
	}
	if _, err := c.call(ctx, "Target.activateTarget", map[string]string{"targetId": rec.targetID}, ""); err != nil {
		return fmt.Errorf("activate target %s: %w", rec.targetID, err)
	}
	c.mu.Lock()
	c.active = tabID
	c.mu.Unlock()
	return nil
}

func (c *Client) GetTab(_ context.Context, tabID int) (*extension.Tab, error) {
	c.mu.Lock()
	rec, ok := c.tabs[tabID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no tab %d", tabID)
	}
	return c.tabFromRecord(rec), nil
}

func (c *Client) QueryTabs(_ context.Context) ([]extension.Tab, error) {
	c.mu.Lock()
	recs := make([]*tabRecord, 0, len(c.tabs))
	for _, rec := range c.tabs {
		recs = append(recs, rec)
	}
	c.mu.Unlock()
	out := make([]extension.Tab, 0, len(recs))
	for _, rec := range recs {
		out = append(out, *c.tabFromRecord(rec))
	}
	return out, nil
}

func (c *Client) tabFromRecord(rec *tabRecord) *extension.Tab {
	c.mu.Lock()
	active := c.active == rec.id
	c.mu.Unlock()
	return &extension.Tab{
		ID:      rec.id,
		URL:     rec.url,
		Title:   rec.title,
		GroupID: c.groups.groupOf(rec.targetID),
		Active:  active,
	}
}

func (c *Client) GroupTabs(_ context.Context, tabIDs []int, groupID int) (int, error) {
	targetIDs := make([]string, 0, len(tabIDs))
	c.mu.Lock()
	for _, id := range tabIDs {
		rec, ok := c.tabs[id]
		if !ok {
			c.mu.Unlock()
			return 0, fmt.Errorf("no tab %d", id)
		}
		targetIDs = append(targetIDs, rec.targetID)
	}
	c.mu.Unlock()
	return c.groups.assign(targetIDs, groupID), nil
}

func (c *Client) UpdateGroupTitle(_ context.Context, groupID int, title string) error {
	if !c.groups.setTitle(groupID, title) {
		return fmt.Errorf("no group %d", groupID)
	}
	return nil
}

func (c *Client) ListGroups(_ context.Context) ([]extension.TabGroup, error) {
	return c.groups.list(), nil
}

func (c *Client) AttachDebugger(ctx context.Context, tabID int) error {
	c.mu.Lock()
	rec, ok := c.tabs[tabID]
	if ok {
		if _, attached := c.primary[tabID]; attached {
			c.mu.Unlock()
			return nil
		}
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no tab %d", tabID)
	}

	raw, err := c.call(ctx, "Target.attachToTarget", map[string]any{
		"targetId": rec.targetID,
		"flatten":  true,
	}, "")
	if err != nil {
		return fmt.Errorf("attach to target %s: %w", rec.targetID, err)
	}
	sid := gjson.GetBytes(raw, "sessionId").String()
	if sid == "" {
		return fmt.Errorf("attachToTarget returned no sessionId")
	}

	c.mu.Lock()
	c.primary[tabID] = sid
	c.byPrimary[sid] = tabID
	c.mu.Unlock()
	return nil
}

func (c *Client) DetachDebugger(ctx context.Context, tabID int) error {
	c.mu.Lock()
	sid, ok := c.primary[tabID]
	if ok {
		c.dropAttachmentLocked(tabID)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("not attached to tab %d", tabID)
	}
	if _, err := c.call(ctx, "Target.detachFromTarget", map[string]string{"sessionId": sid}, ""); err != nil {
		return fmt.Errorf("detach from tab %d: %w", tabID, err)
	}
	return nil
}

// SendDebuggerCommand runs a CDP command on the tab's primary session, or on
// the named child session when sessionID is set.
func (c *Client) SendDebuggerCommand(ctx context.Context, tabID int, method string, params json.RawMessage, sessionID string) (json.RawMessage, error) {
	sid := sessionID
	if sid == "" {
		c.mu.Lock()
		primary, ok := c.primary[tabID]
		c.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("not attached to tab %d", tabID)
		}
		sid = primary
	}
	var p any
	if len(params) > 0 {
		p = params
	}
	return c.call(ctx, method, p, sid)
}

func (c *Client) OnDebuggerEvent(fn extension.DebuggerEventFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventFn = fn
}

func (c *Client) OnDebuggerDetach(fn extension.DetachFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detachFn = fn
}
