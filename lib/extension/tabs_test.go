package extension

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachMintsSessionAndIndexes(t *testing.T) {
	ctx := context.Background()
	browser := newFakeBrowser()
	tm := NewTabManager(browser, silentLogger())
	tab := browser.addTab("https://example.com", GroupNone)

	a, err := tm.Attach(ctx, tab.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, a.CDPSessionID)
	assert.Equal(t, fmt.Sprintf("target-%d", tab.ID), a.TargetID)
	assert.Equal(t, "https://example.com", a.Info.URL)
	assert.True(t, a.Info.Attached)

	bySid, ok := tm.GetBySessionID(a.CDPSessionID)
	require.True(t, ok)
	assert.Same(t, a, bySid)
	byTid, ok := tm.GetByTargetID(a.TargetID)
	require.True(t, ok)
	assert.Same(t, a, byTid)

	// Attaching again is a no-op returning the live attachment.
	again, err := tm.Attach(ctx, tab.ID)
	require.NoError(t, err)
	assert.Same(t, a, again)
}

func TestAttachWithRetryOutlastsSlowTab(t *testing.T) {
	ctx := context.Background()
	browser := newFakeBrowser()
	tm := NewTabManager(browser, silentLogger())
	tab := browser.addTab("https://example.com", GroupNone)
	browser.attachErrs[tab.ID] = 2

	a, err := tm.AttachWithRetry(ctx, tab.ID)
	require.NoError(t, err)
	assert.Equal(t, tab.ID, a.TabID)
}

func TestDetachRemovesBindingsAndChildren(t *testing.T) {
	ctx := context.Background()
	browser := newFakeBrowser()
	tm := NewTabManager(browser, silentLogger())
	tab := browser.addTab("https://example.com", GroupNone)

	a, err := tm.Attach(ctx, tab.ID)
	require.NoError(t, err)
	tm.TrackChildSession("child-1", tab.ID)

	require.NoError(t, tm.Detach(ctx, tab.ID, true))
	_, ok := tm.Get(tab.ID)
	assert.False(t, ok)
	_, ok = tm.GetBySessionID(a.CDPSessionID)
	assert.False(t, ok)
	_, ok = tm.ParentTabForChild("child-1")
	assert.False(t, ok)

	// Detaching a tab that was never attached is not an error.
	require.NoError(t, tm.Detach(ctx, tab.ID, true))
}

func TestHandleDebuggerDetachDropsAttachment(t *testing.T) {
	ctx := context.Background()
	browser := newFakeBrowser()
	tm := NewTabManager(browser, silentLogger())
	tab := browser.addTab("https://example.com", GroupNone)

	a, err := tm.Attach(ctx, tab.ID)
	require.NoError(t, err)

	gone := tm.HandleDebuggerDetach(tab.ID, "target_closed")
	require.NotNil(t, gone)
	assert.Equal(t, a.CDPSessionID, gone.CDPSessionID)
	assert.False(t, gone.Connected)
	_, ok := tm.Get(tab.ID)
	assert.False(t, ok)

	assert.Nil(t, tm.HandleDebuggerDetach(tab.ID, "target_closed"))
}

func TestReattachMintsFreshSessionID(t *testing.T) {
	ctx := context.Background()
	browser := newFakeBrowser()
	tm := NewTabManager(browser, silentLogger())
	tab := browser.addTab("https://example.com", GroupNone)

	first, err := tm.Attach(ctx, tab.ID)
	require.NoError(t, err)
	tm.HandleDebuggerDetach(tab.ID, "canceled_by_user")
	delete(browser.attached, tab.ID)

	second, err := tm.Attach(ctx, tab.ID)
	require.NoError(t, err)
	assert.Equal(t, first.TargetID, second.TargetID)
	assert.NotEqual(t, first.CDPSessionID, second.CDPSessionID)
}
