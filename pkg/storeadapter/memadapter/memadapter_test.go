package memadapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troparcel/sync/pkg/storeadapter"
)

func TestListAndReadItemRoundTrip(t *testing.T) {
	a := New()
	a.AddItem("item1", []string{"checksum1"})

	items, err := a.ListItems()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "item1", items[0].LocalID)

	item, err := a.ReadItem("item1")
	require.NoError(t, err)
	assert.Equal(t, []string{"checksum1"}, item.Summary.PhotoChecksums)
	assert.Empty(t, item.Notes)
}

func TestReadItemUnknownReturnsError(t *testing.T) {
	a := New()
	_, err := a.ReadItem("nope")
	assert.Error(t, err)
}

func TestDispatchUpsertNoteNotifiesSubscriber(t *testing.T) {
	a := New()
	a.AddItem("item1", nil)

	var notified int
	a.Subscribe(func() { notified++ })

	err := a.Dispatch(storeadapter.Action{
		Kind:    storeadapter.ActionUpsertNote,
		LocalID: "item1",
		Key:     "note1",
		Payload: map[string]any{"html": "<p>hi</p>", "text": "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, notified)

	item, err := a.ReadItem("item1")
	require.NoError(t, err)
	require.Len(t, item.Notes, 1)
	assert.Equal(t, "<p>hi</p>", item.Notes[0].HTML)
}

func TestDispatchSuppressedDoesNotNotify(t *testing.T) {
	a := New()
	a.AddItem("item1", nil)

	var notified int
	a.Subscribe(func() { notified++ })

	err := a.DispatchSuppressed(storeadapter.Action{
		Kind:    storeadapter.ActionUpsertNote,
		LocalID: "item1",
		Key:     "note1",
		Payload: map[string]any{"text": "quiet"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, notified)
}

func TestSuppressChangesBracketBlocksNotify(t *testing.T) {
	a := New()
	a.AddItem("item1", nil)

	var notified int
	a.Subscribe(func() { notified++ })

	resume := a.SuppressChanges()
	require.NoError(t, a.Dispatch(storeadapter.Action{
		Kind: storeadapter.ActionUpsertTag, LocalID: "item1", Key: "tag1",
		Payload: map[string]any{"name": "tag1"},
	}))
	assert.Equal(t, 0, notified)
	resume()

	require.NoError(t, a.Dispatch(storeadapter.Action{
		Kind: storeadapter.ActionUpsertTag, LocalID: "item1", Key: "tag2",
		Payload: map[string]any{"name": "tag2"},
	}))
	assert.Equal(t, 1, notified)
}

// TestSuppressChangesNestsSafely verifies that resuming one bracket while a
// sibling bracket is still open does not re-enable notifications early.
func TestSuppressChangesNestsSafely(t *testing.T) {
	a := New()
	a.AddItem("item1", nil)

	var notified int
	a.Subscribe(func() { notified++ })

	resumeOuter := a.SuppressChanges()
	resumeInner := a.SuppressChanges()

	require.NoError(t, a.Dispatch(storeadapter.Action{
		Kind: storeadapter.ActionUpsertTag, LocalID: "item1", Key: "tag1",
		Payload: map[string]any{"name": "tag1"},
	}))
	assert.Equal(t, 0, notified)

	resumeInner()
	require.NoError(t, a.Dispatch(storeadapter.Action{
		Kind: storeadapter.ActionUpsertTag, LocalID: "item1", Key: "tag2",
		Payload: map[string]any{"name": "tag2"},
	}))
	assert.Equal(t, 0, notified, "outer bracket still open, notification must stay suppressed")

	resumeOuter()
	require.NoError(t, a.Dispatch(storeadapter.Action{
		Kind: storeadapter.ActionUpsertTag, LocalID: "item1", Key: "tag3",
		Payload: map[string]any{"name": "tag3"},
	}))
	assert.Equal(t, 1, notified)
}

func TestSuppressChangesResumeIsIdempotent(t *testing.T) {
	a := New()
	a.AddItem("item1", nil)

	var notified int
	a.Subscribe(func() { notified++ })

	resume := a.SuppressChanges()
	resume()
	resume() // calling twice must not under-decrement the refcount

	require.NoError(t, a.Dispatch(storeadapter.Action{
		Kind: storeadapter.ActionUpsertTag, LocalID: "item1", Key: "tag1",
		Payload: map[string]any{"name": "tag1"},
	}))
	assert.Equal(t, 1, notified)
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	a := New()
	a.AddItem("item1", nil)

	var notified int
	unsubscribe := a.Subscribe(func() { notified++ })
	unsubscribe()

	require.NoError(t, a.Dispatch(storeadapter.Action{
		Kind: storeadapter.ActionUpsertTag, LocalID: "item1", Key: "tag1",
		Payload: map[string]any{"name": "tag1"},
	}))
	assert.Equal(t, 0, notified)
}

func TestTagAndListLifecycle(t *testing.T) {
	a := New()
	a.AddItem("item1", nil)

	require.NoError(t, a.Dispatch(storeadapter.Action{
		Kind: storeadapter.ActionUpsertTag, LocalID: "item1", Key: "tag1",
		Payload: map[string]any{"name": "fieldwork", "color": "blue"},
	}))
	tags, err := a.ListTags()
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, "fieldwork", tags[0].Name)

	require.NoError(t, a.Dispatch(storeadapter.Action{
		Kind: storeadapter.ActionRemoveTag, LocalID: "item1", Key: "tag1",
	}))
	item, err := a.ReadItem("item1")
	require.NoError(t, err)
	assert.Empty(t, item.Tags)

	require.NoError(t, a.Dispatch(storeadapter.Action{
		Kind: storeadapter.ActionUpsertListMembership, LocalID: "item1", Key: "list1",
	}))
	lists, err := a.ListLists()
	require.NoError(t, err)
	require.Len(t, lists, 1)

	item, err = a.ReadItem("item1")
	require.NoError(t, err)
	assert.Equal(t, []string{"list1"}, item.ListMemberships)

	require.NoError(t, a.Dispatch(storeadapter.Action{
		Kind: storeadapter.ActionRemoveListMembership, LocalID: "item1", Key: "list1",
	}))
	item, err = a.ReadItem("item1")
	require.NoError(t, err)
	assert.Empty(t, item.ListMemberships)
}

func TestDispatchUnknownItemReturnsError(t *testing.T) {
	a := New()
	err := a.Dispatch(storeadapter.Action{Kind: storeadapter.ActionUpsertTag, LocalID: "ghost", Key: "tag1"})
	assert.Error(t, err)
}

func TestSelectionAndTranscriptionRoundTrip(t *testing.T) {
	a := New()
	a.AddItem("item1", []string{"checksum1"})

	require.NoError(t, a.Dispatch(storeadapter.Action{
		Kind: storeadapter.ActionUpsertSelection, LocalID: "item1", Key: "sel1",
		Payload: map[string]any{"photo": "checksum1", "x": 0.1, "y": 0.2, "w": 0.3, "h": 0.4},
	}))
	require.NoError(t, a.Dispatch(storeadapter.Action{
		Kind: storeadapter.ActionUpsertTranscription, LocalID: "item1", Key: "tr1",
		Payload: map[string]any{"text": "hello", "sel": "sel1"},
	}))

	item, err := a.ReadItem("item1")
	require.NoError(t, err)
	require.Len(t, item.Selections, 1)
	assert.InDelta(t, 0.3, item.Selections[0].W, 1e-9)
	require.Len(t, item.Transcriptions, 1)
	assert.Equal(t, "hello", item.Transcriptions[0].Text)

	require.NoError(t, a.Dispatch(storeadapter.Action{
		Kind: storeadapter.ActionDeleteSelection, LocalID: "item1", Key: "sel1",
	}))
	require.NoError(t, a.Dispatch(storeadapter.Action{
		Kind: storeadapter.ActionDeleteTranscription, LocalID: "item1", Key: "tr1",
	}))
	item, err = a.ReadItem("item1")
	require.NoError(t, err)
	assert.Empty(t, item.Selections)
	assert.Empty(t, item.Transcriptions)
}
