package flow

import (
	"net/netip"
	"testing"

	"firestige.xyz/captool/internal/classification"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAddrPort(s string) netip.AddrPort {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		panic(err)
	}
	return ap
}

func TestNewIDCanonicalizesRegardlessOfObservationOrder(t *testing.T) {
	a := mustAddrPort("10.0.0.1:1234")
	b := mustAddrPort("10.0.0.2:80")

	idAB, isUploadAB := NewID(a, b, 6)
	idBA, isUploadBA := NewID(b, a, 6)

	assert.Equal(t, idAB, idBA)
	assert.NotEqual(t, isUploadAB, isUploadBA)
}

func TestSetHintFiresOnlyOnce(t *testing.T) {
	f := New(ID{}, 2)
	f.Observe(true, 100)

	assert.True(t, f.SetHint(1, 7))
	idx, ok := f.LastHintedPacket()
	require.True(t, ok)
	assert.Equal(t, uint64(1), idx)

	f.Observe(true, 50)
	assert.False(t, f.SetHint(1, 7), "repeat hint for the same block must not re-fire")
	idx, _ = f.LastHintedPacket()
	assert.Equal(t, uint64(1), idx, "last_hinted_packet is only updated on first occurrence")
}

func TestSetTagsRecordsFirstFinalTransitionOnce(t *testing.T) {
	var mask classification.FinalMask
	mask.Set(0)

	f := New(ID{}, 1)
	f.Observe(true, 10)
	f.Observe(false, 10)

	partial := classification.NewTagContainer(1)
	// facet 0 left unset: merging an empty container never flips is_final.
	f.SetTags(mask, partial, 1, false)
	assert.False(t, f.IsFinal(mask))
	_, ok := f.FirstFinalClassifiedPacket()
	assert.False(t, ok)

	f.Observe(true, 10)
	complete := classification.NewTagContainer(1)
	complete.SetTag(0, classification.FocusID(9), 1)
	f.SetTags(mask, complete, 1, true)

	assert.True(t, f.IsFinal(mask))
	idx, ok := f.FirstFinalClassifiedPacket()
	require.True(t, ok)
	assert.Equal(t, uint64(3), idx)

	// a later merge must not move first_final_classified_packet again.
	f.Observe(true, 10)
	another := classification.NewTagContainer(1)
	another.SetTag(0, classification.FocusID(2), 2)
	f.SetTags(mask, another, 2, false)
	idx, _ = f.FirstFinalClassifiedPacket()
	assert.Equal(t, uint64(3), idx)
}

func TestUserAndEquipmentIDAreOneShot(t *testing.T) {
	f := New(ID{}, 1)
	f.SetUserID("alice")
	f.SetUserID("bob")

	got, ok := f.UserID()
	require.True(t, ok)
	assert.Equal(t, "alice", got)

	f.SetEquipmentID("phone-1")
	f.SetEquipmentID("phone-2")

	equip, ok := f.EquipmentID()
	require.True(t, ok)
	assert.Equal(t, "phone-1", equip)
}

func TestTrackerResolveReusesFlowForSameID(t *testing.T) {
	tr := NewTracker(1)
	a := mustAddrPort("10.0.0.1:1234")
	b := mustAddrPort("10.0.0.2:80")

	f1, h1 := tr.Resolve(func() ID { id, _ := NewID(a, b, 6); return id }())
	f2, h2 := tr.Resolve(func() ID { id, _ := NewID(b, a, 6); return id }())

	assert.Same(t, f1, f2)
	assert.Equal(t, h1, h2)
	assert.Equal(t, 1, tr.Count())

	byHandle, ok := tr.ByHandle(h1)
	require.True(t, ok)
	assert.Same(t, f1, byHandle)
}

func TestTrackerResolveCreatesDistinctFlowsForDistinctIDs(t *testing.T) {
	tr := NewTracker(1)
	a := mustAddrPort("10.0.0.1:1234")
	b := mustAddrPort("10.0.0.2:80")
	c := mustAddrPort("10.0.0.3:443")

	_, h1 := tr.Resolve(func() ID { id, _ := NewID(a, b, 6); return id }())
	_, h2 := tr.Resolve(func() ID { id, _ := NewID(a, c, 6); return id }())

	assert.NotEqual(t, h1, h2)
	assert.Equal(t, 2, tr.Count())
}
