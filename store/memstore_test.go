package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minichat/minichat/envelope"
)

var testEnv = envelope.Envelope{Ciphertext: "aa", Nonce: "bb", Tag: "cc"}

func seed() *MemStore {
	return NewMemStore().
		AddUser(&User{Uid: 1, Username: "alice", Name: "Alice"}).
		AddUser(&User{Uid: 2, Username: "bob", Name: "Bob"}).
		AddUser(&User{Uid: 3, Username: "carol", Name: "Carol"}).
		AddUser(&User{Uid: 4, Username: "ghost", Name: "Ghost", Deleted: true})
}

func TestNewIDOrdered(t *testing.T) {
	base := time.Now()
	var prev string
	for i := 0; i < 1000; i++ {
		id := NewID(base.Add(time.Duration(i) * time.Microsecond))
		if prev != "" {
			assert.True(t, id > prev, "ids must be monotonically orderable")
		}
		prev = id
	}
}

func TestAppendMessageValidation(t *testing.T) {
	s := seed()
	ctx := context.Background()

	_, err := s.AppendMessage(ctx, 1, 1, &testEnv)
	assert.ErrorIs(t, err, ErrSelfMessage)

	_, err = s.AppendMessage(ctx, 1, 99, &testEnv)
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, err = s.AppendMessage(ctx, 1, 4, &testEnv)
	assert.ErrorIs(t, err, ErrUserDeleted)

	m, err := s.AppendMessage(ctx, 1, 2, &testEnv)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, m.Status)
	assert.Equal(t, testEnv, m.Envelope)
}

func TestStatusOnlyMovesForward(t *testing.T) {
	s := seed()
	ctx := context.Background()

	m, err := s.AppendMessage(ctx, 1, 2, &testEnv)
	require.NoError(t, err)

	changed, err := s.AdvanceStatus(ctx, m.Id, StatusDelivered)
	require.NoError(t, err)
	assert.True(t, changed)

	// Idempotent: a second delivered advance is a no-op.
	changed, err = s.AdvanceStatus(ctx, m.Id, StatusDelivered)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = s.AdvanceStatus(ctx, m.Id, StatusRead)
	require.NoError(t, err)
	assert.True(t, changed)

	// No regression from read.
	changed, err = s.AdvanceStatus(ctx, m.Id, StatusDelivered)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = s.AdvanceStatus(ctx, m.Id, StatusSent)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestConcurrentAdvanceNeverRegresses(t *testing.T) {
	s := seed()
	ctx := context.Background()

	m, err := s.AppendMessage(ctx, 1, 2, &testEnv)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = s.AdvanceStatus(ctx, m.Id, StatusDelivered)
			} else {
				_, _ = s.AdvanceStatus(ctx, m.Id, StatusRead)
			}
		}(i)
	}
	wg.Wait()

	got, err := s.ListMessages(ctx, 1, 2, "", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, StatusRead, got[0].Status)
}

func TestMarkReadBulk(t *testing.T) {
	s := seed()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.AppendMessage(ctx, 1, 2, &testEnv)
		require.NoError(t, err)
	}
	// One the other way; must not be touched.
	own, err := s.AppendMessage(ctx, 2, 1, &testEnv)
	require.NoError(t, err)

	n, err := s.MarkReadBulk(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int32(3), n)

	// Second call finds nothing; callers suppress the notice on 0.
	n, err = s.MarkReadBulk(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int32(0), n)

	msgs, err := s.ListMessages(ctx, 2, 1, "", 10)
	require.NoError(t, err)
	for _, m := range msgs {
		if m.Id == own.Id {
			assert.Equal(t, StatusSent, m.Status)
		} else {
			assert.Equal(t, StatusRead, m.Status)
		}
	}
}

func TestSoftDeleteHidesOnlyViewer(t *testing.T) {
	s := seed()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := s.AppendMessage(ctx, 1, 2, &testEnv)
		require.NoError(t, err)
	}

	require.NoError(t, s.SoftDeleteConversation(ctx, 2, 1))

	// Viewer sees nothing at or before the marker.
	msgs, err := s.ListMessages(ctx, 2, 1, "", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	convs, err := s.DirectConversations(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, convs)

	// The peer's view is unaffected.
	msgs, err = s.ListMessages(ctx, 1, 2, "", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	// A newer message makes the conversation reappear with only it.
	time.Sleep(2 * time.Millisecond)
	fresh, err := s.AppendMessage(ctx, 1, 2, &testEnv)
	require.NoError(t, err)

	msgs, err = s.ListMessages(ctx, 2, 1, "", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, fresh.Id, msgs[0].Id)

	convs, err = s.DirectConversations(ctx, 2)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, int32(1), convs[0].Unread)
}

func TestPurgeConversation(t *testing.T) {
	s := seed()
	ctx := context.Background()

	_, err := s.AppendMessage(ctx, 1, 2, &testEnv)
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, 2, 1, &testEnv)
	require.NoError(t, err)
	other, err := s.AppendMessage(ctx, 1, 3, &testEnv)
	require.NoError(t, err)

	n, err := s.PurgeConversation(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	msgs, err := s.ListMessages(ctx, 1, 3, "", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, other.Id, msgs[0].Id)
}

func TestDirectConversations(t *testing.T) {
	s := seed()
	ctx := context.Background()

	_, err := s.AppendMessage(ctx, 2, 1, &testEnv)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = s.AppendMessage(ctx, 3, 1, &testEnv)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	lastFromBob, err := s.AppendMessage(ctx, 2, 1, &testEnv)
	require.NoError(t, err)

	convs, err := s.DirectConversations(ctx, 1)
	require.NoError(t, err)
	require.Len(t, convs, 2)

	// Ordered by last activity: bob then carol.
	assert.Equal(t, int32(2), convs[0].Peer)
	assert.Equal(t, lastFromBob.Id, convs[0].Last.Id)
	assert.Equal(t, int32(2), convs[0].Unread)
	assert.Equal(t, int32(3), convs[1].Peer)
	assert.Equal(t, int32(1), convs[1].Unread)
}

func TestGroupLifecycle(t *testing.T) {
	s := seed()
	ctx := context.Background()

	_, err := s.CreateGroup(ctx, 1, "  ", "", []int32{2})
	assert.ErrorIs(t, err, ErrGroupName)
	_, err = s.CreateGroup(ctx, 1, "team", "", nil)
	assert.ErrorIs(t, err, ErrNoMembers)

	// Deleted users are dropped silently; the admin is always in.
	g, err := s.CreateGroup(ctx, 1, " team ", " hello ", []int32{2, 3, 4, 2})
	require.NoError(t, err)
	assert.Equal(t, "team", g.Name)
	assert.Equal(t, "hello", g.Description)
	assert.Equal(t, int32(1), g.Admin)
	assert.ElementsMatch(t, []int32{1, 2, 3}, g.Members)
	assert.True(t, g.HasMember(g.Admin))

	// Non-admin may not mutate.
	_, err = s.AddMembers(ctx, g.Id, 2, []int32{3})
	assert.ErrorIs(t, err, ErrNotAdmin)
	name := "renamed"
	_, err = s.UpdateGroupMeta(ctx, g.Id, 2, &name, nil)
	assert.ErrorIs(t, err, ErrNotAdmin)

	// Admin cannot leave while co-members remain.
	_, err = s.RemoveMember(ctx, g.Id, 1, 1)
	assert.ErrorIs(t, err, ErrAdminMustTransfer)

	// Non-admin non-self removal is forbidden.
	_, err = s.RemoveMember(ctx, g.Id, 2, 3)
	assert.ErrorIs(t, err, ErrNotAdmin)

	// Transfer requires membership.
	_, err = s.TransferAdmin(ctx, g.Id, 1, 99)
	assert.ErrorIs(t, err, ErrNotMember)

	g, err = s.TransferAdmin(ctx, g.Id, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int32(2), g.Admin)
	assert.True(t, g.HasMember(g.Admin))

	// Old admin can now leave on their own.
	g, err = s.RemoveMember(ctx, g.Id, 1, 1)
	require.NoError(t, err)
	assert.False(t, g.HasMember(1))
}

func TestRemoveLastMemberDeletesGroup(t *testing.T) {
	s := seed()
	ctx := context.Background()

	g, err := s.CreateGroup(ctx, 1, "solo", "", []int32{1})
	require.NoError(t, err)
	require.Equal(t, []int32{1}, g.Members)

	_, err = s.AppendGroupMessage(ctx, g.Id, 1, &testEnv)
	require.NoError(t, err)

	got, err := s.RemoveMember(ctx, g.Id, 1, 1)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = s.GetGroup(ctx, g.Id)
	assert.ErrorIs(t, err, ErrGroupNotFound)

	// Messages cascaded.
	msgs, err := s.ListGroupMessages(ctx, g.Id, "", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestGroupMessagesAndReadBy(t *testing.T) {
	s := seed()
	ctx := context.Background()

	g, err := s.CreateGroup(ctx, 1, "team", "", []int32{2, 3})
	require.NoError(t, err)

	_, err = s.AppendGroupMessage(ctx, g.Id, 99, &testEnv)
	assert.ErrorIs(t, err, ErrNotMember)

	m, err := s.AppendGroupMessage(ctx, g.Id, 1, &testEnv)
	require.NoError(t, err)
	assert.Equal(t, []int32{1}, m.ReadBy)

	n, err := s.GroupMarkRead(ctx, g.Id, 2)
	require.NoError(t, err)
	assert.Equal(t, int32(1), n)

	// readBy grows, never shrinks; marking again changes nothing.
	n, err = s.GroupMarkRead(ctx, g.Id, 2)
	require.NoError(t, err)
	assert.Equal(t, int32(0), n)

	msgs, err := s.ListGroupMessages(ctx, g.Id, "", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.ElementsMatch(t, []int32{1, 2}, msgs[0].ReadBy)

	convs, err := s.GroupConversations(ctx, 3)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, int32(1), convs[0].Unread)
	assert.Equal(t, m.Id, convs[0].Last.Id)
}
