package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minichat/minichat/auth"
	"github.com/minichat/minichat/delivery"
	"github.com/minichat/minichat/envelope"
	"github.com/minichat/minichat/store"
	"github.com/minichat/minichat/view"
	"github.com/minichat/minichat/wire"
)

const (
	alice int32 = 1
	bob   int32 = 2
	carol int32 = 3
)

type nullPusher struct{}

func (nullPusher) Push(uid int32, msg *wire.ServerMsg) bool { return false }

type env struct {
	srv   *httptest.Server
	store *store.MemStore
}

func newTestServer(t *testing.T) *env {
	t.Helper()
	s := store.NewMemStore().
		AddUser(&store.User{Uid: alice, Username: "alice", Name: "Alice"}).
		AddUser(&store.User{Uid: bob, Username: "bob", Name: "Bob"}).
		AddUser(&store.User{Uid: carol, Username: "carol", Name: "Carol"})
	codec, err := envelope.NewCodec(bytes.Repeat([]byte{0x55}, envelope.KeySize))
	require.NoError(t, err)

	viewSvc := view.NewService(s, codec, nil)
	push := nullPusher{}
	d := delivery.New(s, push, viewSvc)

	authClient := auth.NewMockClient().
		Grant("tok-alice", &auth.Identity{Uid: alice, Username: "alice", Name: "Alice"}).
		Grant("tok-bob", &auth.Identity{Uid: bob, Username: "bob", Name: "Bob"}).
		Grant("tok-carol", &auth.Identity{Uid: carol, Username: "carol", Name: "Carol"})

	srv := httptest.NewServer(NewRouter(authClient, s, codec, viewSvc, d, push))
	t.Cleanup(srv.Close)
	return &env{srv: srv, store: s}
}

func (e *env) do(t *testing.T, method, path, token string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, raw
}

func TestAuthRequired(t *testing.T) {
	e := newTestServer(t)

	resp, _ := e.do(t, "GET", "/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = e.do(t, "GET", "/conversations", "bogus", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = e.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSendAndHistory(t *testing.T) {
	e := newTestServer(t)

	resp, raw := e.do(t, "POST", "/messages", "tok-alice",
		SendMessageRequest{To: "bob", Content: "hello bob"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))

	var sent wire.Message
	require.NoError(t, json.Unmarshal(raw, &sent))
	assert.Equal(t, "hello bob", sent.Content)
	assert.Equal(t, string(store.StatusSent), sent.Status)

	// Bob fetching the thread marks it read.
	resp, raw = e.do(t, "GET", "/messages/alice", "tok-bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	var page wire.MessagePage
	require.NoError(t, json.Unmarshal(raw, &page))
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "hello bob", page.Messages[0].Content)
	assert.False(t, page.HasMore)

	pending, err := e.store.PendingMessages(context.Background(), bob)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Alice now sees the read status.
	resp, raw = e.do(t, "GET", "/messages/bob", "tok-alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(raw, &page))
	require.Len(t, page.Messages, 1)
	assert.Equal(t, string(store.StatusRead), page.Messages[0].Status)
}

func TestSendValidation(t *testing.T) {
	e := newTestServer(t)

	resp, _ := e.do(t, "POST", "/messages", "tok-alice", SendMessageRequest{To: "bob"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, "POST", "/messages", "tok-alice",
		SendMessageRequest{To: "alice", Content: "hi"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, "POST", "/messages", "tok-alice",
		SendMessageRequest{To: "nobody", Content: "hi"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConversationDeleteAndPurge(t *testing.T) {
	e := newTestServer(t)

	resp, _ := e.do(t, "POST", "/messages", "tok-alice",
		SendMessageRequest{To: "bob", Content: "one"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, raw := e.do(t, "GET", "/conversations", "tok-bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var convs []*wire.Conversation
	require.NoError(t, json.Unmarshal(raw, &convs))
	require.Len(t, convs, 1)
	assert.Equal(t, "alice", convs[0].User.Username)

	// Soft delete hides the thread for bob only.
	resp, _ = e.do(t, "DELETE", "/conversations/alice", "tok-bob", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, raw = e.do(t, "GET", "/conversations", "tok-bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(raw, &convs))
	assert.Empty(t, convs)

	resp, raw = e.do(t, "GET", "/conversations", "tok-alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(raw, &convs))
	require.Len(t, convs, 1)

	// Bob's delete already recorded his marker, so alice's purge is
	// the second party and removes the rows for both sides.
	resp, raw = e.do(t, "POST", "/conversations/bob/purge", "tok-alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var purged map[string]int64
	require.NoError(t, json.Unmarshal(raw, &purged))
	assert.Equal(t, int64(1), purged["purged"])

	resp, raw = e.do(t, "GET", "/conversations", "tok-alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(raw, &convs))
	assert.Empty(t, convs)
}

func TestPurgeRequiresPeerDeletion(t *testing.T) {
	e := newTestServer(t)

	resp, _ := e.do(t, "POST", "/messages", "tok-alice",
		SendMessageRequest{To: "bob", Content: "one"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Bob never deleted the thread, so alice alone cannot purge it.
	resp, _ = e.do(t, "POST", "/conversations/bob/purge", "tok-alice", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// The rows survive and bob still sees the thread.
	resp, raw := e.do(t, "GET", "/conversations", "tok-bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var convs []*wire.Conversation
	require.NoError(t, json.Unmarshal(raw, &convs))
	require.Len(t, convs, 1)

	// Alice's failed attempt recorded her intent, so bob's purge is the
	// second party and completes the deletion.
	resp, raw = e.do(t, "POST", "/conversations/alice/purge", "tok-bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var purged map[string]int64
	require.NoError(t, json.Unmarshal(raw, &purged))
	assert.Equal(t, int64(1), purged["purged"])
}

// failingReadStore breaks bulk mark-read while leaving the rest of the
// store intact.
type failingReadStore struct {
	*store.MemStore
}

func (s *failingReadStore) MarkReadBulk(ctx context.Context, sender, receiver int32) (int32, error) {
	return 0, errors.New("storage offline")
}

func TestHistoryPageSurvivesMarkReadFailure(t *testing.T) {
	base := store.NewMemStore().
		AddUser(&store.User{Uid: alice, Username: "alice", Name: "Alice"}).
		AddUser(&store.User{Uid: bob, Username: "bob", Name: "Bob"})
	s := &failingReadStore{MemStore: base}
	codec, err := envelope.NewCodec(bytes.Repeat([]byte{0x55}, envelope.KeySize))
	require.NoError(t, err)

	viewSvc := view.NewService(s, codec, nil)
	d := delivery.New(s, nullPusher{}, viewSvc)
	authClient := auth.NewMockClient().
		Grant("tok-alice", &auth.Identity{Uid: alice, Username: "alice", Name: "Alice"}).
		Grant("tok-bob", &auth.Identity{Uid: bob, Username: "bob", Name: "Bob"})
	srv := httptest.NewServer(NewRouter(authClient, s, codec, viewSvc, d, nullPusher{}))
	defer srv.Close()
	e := &env{srv: srv, store: base}

	resp, _ := e.do(t, "POST", "/messages", "tok-alice",
		SendMessageRequest{To: "bob", Content: "hello"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// The mark-read side effect fails, but the page is still served.
	resp, raw := e.do(t, "GET", "/messages/alice", "tok-bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page wire.MessagePage
	require.NoError(t, json.Unmarshal(raw, &page))
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "hello", page.Messages[0].Content)
	assert.Equal(t, string(store.StatusSent), page.Messages[0].Status)
}

func TestGroupLifecycle(t *testing.T) {
	e := newTestServer(t)

	resp, raw := e.do(t, "POST", "/groups", "tok-alice",
		CreateGroupRequest{Name: "team", Description: "the team", Members: []int32{bob}})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var g wire.GroupInfo
	require.NoError(t, json.Unmarshal(raw, &g))
	assert.Equal(t, alice, g.Admin)
	assert.Len(t, g.Members, 2)
	path := fmt.Sprintf("/groups/%d", g.Id)

	// Members see it, outsiders do not.
	resp, _ = e.do(t, "GET", path, "tok-bob", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = e.do(t, "GET", path, "tok-carol", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Mutations are admin-only.
	name := "renamed"
	resp, _ = e.do(t, "PATCH", path, "tok-bob", UpdateGroupRequest{Name: &name})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, raw = e.do(t, "PATCH", path, "tok-alice", UpdateGroupRequest{Name: &name})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(raw, &g))
	assert.Equal(t, "renamed", g.Name)

	resp, raw = e.do(t, "POST", path+"/members", "tok-alice", AddMembersRequest{Uids: []int32{carol}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(raw, &g))
	assert.Len(t, g.Members, 3)

	// The admin cannot leave without handing the role over first.
	resp, _ = e.do(t, "DELETE", fmt.Sprintf("%s/members/%d", path, alice), "tok-alice", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, raw = e.do(t, "POST", path+"/admin", "tok-alice", TransferAdminRequest{Uid: bob})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(raw, &g))
	assert.Equal(t, bob, g.Admin)

	resp, _ = e.do(t, "DELETE", fmt.Sprintf("%s/members/%d", path, alice), "tok-alice", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Only the admin can delete the group.
	resp, _ = e.do(t, "DELETE", path, "tok-carol", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = e.do(t, "DELETE", path, "tok-bob", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = e.do(t, "GET", path, "tok-bob", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGroupLastMemberLeaving(t *testing.T) {
	e := newTestServer(t)

	resp, raw := e.do(t, "POST", "/groups", "tok-alice",
		CreateGroupRequest{Name: "solo", Members: []int32{alice}})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var g wire.GroupInfo
	require.NoError(t, json.Unmarshal(raw, &g))

	resp, _ = e.do(t, "DELETE", fmt.Sprintf("/groups/%d/members/%d", g.Id, alice), "tok-alice", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = e.do(t, "GET", fmt.Sprintf("/groups/%d", g.Id), "tok-alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGroupMessages(t *testing.T) {
	e := newTestServer(t)

	resp, raw := e.do(t, "POST", "/groups", "tok-alice",
		CreateGroupRequest{Name: "team", Members: []int32{bob}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var g wire.GroupInfo
	require.NoError(t, json.Unmarshal(raw, &g))
	path := fmt.Sprintf("/groups/%d/messages", g.Id)

	resp, raw = e.do(t, "POST", path, "tok-alice", SendGroupMessageRequest{Content: "news"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var gm wire.GroupMessage
	require.NoError(t, json.Unmarshal(raw, &gm))
	assert.Equal(t, "news", gm.Content)
	assert.Contains(t, gm.ReadBy, alice)

	resp, _ = e.do(t, "POST", path, "tok-carol", SendGroupMessageRequest{Content: "intrude"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Bob fetching the thread lands him in read_by.
	resp, raw = e.do(t, "GET", path, "tok-bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page wire.GroupMessagePage
	require.NoError(t, json.Unmarshal(raw, &page))
	require.Len(t, page.Messages, 1)

	resp, raw = e.do(t, "GET", path, "tok-alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(raw, &page))
	require.Len(t, page.Messages, 1)
	assert.ElementsMatch(t, []int32{alice, bob}, page.Messages[0].ReadBy)
}

func TestHistoryPagination(t *testing.T) {
	e := newTestServer(t)

	for i := 0; i < 5; i++ {
		resp, _ := e.do(t, "POST", "/messages", "tok-alice",
			SendMessageRequest{To: "bob", Content: fmt.Sprintf("m%d", i)})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, raw := e.do(t, "GET", "/messages/alice?limit=2", "tok-bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page wire.MessagePage
	require.NoError(t, json.Unmarshal(raw, &page))
	require.Len(t, page.Messages, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "m3", page.Messages[0].Content)
	assert.Equal(t, "m4", page.Messages[1].Content)

	cursor := page.Messages[0].Id
	resp, raw = e.do(t, "GET", "/messages/alice?limit=2&before="+cursor, "tok-bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(raw, &page))
	require.Len(t, page.Messages, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "m1", page.Messages[0].Content)
}
