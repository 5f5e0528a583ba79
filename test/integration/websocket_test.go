package integration

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gochat-rtc/internal/protocol"
	"github.com/Tyrowin/gochat-rtc/internal/registry"
	"github.com/Tyrowin/gochat-rtc/test/testhelpers"
)

// disconnect closes peers and waits until the server reports each identity
// offline.
func disconnect(t *testing.T, ts *testhelpers.TestServer, peers ...*testhelpers.Peer) {
	t.Helper()
	for _, p := range peers {
		_ = testhelpers.CloseWebSocket(p.Conn)
	}
	testhelpers.Eventually(t, 2*time.Second, func() bool {
		for _, p := range peers {
			if ts.App.Presence().Status(registry.Identity(p.Identity)).Online {
				return false
			}
		}
		return true
	}, "peers should go offline")
}

// TestWebSocketConnectionLifecycle verifies registration on connect, a
// distinct connection id per device, and cleanup on close.
func TestWebSocketConnectionLifecycle(t *testing.T) {
	ts := testhelpers.StartServer(t)

	phone := testhelpers.Dial(t, ts, "alice", "Alice")
	laptop := testhelpers.Dial(t, ts, "alice", "Alice")
	if phone.ConnectionID == "" || phone.ConnectionID == laptop.ConnectionID {
		t.Fatalf("Expected distinct connection ids, got %q and %q", phone.ConnectionID, laptop.ConnectionID)
	}
	if got := len(ts.App.Registry().ConnectionsFor("alice")); got != 2 {
		t.Errorf("Expected 2 connections for alice, got %d", got)
	}

	_ = testhelpers.CloseWebSocket(phone.Conn)
	testhelpers.Eventually(t, 2*time.Second, func() bool {
		return len(ts.App.Registry().ConnectionsFor("alice")) == 1
	}, "phone should be unregistered")
	if !ts.App.Registry().IsOnline("alice") {
		t.Error("Expected alice to stay online with one device left")
	}

	disconnect(t, ts, laptop)
}

// TestSearch verifies search results go to the requesting connection only,
// exclude the searcher and are ordered by display name.
func TestSearch(t *testing.T) {
	ts := testhelpers.StartServer(t)
	alice := testhelpers.Dial(t, ts, "alice", "Alice")
	aliceLaptop := testhelpers.Dial(t, ts, "alice", "Alice")
	testhelpers.Dial(t, ts, "bobby", "Bobby Tables")
	testhelpers.Dial(t, ts, "bob", "Bob")

	alice.Send(t, protocol.EventSearch, protocol.SearchRequest{Query: "BOB"})
	var results []protocol.UserSummary
	alice.ExpectData(t, protocol.EventSearchResult, &results)
	if len(results) != 2 || results[0].ID != "bob" || results[1].ID != "bobby" {
		t.Fatalf("Expected [bob bobby], got %+v", results)
	}

	alice.Send(t, protocol.EventSearch, protocol.SearchRequest{Query: "ali"})
	alice.ExpectData(t, protocol.EventSearchResult, &results)
	if len(results) != 0 {
		t.Errorf("Expected the searcher to be excluded, got %+v", results)
	}

	aliceLaptop.ExpectSilence(t, 200*time.Millisecond)
}

// TestCreateChatReachesAllDevices verifies new-chat-created goes to the
// initiator and new-chat to every recipient device, annotated with presence.
func TestCreateChatReachesAllDevices(t *testing.T) {
	ts := testhelpers.StartServer(t)
	alice := testhelpers.Dial(t, ts, "alice", "Alice")
	bobPhone := testhelpers.Dial(t, ts, "bob", "Bob")
	bobLaptop := testhelpers.Dial(t, ts, "bob", "Bob")

	alice.Send(t, protocol.EventCreateChat, protocol.CreateChatRequest{RecipientID: "bob"})

	var created protocol.ChatSummary
	alice.ExpectData(t, protocol.EventNewChatCreated, &created)
	if created.ID == "" || len(created.Members) != 2 {
		t.Fatalf("Unexpected chat summary %+v", created)
	}
	if created.Online == nil || !*created.Online {
		t.Errorf("Expected bob reported online to alice, got %+v", created.Online)
	}

	for _, device := range []*testhelpers.Peer{bobPhone, bobLaptop} {
		var chat protocol.ChatSummary
		device.ExpectData(t, protocol.EventNewChat, &chat)
		if chat.ID != created.ID {
			t.Errorf("Expected chat %s on %s, got %s", created.ID, device.ConnectionID, chat.ID)
		}
	}

	// The pair's chat is reused.
	alice.Send(t, protocol.EventCreateChat, protocol.CreateChatRequest{RecipientID: "bob"})
	var again protocol.ChatSummary
	alice.ExpectData(t, protocol.EventNewChatCreated, &again)
	if again.ID != created.ID {
		t.Errorf("Expected chat %s to be reused, got %s", created.ID, again.ID)
	}
}

// TestCreateChatRecipientOffline verifies the offline scenario: the initiator
// gets new-chat-created with the recipient's last online time, and nothing is
// queued for the recipient.
func TestCreateChatRecipientOffline(t *testing.T) {
	ts := testhelpers.StartServer(t)
	carol := testhelpers.Dial(t, ts, "carol", "Carol")
	disconnect(t, ts, carol)

	alice := testhelpers.Dial(t, ts, "alice", "Alice")
	alice.Send(t, protocol.EventCreateChat, protocol.CreateChatRequest{RecipientID: "carol"})

	var created protocol.ChatSummary
	alice.ExpectData(t, protocol.EventNewChatCreated, &created)
	if created.Online == nil || *created.Online {
		t.Errorf("Expected carol reported offline, got %+v", created.Online)
	}
	if created.LastOnline == nil || created.LastOnline.IsZero() {
		t.Error("Expected carol's last online time")
	}

	carolAgain := testhelpers.Dial(t, ts, "carol", "Carol")
	carolAgain.ExpectSilence(t, 200*time.Millisecond)
}

// TestCreateChatErrors verifies failures reach the requesting connection only.
func TestCreateChatErrors(t *testing.T) {
	ts := testhelpers.StartServer(t)
	alice := testhelpers.Dial(t, ts, "alice", "Alice")
	aliceLaptop := testhelpers.Dial(t, ts, "alice", "Alice")

	alice.Send(t, protocol.EventCreateChat, protocol.CreateChatRequest{RecipientID: "nobody"})
	var chatErr protocol.ChatError
	alice.ExpectData(t, protocol.EventChatError, &chatErr)
	if chatErr.Message == "" {
		t.Error("Expected an error message")
	}

	aliceLaptop.ExpectSilence(t, 200*time.Millisecond)
}

// TestSendMessage verifies a message reaches every member device including
// the sender's own, and that non-members are refused.
func TestSendMessage(t *testing.T) {
	ts := testhelpers.StartServer(t)
	alice := testhelpers.Dial(t, ts, "alice", "Alice")
	aliceLaptop := testhelpers.Dial(t, ts, "alice", "Alice")
	bob := testhelpers.Dial(t, ts, "bob", "Bob")
	mallory := testhelpers.Dial(t, ts, "mallory", "Mallory")

	alice.Send(t, protocol.EventCreateChat, protocol.CreateChatRequest{RecipientID: "bob"})
	var chat protocol.ChatSummary
	alice.ExpectData(t, protocol.EventNewChatCreated, &chat)
	aliceLaptop.Expect(t, protocol.EventNewChatCreated)
	bob.Expect(t, protocol.EventNewChat)

	alice.Send(t, protocol.EventSendMessage, protocol.SendMessageRequest{ChatID: chat.ID, Content: "hi bob"})
	for _, p := range []*testhelpers.Peer{alice, aliceLaptop, bob} {
		var msg protocol.Message
		p.ExpectData(t, protocol.EventNewMessage, &msg)
		if msg.Content != "hi bob" || msg.SenderID != "alice" || msg.ChatID != chat.ID {
			t.Errorf("Unexpected message on %s: %+v", p.ConnectionID, msg)
		}
	}

	mallory.Send(t, protocol.EventSendMessage, protocol.SendMessageRequest{ChatID: chat.ID, Content: "let me in"})
	var chatErr protocol.ChatError
	mallory.ExpectData(t, protocol.EventChatError, &chatErr)
	if chatErr.Message != "not a member of this chat" {
		t.Errorf("Expected not-a-member error, got %q", chatErr.Message)
	}
	bob.ExpectSilence(t, 200*time.Millisecond)
}

// TestMalformedFramesAreIgnored verifies junk is dropped silently and the
// connection keeps working.
func TestMalformedFramesAreIgnored(t *testing.T) {
	ts := testhelpers.StartServer(t)
	alice := testhelpers.Dial(t, ts, "alice", "Alice")

	for _, raw := range []string{
		"not json",
		`{"data":{}}`,
		`{"event":"launch-rockets","data":{}}`,
		`{"event":"call-user"}`,
		`{"event":"search","data":"oops"}`,
	} {
		if err := alice.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			t.Fatalf("Failed to send %q: %v", raw, err)
		}
	}

	alice.Send(t, protocol.EventSearch, protocol.SearchRequest{Query: "x"})
	alice.Expect(t, protocol.EventSearchResult)
}
