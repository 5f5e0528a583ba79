package integration

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gochat-rtc/internal/protocol"
	"github.com/Tyrowin/gochat-rtc/internal/registry"
	"github.com/Tyrowin/gochat-rtc/internal/signaling"
	"github.com/Tyrowin/gochat-rtc/test/testhelpers"
)

func offer(sdp string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"type":"offer","sdp":%q}`, sdp))
}

// TestCallHappyPath drives a full call: ring on every callee device, answer
// from one, relay, and hang up.
func TestCallHappyPath(t *testing.T) {
	ts := testhelpers.StartServer(t)
	alice := testhelpers.Dial(t, ts, "alice", "Alice")
	bobPhone := testhelpers.Dial(t, ts, "bob", "Bob")
	bobLaptop := testhelpers.Dial(t, ts, "bob", "Bob")

	alice.Send(t, protocol.EventCallUser, protocol.CallRequest{RecipientID: "bob", SignalData: offer("o1")})
	for _, device := range []*testhelpers.Peer{bobPhone, bobLaptop} {
		var incoming protocol.IncomingCall
		device.ExpectData(t, protocol.EventIncomingCall, &incoming)
		if incoming.CallFrom.ID != "alice" || incoming.CallFrom.DisplayName != "Alice" {
			t.Errorf("Unexpected caller %+v", incoming.CallFrom)
		}
		if string(incoming.SignalData) != string(offer("o1")) {
			t.Errorf("Expected signal data relayed verbatim, got %s", incoming.SignalData)
		}
	}
	if got := ts.App.Machine().State("alice"); got != signaling.Calling {
		t.Errorf("Expected alice calling, got %v", got)
	}

	answer := json.RawMessage(`{"type":"answer","sdp":"a1"}`)
	bobLaptop.Send(t, protocol.EventAnswerCall, protocol.CallRequest{RecipientID: "alice", SignalData: answer})
	var accepted protocol.CallAccepted
	alice.ExpectData(t, protocol.EventCallAccepted, &accepted)
	if string(accepted.SignalData) != string(answer) {
		t.Errorf("Expected answer relayed verbatim, got %s", accepted.SignalData)
	}
	for _, id := range []registry.Identity{"alice", "bob"} {
		if got := ts.App.Machine().State(id); got != signaling.InCall {
			t.Errorf("Expected %s in call, got %v", id, got)
		}
	}

	candidate := json.RawMessage(`{"candidate":"c1"}`)
	alice.Send(t, protocol.EventRelaySignal, protocol.CallRequest{RecipientID: "bob", SignalData: candidate})
	var sig protocol.Signal
	bobLaptop.ExpectData(t, protocol.EventSignal, &sig)
	if sig.From != "alice" || string(sig.SignalData) != string(candidate) {
		t.Errorf("Unexpected relayed signal %+v", sig)
	}

	bobLaptop.Send(t, protocol.EventEndCall, protocol.CallRequest{RecipientID: "alice"})
	alice.Expect(t, protocol.EventCallEnded)
	testhelpers.Eventually(t, time.Second, func() bool {
		return ts.App.Machine().State("alice") == signaling.Idle && ts.App.Machine().State("bob") == signaling.Idle
	}, "both parties idle after end-call")
}

// TestCallBusy verifies a third caller gets call-ended and the established
// call is untouched.
func TestCallBusy(t *testing.T) {
	ts := testhelpers.StartServer(t)
	alice := testhelpers.Dial(t, ts, "alice", "Alice")
	bob := testhelpers.Dial(t, ts, "bob", "Bob")
	carol := testhelpers.Dial(t, ts, "carol", "Carol")

	alice.Send(t, protocol.EventCallUser, protocol.CallRequest{RecipientID: "bob", SignalData: offer("o1")})
	bob.Expect(t, protocol.EventIncomingCall)

	carol.Send(t, protocol.EventCallUser, protocol.CallRequest{RecipientID: "bob", SignalData: offer("o2")})
	carol.Expect(t, protocol.EventCallEnded)

	if got := ts.App.Machine().State("bob"); got != signaling.Ringing {
		t.Errorf("Expected bob still ringing, got %v", got)
	}
	if got := ts.App.Machine().State("carol"); got != signaling.Idle {
		t.Errorf("Expected carol idle, got %v", got)
	}
	bob.ExpectSilence(t, 200*time.Millisecond)
}

// TestCallOfflineOrSelf verifies the immediate call-ended replies.
func TestCallOfflineOrSelf(t *testing.T) {
	ts := testhelpers.StartServer(t)
	alice := testhelpers.Dial(t, ts, "alice", "Alice")

	alice.Send(t, protocol.EventCallUser, protocol.CallRequest{RecipientID: "ghost", SignalData: offer("o1")})
	alice.Expect(t, protocol.EventCallEnded)

	alice.Send(t, protocol.EventCallUser, protocol.CallRequest{RecipientID: "alice", SignalData: offer("o2")})
	alice.Expect(t, protocol.EventCallEnded)

	if got := ts.App.Machine().State("alice"); got != signaling.Idle {
		t.Errorf("Expected alice idle, got %v", got)
	}
}

// TestCallDisconnectCleanup verifies the disconnect scenario: when one party's
// last connection drops, the other receives exactly one call-ended and both
// return to idle.
func TestCallDisconnectCleanup(t *testing.T) {
	ts := testhelpers.StartServer(t)
	alice := testhelpers.Dial(t, ts, "alice", "Alice")
	bob := testhelpers.Dial(t, ts, "bob", "Bob")

	alice.Send(t, protocol.EventCallUser, protocol.CallRequest{RecipientID: "bob", SignalData: offer("o1")})
	bob.Expect(t, protocol.EventIncomingCall)
	bob.Send(t, protocol.EventAnswerCall, protocol.CallRequest{RecipientID: "alice", SignalData: offer("a1")})
	alice.Expect(t, protocol.EventCallAccepted)

	disconnect(t, ts, alice)

	bob.Expect(t, protocol.EventCallEnded)
	testhelpers.Eventually(t, time.Second, func() bool {
		return ts.App.Machine().State("bob") == signaling.Idle && ts.App.Machine().ActiveCalls() == 0
	}, "bob idle after alice disconnected")

	// A later end-call from bob is a no-op.
	bob.Send(t, protocol.EventEndCall, protocol.CallRequest{RecipientID: "alice"})
	bob.ExpectSilence(t, 200*time.Millisecond)
}

// TestCallSurvivesSecondDeviceLeaving verifies a call only ends when the
// identity goes offline, not when one of several devices closes.
func TestCallSurvivesSecondDeviceLeaving(t *testing.T) {
	ts := testhelpers.StartServer(t)
	alice := testhelpers.Dial(t, ts, "alice", "Alice")
	bobPhone := testhelpers.Dial(t, ts, "bob", "Bob")
	bobLaptop := testhelpers.Dial(t, ts, "bob", "Bob")

	alice.Send(t, protocol.EventCallUser, protocol.CallRequest{RecipientID: "bob", SignalData: offer("o1")})
	bobPhone.Expect(t, protocol.EventIncomingCall)
	bobLaptop.Expect(t, protocol.EventIncomingCall)
	bobPhone.Send(t, protocol.EventAnswerCall, protocol.CallRequest{RecipientID: "alice", SignalData: offer("a1")})
	alice.Expect(t, protocol.EventCallAccepted)

	_ = testhelpers.CloseWebSocket(bobLaptop.Conn)
	testhelpers.Eventually(t, 2*time.Second, func() bool {
		return len(ts.App.Registry().ConnectionsFor("bob")) == 1
	}, "bob's laptop unregistered")

	if got := ts.App.Machine().State("alice"); got != signaling.InCall {
		t.Errorf("Expected call to survive, alice is %v", got)
	}
	alice.ExpectSilence(t, 200*time.Millisecond)
}

// TestSimultaneousCrossCall verifies that when two users call each other at
// once exactly one call is set up.
func TestSimultaneousCrossCall(t *testing.T) {
	ts := testhelpers.StartServer(t)
	alice := testhelpers.Dial(t, ts, "alice", "Alice")
	bob := testhelpers.Dial(t, ts, "bob", "Bob")

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, p := range []struct {
		from *testhelpers.Peer
		to   string
	}{{alice, "bob"}, {bob, "alice"}} {
		wg.Add(1)
		go func(from *testhelpers.Peer, to string) {
			defer wg.Done()
			if err := sendRaw(from, protocol.EventCallUser, protocol.CallRequest{RecipientID: to, SignalData: offer(from.Identity)}); err != nil {
				errs <- err
			}
		}(p.from, p.to)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	testhelpers.Eventually(t, time.Second, func() bool {
		return ts.App.Machine().ActiveCalls() == 1
	}, "exactly one call session")

	a, b := ts.App.Machine().State("alice"), ts.App.Machine().State("bob")
	if !(a == signaling.Calling && b == signaling.Ringing) && !(a == signaling.Ringing && b == signaling.Calling) {
		t.Errorf("Expected one caller and one callee, got alice=%v bob=%v", a, b)
	}
}

// TestManyConcurrentClients verifies fanout to many identities at once: each
// pair exchanges a message and every party gets exactly its own traffic.
func TestManyConcurrentClients(t *testing.T) {
	ts := testhelpers.StartServer(t)
	const pairs = 5

	var wg sync.WaitGroup
	errs := make(chan error, pairs)
	for i := 0; i < pairs; i++ {
		caller := testhelpers.Dial(t, ts, fmt.Sprintf("caller-%d", i), "")
		callee := testhelpers.Dial(t, ts, fmt.Sprintf("callee-%d", i), "")
		wg.Add(1)
		go func(caller, callee *testhelpers.Peer) {
			defer wg.Done()
			if err := runPair(caller, callee); err != nil {
				errs <- err
			}
		}(caller, callee)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if got := ts.App.Machine().ActiveCalls(); got != pairs {
		t.Errorf("Expected %d active calls, got %d", pairs, got)
	}
}

// sendRaw and expectRaw are the error-returning forms of Peer.Send and
// Peer.Expect for use off the test goroutine.
func sendRaw(p *testhelpers.Peer, event string, data any) error {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		return err
	}
	return p.WriteMessage(websocket.TextMessage, frame)
}

func runPair(caller, callee *testhelpers.Peer) error {
	if err := sendRaw(caller, protocol.EventCallUser, protocol.CallRequest{RecipientID: callee.Identity, SignalData: offer(caller.Identity)}); err != nil {
		return err
	}
	if err := expectRaw(callee, protocol.EventIncomingCall); err != nil {
		return err
	}
	if err := sendRaw(callee, protocol.EventAnswerCall, protocol.CallRequest{RecipientID: caller.Identity, SignalData: offer("ok")}); err != nil {
		return err
	}
	return expectRaw(caller, protocol.EventCallAccepted)
}

func expectRaw(p *testhelpers.Peer, event string) error {
	if err := p.SetReadDeadline(time.Now().Add(testhelpers.ReadTimeout)); err != nil {
		return err
	}
	_, raw, err := p.ReadMessage()
	if err != nil {
		return fmt.Errorf("%s: %w", p.Identity, err)
	}
	env, err := protocol.Decode(raw)
	if err != nil {
		return err
	}
	if env.Event != event {
		return fmt.Errorf("%s: expected %s, got %s", p.Identity, event, env.Event)
	}
	return nil
}
