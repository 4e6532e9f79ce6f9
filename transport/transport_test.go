// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxmail/delivery"
	"github.com/absmach/fluxmail/message"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	mu           sync.Mutex
	attachErr    error
	transports   map[string]delivery.Transport
	acks         []message.Ref
	heartbeats   []string
	disconnected []string
}

func newFakeSession() *fakeSession {
	return &fakeSession{transports: make(map[string]delivery.Transport)}
}

func (s *fakeSession) Attach(_ context.Context, identity, subID string, t delivery.Transport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attachErr != nil {
		return s.attachErr
	}
	s.transports[subID] = t
	return nil
}

func (s *fakeSession) Disconnect(_ context.Context, identity, subID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = append(s.disconnected, subID)
	return nil
}

func (s *fakeSession) Heartbeat(_ context.Context, identity, subID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats = append(s.heartbeats, identity+"/"+subID)
	return nil
}

func (s *fakeSession) Ack(_ context.Context, identity, subID string, ref message.Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks = append(s.acks, ref)
	return nil
}

func (s *fakeSession) transport(subID string) delivery.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transports[subID]
}

func testDelivery() delivery.Delivery {
	return delivery.Delivery{
		SubscriptionID: "sub-1",
		Identity:       "agent-b",
		Attempt:        1,
		AckRequired:    true,
		Message: &message.Message{
			ID:          7,
			Log:         "inbox",
			Sender:      "agent-a",
			ContentType: message.ContentText,
			Payload:     []byte("hello"),
			Options:     message.DeliveryOptions{Persistent: true},
		},
	}
}

func TestDecode(t *testing.T) {
	cases := []struct {
		desc string
		data string
		err  bool
		want string
	}{
		{desc: "ack", data: `{"type":"ack","ref":{"log":"inbox","id":3}}`, want: FrameAck},
		{desc: "heartbeat", data: `{"type":"heartbeat"}`, want: FrameHeartbeat},
		{desc: "missing type", data: `{"ref":{}}`, err: true},
		{desc: "garbage", data: `not json`, err: true},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			f, err := Decode([]byte(tc.data))
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, f.Type)
		})
	}
}

func TestHandleControlFrames(t *testing.T) {
	s := newFakeSession()
	ctx := context.Background()

	require.NoError(t, handle(ctx, s, "agent-b", Frame{Type: FrameHeartbeat, SubscriptionID: "sub-1"}))
	require.NoError(t, handle(ctx, s, "agent-b", Frame{Type: FrameAck, SubscriptionID: "sub-1", Ref: &message.Ref{Log: "inbox", ID: 2}}))
	assert.Error(t, handle(ctx, s, "agent-b", Frame{Type: FrameAck}))
	assert.Error(t, handle(ctx, s, "agent-b", Frame{Type: FrameMessage}))

	assert.Equal(t, []string{"agent-b/sub-1"}, s.heartbeats)
	assert.Equal(t, []message.Ref{{Log: "inbox", ID: 2}}, s.acks)
}

func TestNATSAttachFrames(t *testing.T) {
	s := newFakeSession()
	pub := &recordingPublisher{}

	attach, err := Encode(Frame{Type: FrameAttach, SubscriptionID: "sub-1"})
	require.NoError(t, err)
	require.NoError(t, handleControl(pub, "fluxmail", s, "agent-b", attach))

	tr := s.transport("sub-1")
	require.IsType(t, &NATS{}, tr)
	assert.Equal(t, "fluxmail.deliver.agent-b", tr.(*NATS).Subject())

	detach, err := Encode(Frame{Type: FrameDetach, SubscriptionID: "sub-1"})
	require.NoError(t, err)
	require.NoError(t, handleControl(pub, "fluxmail", s, "agent-b", detach))
	assert.Equal(t, []string{"sub-1"}, s.disconnected)

	assert.Error(t, handleControl(pub, "fluxmail", s, "agent-b", []byte("garbage")))
}

func TestChannel(t *testing.T) {
	c := NewChannel(1)
	ctx := context.Background()

	require.NoError(t, c.Push(ctx, testDelivery()))

	blocked, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Push(blocked, testDelivery()), context.DeadlineExceeded)

	d := <-c.C()
	assert.Equal(t, uint64(7), d.Message.ID)

	c.Close()
	c.Close()
	assert.ErrorIs(t, c.Push(ctx, testDelivery()), ErrClosed)
	_, ok := <-c.C()
	assert.False(t, ok)
}

func TestChannelCloseUnblocksPush(t *testing.T) {
	c := NewChannel(0)
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Push(context.Background(), testDelivery())
	}()

	time.Sleep(10 * time.Millisecond)
	c.Close()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("push still blocked after close")
	}
}

func dialWebSocket(t *testing.T, srv *httptest.Server, identity, subID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/subscribe?subscription=" + subID
	header := http.Header{}
	header.Set("X-Agent-Identity", identity)
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocketDelivery(t *testing.T) {
	session := newFakeSession()
	ws := NewWebSocket(WebSocketConfig{}, session, nil)
	mux := http.NewServeMux()
	mux.Handle("/subscribe", ws)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn := dialWebSocket(t, srv, "agent-b", "sub-1")

	var tr delivery.Transport
	require.Eventually(t, func() bool {
		tr = session.transport("sub-1")
		return tr != nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, tr.Push(context.Background(), testDelivery()))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, FrameMessage, f.Type)
	assert.True(t, f.AckRequired)
	require.NotNil(t, f.Message)
	assert.Equal(t, "hello", string(f.Message.Payload))

	ref := f.Message.Ref()
	ack, err := Encode(Frame{Type: FrameAck, Ref: &ref})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, ack))

	assert.Eventually(t, func() bool {
		session.mu.Lock()
		defer session.mu.Unlock()
		return len(session.acks) == 1 && session.acks[0] == ref
	}, time.Second, 5*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool {
		session.mu.Lock()
		defer session.mu.Unlock()
		return len(session.disconnected) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		return tr.Push(context.Background(), testDelivery()) != nil
	}, time.Second, 5*time.Millisecond)
}

func TestWebSocketRejects(t *testing.T) {
	session := newFakeSession()
	session.attachErr = errors.New("subscription not found")
	srv := httptest.NewServer(NewWebSocket(WebSocketConfig{}, session, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/subscribe")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	conn := dialWebSocket(t, srv, "agent-b", "missing")
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, FrameError, f.Type)
	assert.Contains(t, f.Error, "subscription not found")
}

type recordingPublisher struct {
	mu      sync.Mutex
	err     error
	subject string
	data    []byte
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.subject, p.data = subject, data
	return nil
}

func TestNATSPush(t *testing.T) {
	pub := &recordingPublisher{}
	n := NewNATS(pub, "fluxmail", "team.a/agent*1")
	assert.Equal(t, "fluxmail.deliver.team_a/agent_1", n.Subject())

	require.NoError(t, n.Push(context.Background(), testDelivery()))
	f, err := Decode(pub.data)
	require.NoError(t, err)
	assert.Equal(t, "sub-1", f.SubscriptionID)
	assert.Equal(t, uint64(7), f.Message.ID)

	pub.err = nats.ErrConnectionClosed
	err = n.Push(context.Background(), testDelivery())
	assert.ErrorIs(t, err, message.ErrTransportUnavailable)
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)
}

func TestNATSControlRoundTrip(t *testing.T) {
	nc, err := nats.Connect(nats.DefaultURL, nats.Timeout(200*time.Millisecond))
	if err != nil {
		t.Skipf("nats server not available: %v", err)
	}
	defer nc.Close()

	session := newFakeSession()
	l, err := ListenControl(nc, "fluxmail-test", session, nil)
	require.NoError(t, err)
	defer l.Close()

	data, err := Encode(Frame{Type: FrameHeartbeat, SubscriptionID: "sub-9"})
	require.NoError(t, err)
	require.NoError(t, nc.Publish(ControlSubject("fluxmail-test", "agent-b"), data))
	require.NoError(t, nc.Flush())

	assert.Eventually(t, func() bool {
		session.mu.Lock()
		defer session.mu.Unlock()
		return len(session.heartbeats) == 1 && session.heartbeats[0] == "agent-b/sub-9"
	}, time.Second, 10*time.Millisecond)
}
