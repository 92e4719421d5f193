package wameow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"whatsapp-autoreply/transport"
)

func newBareTransport() *Transport {
	return &Transport{
		events: make(chan transport.Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

func next(t *testing.T, tr *Transport) transport.Event {
	t.Helper()
	select {
	case evt := <-tr.events:
		return evt
	case <-time.After(time.Second):
		t.Fatal("no event emitted")
	}
	return transport.Event{}
}

func TestCredentialsRoundTrip(t *testing.T) {
	jid := types.NewADJID("5511999990000", 0, 7)
	blob := EncodeCredentials(jid)

	got, ok := DecodeCredentials(blob)
	require.True(t, ok)
	assert.Equal(t, jid.String(), got.String())
}

func TestDecodeCredentials_Invalid(t *testing.T) {
	for _, blob := range [][]byte{nil, {}, []byte("not json"), []byte(`{"jid":""}`)} {
		_, ok := DecodeCredentials(blob)
		assert.False(t, ok, "blob %q", blob)
	}
}

func TestHandleEvent_Message(t *testing.T) {
	tr := newBareTransport()
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tr.handleEvent(&events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:   types.NewJID("5511988887777", types.DefaultUserServer),
				Sender: types.NewJID("5511988887777", types.DefaultUserServer),
			},
			ID:        "ABC123",
			PushName:  "Ana",
			Timestamp: ts,
		},
		Message: &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("hola")}},
	})

	evt := next(t, tr)
	require.Equal(t, transport.EventMessage, evt.Type)
	require.NotNil(t, evt.Message)
	assert.Equal(t, "ABC123", evt.Message.ID)
	assert.Equal(t, "5511988887777@s.whatsapp.net", evt.Message.ChatJID)
	assert.Equal(t, "Ana", evt.Message.PushName)
	assert.Equal(t, "hola", evt.Message.Content.ExtendedText)
	assert.Equal(t, ts, evt.Message.Timestamp)
}

func TestHandleEvent_CloseReasons(t *testing.T) {
	tests := []struct {
		name      string
		evt       interface{}
		loggedOut bool
	}{
		{"logged out", &events.LoggedOut{Reason: events.ConnectFailureLoggedOut}, true},
		{"connect failure logged out", &events.ConnectFailure{Reason: events.ConnectFailureLoggedOut}, true},
		{"connect failure transient", &events.ConnectFailure{Reason: events.ConnectFailureServiceUnavailable}, false},
		{"stream replaced", &events.StreamReplaced{}, false},
		{"disconnected", &events.Disconnected{}, false},
		{"outdated", &events.ClientOutdated{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newBareTransport()
			tr.handleEvent(tt.evt)
			evt := next(t, tr)
			assert.Equal(t, transport.EventClose, evt.Type)
			assert.Equal(t, tt.loggedOut, evt.LoggedOut)
			assert.NotEmpty(t, evt.Reason)
		})
	}
}

func TestHandleEvent_PairSuccessEmitsCreds(t *testing.T) {
	tr := newBareTransport()
	jid := types.NewADJID("5511999990000", 0, 3)
	tr.handleEvent(&events.PairSuccess{ID: jid})

	evt := next(t, tr)
	require.Equal(t, transport.EventCreds, evt.Type)
	got, ok := DecodeCredentials(evt.Creds)
	require.True(t, ok)
	assert.Equal(t, jid.String(), got.String())
}

func TestPumpQR(t *testing.T) {
	tr := newBareTransport()
	ch := make(chan whatsmeow.QRChannelItem, 3)
	ch <- whatsmeow.QRChannelItem{Event: whatsmeow.QRChannelEventCode, Code: "2@code"}
	ch <- whatsmeow.QRChannelSuccess
	ch <- whatsmeow.QRChannelTimeout
	close(ch)

	tr.pumpQR(ch)

	evt := next(t, tr)
	assert.Equal(t, transport.EventQR, evt.Type)
	assert.Equal(t, "2@code", evt.QR)

	evt = next(t, tr)
	assert.Equal(t, transport.EventClose, evt.Type)
	assert.False(t, evt.LoggedOut)
}

func TestEmitAfterCloseIsDropped(t *testing.T) {
	tr := newBareTransport()
	close(tr.done)
	tr.mu.Lock()
	tr.closed = true
	close(tr.events)
	tr.mu.Unlock()

	assert.NotPanics(t, func() {
		tr.emit(transport.Event{Type: transport.EventQR, QR: "late"})
	})
}

func TestWaitTimeout(t *testing.T) {
	assert.Equal(t, logoutWait, waitTimeout(context.Background(), logoutWait))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got := waitTimeout(ctx, logoutWait)
	assert.LessOrEqual(t, got, time.Second)
	assert.Positive(t, got)
}
