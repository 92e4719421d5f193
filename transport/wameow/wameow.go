// Package wameow implements transport.Transport on top of whatsmeow. Signal
// keys live in whatsmeow's own sqlstore; the credential blob handed back to
// the session only names the paired device inside that store.
package wameow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"whatsapp-autoreply/transport"
	"whatsapp-autoreply/utils"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	eventBuffer = 32
	logoutWait  = 10 * time.Second
)

type credentials struct {
	JID string `json:"jid"`
}

// EncodeCredentials returns the blob that points at a paired device.
func EncodeCredentials(jid types.JID) []byte {
	data, _ := json.Marshal(credentials{JID: jid.String()})
	return data
}

// DecodeCredentials extracts the device JID from a blob.
func DecodeCredentials(blob []byte) (types.JID, bool) {
	if len(blob) == 0 {
		return types.EmptyJID, false
	}
	var c credentials
	if err := json.Unmarshal(blob, &c); err != nil || c.JID == "" {
		return types.EmptyJID, false
	}
	jid, err := types.ParseJID(c.JID)
	if err != nil {
		return types.EmptyJID, false
	}
	return jid, true
}

// Factory opens whatsmeow clients backed by one sqlstore container.
type Factory struct {
	container *sqlstore.Container
	log       waLog.Logger
	logger    zerolog.Logger
}

// NewFactory opens (and upgrades) the whatsmeow key store.
func NewFactory(ctx context.Context, dialect, dsn, level string, logger zerolog.Logger) (*Factory, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.WarnLevel
	}
	waLogger := waLog.Zerolog(logger.With().Str("component", "whatsmeow").Logger().Level(lvl))

	container, err := sqlstore.New(ctx, dialect, dsn, waLogger.Sub("Database"))
	if err != nil {
		return nil, fmt.Errorf("%w: opening key store: %v", transport.ErrUnavailable, err)
	}
	return &Factory{
		container: container,
		log:       waLogger,
		logger:    logger.With().Str("component", "wameow").Logger(),
	}, nil
}

// Close closes the key store.
func (f *Factory) Close() error {
	return f.container.Close()
}

// New builds a client for the device named by creds, or a fresh device.
func (f *Factory) New(ctx context.Context, licenseKey string, creds []byte) (transport.Transport, error) {
	device, err := f.device(ctx, creds)
	if err != nil {
		return nil, err
	}

	client := whatsmeow.NewClient(device, f.log.Sub("Client"))
	// the session owns the reconnect policy
	client.EnableAutoReconnect = false

	tctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		client: client,
		events: make(chan transport.Event, eventBuffer),
		done:   make(chan struct{}),
		ctx:    tctx,
		cancel: cancel,
		logger: f.logger.With().Str("license", licenseKey).Logger(),
	}
	t.handlerID = client.AddEventHandler(t.handleEvent)
	return t, nil
}

func (f *Factory) device(ctx context.Context, creds []byte) (*store.Device, error) {
	jid, ok := DecodeCredentials(creds)
	if !ok {
		return f.container.NewDevice(), nil
	}
	device, err := f.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("loading device %s: %w", jid, err)
	}
	if device == nil {
		f.logger.Warn().Str("jid", jid.String()).Msg("Device missing from key store, starting a new pairing")
		return f.container.NewDevice(), nil
	}
	return device, nil
}

// Transport is one whatsmeow client.
type Transport struct {
	client    *whatsmeow.Client
	handlerID uint32
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	events    chan transport.Event
	done      chan struct{}
	closeOnce sync.Once
	closed    bool
}

func (t *Transport) Connect(context.Context) error {
	if t.client.Store.ID == nil {
		qrChan, err := t.client.GetQRChannel(t.ctx)
		if err != nil {
			return fmt.Errorf("getting QR channel: %w", err)
		}
		go t.pumpQR(qrChan)
	}
	if err := t.client.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	return nil
}

func (t *Transport) Events() <-chan transport.Event {
	return t.events
}

func (t *Transport) SendText(ctx context.Context, to, text string) error {
	jid, err := types.ParseJID(to)
	if err != nil {
		return fmt.Errorf("parsing recipient %q: %w", to, err)
	}
	if _, err := t.client.SendMessage(ctx, jid, utils.CreateTextMessage(text)); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// Logout unlinks the device. A handle that is not logged in connects first.
// When the server cannot be reached the device is still dropped from the key
// store.
func (t *Transport) Logout(ctx context.Context) error {
	if t.client.Store.ID == nil {
		return nil
	}
	if !t.client.IsLoggedIn() {
		err := t.client.Connect()
		if err != nil && !errors.Is(err, whatsmeow.ErrAlreadyConnected) {
			return t.forget(ctx, err)
		}
		if !t.client.WaitForConnection(waitTimeout(ctx, logoutWait)) {
			return t.forget(ctx, errors.New("timed out waiting for login"))
		}
	}
	if err := t.client.Logout(ctx); err != nil {
		return t.forget(ctx, err)
	}
	return nil
}

func (t *Transport) forget(ctx context.Context, cause error) error {
	if err := t.client.Store.Delete(ctx); err != nil {
		return fmt.Errorf("logging out: %v; deleting device: %w", cause, err)
	}
	return fmt.Errorf("logging out: %w", cause)
}

// waitTimeout is d, shortened to the time left on ctx.
func waitTimeout(ctx context.Context, d time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < d {
			return left
		}
	}
	return d
}

func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.cancel()
		t.client.RemoveEventHandler(t.handlerID)
		t.client.Disconnect()

		t.mu.Lock()
		t.closed = true
		close(t.events)
		t.mu.Unlock()
	})
}

func (t *Transport) emit(evt transport.Event) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.events <- evt:
	case <-t.done:
	}
}

func (t *Transport) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			t.emit(transport.Event{Type: transport.EventQR, QR: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			// events.Connected follows
		case whatsmeow.QRChannelTimeout.Event:
			t.emit(transport.Event{Type: transport.EventClose, Reason: "pairing timed out"})
		case whatsmeow.QRChannelEventError:
			t.emit(transport.Event{Type: transport.EventClose, Reason: fmt.Sprintf("pairing failed: %v", item.Error)})
		default:
			t.emit(transport.Event{Type: transport.EventClose, Reason: "pairing failed: " + item.Event})
		}
	}
}

func (t *Transport) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.PairSuccess:
		t.emit(transport.Event{Type: transport.EventCreds, Creds: EncodeCredentials(v.ID)})
	case *events.Connected:
		id := t.client.Store.ID
		if id == nil {
			return
		}
		t.emit(transport.Event{Type: transport.EventCreds, Creds: EncodeCredentials(*id)})
		t.emit(transport.Event{Type: transport.EventOpen, PhoneNumber: id.User, DeviceJID: id.String()})
	case *events.LoggedOut:
		t.emit(transport.Event{Type: transport.EventClose, LoggedOut: true, Reason: fmt.Sprintf("logged out: %v", v.Reason)})
	case *events.ConnectFailure:
		t.emit(transport.Event{
			Type:      transport.EventClose,
			LoggedOut: v.Reason.IsLoggedOut(),
			Reason:    strings.TrimSpace(fmt.Sprintf("connect failure: %v %s", v.Reason, v.Message)),
		})
	case *events.StreamReplaced:
		t.emit(transport.Event{Type: transport.EventClose, Reason: "stream replaced"})
	case *events.TemporaryBan:
		t.emit(transport.Event{Type: transport.EventClose, Reason: "temporary ban: " + v.String()})
	case *events.ClientOutdated:
		t.emit(transport.Event{Type: transport.EventClose, Reason: "client outdated"})
	case *events.Disconnected:
		t.emit(transport.Event{Type: transport.EventClose, Reason: "connection lost"})
	case *events.Message:
		t.emit(transport.Event{Type: transport.EventMessage, Message: convertMessage(v)})
	}
}

func convertMessage(v *events.Message) *transport.Message {
	return &transport.Message{
		ID:        v.Info.ID,
		ChatJID:   v.Info.Chat.String(),
		SenderJID: v.Info.Sender.String(),
		PushName:  v.Info.PushName,
		FromMe:    v.Info.IsFromMe,
		IsGroup:   v.Info.IsGroup,
		Timestamp: v.Info.Timestamp,
		Content:   envelope(v.Message),
	}
}

func envelope(msg *waE2E.Message) transport.Envelope {
	return transport.Envelope{
		Conversation:    msg.GetConversation(),
		ExtendedText:    msg.GetExtendedTextMessage().GetText(),
		ImageCaption:    msg.GetImageMessage().GetCaption(),
		VideoCaption:    msg.GetVideoMessage().GetCaption(),
		DocumentCaption: msg.GetDocumentMessage().GetCaption(),
	}
}
