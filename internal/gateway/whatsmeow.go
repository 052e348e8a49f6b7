package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/schedulink/wagateway/pkg/models"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the whatsmeow session store
)

const sessionDBName = "session.db"

// WhatsmeowDialer dials real gateway connections through whatsmeow. It is
// the only type in the repository that touches the client library.
type WhatsmeowDialer struct {
	logger *slog.Logger
}

// NewWhatsmeowDialer creates a dialer.
func NewWhatsmeowDialer(logger *slog.Logger) *WhatsmeowDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WhatsmeowDialer{logger: logger}
}

// Dial opens the tenant's session store and builds a client around it. The
// connection itself is not established until Connect.
func (d *WhatsmeowDialer) Dial(ctx context.Context, tenant models.TenantID, credDir string, handler Handler) (Client, error) {
	dbPath := filepath.Join(credDir, sessionDBName)
	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath), waLog.Noop)
	if err != nil {
		return nil, ErrConnection("failed to open session store", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, ErrConnection("failed to load device", err)
	}

	wc := &whatsmeowClient{
		tenant:    tenant,
		container: container,
		handler:   handler,
		logger:    d.logger.With("tenant", tenant),
	}
	wc.client = whatsmeow.NewClient(device, waLog.Noop)
	wc.client.AddEventHandler(wc.translate)
	return wc, nil
}

// whatsmeowClient adapts one whatsmeow.Client to the Client contract and
// translates its events into the internal vocabulary.
type whatsmeowClient struct {
	tenant    models.TenantID
	client    *whatsmeow.Client
	container *sqlstore.Container
	handler   Handler
	logger    *slog.Logger

	mu       sync.Mutex
	cancelQR context.CancelFunc
	released bool
}

func (w *whatsmeowClient) Connect(ctx context.Context) error {
	if w.client.Store.ID == nil {
		// Fresh pairing: pump QR tokens until login or teardown.
		qrCtx, cancel := context.WithCancel(ctx)
		w.mu.Lock()
		w.cancelQR = cancel
		w.mu.Unlock()

		qrChan, err := w.client.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return ErrConnection("failed to open QR channel", err)
		}
		if err := w.client.Connect(); err != nil {
			cancel()
			return ErrConnection("failed to connect", err)
		}
		go func() {
			for {
				select {
				case <-qrCtx.Done():
					return
				case item, ok := <-qrChan:
					if !ok {
						return
					}
					if item.Event == "code" {
						w.handler(QREvent{Token: item.Code})
					}
				}
			}
		}()
		return nil
	}

	if err := w.client.Connect(); err != nil {
		return ErrConnection("failed to connect", err)
	}
	return nil
}

func (w *whatsmeowClient) Disconnect() {
	w.mu.Lock()
	if w.released {
		w.mu.Unlock()
		return
	}
	w.released = true
	cancel := w.cancelQR
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.client.Disconnect()
	if err := w.container.Close(); err != nil {
		w.logger.Warn("failed to close session store", "error", err)
	}
}

func (w *whatsmeowClient) Logout(ctx context.Context) error {
	if err := w.client.Logout(ctx); err != nil {
		return ErrConnection("logout failed", err)
	}
	return nil
}

func (w *whatsmeowClient) IsConnected() bool {
	return w.client.IsConnected()
}

func (w *whatsmeowClient) IsLoggedIn() bool {
	return w.client.IsLoggedIn()
}

func (w *whatsmeowClient) PairPhone(ctx context.Context, phoneNumber string) (string, error) {
	code, err := w.client.PairPhone(ctx, phoneNumber, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		return "", ErrConnection("pairing code request failed", err)
	}
	return code, nil
}

func (w *whatsmeowClient) SendText(ctx context.Context, chatID, text string) (string, error) {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return "", ErrInvalidRecipient("invalid chat address "+chatID, err)
	}
	msg := &waE2E.Message{Conversation: proto.String(text)}
	resp, err := w.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", ErrConnection("failed to send message", err)
	}
	return string(resp.ID), nil
}

func (w *whatsmeowClient) SendMedia(ctx context.Context, chatID string, media models.Media, caption string) (string, error) {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return "", ErrInvalidRecipient("invalid chat address "+chatID, err)
	}

	data := media.Data
	if len(data) == 0 {
		data, err = downloadURL(media.URL)
		if err != nil {
			return "", err
		}
	}

	uploadType := mediaUploadType(media)
	uploaded, err := w.client.Upload(ctx, data, uploadType)
	if err != nil {
		return "", ErrConnection("failed to upload media", err)
	}

	mimeType := media.MimeType
	msg := &waE2E.Message{}
	switch uploadType {
	case whatsmeow.MediaImage:
		msg.ImageMessage = &waE2E.ImageMessage{
			URL:           &uploaded.URL,
			DirectPath:    &uploaded.DirectPath,
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    &uploaded.FileLength,
			Mimetype:      &mimeType,
		}
		if caption != "" {
			msg.ImageMessage.Caption = proto.String(caption)
		}
	case whatsmeow.MediaVideo:
		msg.VideoMessage = &waE2E.VideoMessage{
			URL:           &uploaded.URL,
			DirectPath:    &uploaded.DirectPath,
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    &uploaded.FileLength,
			Mimetype:      &mimeType,
		}
		if caption != "" {
			msg.VideoMessage.Caption = proto.String(caption)
		}
	case whatsmeow.MediaAudio:
		msg.AudioMessage = &waE2E.AudioMessage{
			URL:           &uploaded.URL,
			DirectPath:    &uploaded.DirectPath,
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    &uploaded.FileLength,
			Mimetype:      &mimeType,
		}
	default:
		msg.DocumentMessage = &waE2E.DocumentMessage{
			URL:           &uploaded.URL,
			DirectPath:    &uploaded.DirectPath,
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    &uploaded.FileLength,
			Mimetype:      &mimeType,
			FileName:      proto.String(media.Filename),
		}
		if caption != "" {
			msg.DocumentMessage.Caption = proto.String(caption)
		}
	}

	resp, err := w.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", ErrConnection("failed to send media message", err)
	}
	return string(resp.ID), nil
}

// translate converts whatsmeow events into the internal vocabulary and
// forwards them to the session handler.
func (w *whatsmeowClient) translate(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		jid := ""
		if w.client.Store.ID != nil {
			jid = w.client.Store.ID.String()
		}
		w.handler(OpenedEvent{JID: jid})

	case *events.Disconnected:
		w.handler(ClosedEvent{Code: CodeConnectionLost, Reason: "disconnected"})

	case *events.LoggedOut:
		w.handler(ClosedEvent{Code: CodeLoggedOut, Reason: "logged out by gateway"})

	case *events.StreamReplaced:
		w.handler(ClosedEvent{Code: CodeConnectionReplaced, Reason: "stream replaced by another device"})

	case *events.StreamError:
		code := CodeConnectionClosed
		if n, err := strconv.Atoi(strings.TrimSpace(v.Code)); err == nil {
			code = n
		}
		w.handler(ClosedEvent{Code: code, Reason: "stream error"})

	case *events.ConnectFailure:
		w.handler(ClosedEvent{Code: int(v.Reason), Reason: v.Message})

	case *events.Message:
		w.translateMessage(v)
	}
}

func (w *whatsmeowClient) translateMessage(evt *events.Message) {
	// Status broadcasts are noise for the trigger gate.
	if evt.Info.Chat.Server == types.BroadcastServer {
		return
	}

	var text string
	switch {
	case evt.Message.Conversation != nil:
		text = evt.Message.GetConversation()
	case evt.Message.ExtendedTextMessage != nil:
		text = evt.Message.ExtendedTextMessage.GetText()
	case evt.Message.ImageMessage != nil:
		text = evt.Message.ImageMessage.GetCaption()
	case evt.Message.VideoMessage != nil:
		text = evt.Message.VideoMessage.GetCaption()
	case evt.Message.DocumentMessage != nil:
		text = evt.Message.DocumentMessage.GetCaption()
	}
	if text == "" {
		return
	}

	w.handler(MessageEvent{
		MessageID: string(evt.Info.ID),
		ChatID:    evt.Info.Chat.String(),
		SenderID:  evt.Info.Sender.String(),
		Text:      text,
		FromMe:    evt.Info.IsFromMe,
		IsGroup:   evt.Info.IsGroup,
		Timestamp: evt.Info.Timestamp,
	})
}

func mediaUploadType(media models.Media) whatsmeow.MediaType {
	switch media.Kind {
	case models.MediaImage:
		return whatsmeow.MediaImage
	case models.MediaVideo:
		return whatsmeow.MediaVideo
	case models.MediaAudio:
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}
