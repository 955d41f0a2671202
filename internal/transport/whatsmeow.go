package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/mdp/qrterminal/v3"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"
)

// Handlers are the callbacks the adapter feeds. Message is invoked in
// per-chat order; different chats run concurrently.
type Handlers struct {
	Message func(ctx context.Context, ev Event)
	// CallRejected fires after an incoming call was declined, so the core
	// can count it against the caller.
	CallRejected func(ctx context.Context, caller, pushName string)
}

// WhatsApp owns the authenticated whatsmeow session and adapts its events to
// the core's Event/Sender boundary.
type WhatsApp struct {
	log      zerolog.Logger
	client   *whatsmeow.Client
	handlers Handlers
	antiCall bool

	mu     sync.Mutex
	queues map[string]chan Event
}

const chatQueueSize = 64

func NewWhatsApp(ctx context.Context, sessionDB string, antiCall bool, log zerolog.Logger) (*WhatsApp, error) {
	container, err := sqlstore.New(ctx, "sqlite3", sessionDB, waLog.Stdout("Database", "ERROR", true))
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("device store: %w", err)
	}
	return &WhatsApp{
		log:      log.With().Str("component", "whatsapp").Logger(),
		client:   whatsmeow.NewClient(device, waLog.Stdout("Client", "ERROR", true)),
		antiCall: antiCall,
		queues:   make(map[string]chan Event),
	}, nil
}

// Connect wires the event handlers and brings the session up, printing a
// pairing QR on first run.
func (w *WhatsApp) Connect(ctx context.Context, handlers Handlers) error {
	w.handlers = handlers
	w.client.AddEventHandler(w.handleEvent)

	if w.client.Store.ID == nil {
		qrChan, err := w.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("qr channel: %w", err)
		}
		if err := w.client.Connect(); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, os.Stdout)
				w.log.Info().Msg("scan the QR code to pair")
			} else {
				w.log.Info().Str("event", evt.Event).Msg("pairing")
			}
		}
		return nil
	}
	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (w *WhatsApp) Disconnect() { w.client.Disconnect() }

func (w *WhatsApp) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		w.handleMessage(v)
	case *events.CallOffer:
		w.handleCall(v)
	}
}

// handleMessage converts the envelope and enqueues it on the chat's ordered
// queue. A full queue drops the event; a chat that far behind is spamming.
func (w *WhatsApp) handleMessage(v *events.Message) {
	if v.Info.Chat.User == "status" {
		return
	}
	ev := Event{
		Chat:      v.Info.Chat.String(),
		Sender:    v.Info.Sender.String(),
		PushName:  v.Info.PushName,
		ID:        v.Info.ID,
		Timestamp: v.Info.Timestamp,
		IsFromMe:  v.Info.IsFromMe,
		Content:   extractContent(v.Message),
	}

	w.mu.Lock()
	q, ok := w.queues[ev.Chat]
	if !ok {
		q = make(chan Event, chatQueueSize)
		w.queues[ev.Chat] = q
		go w.drain(q)
	}
	w.mu.Unlock()

	select {
	case q <- ev:
	default:
		w.log.Warn().Str("chat", ev.Chat).Msg("chat queue full, event dropped")
	}
}

func (w *WhatsApp) drain(q chan Event) {
	for ev := range q {
		w.handlers.Message(context.Background(), ev)
	}
}

func (w *WhatsApp) handleCall(v *events.CallOffer) {
	if !w.antiCall {
		return
	}
	ctx := context.Background()
	caller := v.CallCreator
	w.log.Info().Str("caller", caller.String()).Str("call", v.CallID).Msg("rejecting incoming call")
	if err := w.client.RejectCall(ctx, caller, v.CallID); err != nil {
		w.log.Error().Err(err).Str("caller", caller.String()).Msg("call reject failed")
		return
	}
	text := "📞 Sorry, I'm a chat bot and can't pick up calls. I declined automatically, just type instead!"
	if _, err := w.SendText(ctx, caller.String(), text, nil); err != nil {
		w.log.Error().Err(err).Str("caller", caller.String()).Msg("anti-call notice failed")
	}
	if w.handlers.CallRejected != nil {
		w.handlers.CallRejected(ctx, caller.String(), "")
	}
}

// extractContent pulls every text candidate out of the message proto. The
// pipeline decides precedence; this only flattens the envelope.
func extractContent(msg *waProto.Message) Content {
	if msg == nil {
		return Content{}
	}
	c := Content{}

	if br := msg.GetButtonsResponseMessage(); br != nil {
		c.ButtonID = br.GetSelectedButtonID()
	}
	if tr := msg.GetTemplateButtonReplyMessage(); tr != nil && c.ButtonID == "" {
		c.ButtonID = tr.GetSelectedID()
	}
	if lr := msg.GetListResponseMessage(); lr != nil {
		c.ListRowID = lr.GetSingleSelectReply().GetSelectedRowID()
	}
	if ir := msg.GetInteractiveResponseMessage(); ir != nil {
		c.InteractiveID = nativeFlowID(ir.GetNativeFlowResponseMessage().GetParamsJSON())
	}

	switch {
	case msg.GetConversation() != "":
		c.Text = msg.GetConversation()
	case msg.GetExtendedTextMessage().GetText() != "":
		c.Text = msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage().GetCaption() != "":
		c.Text = msg.GetImageMessage().GetCaption()
	case msg.GetVideoMessage().GetCaption() != "":
		c.Text = msg.GetVideoMessage().GetCaption()
	}

	if pm := msg.GetProtocolMessage(); pm.GetType() == waProto.ProtocolMessage_MESSAGE_EDIT {
		if edited := pm.GetEditedMessage(); edited != nil {
			if t := edited.GetExtendedTextMessage().GetText(); t != "" {
				c.EditedText = t
			} else if t := edited.GetConversation(); t != "" {
				c.EditedText = t
			}
		}
	}

	return c
}

// nativeFlowID digs the selection id out of a native-flow params blob.
func nativeFlowID(paramsJSON string) string {
	if paramsJSON == "" {
		return ""
	}
	var params struct {
		ID       string `json:"id"`
		ButtonID string `json:"buttonId"`
	}
	if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
		return ""
	}
	if params.ID != "" {
		return params.ID
	}
	return params.ButtonID
}

func (w *WhatsApp) SendText(ctx context.Context, jid, text string, opts *SendOpts) (MsgRef, error) {
	to, err := types.ParseJID(jid)
	if err != nil {
		return MsgRef{}, fmt.Errorf("parse jid %q: %w", jid, err)
	}

	var msg *waProto.Message
	if opts != nil && opts.QuoteID != "" {
		msg = &waProto.Message{
			ExtendedTextMessage: &waProto.ExtendedTextMessage{
				Text: proto.String(text),
				ContextInfo: &waProto.ContextInfo{
					StanzaID:      proto.String(opts.QuoteID),
					Participant:   proto.String(jid),
					QuotedMessage: &waProto.Message{Conversation: proto.String("")},
				},
			},
		}
	} else {
		msg = &waProto.Message{Conversation: proto.String(text)}
	}

	resp, err := w.client.SendMessage(ctx, to, msg)
	if err != nil {
		return MsgRef{}, fmt.Errorf("send to %s: %w", jid, err)
	}
	return MsgRef{ID: resp.ID}, nil
}

func (w *WhatsApp) EditText(ctx context.Context, jid, msgID, text string) error {
	to, err := types.ParseJID(jid)
	if err != nil {
		return fmt.Errorf("parse jid %q: %w", jid, err)
	}
	edit := w.client.BuildEdit(to, msgID, &waProto.Message{Conversation: proto.String(text)})
	if _, err := w.client.SendMessage(ctx, to, edit); err != nil {
		return fmt.Errorf("edit %s in %s: %w", msgID, jid, err)
	}
	return nil
}

func (w *WhatsApp) SendMedia(ctx context.Context, jid string, media Media) error {
	to, err := types.ParseJID(jid)
	if err != nil {
		return fmt.Errorf("parse jid %q: %w", jid, err)
	}

	var mediaType whatsmeow.MediaType
	switch media.Kind {
	case "audio":
		mediaType = whatsmeow.MediaAudio
	case "image":
		mediaType = whatsmeow.MediaImage
	default:
		mediaType = whatsmeow.MediaDocument
	}

	up, err := w.client.Upload(ctx, media.Data, mediaType)
	if err != nil {
		return fmt.Errorf("upload media: %w", err)
	}

	length := uint64(len(media.Data))
	var msg *waProto.Message
	switch mediaType {
	case whatsmeow.MediaAudio:
		msg = &waProto.Message{AudioMessage: &waProto.AudioMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(media.MimeType),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(length),
		}}
	case whatsmeow.MediaImage:
		msg = &waProto.Message{ImageMessage: &waProto.ImageMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(media.MimeType),
			Caption:       proto.String(media.Caption),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(length),
		}}
	default:
		msg = &waProto.Message{DocumentMessage: &waProto.DocumentMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(media.MimeType),
			FileName:      proto.String(media.FileName),
			Caption:       proto.String(media.Caption),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(length),
		}}
	}

	if _, err := w.client.SendMessage(ctx, to, msg); err != nil {
		return fmt.Errorf("send media to %s: %w", jid, err)
	}
	return nil
}

func (w *WhatsApp) SetPresence(ctx context.Context, jid string, state Presence) error {
	to, err := types.ParseJID(jid)
	if err != nil {
		return fmt.Errorf("parse jid %q: %w", jid, err)
	}
	chatState := types.ChatPresenceComposing
	if state == PresencePaused {
		chatState = types.ChatPresencePaused
	}
	return w.client.SendChatPresence(ctx, to, chatState, types.ChatPresenceMediaText)
}
