package whatsapp

import (
	"regexp"
	"strings"

	"github.com/wagate/pkg/dtos"
	waTypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

var nonDigits = regexp.MustCompile(`[^\d]`)

// NormalizeMessage translates an upstream message event into the internal
// MessageInfo. It is the only place that touches upstream message fields.
// Protocol messages (key rotations, revocations) return ok=false and are
// dropped before ingestion.
func NormalizeMessage(evt *events.Message) (dtos.MessageInfo, bool) {
	if evt == nil || evt.Message == nil {
		return dtos.MessageInfo{}, false
	}
	if evt.Message.GetProtocolMessage() != nil {
		return dtos.MessageInfo{}, false
	}

	info := dtos.MessageInfo{
		ID:        evt.Info.ID,
		From:      evt.Info.Chat.String(),
		FromMe:    evt.Info.IsFromMe,
		Timestamp: evt.Info.Timestamp.Unix(),
		PushName:  evt.Info.PushName,
	}

	msg := evt.Message
	switch {
	case msg.GetConversation() != "":
		info.Type = "conversation"
		info.Content = dtos.MessageContent{
			Type: dtos.MessageTypeText,
			Text: msg.GetConversation(),
		}
	case msg.GetExtendedTextMessage() != nil:
		ext := msg.GetExtendedTextMessage()
		info.Type = "extendedTextMessage"
		info.Content = dtos.MessageContent{
			Type:        dtos.MessageTypeText,
			Text:        ext.GetText(),
			ContextInfo: ext.GetContextInfo().GetStanzaID(),
		}
	case msg.GetImageMessage() != nil:
		img := msg.GetImageMessage()
		info.Type = "imageMessage"
		info.Content = dtos.MessageContent{
			Type:     dtos.MessageTypeImage,
			Caption:  img.GetCaption(),
			Mimetype: img.GetMimetype(),
		}
	case msg.GetVideoMessage() != nil:
		vid := msg.GetVideoMessage()
		info.Type = "videoMessage"
		info.Content = dtos.MessageContent{
			Type:     dtos.MessageTypeVideo,
			Caption:  vid.GetCaption(),
			Mimetype: vid.GetMimetype(),
			Seconds:  vid.GetSeconds(),
		}
	case msg.GetAudioMessage() != nil:
		aud := msg.GetAudioMessage()
		info.Type = "audioMessage"
		info.Content = dtos.MessageContent{
			Type:     dtos.MessageTypeAudio,
			Mimetype: aud.GetMimetype(),
			Seconds:  aud.GetSeconds(),
		}
	case msg.GetDocumentMessage() != nil:
		doc := msg.GetDocumentMessage()
		info.Type = "documentMessage"
		info.Content = dtos.MessageContent{
			Type:     dtos.MessageTypeDocument,
			Caption:  doc.GetCaption(),
			Mimetype: doc.GetMimetype(),
			FileName: doc.GetFileName(),
		}
	case msg.GetStickerMessage() != nil:
		info.Type = "stickerMessage"
		info.Content = dtos.MessageContent{
			Type:     dtos.MessageTypeSticker,
			Mimetype: msg.GetStickerMessage().GetMimetype(),
		}
	case msg.GetLocationMessage() != nil:
		loc := msg.GetLocationMessage()
		info.Type = "locationMessage"
		info.Content = dtos.MessageContent{
			Type:      dtos.MessageTypeLocation,
			Latitude:  loc.GetDegreesLatitude(),
			Longitude: loc.GetDegreesLongitude(),
			Name:      loc.GetName(),
		}
	case msg.GetContactMessage() != nil:
		contact := msg.GetContactMessage()
		info.Type = "contactMessage"
		info.Content = dtos.MessageContent{
			Type:        dtos.MessageTypeContact,
			DisplayName: contact.GetDisplayName(),
			VCard:       contact.GetVcard(),
		}
	default:
		// Opaque passthrough: keep the record, mark the content unhandled.
		info.Type = "unknown"
		info.Content = dtos.MessageContent{Type: dtos.ContentUnhandled}
	}

	return info, true
}

// NormalizeJID turns a recipient string into a JID. Bare phone numbers get
// their non-digits stripped and the individual-user server appended.
func NormalizeJID(to string) (waTypes.JID, error) {
	if strings.Contains(to, "@") {
		return waTypes.ParseJID(to)
	}
	digits := nonDigits.ReplaceAllString(to, "")
	if len(digits) < 7 {
		return waTypes.JID{}, errInvalidPhone
	}
	return waTypes.NewJID(digits, waTypes.DefaultUserServer), nil
}

// PhoneDigits strips everything but digits from a phone number.
func PhoneDigits(phone string) string {
	return nonDigits.ReplaceAllString(phone, "")
}
