// Package decoder maps provider message objects of variant shape to a
// normalized content, type and media url.
package decoder

import (
	"encoding/json"
	"strings"
)

// MessageType is the normalized message type stored on a Message.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeVideo    MessageType = "video"
	TypeAudio    MessageType = "audio"
	TypeDocument MessageType = "document"
)

// Placeholders are the localized texts used when a message carries no text.
type Placeholders struct {
	Image    string
	Video    string
	Document string
	Audio    string
	Fallback string
}

var (
	English = Placeholders{
		Image:    "Image",
		Video:    "Video",
		Document: "Document",
		Audio:    "Audio",
		Fallback: "media message",
	}
	Portuguese = Placeholders{
		Image:    "Imagem",
		Video:    "Vídeo",
		Document: "Documento",
		Audio:    "Áudio",
		Fallback: "Mensagem de mídia",
	}
)

// PlaceholdersFor returns the placeholder table for a locale, English by default.
func PlaceholdersFor(locale string) Placeholders {
	switch strings.ToLower(strings.TrimSpace(locale)) {
	case "pt", "pt-br", "pt_br":
		return Portuguese
	default:
		return English
	}
}

// Decoded is the normalized form of a provider message.
type Decoded struct {
	Content  string      `json:"content"`
	Type     MessageType `json:"type"`
	MediaURL *string     `json:"mediaUrl"`
	MimeType string      `json:"mimeType,omitempty"`
	FileName string      `json:"fileName,omitempty"`
	// Fallback marks content that was not recognized.
	Fallback bool `json:"fallback,omitempty"`
}

// mediaPayload is the common subset of image, video, document and audio messages.
type mediaPayload struct {
	Caption  string `json:"caption"`
	URL      string `json:"url"`
	Mimetype string `json:"mimetype"`
	FileName string `json:"fileName"`
	Title    string `json:"title"`
}

type textPayload struct {
	Text string `json:"text"`
}

// kind is one entry of the ordered decode table.
type kind struct {
	field  string
	decode func(raw json.RawMessage, p Placeholders) (Decoded, bool)
}

// kinds is matched in order. The first entry that yields a result wins.
var kinds = []kind{
	{field: "conversation", decode: decodeConversation},
	{field: "extendedTextMessage", decode: decodeExtendedText},
	{field: "imageMessage", decode: mediaDecoder(TypeImage)},
	{field: "videoMessage", decode: mediaDecoder(TypeVideo)},
	{field: "documentMessage", decode: mediaDecoder(TypeDocument)},
	{field: "audioMessage", decode: mediaDecoder(TypeAudio)},
}

// wrappers hold the real message one level down under "message".
var wrappers = []string{
	"ephemeralMessage",
	"viewOnceMessage",
	"viewOnceMessageV2",
	"viewOnceMessageV2Extension",
	"documentWithCaptionMessage",
}

// maxUnwrap bounds nested envelope unwrapping.
const maxUnwrap = 4

// Decoder decodes provider messages with a fixed placeholder table.
type Decoder struct {
	placeholders Placeholders
}

// New returns a Decoder using the given placeholders.
func New(p Placeholders) *Decoder {
	return &Decoder{placeholders: p}
}

// Placeholders returns the table the decoder was built with.
func (d *Decoder) Placeholders() Placeholders {
	return d.placeholders
}

// Decode never fails. Unknown, empty or malformed input yields the fallback.
func (d *Decoder) Decode(raw json.RawMessage) Decoded {
	fields := unwrap(raw)
	if fields != nil {
		for _, k := range kinds {
			v, ok := fields[k.field]
			if !ok || isNull(v) {
				continue
			}
			if out, ok := k.decode(v, d.placeholders); ok {
				return out
			}
		}
	}
	return Decoded{Content: d.placeholders.Fallback, Type: TypeText, Fallback: true}
}

// Decode decodes with the English placeholders.
func Decode(raw json.RawMessage) Decoded {
	return New(English).Decode(raw)
}

func unwrap(raw json.RawMessage) map[string]json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil
	}
	for depth := 0; depth < maxUnwrap; depth++ {
		inner := innerMessage(fields)
		if inner == nil {
			break
		}
		fields = inner
	}
	return fields
}

func innerMessage(fields map[string]json.RawMessage) map[string]json.RawMessage {
	for _, w := range wrappers {
		v, ok := fields[w]
		if !ok {
			continue
		}
		var envelope struct {
			Message map[string]json.RawMessage `json:"message"`
		}
		if err := json.Unmarshal(v, &envelope); err == nil && len(envelope.Message) > 0 {
			return envelope.Message
		}
	}
	return nil
}

func isNull(v json.RawMessage) bool {
	s := strings.TrimSpace(string(v))
	return s == "" || s == "null"
}

func decodeConversation(raw json.RawMessage, _ Placeholders) (Decoded, bool) {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil || strings.TrimSpace(text) == "" {
		return Decoded{}, false
	}
	return Decoded{Content: text, Type: TypeText}, true
}

func decodeExtendedText(raw json.RawMessage, _ Placeholders) (Decoded, bool) {
	var p textPayload
	if err := json.Unmarshal(raw, &p); err != nil || strings.TrimSpace(p.Text) == "" {
		return Decoded{}, false
	}
	return Decoded{Content: p.Text, Type: TypeText}, true
}

func mediaDecoder(t MessageType) func(json.RawMessage, Placeholders) (Decoded, bool) {
	return func(raw json.RawMessage, p Placeholders) (Decoded, bool) {
		var m mediaPayload
		if err := json.Unmarshal(raw, &m); err != nil {
			return Decoded{}, false
		}
		out := Decoded{
			Content:  strings.TrimSpace(m.Caption),
			Type:     t,
			MimeType: m.Mimetype,
			FileName: m.FileName,
		}
		if m.URL != "" {
			url := m.URL
			out.MediaURL = &url
		}
		if out.Content == "" && t == TypeDocument {
			out.Content = firstNonEmpty(m.FileName, m.Title)
		}
		if out.Content == "" {
			out.Content = placeholderFor(t, p)
		}
		return out, true
	}
}

func placeholderFor(t MessageType, p Placeholders) string {
	switch t {
	case TypeImage:
		return p.Image
	case TypeVideo:
		return p.Video
	case TypeDocument:
		return p.Document
	case TypeAudio:
		return p.Audio
	}
	return p.Fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
