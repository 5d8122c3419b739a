package wechat

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/geffzhang/weyhdbot/internal/channel"
)

// wireDoc is a decoded payload with all property names lowercased.
// fields holds the envelope, payload the typed body (the nested object of the
// customer-service form, or the envelope itself for push deliveries).
type wireDoc struct {
	fields   map[string]string
	payload  map[string]string
	articles []map[string]string
}

type payloadDecoder func(doc wireDoc, msg *channel.Message)

var payloadDecoders = map[channel.MessageType]payloadDecoder{
	channel.MessageTypeText: func(doc wireDoc, msg *channel.Message) {
		msg.Content = doc.payload["content"]
	},
	channel.MessageTypeImage: decodeMedia,
	channel.MessageTypeVoice: decodeMedia,
	channel.MessageTypeRichMedia: func(doc wireDoc, msg *channel.Message) {
		for _, item := range doc.articles {
			msg.Articles = append(msg.Articles, channel.Article{
				Title:       item["title"],
				Description: item["description"],
				URL:         item["url"],
				PicURL:      item["picurl"],
			})
		}
	},
	channel.MessageTypeEvent: func(doc wireDoc, msg *channel.Message) {
		msg.Event = first(doc.fields, "event")
		msg.EventKey = first(doc.fields, "eventkey")
	},
}

func decodeMedia(doc wireDoc, msg *channel.Message) {
	msg.MediaID = first(doc.payload, "media_id", "mediaid")
}

type payloadEncoder func(msg channel.Message) any

type textPayload struct {
	Content string `json:"content"`
}

type mediaPayload struct {
	MediaID string `json:"media_id"`
}

type newsPayload struct {
	Articles []channel.Article `json:"articles"`
}

var payloadEncoders = map[channel.MessageType]payloadEncoder{
	channel.MessageTypeText:  func(m channel.Message) any { return textPayload{Content: m.Content} },
	channel.MessageTypeImage: func(m channel.Message) any { return mediaPayload{MediaID: m.MediaID} },
	channel.MessageTypeVoice: func(m channel.Message) any { return mediaPayload{MediaID: m.MediaID} },
	channel.MessageTypeRichMedia: func(m channel.Message) any {
		articles := m.Articles
		if articles == nil {
			articles = []channel.Article{}
		}
		return newsPayload{Articles: articles}
	},
}

// Decode reads a push delivery or a customer-service message, in XML or JSON.
// It never fails: malformed input yields whatever envelope fields were read
// and an unknown type yields an empty payload.
func Decode(data []byte) channel.Message {
	msg, _ := Parse(data)
	return msg
}

// Parse is Decode that also reports syntax errors.
func Parse(data []byte) (channel.Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return channel.Message{}, ErrEmptyPayload
	}
	var (
		doc wireDoc
		err error
	)
	if trimmed[0] == '<' {
		doc, err = parseXML(trimmed)
	} else {
		doc, err = parseJSON(trimmed)
	}
	return doc.message(), err
}

func (doc wireDoc) message() channel.Message {
	msg := channel.Message{
		ToUser:   first(doc.fields, "touser", "tousername"),
		FromUser: first(doc.fields, "fromuser", "fromusername"),
		MsgID:    first(doc.fields, "msgid"),
		Type:     channel.ParseMessageType(first(doc.fields, "msgtype")),
	}
	if ts, err := strconv.ParseInt(strings.TrimSpace(first(doc.fields, "createtime")), 10, 64); err == nil {
		msg.CreatedAt = ts
	}
	if decode, ok := payloadDecoders[msg.Type]; ok {
		decode(doc, &msg)
	}
	return msg
}

func first(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return ""
}

func parseXML(data []byte) (wireDoc, error) {
	doc := wireDoc{fields: map[string]string{}}
	doc.payload = doc.fields
	dec := xml.NewDecoder(bytes.NewReader(data))
	var (
		depth      int
		text       strings.Builder
		inArticles bool
		item       map[string]string
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return doc, nil
		}
		if err != nil {
			return doc, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			name := strings.ToLower(t.Name.Local)
			switch {
			case depth == 2 && name == "articles":
				inArticles = true
			case inArticles && depth == 3:
				item = map[string]string{}
			}
			text.Reset()
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			name := strings.ToLower(t.Name.Local)
			switch {
			case depth == 2 && name == "articles":
				inArticles = false
			case depth == 2:
				doc.fields[name] = text.String()
			case inArticles && depth == 3 && item != nil:
				doc.articles = append(doc.articles, item)
				item = nil
			case inArticles && depth == 4 && item != nil:
				item[name] = text.String()
			case !inArticles && depth == 3:
				// <Image><MediaId> and similar wrappers
				if _, ok := doc.fields[name]; !ok {
					doc.fields[name] = text.String()
				}
			}
			text.Reset()
			depth--
		}
	}
}

func parseJSON(data []byte) (wireDoc, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var root map[string]any
	if err := dec.Decode(&root); err != nil {
		return wireDoc{fields: map[string]string{}, payload: map[string]string{}}, err
	}
	doc := wireDoc{fields: scalars(root)}
	body := root
	if msgType := strings.ToLower(doc.fields["msgtype"]); msgType != "" {
		if nested, ok := lookupFold(root, msgType).(map[string]any); ok {
			body = nested
		}
	}
	doc.payload = scalars(body)
	if list, ok := lookupFold(body, "articles").([]any); ok {
		for _, raw := range list {
			if obj, ok := raw.(map[string]any); ok {
				doc.articles = append(doc.articles, scalars(obj))
			}
		}
	}
	return doc, nil
}

// scalars flattens the scalar properties of obj under lowercased names.
func scalars(obj map[string]any) map[string]string {
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		key := strings.ToLower(k)
		switch val := v.(type) {
		case string:
			out[key] = val
		case json.Number:
			out[key] = val.String()
		case bool:
			out[key] = strconv.FormatBool(val)
		}
	}
	return out
}

func lookupFold(obj map[string]any, name string) any {
	if v, ok := obj[name]; ok {
		return v
	}
	for k, v := range obj {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return nil
}

// Encode writes msg in the customer-service JSON form. The sender, creation
// time and message id are carried as extra envelope fields when set.
func Encode(msg channel.Message) ([]byte, error) {
	encode, ok := payloadEncoders[msg.Type]
	if !ok {
		return nil, &UnsupportedTypeError{Type: msg.Type}
	}
	out := map[string]any{
		"touser":         msg.ToUser,
		"msgtype":        string(msg.Type),
		string(msg.Type): encode(msg),
	}
	if msg.FromUser != "" {
		out["fromuser"] = msg.FromUser
	}
	if msg.CreatedAt != 0 {
		out["createtime"] = msg.CreatedAt
	}
	if msg.MsgID != "" {
		out["msgid"] = msg.MsgID
	}
	return json.Marshal(out)
}
