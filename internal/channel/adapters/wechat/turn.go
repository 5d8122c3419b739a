package wechat

import (
	"strings"

	"github.com/geffzhang/weyhdbot/internal/channel"
	"github.com/geffzhang/weyhdbot/internal/directline"
)

// FromTurn converts a relay turn into a message for toUser. Hero cards become
// news articles; otherwise the first image attachment becomes an image whose
// MediaID is the attachment URL (uploaded at send time); otherwise text.
func FromTurn(turn directline.Activity, toUser string) channel.Message {
	msg := channel.Message{ToUser: toUser}

	var articles []channel.Article
	for _, att := range turn.Attachments {
		card, ok := att.HeroCard()
		if !ok {
			continue
		}
		article := channel.Article{Title: card.Title, Description: card.Subtitle}
		if article.Description == "" {
			article.Description = card.Text
		}
		if len(card.Images) > 0 {
			article.PicURL = card.Images[0].URL
		}
		if len(card.Buttons) > 0 {
			if url, ok := card.Buttons[0].Value.(string); ok {
				article.URL = url
			}
		}
		articles = append(articles, article)
	}
	if len(articles) > 0 {
		msg.Type = channel.MessageTypeRichMedia
		msg.Articles = articles
		return msg
	}

	for _, att := range turn.Attachments {
		if strings.Contains(strings.ToLower(att.ContentType), "image") && att.ContentURL != "" {
			msg.Type = channel.MessageTypeImage
			msg.MediaID = att.ContentURL
			return msg
		}
	}

	msg.Type = channel.MessageTypeText
	msg.Content = turn.Text
	return msg
}
