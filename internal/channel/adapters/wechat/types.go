// Package wechat connects a WeChat official account to the bridge: the
// message codec, the access token cache, the customer-service client and the
// webhook edge.
package wechat

import (
	"github.com/geffzhang/weyhdbot/internal/channel"
)

// Type is the channel type of this adapter.
const Type channel.ChannelType = "wechat"

// MenuItem is one button of a custom menu. Click items carry Key, view items URL.
type MenuItem struct {
	Type       string     `json:"type,omitempty" yaml:"type,omitempty"`
	Name       string     `json:"name" yaml:"name"`
	Key        string     `json:"key,omitempty" yaml:"key,omitempty"`
	URL        string     `json:"url,omitempty" yaml:"url,omitempty"`
	SubButtons []MenuItem `json:"sub_button,omitempty" yaml:"sub_button,omitempty"`
}

// Menu is the custom menu document accepted by the menu endpoint.
type Menu struct {
	Buttons []MenuItem `json:"button" yaml:"button"`
}

// MenuItemClick is the menu item type that raises CLICK events.
const MenuItemClick = "click"

// GenericResponse is the error envelope every platform endpoint returns.
type GenericResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// MediaUploadResponse is returned by the media upload endpoint.
type MediaUploadResponse struct {
	Type      string `json:"type"`
	MediaID   string `json:"media_id"`
	CreatedAt int64  `json:"created_at"`
	ErrCode   int    `json:"errcode"`
	ErrMsg    string `json:"errmsg"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
}
