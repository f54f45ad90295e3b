package protocol

import (
	"fmt"
	"net/url"
	"strings"
)

// ClientInfo 客户端标识, 作为连接参数上报
type ClientInfo struct {
	SDK         string
	Version     string
	OS          string
	NetworkType string
}

// ConnectOptions 信令连接参数
type ConnectOptions struct {
	AutoSubscribe   bool
	AdaptiveStream  bool
	Codec           string
	Reconnect       bool
	SessionID       string
	ReconnectReason string
	ClientInfo      ClientInfo
}

// BuildJoinURL 构造信令连接地址: <base>/rtc + 查询参数
func BuildJoinURL(base, token string, opts ConnectOptions) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", base, err)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server url scheme: %q", u.Scheme)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/rtc"

	q := u.Query()
	q.Set("access_token", token)
	q.Set("auto_subscribe", boolParam(opts.AutoSubscribe))
	if opts.AdaptiveStream {
		q.Set("adaptive_stream", "1")
	}
	if opts.Codec != "" {
		q.Set("codec", opts.Codec)
	}
	if opts.Reconnect {
		q.Set("reconnect", "1")
		if opts.SessionID != "" {
			q.Set("sid", opts.SessionID)
		}
		if opts.ReconnectReason != "" {
			q.Set("reconnect_reason", opts.ReconnectReason)
		}
	}
	if opts.ClientInfo.SDK != "" {
		q.Set("sdk", opts.ClientInfo.SDK)
	}
	if opts.ClientInfo.Version != "" {
		q.Set("version", opts.ClientInfo.Version)
	}
	if opts.ClientInfo.OS != "" {
		q.Set("os", opts.ClientInfo.OS)
	}
	if opts.ClientInfo.NetworkType != "" {
		q.Set("network", opts.ClientInfo.NetworkType)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// BuildValidateURL 构造连接前置诊断地址: <base>/rtc/validate
func BuildValidateURL(base, token string, opts ConnectOptions) (string, error) {
	joinURL, err := BuildJoinURL(base, token, opts)
	if err != nil {
		return "", err
	}

	u, err := url.Parse(joinURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = strings.TrimSuffix(u.Path, "/rtc") + "/rtc/validate"

	return u.String(), nil
}

func boolParam(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
