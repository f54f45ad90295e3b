package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
)

// Codec 信令编解码器, 由 url 上的 codec 查询参数协商
type Codec interface {
	// Name 编解码器名称, 同时作为协商参数值
	Name() string

	// WebSocketMessageType 对应的 websocket 帧类型
	WebSocketMessageType() int

	// EncodeRequest 编码信令请求
	EncodeRequest(req *Request) ([]byte, error)

	// DecodeResponse 解码信令响应
	DecodeResponse(data []byte) (*Response, error)
}

// JSONCodec JSON 编解码器, 文本帧
type JSONCodec struct{}

// Name 实现 Codec 接口
func (JSONCodec) Name() string {
	return "json"
}

// WebSocketMessageType 实现 Codec 接口
func (JSONCodec) WebSocketMessageType() int {
	return websocket.TextMessage
}

// EncodeRequest 实现 Codec 接口
func (JSONCodec) EncodeRequest(req *Request) ([]byte, error) {
	return json.Marshal(req)
}

// DecodeResponse 实现 Codec 接口
func (JSONCodec) DecodeResponse(data []byte) (*Response, error) {
	resp := &Response{}
	if err := json.Unmarshal(data, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CodecByName 按协商名称返回编解码器
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported signal codec: %q", name)
	}
}
