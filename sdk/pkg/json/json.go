package json

import (
	jsoniter "github.com/json-iterator/go"
)

// JSON 统一的 jsoniter 配置实例
// 使用 ConfigCompatibleWithStandardLibrary 确保与标准库完全兼容
//
// 信封、发件箱行、死信信封都通过这个实例序列化，不要在各组件中另建配置。
var JSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Marshal 序列化对象为 JSON 字节数组
func Marshal(v interface{}) ([]byte, error) {
	return JSON.Marshal(v)
}

// Unmarshal 从 JSON 字节数组反序列化对象
func Unmarshal(data []byte, v interface{}) error {
	return JSON.Unmarshal(data, v)
}

// MarshalToString 将对象序列化为 JSON 字符串
func MarshalToString(v interface{}) (string, error) {
	return JSON.MarshalToString(v)
}

// UnmarshalFromString 从 JSON 字符串反序列化对象
func UnmarshalFromString(str string, v interface{}) error {
	return JSON.UnmarshalFromString(str, v)
}

// Valid 判断数据是否是合法 JSON
func Valid(data []byte) bool {
	return JSON.Valid(data)
}

// RawMessage jsoniter 兼容的 RawMessage 类型
// 在序列化/反序列化时保留原始 JSON，适用于透传事件负载
type RawMessage = jsoniter.RawMessage
