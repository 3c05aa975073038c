// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package message 定义 agent 间交换的消息：@type 解析为 doc_uri / protocol / version / short_type。
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"didcomm-agent/pkg/mtc"
)

// ErrInvalidMessage 构造或反序列化失败
var ErrInvalidMessage = errors.New("invalid message")

// 保留字段
const (
	FieldType = "@type"
	FieldID   = "@id"
)

var typeURIRe = regexp.MustCompile(`^(.*?)([a-z0-9._-]+)/(\d[^/]*)/([a-z0-9._-]+)$`)

var abbrevVersionRe = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)$`)

const schemaJSON = `{
  "type": "object",
  "required": ["@type"],
  "properties": {
    "@type": {"type": "string", "pattern": "^(.*?)([a-z0-9._-]+)/(\\d[^/]*)/([a-z0-9._-]+)$"},
    "@id": {"type": "string"}
  }
}`

var loadSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
})

// Message 携带任意键值负载；类型信息在构造时解析一次并缓存
type Message struct {
	data map[string]any

	docURI    string
	protocol  string
	version   *semver.Version
	shortType string

	trust *mtc.Context
}

// New 校验必填字段并解析 @type；缺少 @id 时生成 uuid
func New(data map[string]any) (*Message, error) {
	if data == nil {
		return nil, fmt.Errorf("%w: nil body", ErrInvalidMessage)
	}
	if err := validate(data); err != nil {
		return nil, err
	}
	m := &Message{data: make(map[string]any, len(data)+1)}
	for k, v := range data {
		m.data[k] = v
	}
	if _, ok := m.data[FieldID]; !ok {
		m.data[FieldID] = uuid.NewString()
	}
	typ := m.data[FieldType].(string)
	parts := typeURIRe.FindStringSubmatch(typ)
	if parts == nil {
		return nil, fmt.Errorf("%w: malformed type %q", ErrInvalidMessage, typ)
	}
	v, err := ParseVersion(parts[3])
	if err != nil {
		return nil, err
	}
	m.docURI, m.protocol, m.shortType = parts[1], parts[2], parts[4]
	m.version = v
	return m, nil
}

// MustNew 用于测试和常量消息
func MustNew(data map[string]any) *Message {
	m, err := New(data)
	if err != nil {
		panic(err)
	}
	return m
}

func validate(data map[string]any) error {
	schema, err := loadSchema()
	if err != nil {
		return fmt.Errorf("%w: schema: %v", ErrInvalidMessage, err)
	}
	res, err := schema.Validate(gojsonschema.NewGoLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if !res.Valid() {
		first := res.Errors()[0]
		return fmt.Errorf("%w: %s", ErrInvalidMessage, first.String())
	}
	return nil
}

// ParseVersion 接受 MAJOR.MINOR（patch 视为 0）或完整 semver
func ParseVersion(s string) (*semver.Version, error) {
	if abbrevVersionRe.MatchString(s) {
		s += ".0"
	}
	v, err := semver.StrictNewVersion(s)
	if err != nil {
		return nil, fmt.Errorf("%w: version %q: %v", ErrInvalidMessage, s, err)
	}
	return v, nil
}

// Deserialize 从 JSON 对象构造消息
func Deserialize(b []byte) (*Message, error) {
	var data map[string]any
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return New(data)
}

// Serialize 输出规范 JSON（键按字典序）
func (m *Message) Serialize() ([]byte, error) {
	return json.Marshal(m.data)
}

func (m *Message) MarshalJSON() ([]byte, error) { return m.Serialize() }

func (m *Message) Type() string { return m.data[FieldType].(string) }

func (m *Message) ID() string {
	id, _ := m.data[FieldID].(string)
	return id
}

func (m *Message) DocURI() string    { return m.docURI }
func (m *Message) Protocol() string  { return m.protocol }
func (m *Message) ShortType() string { return m.shortType }

// Version 规范化后的 semver
func (m *Message) Version() *semver.Version { return m.version }

// QualifiedProtocol doc_uri + protocol
func (m *Message) QualifiedProtocol() string { return m.docURI + m.protocol }

// Get 读取任意字段
func (m *Message) Get(key string) (any, bool) {
	v, ok := m.data[key]
	return v, ok
}

// Set 写入非保留字段；@type 与 @id 在构造后不可变
func (m *Message) Set(key string, value any) error {
	if key == FieldType || key == FieldID {
		return fmt.Errorf("%w: %s is immutable", ErrInvalidMessage, key)
	}
	m.data[key] = value
	return nil
}

func (m *Message) Delete(key string) {
	if key == FieldType || key == FieldID {
		return
	}
	delete(m.data, key)
}

// Data 返回顶层字段的浅拷贝
func (m *Message) Data() map[string]any {
	out := make(map[string]any, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out
}

// MTC 解包前为 nil
func (m *Message) MTC() *mtc.Context { return m.trust }

func (m *Message) SetMTC(c *mtc.Context) { m.trust = c }
