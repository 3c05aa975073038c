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

// Package mtc 实现 Message Trust Context：记录一条消息在传输/解包过程中被确认或否认的信任属性。
package mtc

import (
	"errors"
	"strings"
)

// ErrContextsConflict 同一谓词同时出现在 affirmed 与 denied 中
var ErrContextsConflict = errors.New("mtc: affirmed and denied contexts overlap")

// Predicate 信任谓词位集合
type Predicate uint16

// 谓词按声明顺序占位；String 输出也按此顺序
const (
	SizeOK Predicate = 1 << iota
	DeserializeOK
	KeysOK
	ValuesOK
	Confidentiality
	Integrity
	AuthenticatedOrigin
	Nonrepudiation
	PFS
	Uniqueness
	LimitedScope
)

// None 空集合
const None Predicate = 0

var labels = []struct {
	p     Predicate
	label string
}{
	{SizeOK, "size_ok"},
	{DeserializeOK, "deserialize_ok"},
	{KeysOK, "keys_ok"},
	{ValuesOK, "values_ok"},
	{Confidentiality, "confidentiality"},
	{Integrity, "integrity"},
	{AuthenticatedOrigin, "authenticated_origin"},
	{Nonrepudiation, "nonrepudiation"},
	{PFS, "pfs"},
	{Uniqueness, "uniqueness"},
	{LimitedScope, "limited_scope"},
}

// Has 判断 p 是否包含 q 的全部位
func (p Predicate) Has(q Predicate) bool { return p&q == q }

// Value 三态：确认、否认、未知
type Value int8

const (
	Unknown Value = iota
	True
	False
)

// Additional data 常用键
const (
	RecipientKey = "recip_vk"
	RecipientDID = "recip_did"
	SenderKey    = "sender_vk"
	SenderDID    = "sender_did"
)

// Context 不是并发安全的；解包后由持有消息的一方读取或调用 Set
type Context struct {
	affirmed Predicate
	denied   Predicate
	ad       map[string]string
}

// New 创建 Context；affirmed 与 denied 有交集时返回 ErrContextsConflict
func New(affirmed, denied Predicate, additional map[string]string) (*Context, error) {
	if affirmed&denied != None {
		return nil, ErrContextsConflict
	}
	ad := make(map[string]string, len(additional))
	for k, v := range additional {
		ad[k] = v
	}
	return &Context{affirmed: affirmed, denied: denied, ad: ad}, nil
}

func (c *Context) Affirmed() Predicate { return c.affirmed }

func (c *Context) Denied() Predicate { return c.denied }

// Get 返回 p 的三态值：p 全部位都在 affirmed 中为 True，全部在 denied 中为 False，否则 Unknown
func (c *Context) Get(p Predicate) Value {
	if c.affirmed.Has(p) {
		return True
	}
	if c.denied.Has(p) {
		return False
	}
	return Unknown
}

// Validate 仅当 p 中每个谓词都已确认时返回 true
func (c *Context) Validate(p Predicate) bool {
	return c.affirmed.Has(p)
}

// Set 设置 p 的取值。Unknown 只从 affirmed 中移除，denied 保持不变。
func (c *Context) Set(p Predicate, v Value) {
	switch v {
	case True:
		c.affirmed |= p
		c.denied &^= p
	case False:
		c.denied |= p
		c.affirmed &^= p
	default:
		c.affirmed &^= p
	}
}

// AD 读取 additional data
func (c *Context) AD(key string) string { return c.ad[key] }

// AdditionalData 返回 additional data 的拷贝
func (c *Context) AdditionalData() map[string]string {
	out := make(map[string]string, len(c.ad))
	for k, v := range c.ad {
		out[k] = v
	}
	return out
}

// String 仅用于日志，例如 "mtc: +confidentiality +integrity -nonrepudiation"
func (c *Context) String() string {
	parts := []string{"mtc:"}
	var minus []string
	for _, l := range labels {
		switch c.Get(l.p) {
		case True:
			parts = append(parts, "+"+l.label)
		case False:
			minus = append(minus, "-"+l.label)
		}
	}
	return strings.Join(append(parts, minus...), " ")
}
