package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"didcomm-agent/pkg/message"
)

// ErrInvalidModule 模块缺少 protocol 或版本无法解析
var ErrInvalidModule = errors.New("dispatcher: invalid module")

// Handler 消息处理函数
type Handler func(ctx context.Context, msg *message.Message) error

// Module 版本化协议模块
type Module interface {
	DocURI() string
	Protocol() string
	Version() string
	// Lookup 先按完整 type URI 查找，再按 short type 查找
	Lookup(typeURI, shortType string) (Handler, bool)
}

// BaseModule 通用模块实现，构造时登记 handler 表
type BaseModule struct {
	docURI   string
	protocol string
	version  string
	routes   map[string]Handler
	handlers map[string]Handler
}

func NewModule(docURI, protocol, version string) *BaseModule {
	return &BaseModule{
		docURI:   docURI,
		protocol: protocol,
		version:  version,
		routes:   make(map[string]Handler),
		handlers: make(map[string]Handler),
	}
}

func (m *BaseModule) DocURI() string   { return m.docURI }
func (m *BaseModule) Protocol() string { return m.protocol }
func (m *BaseModule) Version() string  { return m.version }

// QualifiedProtocol doc URI 与协议名拼接
func (m *BaseModule) QualifiedProtocol() string { return m.docURI + m.protocol }

// TypeURI 本模块版本下某消息类型的完整 type URI
func (m *BaseModule) TypeURI(shortType string) string {
	return fmt.Sprintf("%s%s/%s/%s", m.docURI, m.protocol, m.version, shortType)
}

// Route 按完整 type URI 登记
func (m *BaseModule) Route(typeURI string, h Handler) *BaseModule {
	m.routes[typeURI] = h
	return m
}

// Handle 按 short type 登记，匹配任意兼容版本的同名消息
func (m *BaseModule) Handle(shortType string, h Handler) *BaseModule {
	m.handlers[shortType] = h
	return m
}

func (m *BaseModule) Lookup(typeURI, shortType string) (Handler, bool) {
	if h, ok := m.routes[typeURI]; ok {
		return h, true
	}
	h, ok := m.handlers[shortType]
	return h, ok
}

// ShortTypes 已登记的 short type，按字典序
func (m *BaseModule) ShortTypes() []string {
	out := make([]string, 0, len(m.handlers))
	for k := range m.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
