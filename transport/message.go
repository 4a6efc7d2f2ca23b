// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"slices"
)

// Kind tags a Message for the stages above the one that produced it.
type Kind uint8

const (
	KindBinary Kind = iota
	KindString
	KindControl
	KindRTP
	KindRTCP
)

func (k Kind) String() string {
	switch k {
	case KindBinary:
		return "binary"
	case KindString:
		return "string"
	case KindControl:
		return "control"
	case KindRTP:
		return "rtp"
	case KindRTCP:
		return "rtcp"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message is an immutable payload passed between stages. The zero
// Message is empty and KindBinary.
type Message struct {
	data []byte
	kind Kind
}

// NewMessage copies data into a new Message.
func NewMessage(kind Kind, data []byte) Message {
	return Message{data: slices.Clone(data), kind: kind}
}

// StringMessage returns a KindString message holding text.
func StringMessage(text string) Message {
	return Message{data: []byte(text), kind: KindString}
}

// Kind returns the message's tag.
func (m Message) Kind() Kind { return m.kind }

// Len returns the payload length.
func (m Message) Len() int { return len(m.data) }

// Bytes returns a copy of the payload.
func (m Message) Bytes() []byte { return slices.Clone(m.data) }

// String returns the payload as text.
func (m Message) String() string { return string(m.data) }

// payload returns the message's own bytes for stages in this package,
// which only read them.
func (m Message) payload() []byte { return m.data }

// MessageBuilder assembles a payload before it becomes a Message. All
// mutation (header insertion, extension rewriting) happens here; Build
// hands the buffer to the Message and spends the builder.
type MessageBuilder struct {
	data  []byte
	kind  Kind
	spent bool
}

// NewMessageBuilder returns a builder with room for capacity bytes.
func NewMessageBuilder(kind Kind, capacity int) *MessageBuilder {
	return &MessageBuilder{data: make([]byte, 0, capacity), kind: kind}
}

func (b *MessageBuilder) check() {
	if b.spent {
		panic("transport: MessageBuilder used after Build")
	}
}

// Append adds bytes at the end.
func (b *MessageBuilder) Append(data ...byte) *MessageBuilder {
	b.check()
	b.data = append(b.data, data...)
	return b
}

// Insert places data at offset, shifting the rest right. Offsets past
// the end panic like slice indexing.
func (b *MessageBuilder) Insert(offset int, data ...byte) *MessageBuilder {
	b.check()
	b.data = slices.Insert(b.data, offset, data...)
	return b
}

// Overwrite replaces len(data) bytes starting at offset.
func (b *MessageBuilder) Overwrite(offset int, data ...byte) *MessageBuilder {
	b.check()
	copy(b.data[offset:offset+len(data)], data)
	return b
}

// SetKind changes the tag of the message being built.
func (b *MessageBuilder) SetKind(kind Kind) *MessageBuilder {
	b.check()
	b.kind = kind
	return b
}

// Len returns the current payload length.
func (b *MessageBuilder) Len() int { return len(b.data) }

// Build returns the finished Message. The builder cannot be used
// afterwards.
func (b *MessageBuilder) Build() Message {
	b.check()
	b.spent = true
	message := Message{data: b.data, kind: b.kind}
	b.data = nil
	return message
}
