package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/primetype-labs/asmtpd/internal/topic"
)

// Tag is the one-byte MessageFormat discriminator.
type Tag byte

const (
	TagGossip              Tag = 1
	TagTopic               Tag = 2
	TagPutPassport         Tag = 3
	TagGetPassport         Tag = 4
	TagRegisterTopic       Tag = 5
	TagDeregisterTopic     Tag = 6
	TagQueryTopicMessages  Tag = 7
)

// MinMessageSize is the shortest legal encoded message: one tag byte
// plus a 32-byte body.
const MinMessageSize = 33

var (
	ErrMessageTooShort = errors.New("wire: message shorter than minimum size")
	ErrUnknownTag      = errors.New("wire: unknown message tag")
	ErrMalformed       = errors.New("wire: malformed message body")
)

// Message is the decoded form of one MessageFormat frame.
type Message struct {
	Tag Tag

	GossipBlob []byte

	Topic          topic.Topic
	TopicContent   []byte
	PassportID     [32]byte
	Blocks         [][]byte
	SinceTime      uint32
}

func GossipMessage(blob []byte) Message {
	return Message{Tag: TagGossip, GossipBlob: blob}
}

func TopicMessage(t topic.Topic, content []byte) Message {
	return Message{Tag: TagTopic, Topic: t, TopicContent: content}
}

func PutPassportMessage(passportID [32]byte, blocks [][]byte) Message {
	return Message{Tag: TagPutPassport, PassportID: passportID, Blocks: blocks}
}

func GetPassportMessage(passportID [32]byte) Message {
	return Message{Tag: TagGetPassport, PassportID: passportID}
}

func RegisterTopicMessage(t topic.Topic) Message {
	return Message{Tag: TagRegisterTopic, Topic: t}
}

func DeregisterTopicMessage(t topic.Topic) Message {
	return Message{Tag: TagDeregisterTopic, Topic: t}
}

func QueryTopicMessagesMessage(t topic.Topic, sinceTime uint32) Message {
	return Message{Tag: TagQueryTopicMessages, Topic: t, SinceTime: sinceTime}
}

// Encode serialises m into its wire representation, suitable for
// passing to Codec.WriteMessage.
func Encode(m Message) ([]byte, error) {
	switch m.Tag {
	case TagGossip:
		if len(m.GossipBlob) < 32 {
			return nil, ErrMessageTooShort
		}
		return append([]byte{byte(TagGossip)}, m.GossipBlob...), nil

	case TagTopic:
		buf := make([]byte, 1+topic.Size+len(m.TopicContent))
		buf[0] = byte(TagTopic)
		copy(buf[1:], m.Topic[:])
		copy(buf[1+topic.Size:], m.TopicContent)
		return buf, nil

	case TagPutPassport:
		buf := []byte{byte(TagPutPassport)}
		buf = append(buf, m.PassportID[:]...)
		for _, block := range m.Blocks {
			lenPrefix := make([]byte, 4)
			binary.BigEndian.PutUint32(lenPrefix, uint32(len(block)))
			buf = append(buf, lenPrefix...)
			buf = append(buf, block...)
		}
		return buf, nil

	case TagGetPassport:
		return append([]byte{byte(TagGetPassport)}, m.PassportID[:]...), nil

	case TagRegisterTopic:
		return append([]byte{byte(TagRegisterTopic)}, m.Topic[:]...), nil

	case TagDeregisterTopic:
		return append([]byte{byte(TagDeregisterTopic)}, m.Topic[:]...), nil

	case TagQueryTopicMessages:
		buf := make([]byte, 1+topic.Size+4)
		buf[0] = byte(TagQueryTopicMessages)
		copy(buf[1:], m.Topic[:])
		binary.BigEndian.PutUint32(buf[1+topic.Size:], m.SinceTime)
		return buf, nil

	default:
		return nil, ErrUnknownTag
	}
}

// Decode parses a raw frame plaintext into a Message.
func Decode(raw []byte) (Message, error) {
	if len(raw) < MinMessageSize {
		return Message{}, ErrMessageTooShort
	}
	tag := Tag(raw[0])
	body := raw[1:]

	switch tag {
	case TagGossip:
		blob := make([]byte, len(body))
		copy(blob, body)
		return Message{Tag: TagGossip, GossipBlob: blob}, nil

	case TagTopic:
		if len(body) < topic.Size {
			return Message{}, ErrMalformed
		}
		var t topic.Topic
		copy(t[:], body[:topic.Size])
		content := make([]byte, len(body)-topic.Size)
		copy(content, body[topic.Size:])
		return Message{Tag: TagTopic, Topic: t, TopicContent: content}, nil

	case TagPutPassport:
		if len(body) < 32 {
			return Message{}, ErrMalformed
		}
		var passportID [32]byte
		copy(passportID[:], body[:32])

		rest := body[32:]
		var blocks [][]byte
		for len(rest) > 0 {
			if len(rest) < 4 {
				return Message{}, fmt.Errorf("%w: truncated block length", ErrMalformed)
			}
			blockLen := binary.BigEndian.Uint32(rest[:4])
			rest = rest[4:]
			if uint64(blockLen) > uint64(len(rest)) {
				return Message{}, fmt.Errorf("%w: truncated block body", ErrMalformed)
			}
			block := make([]byte, blockLen)
			copy(block, rest[:blockLen])
			blocks = append(blocks, block)
			rest = rest[blockLen:]
		}
		return Message{Tag: TagPutPassport, PassportID: passportID, Blocks: blocks}, nil

	case TagGetPassport:
		if len(body) != 32 {
			return Message{}, ErrMalformed
		}
		var passportID [32]byte
		copy(passportID[:], body)
		return Message{Tag: TagGetPassport, PassportID: passportID}, nil

	case TagRegisterTopic:
		if len(body) != topic.Size {
			return Message{}, ErrMalformed
		}
		var t topic.Topic
		copy(t[:], body)
		return Message{Tag: TagRegisterTopic, Topic: t}, nil

	case TagDeregisterTopic:
		if len(body) != topic.Size {
			return Message{}, ErrMalformed
		}
		var t topic.Topic
		copy(t[:], body)
		return Message{Tag: TagDeregisterTopic, Topic: t}, nil

	case TagQueryTopicMessages:
		if len(body) != topic.Size+4 {
			return Message{}, ErrMalformed
		}
		var t topic.Topic
		copy(t[:], body[:topic.Size])
		since := binary.BigEndian.Uint32(body[topic.Size:])
		return Message{Tag: TagQueryTopicMessages, Topic: t, SinceTime: since}, nil

	default:
		return Message{}, ErrUnknownTag
	}
}
