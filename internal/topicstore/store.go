// Package topicstore implements the subscription set and per-topic
// message log the broker relays Topic traffic through, plus a
// change-notification primitive admin clients can watch.
package topicstore

import (
	"encoding/hex"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/primetype-labs/asmtpd/internal/topic"
)

type subscriptionRow struct {
	Topic string `gorm:"primaryKey"`
}

type messageRow struct {
	Topic     string `gorm:"primaryKey;index:idx_topic_msg"`
	MessageID string `gorm:"primaryKey;index:idx_topic_msg"`
	Bytes     []byte
}

// Store is the persistent subscription set plus per-topic message log.
// Safe for concurrent use.
type Store struct {
	db       *gorm.DB
	Notifier *Notifier
}

// NewStore opens (and migrates) a topic store backed by db.
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&subscriptionRow{}, &messageRow{}); err != nil {
		return nil, fmt.Errorf("topicstore: migrate: %w", err)
	}
	return &Store{db: db, Notifier: NewNotifier()}, nil
}

// Insert registers interest in t. Idempotent.
func (s *Store) Insert(t topic.Topic) error {
	row := subscriptionRow{Topic: t.String()}
	if err := s.db.Where(row).FirstOrCreate(&row).Error; err != nil {
		return fmt.Errorf("topicstore: insert subscription: %w", err)
	}
	return nil
}

// Remove withdraws interest in t. Idempotent. Does not clear t's message
// log — use Clear or RemoveRange for that.
func (s *Store) Remove(t topic.Topic) error {
	if err := s.db.Where("topic = ?", t.String()).Delete(&subscriptionRow{}).Error; err != nil {
		return fmt.Errorf("topicstore: remove subscription: %w", err)
	}
	s.Notifier.NotifyUnsubscribe(t)
	return nil
}

// Contains reports whether t is currently subscribed.
func (s *Store) Contains(t topic.Topic) (bool, error) {
	var count int64
	if err := s.db.Model(&subscriptionRow{}).Where("topic = ?", t.String()).Count(&count).Error; err != nil {
		return false, fmt.Errorf("topicstore: contains: %w", err)
	}
	return count > 0, nil
}

// Range returns every subscribed topic.
func (s *Store) Range() ([]topic.Topic, error) {
	var rows []subscriptionRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("topicstore: range: %w", err)
	}
	out := make([]topic.Topic, 0, len(rows))
	for _, r := range rows {
		t, err := parseTopic(r.Topic)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// InsertMessage appends body to t's message log, stamping it with the
// current time as its arrival time, and returns the assigned MessageId.
func (s *Store) InsertMessage(t topic.Topic, body []byte) (topic.MessageId, error) {
	return s.insertMessageAt(t, body, uint32(time.Now().Unix()))
}

func (s *Store) insertMessageAt(t topic.Topic, body []byte, arrivalTime uint32) (topic.MessageId, error) {
	id, err := topic.NewMessageId(arrivalTime, body)
	if err != nil {
		return topic.MessageId{}, fmt.Errorf("topicstore: build message id: %w", err)
	}

	row := messageRow{
		Topic:     t.String(),
		MessageID: hex.EncodeToString(id[:]),
		Bytes:     body,
	}
	if err := s.db.Create(&row).Error; err != nil {
		return topic.MessageId{}, fmt.Errorf("topicstore: insert message: %w", err)
	}

	s.Notifier.NotifyInsert(t, id)
	return id, nil
}

// LastMessageId returns the most recently inserted MessageId for t.
func (s *Store) LastMessageId(t topic.Topic) (topic.MessageId, bool, error) {
	var row messageRow
	err := s.db.Where("topic = ?", t.String()).Order("message_id desc").First(&row).Error
	if err != nil {
		return topic.MessageId{}, false, nil
	}
	id, err := parseMessageId(row.MessageID)
	return id, true, err
}

// RangeTime returns every (MessageId, bytes) pair for t with arrival
// time >= since, ordered by MessageId (equivalently, arrival order).
func (s *Store) RangeTime(t topic.Topic, since uint32) ([]MessageRecord, error) {
	lowerBound := lowerBoundMessageID(since)
	var rows []messageRow
	err := s.db.Where("topic = ? AND message_id >= ?", t.String(), lowerBound).
		Order("message_id asc").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("topicstore: range time: %w", err)
	}
	out := make([]MessageRecord, 0, len(rows))
	for _, r := range rows {
		id, err := parseMessageId(r.MessageID)
		if err != nil {
			return nil, err
		}
		out = append(out, MessageRecord{ID: id, Bytes: r.Bytes})
	}
	return out, nil
}

// RemoveRange deletes every message for t with arrival time < until.
func (s *Store) RemoveRange(t topic.Topic, until uint32) error {
	upperBound := lowerBoundMessageID(until)
	err := s.db.Where("topic = ? AND message_id < ?", t.String(), upperBound).Delete(&messageRow{}).Error
	if err != nil {
		return fmt.Errorf("topicstore: remove range: %w", err)
	}
	return nil
}

// Clear deletes every message in t's log.
func (s *Store) Clear(t topic.Topic) error {
	if err := s.db.Where("topic = ?", t.String()).Delete(&messageRow{}).Error; err != nil {
		return fmt.Errorf("topicstore: clear: %w", err)
	}
	return nil
}

// MessageRecord pairs a stored MessageId with its raw bytes.
type MessageRecord struct {
	ID    topic.MessageId
	Bytes []byte
}

func lowerBoundMessageID(arrivalTime uint32) string {
	var id topic.MessageId
	for i := 0; i < 4; i++ {
		id[i] = byte(arrivalTime >> uint(8*(3-i)))
	}
	return hex.EncodeToString(id[:])
}

func parseMessageId(hexStr string) (topic.MessageId, error) {
	raw, err := hex.DecodeString(hexStr)
	if err != nil || len(raw) != topic.MessageIdSize {
		return topic.MessageId{}, fmt.Errorf("topicstore: malformed message id %q", hexStr)
	}
	var id topic.MessageId
	copy(id[:], raw)
	return id, nil
}

func parseTopic(hexStr string) (topic.Topic, error) {
	raw, err := hex.DecodeString(hexStr)
	if err != nil || len(raw) != topic.Size {
		return topic.Topic{}, fmt.Errorf("topicstore: malformed topic %q", hexStr)
	}
	var t topic.Topic
	copy(t[:], raw)
	return t, nil
}
