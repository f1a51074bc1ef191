package content

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190
const maxTitleLength = 300

var (
	// ErrInvalidTopicID indicates a topic identifier is empty or exceeds storage bounds.
	ErrInvalidTopicID = errors.New("content: invalid topic id")
	// ErrInvalidTitle indicates a topic title is empty or too long.
	ErrInvalidTitle = errors.New("content: invalid title")
	// ErrInvalidBody indicates an empty post body.
	ErrInvalidBody = errors.New("content: invalid body")
)

// Topic is a forum topic. The relational store is the sole authority; the
// document cache only ever receives projections of it. Revision increments on
// every accepted mutation and doubles as the projection source version.
type Topic struct {
	TopicID    string     `gorm:"column:topic_id;primaryKey;size:36;not null"`
	AuthorID   string     `gorm:"column:author_id;size:36;not null;index"`
	Title      string     `gorm:"column:title;size:300;not null"`
	Body       string     `gorm:"column:body;type:text;not null"`
	Revision   int64      `gorm:"column:revision;not null;default:1"`
	ReplyCount int64      `gorm:"column:reply_count;not null;default:0"`
	DeletedAt  *time.Time `gorm:"column:deleted_at;index"`
	CreatedAt  time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time  `gorm:"column:updated_at;autoUpdateTime;index"`
}

// TableName exposes the table backing forum topics.
func (Topic) TableName() string {
	return "forum_topics"
}

// Reply is a forum reply, projected independently of its topic.
type Reply struct {
	ReplyID   string     `gorm:"column:reply_id;primaryKey;size:36;not null"`
	TopicID   string     `gorm:"column:topic_id;size:36;not null;index"`
	AuthorID  string     `gorm:"column:author_id;size:36;not null"`
	Body      string     `gorm:"column:body;type:text;not null"`
	Revision  int64      `gorm:"column:revision;not null;default:1"`
	DeletedAt *time.Time `gorm:"column:deleted_at"`
	CreatedAt time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time  `gorm:"column:updated_at;autoUpdateTime;index"`
}

// TableName exposes the table backing forum replies.
func (Reply) TableName() string {
	return "forum_replies"
}

func validateID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTopicID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTopicID, maxIdentifierLength)
	}
	return trimmed, nil
}

func validateTitle(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTitle)
	}
	if len(trimmed) > maxTitleLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTitle, maxTitleLength)
	}
	return trimmed, nil
}

func validateBody(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidBody)
	}
	return raw, nil
}
