package domain

import "strings"

// Topic - 정규화된 제목 기준 대화 묶음
type Topic struct {
	ID           string `json:"id" db:"id"`
	AccountID    string `json:"account_id" db:"account_id"`
	Name         string `json:"name" db:"name"`
	MessageCount int64  `json:"message_count" db:"message_count"`
}

// SenderGroup - 발신자별 집계
type SenderGroup struct {
	ID            string `json:"id" db:"id"`
	AccountID     string `json:"account_id" db:"account_id"`
	Email         string `json:"email" db:"email"`
	Name          string `json:"name" db:"name"`
	Domain        string `json:"domain" db:"domain"`
	MessageCount  int64  `json:"message_count" db:"message_count"`
	LastMessageAt int64  `json:"last_message_at" db:"last_message_at"` // epoch ms
}

// SenderSighting is one message's contribution to a sender group.
type SenderSighting struct {
	Email     string
	Name      string
	Timestamp int64
}

// EmailDomain returns the lower-cased part after the last '@'.
func EmailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}
