package services

import (
	"strings"

	"github.com/irgordon/medsecure/api/internal/core/domain"
)

// AccessController decides who may read a message and its artifacts.
// It is stateless and safe for concurrent use.
type AccessController struct{}

func NewAccessController() *AccessController {
	return &AccessController{}
}

// IsRecipient matches the requester's username and email against the canonical
// recipient and the raw recipient key, ignoring case.
func (AccessController) IsRecipient(r domain.Requester, msg *domain.Message) bool {
	targets := make([]string, 0, 3)
	if msg.RecipientCanonical != nil {
		targets = append(targets, msg.RecipientCanonical.Username, msg.RecipientCanonical.Email)
	}
	targets = append(targets, msg.RecipientKey)

	for _, key := range r.Keys() {
		for _, t := range targets {
			if t != "" && strings.EqualFold(key, strings.TrimSpace(t)) {
				return true
			}
		}
	}
	return false
}

func (AccessController) IsSender(r domain.Requester, msg *domain.Message) bool {
	return r.Username != "" && strings.EqualFold(r.Username, msg.SenderIdentity)
}

// Allowed gates the file endpoints: recipient, sender or admin.
func (a AccessController) Allowed(r domain.Requester, msg *domain.Message) bool {
	return a.IsRecipient(r, msg) || a.IsSender(r, msg) || r.IsAdmin()
}

// CanDecrypt gates plaintext recovery, which is reserved for the recipient.
func (a AccessController) CanDecrypt(r domain.Requester, msg *domain.Message) bool {
	return a.IsRecipient(r, msg)
}
