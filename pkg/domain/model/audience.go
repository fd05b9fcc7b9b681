package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/secmon-lab/pushblaster/pkg/domain/types"
)

// AudienceMember is one recipient with its personalization attributes
type AudienceMember struct {
	UserID     types.UserID      `json:"userId"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// AudienceManifest is the materialized audience of one execution
type AudienceManifest struct {
	ExecutionID         types.ExecutionID
	AutomationID        types.AutomationID
	Members             []AudienceMember
	Size                int
	Checksum            string
	CriteriaFingerprint string
	GeneratedAt         time.Time
	ExpiresAt           time.Time
}

// UserIDs returns the member IDs in manifest order
func (m *AudienceManifest) UserIDs() []types.UserID {
	ids := make([]types.UserID, len(m.Members))
	for i, member := range m.Members {
		ids[i] = member.UserID
	}
	return ids
}

// MemberIndex maps user IDs to members
func (m *AudienceManifest) MemberIndex() map[types.UserID]AudienceMember {
	idx := make(map[types.UserID]AudienceMember, len(m.Members))
	for _, member := range m.Members {
		idx[member.UserID] = member
	}
	return idx
}

// AudienceChecksum returns a SHA-256 fingerprint over the sorted member IDs
func AudienceChecksum(members []AudienceMember) string {
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = string(m.UserID)
	}
	sort.Strings(ids)

	h := sha256.New()
	h.Write([]byte(strings.Join(ids, "\n")))
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint returns a stable hash of the criteria so a changed definition invalidates caches
func (c AudienceCriteria) Fingerprint() string {
	ids := make([]string, len(c.UserIDs))
	copy(ids, c.UserIDs)
	sort.Strings(ids)
	normalized := c
	normalized.UserIDs = ids
	normalized.Description = ""

	// json.Marshal sorts map keys
	data, _ := json.Marshal(normalized)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CacheValidation is the outcome of checking a cached manifest
type CacheValidation struct {
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues"`
}
