package model

import (
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

type GPU struct {
	Name    string `json:"name"`
	VRAMMB  int64  `json:"vramMb"`
	Driver  string `json:"driver,omitempty"`
	Compute string `json:"compute,omitempty"`
}

type Hardware struct {
	CPU     string `json:"cpu"`
	RAMMB   int64  `json:"ramMb"`
	DiskGB  int64  `json:"diskGb"`
	GPUs    []GPU  `json:"gpus"`
	Version string `json:"version,omitempty"`
}

// Fingerprint derives a stable identifier for a machine from its hardware
// descriptor. Two registrations from the same owner with the same fingerprint
// are rejected.
func (h Hardware) Fingerprint() string {
	parts := []string{h.CPU, fmt.Sprintf("ram=%d", h.RAMMB)}
	for _, g := range h.GPUs {
		parts = append(parts, fmt.Sprintf("%s/%d", g.Name, g.VRAMMB))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:16])
}

type ModelDescriptor struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Architecture  string `json:"architecture,omitempty"`
	Parameters    string `json:"parameters,omitempty"`
	Quantization  string `json:"quantization,omitempty"`
	ContextLength int    `json:"contextLength"`
	MinVRAMMB     int64  `json:"minVramMb,omitempty"`
}

// SortModels orders descriptors by id so node model lists compare stably.
func SortModels(models []ModelDescriptor) {
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
}

type Node struct {
	ID                   string        `db:"id" json:"id"`
	OwnerUserID          string        `db:"owner_user_id" json:"ownerUserId"`
	Name                 string        `db:"name" json:"name"`
	Hardware             HardwareJSON  `db:"hardware" json:"hardware"`
	Models               ModelListJSON `db:"models" json:"models"`
	PricePerMinuteSats   int64         `db:"price_per_minute_sats" json:"pricePerMinuteSats"`
	HardwareFingerprint  string        `db:"hardware_fingerprint" json:"-"`
	Status               NodeStatus    `db:"status" json:"status"`
	CurrentSessionID     *string       `db:"current_session_id" json:"currentSessionId,omitempty"`
	Load                 float64       `db:"load" json:"load"`
	LastHeartbeatAt      time.Time     `db:"last_heartbeat_at" json:"lastHeartbeatAt"`
	TotalEarnedSats      int64         `db:"total_earned_sats" json:"totalEarnedSats"`
	TotalSessions        int64         `db:"total_sessions" json:"totalSessions"`
	CompletedSessions    int64         `db:"completed_sessions" json:"completedSessions"`
	FailedSessions       int64         `db:"failed_sessions" json:"failedSessions"`
	TotalTokensGenerated int64         `db:"total_tokens_generated" json:"totalTokensGenerated"`
	Endpoint             string        `db:"endpoint" json:"-"`
	FirstOnlineAt        time.Time     `db:"first_online_at" json:"firstOnlineAt"`
	CreatedAt            time.Time     `db:"created_at" json:"createdAt"`
}

// Online reports liveness relative to the heartbeat timeout. The scheduler,
// not the node, flips the persisted status to offline.
func (n *Node) Online(now time.Time, timeout time.Duration) bool {
	return now.Sub(n.LastHeartbeatAt) <= timeout
}

func (n *Node) HasModel(modelID string) bool {
	for _, m := range n.Models {
		if m.ID == modelID {
			return true
		}
	}
	return false
}

type CreateNodeParams struct {
	ID                  string
	OwnerUserID         string
	Name                string
	Hardware            Hardware
	Models              []ModelDescriptor
	PricePerMinuteSats  int64
	HardwareFingerprint string
	Endpoint            string
}

// HardwareJSON and ModelListJSON map jsonb columns through sqlx.

type HardwareJSON Hardware

func (h HardwareJSON) Value() (driver.Value, error) { return json.Marshal(h) }

func (h *HardwareJSON) Scan(src interface{}) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("hardware: unexpected column type %T", src)
	}
	return json.Unmarshal(b, h)
}

type ModelListJSON []ModelDescriptor

func (m ModelListJSON) Value() (driver.Value, error) { return json.Marshal(m) }

func (m *ModelListJSON) Scan(src interface{}) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("models: unexpected column type %T", src)
	}
	return json.Unmarshal(b, m)
}
