// Package hub connects steamwatch to the remote agent hub over a websocket.
// The hub relays policy calls to agents on other machines and pushes back
// agent and authorization events.
package hub

import (
	"encoding/json"

	"github.com/eliteGoblin/focusd/steamwatch/internal/domain"
)

// Message is the websocket envelope. Requests and their responses share ID;
// events carry no ID.
type Message struct {
	Type  MessageType     `json:"type"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
	Code  string          `json:"code,omitempty"`
}

type MessageType string

// Requests (plugin -> hub)
const (
	TypeListAgents   MessageType = "listAgents"
	TypeGetAgent     MessageType = "getAgent"
	TypeCreatePolicy MessageType = "createPolicy"
	TypeUpdatePolicy MessageType = "updatePolicy"
	TypeDeletePolicy MessageType = "deletePolicy"
	TypeCheckQuota   MessageType = "checkQuota"
	TypeResponse     MessageType = "response"
)

// Events (hub -> plugin)
const (
	TypeAgentDiscovered  MessageType = "agentDiscovered"
	TypeAgentRemoved     MessageType = "agentRemoved"
	TypeViolation        MessageType = "violation"
	TypeProcessDetected  MessageType = "processDetected"
	TypeAuthStateChanged MessageType = "authStateChanged"
)

// CodeNotFound marks a response error for an unknown agent or policy.
const CodeNotFound = "not_found"

type AgentRequest struct {
	AgentID string `json:"agentId"`
}

type CreatePolicyRequest struct {
	AgentID string        `json:"agentId"`
	Policy  domain.Policy `json:"policy"`
}

type UpdatePolicyRequest struct {
	AgentID string             `json:"agentId"`
	Patch   domain.PolicyPatch `json:"patch"`
}

type DeletePolicyRequest struct {
	AgentID     string `json:"agentId"`
	ProcessName string `json:"processName"`
}

type ListAgentsResponse struct {
	Agents []domain.Agent `json:"agents"`
}

// AuthStateEvent reports a subject's new authorization state.
type AuthStateEvent struct {
	ChildID string           `json:"childId"`
	State   domain.AuthState `json:"state"`
}
