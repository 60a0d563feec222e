package model

import (
	"encoding/json"
	"time"
)

type NodeType string

const NODE_TYPE_MESSAGE NodeType = "messageNode"
const NODE_TYPE_TEMPLATE NodeType = "templateNode"
const NODE_TYPE_OPTIONS NodeType = "optionsNode"
const NODE_TYPE_IMAGE NodeType = "imageNode"
const NODE_TYPE_EMAIL NodeType = "emailNode"
const NODE_TYPE_ALERT NodeType = "alertNode"
const NODE_TYPE_BUSINESS_HOURS NodeType = "businessHoursNode"
const NODE_TYPE_CLOSE NodeType = "closeAutomationNode"

// Handles used on edges leaving a node.
const HANDLE_DEFAULT = "source"
const HANDLE_GRAY = "source-gray"
const HANDLE_GREEN = "source-green"
const HANDLE_RED = "source-red"
const HANDLE_INVALID = "source-invalid"
const HANDLE_OPTION_PREFIX = "source-"

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Node struct {
	Id       string          `json:"id"`
	Type     NodeType        `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
	Position *Position       `json:"position,omitempty"`
}

type Edge struct {
	Id           string `json:"id,omitempty"`
	Source       string `json:"source"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	Target       string `json:"target"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// FlowDefinition is the persisted and exportable graph artifact.
type FlowDefinition struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

type Flow struct {
	Id        string         `json:"id"`
	OwnerId   string         `json:"ownerId"`
	Name      string         `json:"name"`
	Version   int            `json:"version"`
	Graph     FlowDefinition `json:"graph"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

type TriggerType string

const TRIGGER_KEYWORD TriggerType = "keyword"
const TRIGGER_MESSAGE TriggerType = "message"
const TRIGGER_EVENT TriggerType = "event"

type Automation struct {
	Id              string         `json:"id"`
	OwnerId         string         `json:"ownerId"`
	Name            string         `json:"name"`
	Version         int            `json:"version"`
	Graph           FlowDefinition `json:"graph"`
	TriggerType     TriggerType    `json:"triggerType"`
	TriggerKeywords []string       `json:"triggerKeywords,omitempty"`
	EventName       string         `json:"eventName,omitempty"`
	IsActive        bool           `json:"isActive"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

var KNOWN_NODE_TYPES = []NodeType{
	NODE_TYPE_MESSAGE,
	NODE_TYPE_TEMPLATE,
	NODE_TYPE_OPTIONS,
	NODE_TYPE_IMAGE,
	NODE_TYPE_EMAIL,
	NODE_TYPE_ALERT,
	NODE_TYPE_BUSINESS_HOURS,
	NODE_TYPE_CLOSE,
}

func IsKnownNodeType(t NodeType) bool {
	for _, k := range KNOWN_NODE_TYPES {
		if k == t {
			return true
		}
	}
	return false
}

// IsDefaultHandle reports whether the handle is the untagged continuation.
func IsDefaultHandle(handle string) bool {
	switch handle {
	case "", HANDLE_DEFAULT, HANDLE_GRAY, "gray", "default":
		return true
	}
	return false
}
