// Package registry manages agents, channels and agent-channel mappings,
// and answers "which agent serves phone X" lookups.
package registry

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Channel types form a closed set.
const (
	ChannelTypeWhatsApp = "whatsapp"
	ChannelTypeSMS      = "sms"
)

// AgentIDPrefix is the required prefix for external agent identifiers.
const AgentIDPrefix = "asst_"

var e164Pattern = regexp.MustCompile(`^\+[1-9][0-9]{1,14}$`)

// Agent is a configured external conversational agent.
type Agent struct {
	AgentID     string    `json:"agent_id"`
	AgentName   string    `json:"agent_name"`
	Endpoint    string    `json:"endpoint"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Channel is a configured messaging identity (phone number + provider + type).
type Channel struct {
	ChannelID    string    `json:"channel_id"`
	ChannelName  string    `json:"channel_name"`
	ChannelType  string    `json:"channel_type"`
	Provider     string    `json:"provider"`
	PhoneNumber  string    `json:"phone_number"`
	BusinessName string    `json:"business_name,omitempty"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Mapping associates one agent with one channel, optionally as primary.
type Mapping struct {
	MappingID string    `json:"mapping_id"`
	AgentID   string    `json:"agent_id"`
	ChannelID string    `json:"channel_id"`
	IsPrimary bool      `json:"is_primary"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stats summarizes the registry contents.
type Stats struct {
	TotalAgents      int `json:"total_agents"`
	TotalChannels    int `json:"total_channels"`
	TotalMappings    int `json:"total_mappings"`
	ActiveChannels   int `json:"active_channels"`
	WhatsAppChannels int `json:"whatsapp_channels"`
	SMSChannels      int `json:"sms_channels"`
}

// ValidationReport is the result of a full configuration scan.
// Issues are hard problems, warnings are soft ones.
type ValidationReport struct {
	Valid    bool     `json:"valid"`
	Issues   []string `json:"issues"`
	Warnings []string `json:"warnings"`
	Stats    Stats    `json:"stats"`
}

// NormalizePhone returns the phone number in E.164 form, adding the
// leading + when it is missing.
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if phone != "" && !strings.HasPrefix(phone, "+") {
		phone = "+" + phone
	}
	return phone
}

// ValidE164 reports whether phone is a well-formed E.164 number.
func ValidE164(phone string) bool {
	return e164Pattern.MatchString(phone)
}

func (a Agent) validate() error {
	if !strings.HasPrefix(a.AgentID, AgentIDPrefix) {
		return fmt.Errorf("agent id must start with %q", AgentIDPrefix)
	}
	if strings.TrimSpace(a.AgentName) == "" {
		return fmt.Errorf("agent name is required")
	}
	if strings.TrimSpace(a.Endpoint) == "" {
		return fmt.Errorf("agent endpoint is required")
	}
	return nil
}

func (c Channel) validate() error {
	if strings.TrimSpace(c.ChannelID) == "" {
		return fmt.Errorf("channel id is required")
	}
	if !ValidE164(c.PhoneNumber) {
		return fmt.Errorf("phone number %q is not in E.164 format (+1234567890)", c.PhoneNumber)
	}
	switch strings.ToLower(c.ChannelType) {
	case ChannelTypeWhatsApp, ChannelTypeSMS:
	default:
		return fmt.Errorf("channel type must be one of: %s, %s", ChannelTypeWhatsApp, ChannelTypeSMS)
	}
	return nil
}

func (m Mapping) validate() error {
	if strings.TrimSpace(m.MappingID) == "" {
		return fmt.Errorf("mapping id is required")
	}
	if strings.TrimSpace(m.AgentID) == "" || strings.TrimSpace(m.ChannelID) == "" {
		return fmt.Errorf("mapping requires agent id and channel id")
	}
	return nil
}
