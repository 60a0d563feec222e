package model

import "time"

// InboundEvent is the normalized shape every webhook format is converted to.
type InboundEvent struct {
	OwnerId       string    `json:"ownerId"`
	ContactPhone  string    `json:"contactPhone"`
	Text          string    `json:"text"`
	IsEcho        bool      `json:"isEcho"`
	MediaRef      string    `json:"mediaRef,omitempty"`
	ButtonPayload string    `json:"buttonPayload,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

type ChannelBackend string

const BACKEND_WHATSAPP_CLOUD ChannelBackend = "whatsapp_cloud"
const BACKEND_TWILIO ChannelBackend = "twilio"
const BACKEND_TELEGRAM ChannelBackend = "telegram"
const BACKEND_LOG ChannelBackend = "log"

type ChannelConfig struct {
	Id            string            `json:"id"`
	OwnerId       string            `json:"ownerId"`
	Backend       ChannelBackend    `json:"backend"`
	Credentials   map[string]string `json:"credentials,omitempty"`
	RatePerSecond float64           `json:"ratePerSecond,omitempty"`
}

// Account holds the operator settings the engine consumes.
type Account struct {
	Id                   string `json:"id"`
	Timezone             string `json:"timezone,omitempty"`
	ReentryDelaySeconds  int    `json:"reentryDelaySeconds,omitempty"`
	AlertPhone           string `json:"alertPhone,omitempty"`
	DefaultChannelConfig string `json:"defaultChannelConfig,omitempty"`
}

func (a *Account) ReentryDelay() time.Duration {
	return time.Duration(a.ReentryDelaySeconds) * time.Second
}
