// Package config holds the CLI configuration types.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Mode selects the call topology.
type Mode string

const (
	ModeMesh Mode = "mesh" // one peer connection per remote participant
	ModeSFU  Mode = "sfu"  // one upload and one download transport via a forwarding server
)

// Default STUN servers for ICE candidate gathering.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Config stores all parameters gathered from the environment, CLI flags and
// interactive prompts.
type Config struct {
	Mode        Mode
	SignalURL   string // WebSocket URL of the signaling relay
	RoomID      string
	PeerID      string // local participant id, defaults to a random uuid
	DisplayName string
	IsHost      bool
	ICEServers  []string
	ServerID    string // peer id of the SFU router in the room

	RequestTimeout     time.Duration // bound on every SFU server round trip
	NegotiationTimeout time.Duration // mesh peers not connected within this are torn down; 0 disables

	RelayAddr string // listen address of cmd/relay
	Debug     bool
}

// Load builds a Config from CONFER_* environment variables, falling back to
// defaults for anything unset.
func Load() *Config {
	return &Config{
		Mode:               Mode(getEnv("CONFER_MODE", string(ModeMesh))),
		SignalURL:          getEnv("CONFER_SIGNAL_URL", ""),
		RoomID:             getEnv("CONFER_ROOM", ""),
		PeerID:             getEnv("CONFER_PEER_ID", uuid.NewString()),
		DisplayName:        getEnv("CONFER_NAME", ""),
		IsHost:             getEnvBool("CONFER_HOST", false),
		ICEServers:         splitList(getEnv("CONFER_ICE_SERVERS", strings.Join(DefaultICEServers, ","))),
		ServerID:           getEnv("CONFER_SFU_ID", "sfu"),
		RequestTimeout:     getEnvDuration("CONFER_REQUEST_TIMEOUT", 10*time.Second),
		NegotiationTimeout: getEnvDuration("CONFER_NEGOTIATION_TIMEOUT", 30*time.Second),
		RelayAddr:          getEnv("CONFER_RELAY_ADDR", ":8080"),
		Debug:              getEnvBool("CONFER_DEBUG", false),
	}
}

// Validate reports the first missing or malformed field required to join a call.
func (c *Config) Validate() error {
	switch {
	case c.Mode != ModeMesh && c.Mode != ModeSFU:
		return fmt.Errorf("invalid mode %q: must be 'mesh' or 'sfu'", c.Mode)
	case c.SignalURL == "":
		return errors.New("missing signaling URL")
	case c.RoomID == "":
		return errors.New("missing room id")
	case c.PeerID == "":
		return errors.New("missing peer id")
	case c.RequestTimeout <= 0:
		return errors.New("request timeout must be positive")
	case c.NegotiationTimeout < 0:
		return errors.New("negotiation timeout must not be negative")
	}
	return nil
}

// Name returns the display name, falling back to a short form of the peer id.
func (c *Config) Name() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	if len(c.PeerID) > 8 {
		return c.PeerID[:8]
	}
	return c.PeerID
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
