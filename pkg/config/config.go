package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config represents the complete application configuration
type Config struct {
	Network    NetworkConfig    `json:"network"`
	Media      MediaConfig      `json:"media"`
	Signaling  SignalingConfig  `json:"signaling"`
	DTMF       DTMFConfig       `json:"dtmf"`
	Policy     PolicyConfig     `json:"policy"`
	Routing    RoutingConfig    `json:"routing"`
	Messaging  MessagingConfig  `json:"messaging"`
	Metrics    MetricsConfig    `json:"metrics"`
	Logging    LoggingConfig    `json:"logging"`
}

// NetworkConfig holds SIP listener settings
type NetworkConfig struct {
	Host       string `json:"host" env:"SIP_HOST" default:"0.0.0.0"`
	UDPPort    int    `json:"udp_port" env:"SIP_UDP_PORT" default:"5060"`
	TCPPort    int    `json:"tcp_port" env:"SIP_TCP_PORT" default:"5060"`
	EnableTCP  bool   `json:"enable_tcp" env:"SIP_ENABLE_TCP" default:"true"`
	ExternalIP string `json:"external_ip" env:"EXTERNAL_IP" default:""`
}

// MediaConfig holds RTP relay settings
type MediaConfig struct {
	PortMin          int           `json:"port_min" env:"RTP_PORT_MIN" default:"10000"`
	PortMax          int           `json:"port_max" env:"RTP_PORT_MAX" default:"20000"`
	BindIP           string        `json:"bind_ip" env:"RTP_BIND_IP" default:""`
	LearningDeadline time.Duration `json:"learning_deadline" env:"RTP_LEARNING_DEADLINE" default:"5s"`
	MinPacketSize    int           `json:"min_packet_size" env:"RTP_MIN_PACKET_SIZE" default:"12"`

	// CodecPriority is walked in order during negotiation; the first entry
	// also present in the remote offer wins.
	CodecPriority []string `json:"codec_priority" env:"CODEC_PRIORITY" default:"PCMU,PCMA,G722"`

	// TrunkCodecPriority overrides CodecPriority for calls arriving on a trunk.
	TrunkCodecPriority []string `json:"trunk_codec_priority" env:"TRUNK_CODEC_PRIORITY" default:""`
}

// SignalingConfig holds transaction layer timer settings
type SignalingConfig struct {
	// T1 is the base retransmission interval for unreliable transport (RFC 3261 T1)
	T1 time.Duration `json:"t1" env:"SIP_TIMER_T1" default:"500ms"`
	// T2 caps the exponential retransmission backoff
	T2 time.Duration `json:"t2" env:"SIP_TIMER_T2" default:"4s"`
	// RetransmitCeiling is the maximum number of retransmissions before the
	// transaction is terminated with a timeout reason
	RetransmitCeiling int `json:"retransmit_ceiling" env:"SIP_RETRANSMIT_CEILING" default:"6"`
	// CompletedLinger is the quiet period before a terminated transaction is reaped
	CompletedLinger time.Duration `json:"completed_linger" env:"SIP_COMPLETED_LINGER" default:"5s"`
}

// DTMFMode selects how digit events are expected from endpoints
type DTMFMode string

const (
	DTMFModeRTPEvent DTMFMode = "rtp-event"
	DTMFModeInfo     DTMFMode = "info"
	DTMFModeInband   DTMFMode = "inband"
)

// DTMFConfig holds digit-signaling preferences
type DTMFConfig struct {
	Mode DTMFMode `json:"mode" env:"DTMF_MODE" default:"rtp-event"`
	// EventPayloadType is the RTP payload type negotiated for telephone-event
	EventPayloadType uint8 `json:"event_payload_type" env:"DTMF_EVENT_PAYLOAD_TYPE" default:"101"`
}

// PolicyConfig holds call-handling policy knobs
type PolicyConfig struct {
	// SpuriousBye compensates for endpoints that emit a stray BYE immediately
	// after answering while still streaming media. Scoped to mailbox-access
	// calls; a BYE inside the window is ignored exactly once per dialog.
	SpuriousBye SpuriousByePolicy `json:"spurious_bye"`
}

// SpuriousByePolicy is a deliberate, narrowly-scoped heuristic, not a
// protocol rule. Keep every knob configurable.
type SpuriousByePolicy struct {
	Enabled     bool          `json:"enabled" env:"SPURIOUS_BYE_ENABLED" default:"false"`
	Window      time.Duration `json:"window" env:"SPURIOUS_BYE_WINDOW" default:"1s"`
	MailboxOnly bool          `json:"mailbox_only" env:"SPURIOUS_BYE_MAILBOX_ONLY" default:"true"`
}

// RoutingConfig holds the static fallback route. Real routing lives in an
// external directory service and is injected as a RouteFunc; this is the
// last-resort destination when no resolver is wired.
type RoutingConfig struct {
	DefaultPeer string `json:"default_peer" env:"ROUTE_DEFAULT_PEER" default:""`
	// MailboxPrefix marks dialed numbers as mailbox access for policy purposes
	MailboxPrefix string `json:"mailbox_prefix" env:"ROUTE_MAILBOX_PREFIX" default:"*98"`
}

// MessagingConfig holds the AMQP event feed settings
type MessagingConfig struct {
	AMQPUrl      string `json:"amqp_url" env:"AMQP_URL" default:""`
	AMQPExchange string `json:"amqp_exchange" env:"AMQP_EXCHANGE" default:"softswitch.events"`
}

// MetricsConfig holds the prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool `json:"enabled" env:"METRICS_ENABLED" default:"true"`
	Port    int  `json:"port" env:"METRICS_PORT" default:"9090"`
}

// LoggingConfig holds log level and format
type LoggingConfig struct {
	Level  string `json:"level" env:"LOG_LEVEL" default:"info"`
	Format string `json:"format" env:"LOG_FORMAT" default:"text"`
}

// Load reads configuration from the environment, optionally seeded from a
// .env file, applies defaults, and validates the result.
func Load(logger *logrus.Logger) (*Config, error) {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	} else if err := godotenv.Load(); err == nil {
		logger.Debug("Loaded configuration from .env file")
	}

	cfg := &Config{
		Network: NetworkConfig{
			Host:       getEnv("SIP_HOST", "0.0.0.0"),
			UDPPort:    getEnvInt("SIP_UDP_PORT", 5060),
			TCPPort:    getEnvInt("SIP_TCP_PORT", 5060),
			EnableTCP:  getEnvBool("SIP_ENABLE_TCP", true),
			ExternalIP: getEnv("EXTERNAL_IP", ""),
		},
		Media: MediaConfig{
			PortMin:            getEnvInt("RTP_PORT_MIN", 10000),
			PortMax:            getEnvInt("RTP_PORT_MAX", 20000),
			BindIP:             getEnv("RTP_BIND_IP", ""),
			LearningDeadline:   getEnvDuration("RTP_LEARNING_DEADLINE", 5*time.Second),
			MinPacketSize:      getEnvInt("RTP_MIN_PACKET_SIZE", 12),
			CodecPriority:      getEnvList("CODEC_PRIORITY", []string{"PCMU", "PCMA", "G722"}),
			TrunkCodecPriority: getEnvList("TRUNK_CODEC_PRIORITY", nil),
		},
		Signaling: SignalingConfig{
			T1:                getEnvDuration("SIP_TIMER_T1", 500*time.Millisecond),
			T2:                getEnvDuration("SIP_TIMER_T2", 4*time.Second),
			RetransmitCeiling: getEnvInt("SIP_RETRANSMIT_CEILING", 6),
			CompletedLinger:   getEnvDuration("SIP_COMPLETED_LINGER", 5*time.Second),
		},
		DTMF: DTMFConfig{
			Mode:             DTMFMode(getEnv("DTMF_MODE", string(DTMFModeRTPEvent))),
			EventPayloadType: uint8(getEnvInt("DTMF_EVENT_PAYLOAD_TYPE", 101)),
		},
		Policy: PolicyConfig{
			SpuriousBye: SpuriousByePolicy{
				Enabled:     getEnvBool("SPURIOUS_BYE_ENABLED", false),
				Window:      getEnvDuration("SPURIOUS_BYE_WINDOW", time.Second),
				MailboxOnly: getEnvBool("SPURIOUS_BYE_MAILBOX_ONLY", true),
			},
		},
		Routing: RoutingConfig{
			DefaultPeer:   getEnv("ROUTE_DEFAULT_PEER", ""),
			MailboxPrefix: getEnv("ROUTE_MAILBOX_PREFIX", "*98"),
		},
		Messaging: MessagingConfig{
			AMQPUrl:      getEnv("AMQP_URL", ""),
			AMQPExchange: getEnv("AMQP_EXCHANGE", "softswitch.events"),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Port:    getEnvInt("METRICS_PORT", 9090),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field constraints after loading
func (c *Config) Validate() error {
	if net.ParseIP(c.Network.Host) == nil && c.Network.Host != "" {
		// Hostnames are allowed for the listen address; resolve to catch typos
		if _, err := net.LookupHost(c.Network.Host); err != nil {
			return fmt.Errorf("SIP_HOST %q is neither an IP nor resolvable: %w", c.Network.Host, err)
		}
	}

	if c.Network.UDPPort <= 0 || c.Network.UDPPort > 65535 {
		return fmt.Errorf("SIP_UDP_PORT %d out of range", c.Network.UDPPort)
	}

	if c.Media.PortMin <= 0 || c.Media.PortMax <= c.Media.PortMin {
		return fmt.Errorf("invalid RTP port range %d-%d", c.Media.PortMin, c.Media.PortMax)
	}

	if c.Media.MinPacketSize < 12 {
		return fmt.Errorf("RTP_MIN_PACKET_SIZE %d below fixed header size", c.Media.MinPacketSize)
	}

	if len(c.Media.CodecPriority) == 0 {
		return fmt.Errorf("CODEC_PRIORITY must list at least one codec")
	}

	if c.Signaling.T1 <= 0 || c.Signaling.T2 < c.Signaling.T1 {
		return fmt.Errorf("invalid SIP timers T1=%s T2=%s", c.Signaling.T1, c.Signaling.T2)
	}

	if c.Signaling.RetransmitCeiling < 1 {
		return fmt.Errorf("SIP_RETRANSMIT_CEILING must be at least 1")
	}

	switch c.DTMF.Mode {
	case DTMFModeRTPEvent, DTMFModeInfo, DTMFModeInband:
	default:
		return fmt.Errorf("unknown DTMF_MODE %q", c.DTMF.Mode)
	}

	return nil
}

// SetupLogger applies the logging configuration to a logrus logger
func (c *Config) SetupLogger(logger *logrus.Logger) {
	level, err := logrus.ParseLevel(strings.ToLower(c.Logging.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if strings.EqualFold(c.Logging.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// Helper function to get an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// Helper function to get a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	default:
		return defaultValue
	}
}

// Helper function to get an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}

// Helper function to get a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return duration
}

// Helper function to get a comma-separated list environment variable
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
