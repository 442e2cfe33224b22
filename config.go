package blehost

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"

	"github.com/srg/blehost/transport"
)

// SecurityConfig is the local pairing feature set and policy.
type SecurityConfig struct {
	Bond       bool   `yaml:"bond" default:"true"`
	MITM       bool   `yaml:"mitm" default:"false"`
	LESC       bool   `yaml:"lesc" default:"true"`
	IOCaps     string `yaml:"io_caps" default:"none"` // display, display-yesno, keyboard, none, keyboard-display
	MinKeySize uint8  `yaml:"min_key_size" default:"7"`
	MaxKeySize uint8  `yaml:"max_key_size" default:"16"`
	// Policy for peer-initiated security procedures when no handler is
	// registered: allow, reject, or bonded-only.
	Policy string `yaml:"policy" default:"allow"`
}

// Config tunes the host. Zero values are filled from the default tags.
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	// EventBacklogWarn is the dispatch queue depth that triggers a
	// diagnostic; events are never dropped.
	EventBacklogWarn int `yaml:"event_backlog_warn" default:"1000"`

	// AckQueueSize and NoAckQueueSize mirror the controller's hardware
	// queue credits per direction class.
	AckQueueSize   int `yaml:"ack_queue_size" default:"1"`
	NoAckQueueSize int `yaml:"no_ack_queue_size" default:"4"`

	// NotificationBuffer is the per-characteristic channel depth; the
	// oldest value is dropped on overrun.
	NotificationBuffer int `yaml:"notification_buffer" default:"64"`

	// ParamRequestTimeout bounds how long a peer-initiated parameter
	// update request may sit with the consumer before it is rejected.
	ParamRequestTimeout time.Duration `yaml:"param_request_timeout" default:"30s"`
	// AcceptParamUpdates answers peer parameter requests automatically
	// when no consumer handler is registered.
	AcceptParamUpdates bool `yaml:"accept_param_updates" default:"true"`

	// PreferredMTU is used by ExchangeMTU when the caller passes 0.
	PreferredMTU uint16 `yaml:"preferred_mtu" default:"247"`

	// BondFile persists bonds across runs; empty keeps them in memory.
	BondFile string `yaml:"bond_file"`

	// ConnParams are the preferred parameters for outgoing connections.
	ConnParams transport.ConnParams `yaml:"conn_params"`

	Security SecurityConfig `yaml:"security"`
}

// DefaultConfig returns a Config with every field at its default.
func DefaultConfig() Config {
	cfg := Config{}
	defaults.SetDefaults(&cfg)
	cfg.ConnParams = transport.ConnParams{
		MinIntervalMs:      15,
		MaxIntervalMs:      30,
		SlaveLatency:       0,
		SupervisionTimeout: 4000,
	}
	return cfg
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c SecurityConfig) ioCaps() (transport.IOCapabilities, error) {
	switch c.IOCaps {
	case "display":
		return transport.IODisplayOnly, nil
	case "display-yesno":
		return transport.IODisplayYesNo, nil
	case "keyboard":
		return transport.IOKeyboardOnly, nil
	case "none":
		return transport.IONoInputNoOutput, nil
	case "keyboard-display":
		return transport.IOKeyboardDisplay, nil
	default:
		return 0, fmt.Errorf("invalid io_caps: %s (must be display, display-yesno, keyboard, none, or keyboard-display)", c.IOCaps)
	}
}

func (c SecurityConfig) params() (transport.SecurityParams, error) {
	io, err := c.ioCaps()
	if err != nil {
		return transport.SecurityParams{}, err
	}
	return transport.SecurityParams{
		Bond:       c.Bond,
		MITM:       c.MITM,
		LESC:       c.LESC,
		IOCaps:     io,
		MinKeySize: c.MinKeySize,
		MaxKeySize: c.MaxKeySize,
	}, nil
}
