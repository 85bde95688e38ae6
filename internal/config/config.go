// Package config implements this system's configuration loading.
//
// Format
//
// The teacher's own config package loads a google.golang.org/protobuf
// text-format message generated from a .proto file via protoc. The
// generated code was not available to build against here, so configuration
// is instead a plain Go struct loaded from YAML via gopkg.in/yaml.v2 (an
// already-present dependency of the teacher's own go.mod). The
// default-then-override shape (defaultConfig + field-by-field override) and
// the LogConfig pretty-printer are both kept in spirit.
package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"blitiri.com.ar/go/log"
	yaml "gopkg.in/yaml.v2"
)

// Config holds this system's full runtime configuration.
type Config struct {
	Hostname string `yaml:"hostname"`

	LMTPAddress       []string `yaml:"lmtp_address"`
	MonitoringAddress string   `yaml:"monitoring_address"`

	MaxDataSizeMB int `yaml:"max_data_size_mb"`

	DataDir string `yaml:"data_dir"`

	// Directory / recipient resolution.
	RecipientDelimiter string `yaml:"recipient_delimiter"`
	SuffixSeparators   string `yaml:"suffix_separators"`
	DropCharacters     string `yaml:"drop_characters"`
	AddressTranslate   string `yaml:"address_translate"`

	DovecotUserdbPath string `yaml:"dovecot_userdb_path"`
	DovecotClientPath string `yaml:"dovecot_client_path"`
	LocalUserdbPath   string `yaml:"local_userdb_path"`

	// Local delivery.
	MailDeliveryAgentBin  string   `yaml:"mail_delivery_agent_bin"`
	MailDeliveryAgentArgs []string `yaml:"mail_delivery_agent_args"`
	SaveToDetailMailbox   bool     `yaml:"save_to_detail_mailbox"`

	// Proxying / outbound.
	ProxyEnabled        bool   `yaml:"proxy_enabled"`
	UserConcurrencyLimit int   `yaml:"user_concurrency_limit"`
	AnvilAddress        string `yaml:"anvil_address"`
	ProxyTTL            int    `yaml:"proxy_ttl"`

	// Quota.
	RcptCheckQuota  bool `yaml:"rcpt_check_quota"`
	QuotaFullTempfail bool `yaml:"quota_full_tempfail"`

	// Headers.
	DeliveryAddressHeader string `yaml:"delivery_address_header"` // none|final|original
	LDAOriginalRecipientHeader string `yaml:"lda_original_recipient_header"`

	// Timeouts.
	MailMaxLockTimeout string `yaml:"mail_max_lock_timeout"`

	// HAProxy.
	HaproxyIncoming bool `yaml:"haproxy_incoming"`

	// Trusted peers allowed to send XCLIENT, as CIDR strings.
	TrustedNetworks []string `yaml:"trusted_networks"`

	MailLogPath string `yaml:"mail_log_path"`
}

var defaultConfig = Config{
	LMTPAddress:       []string{"systemd"},
	MonitoringAddress: "localhost:1099",

	MaxDataSizeMB: 50,

	DataDir: "/var/lib/lmtpd",

	SuffixSeparators: "+",
	DropCharacters:   ".",

	MailDeliveryAgentBin:  "maildrop",
	MailDeliveryAgentArgs: []string{"-f", "%from%", "-d", "%to_user%", "%mailbox%"},

	DeliveryAddressHeader: "none",

	MailLogPath: "<syslog>",

	ProxyTTL: 60,
}

// Load reads the configuration file at path, applies it over the defaults,
// then applies overrides (a YAML document given e.g. on the command line)
// over that.
func Load(path, overrides string) (*Config, error) {
	c := defaultConfig

	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config at %q: %v", path, err)
	}

	var fromFile Config
	if err := yaml.Unmarshal(buf, &fromFile); err != nil {
		return nil, fmt.Errorf("parsing config: %v", err)
	}
	override(&c, &fromFile)

	if overrides != "" {
		var fromOverrides Config
		if err := yaml.Unmarshal([]byte(overrides), &fromOverrides); err != nil {
			return nil, fmt.Errorf("parsing override: %v", err)
		}
		override(&c, &fromOverrides)
	}

	if c.Hostname == "" {
		c.Hostname, err = os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("could not get hostname: %v", err)
		}
	}

	if c.MailMaxLockTimeout != "" {
		if _, err := time.ParseDuration(c.MailMaxLockTimeout); err != nil {
			return nil, fmt.Errorf("invalid mail_max_lock_timeout value %q: %v",
				c.MailMaxLockTimeout, err)
		}
	}

	return &c, nil
}

// override copies every non-zero field set in o onto c.
func override(c, o *Config) {
	if o.Hostname != "" {
		c.Hostname = o.Hostname
	}
	if len(o.LMTPAddress) > 0 {
		c.LMTPAddress = o.LMTPAddress
	}
	if o.MonitoringAddress != "" {
		c.MonitoringAddress = o.MonitoringAddress
	}
	if o.MaxDataSizeMB > 0 {
		c.MaxDataSizeMB = o.MaxDataSizeMB
	}
	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}
	if o.RecipientDelimiter != "" {
		c.RecipientDelimiter = o.RecipientDelimiter
	}
	if o.SuffixSeparators != "" {
		c.SuffixSeparators = o.SuffixSeparators
	}
	if o.DropCharacters != "" {
		c.DropCharacters = o.DropCharacters
	}
	if o.AddressTranslate != "" {
		c.AddressTranslate = o.AddressTranslate
	}
	if o.DovecotUserdbPath != "" {
		c.DovecotUserdbPath = o.DovecotUserdbPath
	}
	if o.DovecotClientPath != "" {
		c.DovecotClientPath = o.DovecotClientPath
	}
	if o.LocalUserdbPath != "" {
		c.LocalUserdbPath = o.LocalUserdbPath
	}
	if o.MailDeliveryAgentBin != "" {
		c.MailDeliveryAgentBin = o.MailDeliveryAgentBin
	}
	if len(o.MailDeliveryAgentArgs) > 0 {
		c.MailDeliveryAgentArgs = o.MailDeliveryAgentArgs
	}
	if o.SaveToDetailMailbox {
		c.SaveToDetailMailbox = true
	}
	if o.ProxyEnabled {
		c.ProxyEnabled = true
	}
	if o.UserConcurrencyLimit > 0 {
		c.UserConcurrencyLimit = o.UserConcurrencyLimit
	}
	if o.AnvilAddress != "" {
		c.AnvilAddress = o.AnvilAddress
	}
	if o.ProxyTTL > 0 {
		c.ProxyTTL = o.ProxyTTL
	}
	if o.RcptCheckQuota {
		c.RcptCheckQuota = true
	}
	if o.QuotaFullTempfail {
		c.QuotaFullTempfail = true
	}
	if o.DeliveryAddressHeader != "" {
		c.DeliveryAddressHeader = o.DeliveryAddressHeader
	}
	if o.LDAOriginalRecipientHeader != "" {
		c.LDAOriginalRecipientHeader = o.LDAOriginalRecipientHeader
	}
	if o.MailMaxLockTimeout != "" {
		c.MailMaxLockTimeout = o.MailMaxLockTimeout
	}
	if o.HaproxyIncoming {
		c.HaproxyIncoming = true
	}
	if len(o.TrustedNetworks) > 0 {
		c.TrustedNetworks = o.TrustedNetworks
	}
	if o.MailLogPath != "" {
		c.MailLogPath = o.MailLogPath
	}
}

// LogConfig logs the given configuration, in a human-friendly way.
func LogConfig(c *Config) {
	log.Infof("Configuration:")
	log.Infof("  Hostname: %q", c.Hostname)
	log.Infof("  LMTP addresses: %q", c.LMTPAddress)
	log.Infof("  Monitoring address: %q", c.MonitoringAddress)
	log.Infof("  Max data size (MB): %d", c.MaxDataSizeMB)
	log.Infof("  Data directory: %q", c.DataDir)
	log.Infof("  Recipient delimiter: %q", c.RecipientDelimiter)
	log.Infof("  Suffix separators: %q", c.SuffixSeparators)
	log.Infof("  Drop characters: %q", c.DropCharacters)
	log.Infof("  Address translate template: %q", c.AddressTranslate)
	log.Infof("  Dovecot: %q, %q", c.DovecotUserdbPath, c.DovecotClientPath)
	log.Infof("  Local userdb: %q", c.LocalUserdbPath)
	log.Infof("  MDA: %q %q", c.MailDeliveryAgentBin, c.MailDeliveryAgentArgs)
	log.Infof("  Proxy enabled: %v (ttl=%d)", c.ProxyEnabled, c.ProxyTTL)
	log.Infof("  User concurrency limit: %d (anvil=%q)", c.UserConcurrencyLimit, c.AnvilAddress)
	log.Infof("  Rcpt check quota: %v (tempfail=%v)", c.RcptCheckQuota, c.QuotaFullTempfail)
	log.Infof("  Delivery address header: %q", c.DeliveryAddressHeader)
	log.Infof("  Mail max lock timeout: %q", c.MailMaxLockTimeout)
	log.Infof("  HAProxy incoming: %v", c.HaproxyIncoming)
	log.Infof("  Trusted networks: %q", c.TrustedNetworks)
	log.Infof("  Mail log: %q", c.MailLogPath)
}

// MailMaxLockTimeoutDuration parses MailMaxLockTimeout, defaulting to 0
// (meaning "leave the storage backend's own default alone") when unset.
func (c *Config) MailMaxLockTimeoutDuration() time.Duration {
	if c.MailMaxLockTimeout == "" {
		return 0
	}
	d, _ := time.ParseDuration(c.MailMaxLockTimeout)
	return d
}

// ClampLockTimeout implements the deterministic rule from the design notes:
// lock = clamp(1, T-1, existing), where T is the front proxy's advertised
// idle timeout (0/absent means "no constraint, leave existing alone").
func ClampLockTimeout(existing, t time.Duration) time.Duration {
	if t <= 0 {
		return existing
	}
	max := t - time.Second
	if max < time.Second {
		max = time.Second
	}
	if existing <= 0 || existing > max {
		return max
	}
	return existing
}
