// lmtpd is an LMTP server that accepts mail from a trusted front proxy and
// either delivers it locally or forwards it to another backend.
package main

import (
	"crypto/tls"
	"expvar"
	"flag"
	"fmt"
	"io/ioutil"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/dmitrifedorov/lmtpd/internal/anvil"
	"github.com/dmitrifedorov/lmtpd/internal/config"
	"github.com/dmitrifedorov/lmtpd/internal/localdeliver"
	"github.com/dmitrifedorov/lmtpd/internal/maillog"
	"github.com/dmitrifedorov/lmtpd/internal/resolver"
	"github.com/dmitrifedorov/lmtpd/internal/session"
	"github.com/dmitrifedorov/lmtpd/internal/userdb"
	"blitiri.com.ar/go/log"
)

// Command-line flags.
var (
	configDir = flag.String("config_dir", "/etc/lmtpd",
		"configuration directory")
	configOverrides = flag.String("config_overrides", "",
		"override configuration values (in YAML format)")
	showVer = flag.Bool("version", false, "show version and exit")
)

// Build information, overridden at build time using
// -ldflags="-X main.version=blah".
var (
	version      = "undefined"
	sourceDateTs = "0"
)

var (
	versionVar = expvar.NewString("lmtpd/version")

	sourceDate      time.Time
	sourceDateVar   = expvar.NewString("lmtpd/sourceDateStr")
	sourceDateTsVar = expvar.NewInt("lmtpd/sourceDateTimestamp")
)

func main() {
	flag.Parse()
	log.Init()

	parseVersionInfo()
	if *showVer {
		fmt.Printf("lmtpd %s (source date: %s)\n", version, sourceDate)
		return
	}

	log.Infof("lmtpd starting (version %s)", version)

	// Seed the PRNG, just to prevent it from being totally predictable.
	rand.Seed(time.Now().UnixNano())

	conf, err := config.Load(*configDir+"/lmtpd.conf", *configOverrides)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	config.LogConfig(conf)

	// Change to the config dir, so relative paths in the configuration
	// (data dir, certs, userdb) resolve against it.
	if err := os.Chdir(*configDir); err != nil {
		log.Fatalf("Error changing to config dir %q: %v", *configDir, err)
	}

	initMailLog(conf.MailLogPath)

	go signalHandler()

	if conf.MonitoringAddress != "" {
		go launchMonitoringServer(conf)
	}

	s := session.NewServer(conf.Hostname)
	s.MaxDataSize = int64(conf.MaxDataSizeMB) * 1024 * 1024
	s.SpoolDir = conf.DataDir + "/spool"
	s.HAProxyEnabled = conf.HaproxyIncoming
	s.OwnHost = conf.Hostname
	s.OwnPort = ownPort(conf.LMTPAddress)

	if d := conf.MailMaxLockTimeoutDuration(); d > 0 {
		s.DefaultSessionTimeout = d
	}

	s.TrustedNetworks = loadTrustedNetworks(conf.TrustedNetworks)
	s.TLSConfig = loadTLSConfig()
	s.Resolver = loadResolver(conf)
	s.Deliverer = loadDeliverer(conf)

	if err := os.MkdirAll(s.SpoolDir, 0700); err != nil {
		log.Fatalf("Error creating spool dir %q: %v", s.SpoolDir, err)
	}

	for _, addr := range conf.LMTPAddress {
		if err := s.AddListener(addr); err != nil {
			log.Fatalf("Error listening on %q: %v", addr, err)
		}
		log.Infof("Listening on %s", addr)
		maillog.Listening(addr)
	}

	if err := s.ListenAndServe(); err != nil {
		log.Fatalf("Error serving: %v", err)
	}
}

// ownPort extracts the port to use for the proxy-loop self-check from the
// first TCP listen address configured; a UNIX socket address has no port
// to contribute, so the loop check is effectively disabled for it.
func ownPort(addrs []string) string {
	for _, a := range addrs {
		if _, port, err := net.SplitHostPort(a); err == nil {
			return port
		}
	}
	return ""
}

func loadTrustedNetworks(cidrs []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			log.Fatalf("Invalid trusted network %q: %v", c, err)
		}
		nets = append(nets, n)
	}
	return nets
}

// loadTLSConfig loads certificates from "certs/<name>/{fullchain,privkey}.pem",
// mirroring letsencrypt's directory layout to make deployment easier.
func loadTLSConfig() *tls.Config {
	dirs, err := ioutil.ReadDir("certs/")
	if err != nil {
		log.Infof("No certs/ directory, STARTTLS disabled: %v", err)
		return nil
	}

	tlsConf := &tls.Config{}
	loaded := 0

	log.Infof("Loading certificates")
	for _, info := range dirs {
		name := info.Name()
		dir := filepath.Join("certs/", name)
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			continue
		}

		certPath := filepath.Join(dir, "fullchain.pem")
		keyPath := filepath.Join(dir, "privkey.pem")
		if _, err := os.Stat(certPath); os.IsNotExist(err) {
			continue
		}
		if _, err := os.Stat(keyPath); os.IsNotExist(err) {
			continue
		}

		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			log.Fatalf("  %s: %v", name, err)
		}
		tlsConf.Certificates = append(tlsConf.Certificates, cert)
		log.Infof("  %s", name)
		loaded++
	}

	if loaded == 0 {
		log.Infof("No certificates loaded, STARTTLS disabled")
		return nil
	}
	return tlsConf
}

func loadResolver(conf *config.Config) *resolver.Resolver {
	r := &resolver.Resolver{
		Delimiters:        conf.RecipientDelimiter,
		AddressTemplate:   conf.AddressTranslate,
		ProxyEnabled:      conf.ProxyEnabled,
		OwnHost:           conf.Hostname,
		OwnPort:           ownPort(conf.LMTPAddress),
		RcptCheckQuota:    conf.RcptCheckQuota,
		QuotaFullTempfail: conf.QuotaFullTempfail,
	}

	if conf.ProxyEnabled && conf.DovecotUserdbPath != "" {
		r.ProxyDir = resolver.NewDovecotDirectory(conf.DovecotUserdbPath)
	}

	if conf.LocalUserdbPath != "" {
		udb, err := userdb.Load(conf.LocalUserdbPath)
		if err != nil {
			log.Fatalf("Error loading local userdb %q: %v", conf.LocalUserdbPath, err)
		}
		r.LocalDir = &resolver.UserdbDirectory{DB: udb}
	} else {
		log.Fatalf("No local_userdb_path configured")
	}

	if conf.UserConcurrencyLimit > 0 && conf.AnvilAddress != "" {
		r.Gate = &resolver.ConcurrencyGate{
			Client:  anvil.New(conf.AnvilAddress),
			Service: "lmtp",
			Limit:   conf.UserConcurrencyLimit,
		}
	}

	return r
}

func loadDeliverer(conf *config.Config) *localdeliver.Deliverer {
	return &localdeliver.Deliverer{
		Courier: &localdeliver.MDA{
			Binary:  conf.MailDeliveryAgentBin,
			Args:    conf.MailDeliveryAgentArgs,
			Timeout: 30 * time.Second,
		},
		SaveToDetailMailbox:        conf.SaveToDetailMailbox,
		DeliveryAddressHeader:      conf.DeliveryAddressHeader,
		LDAOriginalRecipientHeader: conf.LDAOriginalRecipientHeader,
		QuotaFullTempfail:          conf.QuotaFullTempfail,
	}
}

func initMailLog(path string) {
	var err error

	switch path {
	case "<syslog>":
		maillog.Default, err = maillog.NewSyslog()
	case "<stdout>":
		maillog.Default = maillog.New(os.Stdout)
	case "<stderr>":
		maillog.Default = maillog.New(os.Stderr)
	default:
		_ = os.MkdirAll(filepath.Dir(path), 0775)
		maillog.Default, err = maillog.NewFile(path)
	}

	if err != nil {
		log.Fatalf("Error opening mail log: %v", err)
	}
}

func signalHandler() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP)

	for {
		switch sig := <-signals; sig {
		case syscall.SIGHUP:
			// SIGHUP triggers a reopen of the log files. This is used for
			// log rotation.
			if err := log.Default.Reopen(); err != nil {
				log.Fatalf("Error reopening log: %v", err)
			}
			if err := maillog.Reopen(); err != nil {
				log.Fatalf("Error reopening maillog: %v", err)
			}
		default:
			log.Errorf("Unexpected signal %v", sig)
		}
	}
}

func parseVersionInfo() {
	versionVar.Set(version)

	sdts, err := strconv.ParseInt(sourceDateTs, 10, 0)
	if err != nil {
		panic(err)
	}

	sourceDate = time.Unix(sdts, 0)
	sourceDateVar.Set(sourceDate.Format("2006-01-02 15:04:05 -0700"))
	sourceDateTsVar.Set(sdts)
}
