package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/juju/loggo"
)

var configLogger = loggo.GetLogger("main")

// config is loaded from a JSON file, with environment-variable overrides
// for secrets that shouldn't live in a checked-in config file.
type config struct {
	// SerialDevice is the MDB bus UART device path.
	SerialDevice string

	// EnableCommsGateway ships the optional 0x18 personality alongside the
	// required 0x10 Cashless Device #1.
	EnableCommsGateway bool

	// BackendHostname is resolved via mDNS at startup; BackendFallbackURL
	// is used verbatim if resolution fails.
	BackendHostname    string
	BackendFallbackURL string
	BackendAPIKey      string

	MachineID string

	// SyslogAddr is the backing transport for the Logger collaborator of
	// this module never talks UDP syslog directly,
	// but the address is carried through configuration for whatever
	// forwards loggo's file writer onward.
	SyslogAddr string

	// AdminHTTPPort serves /status and /events for an operator console.
	AdminHTTPPort string

	ErrorLogFile string
	LogLevels    string

	// OTAManifestURL is stored but never acted on; OTA update is out of
	// scope for this module.
	OTAManifestURL string
}

func (c *config) fromFile(file string) error {
	b, err := ioutil.ReadFile(file)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, c); err != nil {
		return err
	}
	return nil
}

// applyEnvOverrides overrides secrets from the environment.
func (c *config) applyEnvOverrides() {
	if v := os.Getenv("BACKEND_API_KEY"); v != "" {
		c.BackendAPIKey = v
	}
	if v := os.Getenv("BACKEND_FALLBACK_URL"); v != "" {
		c.BackendFallbackURL = v
	}
}

// resolveBackendURL resolves BackendHostname via mDNS (grounded in
// original_source/src/api_client.cpp's resolveServerHostname, which queries
// "k3s-node1" and falls back to a hardcoded URL on failure). Failure to
// resolve is not fatal: it falls back to BackendFallbackURL, logged once at
// WARN, exactly as the original firmware does.
func resolveBackendURL(ctx context.Context, hostname, fallback string) string {
	if hostname == "" {
		return fallback
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		configLogger.Warningf("mDNS resolver init failed, using fallback backend URL: %v", err)
		return fallback
	}

	entries := make(chan *zeroconf.ServiceEntry, 1)
	lookupCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	err = resolver.Lookup(lookupCtx, hostname, "_http._tcp", "local.", entries)
	if err != nil {
		configLogger.Warningf("mDNS lookup of %v failed, using fallback backend URL: %v", hostname, err)
		return fallback
	}

	select {
	case entry := <-entries:
		if entry == nil || len(entry.AddrIPv4) == 0 {
			configLogger.Warningf("mDNS lookup of %v returned no address, using fallback backend URL", hostname)
			return fallback
		}
		url := fmt.Sprintf("http://%v:%d", entry.AddrIPv4[0], entry.Port)
		configLogger.Infof("resolved backend %v via mDNS: %v", hostname, url)
		return url
	case <-lookupCtx.Done():
		configLogger.Warningf("mDNS lookup of %v timed out, using fallback backend URL", hostname)
		return fallback
	}
}
