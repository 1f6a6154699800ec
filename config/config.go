// Package config parses the TOML configuration file cmd/relstackd
// takes, in the same style as the teacher's cmd/dtnd configuration.go:
// a tomlConfig struct decoded with BurntSushi/toml, a Logging block
// that drives logrus's level/formatter/report-caller, plus optional
// fsnotify-driven hot reload of the file for the parts of the
// configuration safe to change at runtime (currently just Logging).
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// Config is the decoded relstack.toml.
type Config struct {
	Session SessionConf
	Logging LoggingConf
	Listen  ListenConf
	Peer    PeerConf
	SSL     SSLConf
}

// SessionConf describes the reliability-layer sizing the engine is
// constructed with.
type SessionConf struct {
	Span       int `toml:"span"`
	MaxAckList int `toml:"max-ack-list"`
}

// LoggingConf mirrors the teacher's logConf block exactly: level,
// report-caller, and format.
type LoggingConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// ListenConf describes the local transport endpoint to accept a peer
// connection on.
type ListenConf struct {
	Protocol string // "udp" or "websocket"
	Address  string
}

// PeerConf describes the remote transport endpoint to connect out to.
type PeerConf struct {
	Protocol string
	Address  string
}

// SSLConf selects which ssladapter.Adapter binding the daemon uses.
type SSLConf struct {
	Mode string // "noise" (default) or "tls"
}

// Load decodes filename into a Config and applies its Logging block.
func Load(filename string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(filename, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decoding %s: %w", filename, err)
	}
	if cfg.Session.Span == 0 {
		cfg.Session.Span = 32
	}
	if cfg.Session.MaxAckList == 0 {
		cfg.Session.MaxAckList = 16
	}
	if err := cfg.checkValid(); err != nil {
		return Config{}, err
	}
	applyLogging(cfg.Logging)
	return cfg, nil
}

// checkValid aggregates every configuration problem into a single
// error, the way the teacher's bundle blocks accumulate field errors
// with multierror rather than failing on the first one found.
func (cfg Config) checkValid() (errs error) {
	if cfg.Session.Span <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("session.span must be positive, got %d", cfg.Session.Span))
	}
	if cfg.Session.MaxAckList <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("session.max-ack-list must be positive, got %d", cfg.Session.MaxAckList))
	}
	if cfg.Listen.Protocol != "" && cfg.Listen.Protocol != "udp" && cfg.Listen.Protocol != "websocket" {
		errs = multierror.Append(errs, fmt.Errorf("listen.protocol must be \"udp\" or \"websocket\", got %q", cfg.Listen.Protocol))
	}
	if cfg.SSL.Mode != "" && cfg.SSL.Mode != "noise" && cfg.SSL.Mode != "tls" {
		errs = multierror.Append(errs, fmt.Errorf("ssl.mode must be \"noise\" or \"tls\", got %q", cfg.SSL.Mode))
	}
	if cfg.Listen.Address == "" {
		errs = multierror.Append(errs, fmt.Errorf("listen.address is empty"))
	}
	if cfg.Peer.Address == "" {
		errs = multierror.Append(errs, fmt.Errorf("peer.address is empty"))
	}
	return errs
}

// applyLogging sets logrus's global level, formatter, and caller
// reporting from conf, exactly mirroring parseCore's Logging handling
// in the teacher.
func applyLogging(conf LoggingConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})
	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	default:
		log.Warn("Unknown logging format")
	}
}

// WatchLogging watches filename for writes and re-applies its Logging
// block on every change, so operators can raise the log level of a
// running relstackd without restarting the session. It runs until
// watcher.Close is called and logs (rather than returns) reload
// errors, since a bad edit mid-session must not bring the session
// down.
func WatchLogging(filename string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: starting file watcher: %w", err)
	}
	if err := watcher.Add(filename); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watching %s: %w", filename, err)
	}

	go func() {
		for event := range watcher.Events {
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			var cfg Config
			if _, err := toml.DecodeFile(filename, &cfg); err != nil {
				log.WithError(err).Warn("config: reload failed, keeping previous logging configuration")
				continue
			}
			applyLogging(cfg.Logging)
			log.Info("config: reloaded logging configuration")
		}
	}()

	return watcher, nil
}
