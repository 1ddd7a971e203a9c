package mux

import (
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"

	"github.com/portmux/portmux/agent/channel"
	"github.com/portmux/portmux/agent/framing"
)

const (
	DefaultMaxSniffBytes = 1024
	DefaultSniffTimeout  = 10 * time.Second
)

// SnifferConfig bounds how long and how far a connection may be sniffed.
type SnifferConfig struct {
	// MaxSniffBytes is the largest prefix examined before giving up.
	MaxSniffBytes int

	// Timeout closes connections that have not been bound in time.
	Timeout time.Duration

	Logger hclog.Logger
}

// Sniffer is the first decoder stage of every accepted connection. It never
// consumes bytes: once a descriptor matches, the descriptor's pipeline is
// installed and the channel re-offers the same bytes to the new decoder.
type Sniffer struct {
	reg    *Registry
	ch     *channel.Channel
	cfg    SnifferConfig
	logger hclog.Logger

	bound   bool
	seen    bool
	started time.Time
	timers  []*time.Timer
}

// NewSniffer returns the sniffing decoder for ch and arms its timers. Set it
// with ch.SetDecoder before ch.Start.
func (r *Registry) NewSniffer(ch *channel.Channel, cfg SnifferConfig) *Sniffer {
	if cfg.MaxSniffBytes <= 0 {
		cfg.MaxSniffBytes = DefaultMaxSniffBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSniffTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	s := &Sniffer{
		reg:     r,
		ch:      ch,
		cfg:     cfg,
		logger:  cfg.Logger,
		started: time.Now(),
	}

	if d, timeout, ok := r.idleFallback(); ok {
		s.timers = append(s.timers, time.AfterFunc(timeout, func() {
			ch.Execute(func() { s.onIdle(d) })
		}))
	}
	s.timers = append(s.timers, time.AfterFunc(cfg.Timeout, func() {
		ch.Execute(s.onTimeout)
	}))
	ch.AddCloseListener(func(*channel.Channel) { s.stopTimers() })
	return s
}

// Bound reports whether a protocol has been installed.
func (s *Sniffer) Bound() bool { return s.bound }

func (s *Sniffer) Decode(in *framing.Cursor) (any, error) {
	if s.bound {
		return nil, nil
	}
	s.seen = true
	peek := in.Peek()
	if len(peek) > s.cfg.MaxSniffBytes {
		peek = peek[:s.cfg.MaxSniffBytes]
	}

	d, undecided := s.reg.Select(peek)
	switch {
	case d != nil:
		return nil, s.install(*d)
	case !undecided:
		metrics.IncrCounter([]string{"mux", "sniff", "unmatched"}, 1)
		return nil, framing.Errorf("mux", ErrNoProtocol, "first bytes % x", head(peek))
	case in.Len() >= s.cfg.MaxSniffBytes:
		metrics.IncrCounter([]string{"mux", "sniff", "unmatched"}, 1)
		return nil, framing.Errorf("mux", ErrSniffLimitExceeded, "undecided after %d bytes", in.Len())
	}
	return nil, nil
}

func (s *Sniffer) install(d Descriptor) error {
	s.bound = true
	s.stopTimers()
	metrics.IncrCounterWithLabels([]string{"mux", "sniff", "matched"}, 1,
		[]metrics.Label{{Name: "protocol", Value: d.Name}})
	metrics.MeasureSince([]string{"mux", "sniff", "duration"}, s.started)
	s.logger.Trace("protocol selected", "protocol", d.Name, "conn", s.ch.RemoteAddr())

	if err := d.Install(s.ch); err != nil {
		return framing.Errorf("mux", err, "installing %s", d.Name)
	}
	// An install that leaves the sniffer in place would loop forever.
	if s.ch.Decoder() == s {
		s.ch.SetDecoder(nil)
	}
	return nil
}

func (s *Sniffer) onIdle(d Descriptor) {
	if s.bound || s.seen || s.ch.Decoder() != s {
		return
	}
	s.logger.Trace("connection idle, installing server-first protocol", "protocol", d.Name)
	if err := s.install(d); err != nil {
		s.logger.Warn("failed to install protocol", "protocol", d.Name, "error", err)
		s.ch.Close()
	}
}

func (s *Sniffer) onTimeout() {
	if s.bound {
		return
	}
	metrics.IncrCounter([]string{"mux", "sniff", "timeout"}, 1)
	s.logger.Debug("closing connection, no protocol selected in time",
		"conn", s.ch.RemoteAddr(), "timeout", s.cfg.Timeout)
	s.ch.Close()
}

func (s *Sniffer) stopTimers() {
	for _, t := range s.timers {
		t.Stop()
	}
}

func head(p []byte) []byte {
	if len(p) > 16 {
		return p[:16]
	}
	return p
}
