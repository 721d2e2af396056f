package model

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidProfile is returned when impairment parameters are out of range.
var ErrInvalidProfile = errors.New("invalid link profile")

// LinkClass distinguishes access links (ground station to relay) from
// inter-relay backbone links.
type LinkClass int

const (
	LinkClassAccess LinkClass = iota
	LinkClassInterRelay
)

// String returns the canonical spelling used in topology files and logs.
func (c LinkClass) String() string {
	switch c {
	case LinkClassAccess:
		return "access"
	case LinkClassInterRelay:
		return "inter-relay"
	default:
		return fmt.Sprintf("LinkClass(%d)", int(c))
	}
}

// ParseLinkClass maps a topology-file spelling onto a LinkClass. "isl" is
// accepted as an alias for inter-relay.
func ParseLinkClass(s string) (LinkClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "access", "":
		return LinkClassAccess, nil
	case "inter-relay", "interrelay", "isl":
		return LinkClassInterRelay, nil
	default:
		return 0, fmt.Errorf("unknown link class %q", s)
	}
}

// LinkProfile is the impairment applied to one link. Values are immutable
// once constructed; use With to derive a modified copy.
type LinkProfile struct {
	bandwidthMbps float64
	delay         time.Duration
	jitter        time.Duration
	loss          float64
	queue         int
}

// NewLinkProfile validates and returns a profile. loss is a probability in
// [0,1], queue is in packets.
func NewLinkProfile(bandwidthMbps float64, delay, jitter time.Duration, loss float64, queue int) (LinkProfile, error) {
	p := LinkProfile{
		bandwidthMbps: bandwidthMbps,
		delay:         delay,
		jitter:        jitter,
		loss:          loss,
		queue:         queue,
	}
	if err := p.Validate(); err != nil {
		return LinkProfile{}, err
	}
	return p, nil
}

// MustLinkProfile is NewLinkProfile for package-level defaults and tests.
func MustLinkProfile(bandwidthMbps float64, delay, jitter time.Duration, loss float64, queue int) LinkProfile {
	p, err := NewLinkProfile(bandwidthMbps, delay, jitter, loss, queue)
	if err != nil {
		panic(err)
	}
	return p
}

// Validate checks every field against its allowed range.
func (p LinkProfile) Validate() error {
	switch {
	case math.IsNaN(p.bandwidthMbps) || p.bandwidthMbps <= 0:
		return fmt.Errorf("%w: bandwidth must be > 0, got %v", ErrInvalidProfile, p.bandwidthMbps)
	case p.delay < 0:
		return fmt.Errorf("%w: delay must be >= 0, got %s", ErrInvalidProfile, p.delay)
	case p.jitter < 0:
		return fmt.Errorf("%w: jitter must be >= 0, got %s", ErrInvalidProfile, p.jitter)
	case math.IsNaN(p.loss) || p.loss < 0 || p.loss > 1:
		return fmt.Errorf("%w: loss must be in [0,1], got %v", ErrInvalidProfile, p.loss)
	case p.queue <= 0:
		return fmt.Errorf("%w: queue must be > 0, got %d", ErrInvalidProfile, p.queue)
	}
	return nil
}

func (p LinkProfile) BandwidthMbps() float64 { return p.bandwidthMbps }
func (p LinkProfile) Delay() time.Duration   { return p.delay }
func (p LinkProfile) Jitter() time.Duration  { return p.jitter }
func (p LinkProfile) Loss() float64          { return p.loss }
func (p LinkProfile) Queue() int             { return p.queue }

// IsZero reports whether p is the zero value, i.e. was never constructed.
func (p LinkProfile) IsZero() bool { return p == LinkProfile{} }

// With returns a validated copy of p with the non-nil overrides applied.
func (p LinkProfile) With(o ProfileOverrides) (LinkProfile, error) {
	next := p
	if o.BandwidthMbps != nil {
		next.bandwidthMbps = *o.BandwidthMbps
	}
	if o.Delay != nil {
		next.delay = o.Delay.Duration
	}
	if o.Jitter != nil {
		next.jitter = o.Jitter.Duration
	}
	if o.Loss != nil {
		next.loss = *o.Loss
	}
	if o.Queue != nil {
		next.queue = *o.Queue
	}
	if err := next.Validate(); err != nil {
		return LinkProfile{}, err
	}
	return next, nil
}

// WithDelay is a shorthand used when the delay is derived from geometry.
func (p LinkProfile) WithDelay(d time.Duration) (LinkProfile, error) {
	return p.With(ProfileOverrides{Delay: &Duration{Duration: d}})
}

// String renders the profile for logs and the session "links" command.
func (p LinkProfile) String() string {
	return fmt.Sprintf("bw=%gMbit delay=%s jitter=%s loss=%s queue=%d",
		p.bandwidthMbps, p.delay, p.jitter, p.LossPercent(), p.queue)
}

// LossPercent renders the loss probability the way tc expects it.
func (p LinkProfile) LossPercent() string {
	pct := math.Round(p.loss*100*1e6) / 1e6
	return strconv.FormatFloat(pct, 'f', -1, 64) + "%"
}

// HTBRate renders the bandwidth as a tc rate in kbit so fractional Mbit/s
// values survive.
func (p LinkProfile) HTBRate() string {
	return strconv.FormatFloat(math.Round(p.bandwidthMbps*1000), 'f', 0, 64) + "kbit"
}

// NetemArgs renders the netem part of a `tc qdisc ... netem` command.
func (p LinkProfile) NetemArgs() []string {
	args := []string{"delay", tcTime(p.delay)}
	if p.jitter > 0 {
		args = append(args, tcTime(p.jitter))
	}
	if p.loss > 0 {
		args = append(args, "loss", p.LossPercent())
	}
	args = append(args, "limit", strconv.Itoa(p.queue))
	return args
}

func tcTime(d time.Duration) string {
	if d%time.Millisecond == 0 {
		return strconv.FormatInt(int64(d/time.Millisecond), 10) + "ms"
	}
	return strconv.FormatInt(int64(d/time.Microsecond), 10) + "us"
}

// Default profiles per class. These mirror LEO-ish values: long, lossy
// access uplinks and a faster relay backbone.
var (
	DefaultAccessProfile     = MustLinkProfile(20, 25*time.Millisecond, 2*time.Millisecond, 0.002, 200)
	DefaultInterRelayProfile = MustLinkProfile(50, 8*time.Millisecond, 1*time.Millisecond, 0.0005, 200)
)

// ClassDefaults maps each link class to the profile the builder starts from.
type ClassDefaults map[LinkClass]LinkProfile

// DefaultClassDefaults returns a fresh copy of the built-in class defaults.
func DefaultClassDefaults() ClassDefaults {
	return ClassDefaults{
		LinkClassAccess:     DefaultAccessProfile,
		LinkClassInterRelay: DefaultInterRelayProfile,
	}
}

// For returns the default profile for class c, falling back to the
// built-in value when c is missing from d.
func (d ClassDefaults) For(c LinkClass) LinkProfile {
	if p, ok := d[c]; ok && !p.IsZero() {
		return p
	}
	if c == LinkClassInterRelay {
		return DefaultInterRelayProfile
	}
	return DefaultAccessProfile
}

// ProfileOverrides carries optional per-link or per-invocation overrides.
// Nil fields keep the base value.
type ProfileOverrides struct {
	BandwidthMbps *float64  `json:"bandwidth_mbps,omitempty"`
	Delay         *Duration `json:"delay,omitempty"`
	Jitter        *Duration `json:"jitter,omitempty"`
	Loss          *float64  `json:"loss,omitempty"`
	Queue         *int      `json:"queue,omitempty"`
}

// Empty reports whether no override is set.
func (o ProfileOverrides) Empty() bool {
	return o.BandwidthMbps == nil && o.Delay == nil && o.Jitter == nil && o.Loss == nil && o.Queue == nil
}

// Set parses one key=value override as typed by an operator. Accepted keys
// are bw, delay, jitter, loss and queue.
func (o *ProfileOverrides) Set(key, value string) error {
	switch strings.ToLower(key) {
	case "bw", "bandwidth", "bandwidth_mbps":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%w: bandwidth %q: %v", ErrInvalidProfile, value, err)
		}
		o.BandwidthMbps = &v
	case "delay":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%w: delay %q: %v", ErrInvalidProfile, value, err)
		}
		o.Delay = &Duration{Duration: d}
	case "jitter":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%w: jitter %q: %v", ErrInvalidProfile, value, err)
		}
		o.Jitter = &Duration{Duration: d}
	case "loss":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%w: loss %q: %v", ErrInvalidProfile, value, err)
		}
		o.Loss = &v
	case "queue":
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: queue %q: %v", ErrInvalidProfile, value, err)
		}
		o.Queue = &v
	default:
		return fmt.Errorf("%w: unknown parameter %q", ErrInvalidProfile, key)
	}
	return nil
}
