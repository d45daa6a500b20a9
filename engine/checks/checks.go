package checks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// Verdict is the outcome of one checker phase. Zero means the phase passed;
// any other value ends the run and is recorded as-is.
type Verdict int

const (
	VerdictOK Verdict = iota
	VerdictDown
	VerdictFaulty
	VerdictFlagNotFound
	VerdictRecovering
)

func (v Verdict) String() string {
	switch v {
	case VerdictOK:
		return "OK"
	case VerdictDown:
		return "DOWN"
	case VerdictFaulty:
		return "FAULTY"
	case VerdictFlagNotFound:
		return "FLAG_NOT_FOUND"
	case VerdictRecovering:
		return "RECOVERING"
	default:
		return "VERDICT_" + strconv.Itoa(int(v))
	}
}

// ErrUnreachable can be returned by checkers to report the target as down.
var ErrUnreachable = errors.New("target unreachable")

// Checker is implemented once per service. Embed Base to get the default
// CheckService and the flag and state helpers.
type Checker interface {
	// PlaceFlag stores the flag of the current tick on the target.
	PlaceFlag(ctx context.Context) (Verdict, error)
	// CheckService checks the general behaviour of the service.
	CheckService(ctx context.Context) (Verdict, error)
	// CheckFlag checks that the flag of tick can still be retrieved.
	CheckFlag(ctx context.Context, tick int) (Verdict, error)
}

// FlagSource derives the flag for a tick and team. It must be deterministic.
type FlagSource interface {
	Flag(tick int, teamNetNo int, payload []byte) string
}

// Settings is the checker part of the configuration file.
type Settings struct {
	ServiceType string `toml:",omitempty"` // ServiceType is the name of the checker implementation
	Target      string `toml:",omitempty"` // Target is the address pattern, "_" is replaced by the team net number
	Port        int    `toml:",omitzero"`
	Scheme      string `toml:",omitempty"`
	Path        string `toml:",omitempty"`
}

// TargetFor fills the team net number into the target pattern.
func (s Settings) TargetFor(teamNetNo int) string {
	return strings.Replace(s.Target, "_", strconv.Itoa(teamNetNo), -1)
}

// Configure validates the settings and fills in defaults for the service type.
func (s *Settings) Configure() error {
	if s.Target == "" {
		return errors.New("no target specified")
	}
	switch s.ServiceType {
	case "Tcp":
		if s.Port == 0 {
			return errors.New("port is required")
		}
	case "Web":
		if s.Scheme == "" {
			s.Scheme = "http"
		}
		if s.Scheme != "http" && s.Scheme != "https" {
			return fmt.Errorf("unsupported scheme %q", s.Scheme)
		}
		if s.Port == 0 {
			if s.Scheme == "https" {
				s.Port = 443
			} else {
				s.Port = 80
			}
		}
		if s.Path == "" {
			s.Path = "/flags"
		}
		s.Path = strings.TrimSuffix(s.Path, "/")
	default:
		return fmt.Errorf("unknown service type %q", s.ServiceType)
	}
	return nil
}

// New builds the checker configured by settings for one team and tick.
func New(settings Settings, base Base) (Checker, error) {
	switch settings.ServiceType {
	case "Tcp":
		return &Tcp{Base: base, Port: settings.Port}, nil
	case "Web":
		return &Web{Base: base, Port: settings.Port, Scheme: settings.Scheme, Path: settings.Path}, nil
	default:
		return nil, fmt.Errorf("unknown service type %q", settings.ServiceType)
	}
}

// IsUnreachable reports whether err means the target could not be reached in
// time. Such errors turn into VerdictDown.
func IsUnreachable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnreachable) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
