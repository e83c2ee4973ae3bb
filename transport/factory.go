package transport

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/krishna-esrlabs/flux-mcf/errors"
	"github.com/krishna-esrlabs/flux-mcf/natsclient"
)

// Connection string schemes
const (
	SchemeMem  = "mem"
	SchemeNATS = "nats"
	SchemeWS   = "ws"
)

// Factory builds transports from connection strings
type Factory struct {
	Mem    *MemNetwork
	NATS   *natsclient.Client
	Logger *slog.Logger
}

// Scheme returns the scheme of a connection string
func Scheme(conn string) string {
	scheme, _, _ := strings.Cut(conn, ":")
	return scheme
}

// NewRequester creates the requester for conn
func (f *Factory) NewRequester(conn string) (Requester, error) {
	scheme, rest, err := f.split(conn)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case SchemeMem:
		return f.Mem.Requester(rest), nil
	case SchemeNATS:
		return NewNATSRequester(f.NATS, rest), nil
	default:
		return NewWSRequester(conn, f.logger()), nil
	}
}

// NewResponder creates the responder for conn
func (f *Factory) NewResponder(conn string) (Responder, error) {
	scheme, rest, err := f.split(conn)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case SchemeMem:
		return f.Mem.Responder(rest), nil
	case SchemeNATS:
		return NewNATSResponder(f.NATS, rest, f.logger()), nil
	default:
		return NewWSResponder(conn, f.logger()), nil
	}
}

func (f *Factory) split(conn string) (string, string, error) {
	scheme, rest, ok := strings.Cut(conn, ":")
	if !ok || rest == "" {
		return "", "", f.invalid(conn, "missing scheme or address")
	}
	switch scheme {
	case SchemeMem:
		if f.Mem == nil {
			return "", "", f.invalid(conn, "no in-memory network configured")
		}
	case SchemeNATS:
		if f.NATS == nil {
			return "", "", f.invalid(conn, "no NATS client configured")
		}
	case SchemeWS:
		if !strings.HasPrefix(rest, "//") {
			return "", "", f.invalid(conn, "expected ws://host:port/path")
		}
	default:
		return "", "", f.invalid(conn, "unsupported scheme "+scheme)
	}
	return scheme, rest, nil
}

func (f *Factory) invalid(conn, reason string) error {
	return errors.WrapFatal(
		fmt.Errorf("%w: connection %q: %s", errors.ErrInvalidConfig, conn, reason),
		"Factory", "New", "parse connection")
}

func (f *Factory) logger() *slog.Logger {
	if f.Logger == nil {
		return slog.Default()
	}
	return f.Logger
}
