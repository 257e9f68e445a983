// Package natsbus carries the bus over NATS request/reply.
//
// Subjects, for prefix "gsus":
//
//	gsus.call.<bus name>     method calls; the reply goes to the request's inbox
//	gsus.signal.<interface>  broadcast signals
//	gsus.name.<bus name>     ownership probe answered by the current owner
//
// Payloads are message envelopes; the Gsus-Codec header names the codec.
package natsbus

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"gsus/codec"
	berr "gsus/errors"
	"gsus/message"
)

const (
	DefaultPrefix = "gsus"
	CodecHeader   = "Gsus-Codec"

	probeTimeout = 500 * time.Millisecond
)

type Config struct {
	URL         string
	Name        string // connection name shown by the server
	Prefix      string
	Codec       codec.CodecType
	ConnTimeout time.Duration
}

func (c Config) prefix() string {
	if c.Prefix == "" {
		return DefaultPrefix
	}
	return c.Prefix
}

func (c Config) validate() error {
	if c.URL == "" {
		return fmt.Errorf("nats url required: %w", berr.ErrConfig)
	}
	if strings.ContainsAny(c.prefix(), " *>") {
		return fmt.Errorf("nats prefix %q: %w", c.Prefix, berr.ErrConfig)
	}
	return nil
}

func (c Config) options(extra ...nats.Option) []nats.Option {
	opts := []nats.Option{}
	if c.Name != "" {
		opts = append(opts, nats.Name(c.Name))
	}
	if c.ConnTimeout > 0 {
		opts = append(opts, nats.Timeout(c.ConnTimeout))
	}
	return append(opts, extra...)
}

func CallSubject(prefix, bus string) string { return prefix + ".call." + bus }
func SignalSubject(prefix, iface string) string { return prefix + ".signal." + iface }
func NameSubject(prefix, bus string) string { return prefix + ".name." + bus }

func codecName(t codec.CodecType) string {
	if t == codec.CodecTypeJSON {
		return "json"
	}
	return "binary"
}

// codecOf picks the codec named by the header; binary when absent.
func codecOf(h nats.Header) (codec.Codec, error) {
	switch h.Get(CodecHeader) {
	case "", "binary":
		return codec.GetCodec(codec.CodecTypeBinary), nil
	case "json":
		return codec.GetCodec(codec.CodecTypeJSON), nil
	default:
		return nil, fmt.Errorf("unknown codec %q: %w", h.Get(CodecHeader), berr.ErrFormat)
	}
}

// envelope encodes m for subject with cd.
func envelope(subject string, cd codec.Codec, m *message.Message) (*nats.Msg, error) {
	data, err := cd.Encode(m)
	if err != nil {
		return nil, err
	}
	out := nats.NewMsg(subject)
	out.Header.Set(CodecHeader, codecName(cd.Type()))
	out.Data = data
	return out, nil
}

// open decodes the envelope carried by msg and returns the codec it used.
func open(msg *nats.Msg) (*message.Message, codec.Codec, error) {
	cd, err := codecOf(msg.Header)
	if err != nil {
		return nil, nil, err
	}
	var m message.Message
	if err := cd.Decode(msg.Data, &m); err != nil {
		return nil, nil, err
	}
	return &m, cd, nil
}
