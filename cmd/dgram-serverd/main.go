// Command dgram-serverd hosts UDP connections for the secure datagram
// protocol using pkg/server.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/velanet/dgram/pkg/aead"
	"github.com/velanet/dgram/pkg/server"
	"github.com/velanet/dgram/pkg/token"
	"github.com/velanet/dgram/pkg/transport"
)

var opt struct {
	Addr         string
	PrivateKey   string
	ChallengeKey string
	ProtocolID   uint64
	Capacity     int
	Verbose      bool
	Help         bool
}

func init() {
	pflag.StringVarP(&opt.Addr, "listen", "a", "[::]:9000", "UDP listen address")
	pflag.StringVarP(&opt.PrivateKey, "private-key", "k", "", "Hex-encoded 32-byte key shared with the token authority (required)")
	pflag.StringVarP(&opt.ChallengeKey, "challenge-key", "c", "", "Hex-encoded 32-byte challenge key (random if omitted)")
	pflag.Uint64VarP(&opt.ProtocolID, "protocol-id", "p", 0, "Protocol ID tokens must be bound to")
	pflag.IntVarP(&opt.Capacity, "capacity", "n", 256, "Maximum concurrent connections")
	pflag.BoolVarP(&opt.Verbose, "verbose", "v", false, "Log every received payload in addition to connect/disconnect")
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if opt.Help {
		fmt.Printf("usage: %s [options]\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		os.Exit(2)
	}

	privateKey, err := parseKey(opt.PrivateKey, "private-key")
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(2)
	}

	challengeKey := aead.GenerateKey()
	if opt.ChallengeKey != "" {
		if k, err := parseKey(opt.ChallengeKey, "challenge-key"); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(2)
		} else {
			challengeKey = k
		}
	}

	addr, err := netip.ParseAddrPort(opt.Addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: invalid listen address: %v\n", err)
		os.Exit(2)
	}

	tr, err := transport.ListenUDP(addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	defer tr.Close()

	logger := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	cb := server.Callbacks{
		OnConnect: func(connID uint64, user [token.UserDataLen]byte) {
			logger.Info().Uint64("conn", connID).Msg("connected")
		},
		OnDisconnect: func(connID uint64) {
			logger.Info().Uint64("conn", connID).Msg("disconnected")
		},
	}
	if opt.Verbose {
		cb.OnReceive = func(connID uint64, seq uint64, payload []byte) {
			logger.Debug().Uint64("conn", connID).Uint64("seq", seq).Int("len", len(payload)).Msg("received")
		}
	}

	s := server.New(server.Config{
		Transport:    tr,
		ProtocolID:   opt.ProtocolID,
		Version:      token.Version,
		PrivateKey:   privateKey,
		ChallengeKey: challengeKey,
		LocalAddr:    tr.LocalAddr(),
		Capacity:     opt.Capacity,
		Callbacks:    cb,
		Logger:       logger,
	})

	logger.Log().Str("addr", tr.LocalAddr().String()).Uint64("protocol_id", opt.ProtocolID).Msg("starting server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	t := time.NewTicker(server.PacketSendDelta / 10)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			stats := s.Stats()
			logger.Log().
				Int("connections", s.NumConnections()).
				Uint64("connects", stats.Connects).
				Uint64("disconnects", stats.Disconnects).
				Uint64("rejected_at_capacity", stats.RejectedAtCapacity).
				Uint64("rejected_bad_token", stats.RejectedBadToken).
				Msg("shutting down")
			return
		case now := <-t.C:
			s.Update(now)
		}
	}
}

func parseKey(s, flag string) (k [aead.KeySize]byte, err error) {
	if s == "" {
		return k, fmt.Errorf("-%s is required", flag)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("--%s: %w", flag, err)
	}
	if len(b) != aead.KeySize {
		return k, fmt.Errorf("--%s: must be %d bytes, got %d", flag, aead.KeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}
