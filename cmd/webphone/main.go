// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/emiago/webphone"
	"github.com/emiago/webphone/audio"
	"github.com/emiago/webphone/mediastream"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Run app:
// go run -tags with_malgo ./cmd/webphone -username 1001 -password secret -server pbx.example.com -dial 2000
// Without with_malgo tag no microphone is used and calls carry only hold audio.

func main() {
	fUsername := flag.String("username", "", "SIP username, user part of address of record")
	fLogin := flag.String("login", "", "Digest username. Default is username")
	fPassword := flag.String("password", "", "Digest password")
	fServer := flag.String("server", "", "SIP server domain")
	fWS := flag.String("ws", "", "WebSocket server url. Default wss://<server>:8089/ws")
	fDial := flag.String("dial", "", "Number to call after registration")
	fHold := flag.String("hold", "", "Comma separated WAV urls played to remote party")
	fHoldVolume := flag.Int("hold-volume", 100, "Hold playback volume 0-100")
	fHoldLoop := flag.Bool("hold-loop", false, "Loop hold playlist")
	fRecord := flag.String("record", "", "Record remote audio to WAV file")
	fMetrics := flag.String("metrics", "", "Serve prometheus metrics on address, ex :9090")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -username <username> -password <pass> -server example.com [-dial 123]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	// Setup signaling
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	// Setup logger
	lev, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || lev == zerolog.NoLevel {
		lev = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger().Level(lev)

	// Have some debugging
	sip.SIPDebug = os.Getenv("SIP_DEBUG") == "true"

	if *fUsername == "" || *fServer == "" {
		flag.Usage()
		return
	}

	var holdURLs []string
	if *fHold != "" {
		holdURLs = strings.Split(*fHold, ",")
	}

	err = start(ctx, options{
		cfg: webphone.Config{
			Username:  *fUsername,
			Login:     *fLogin,
			Password:  *fPassword,
			SIPServer: *fServer,
			WSServer:  *fWS,
		},
		dial:        *fDial,
		holdURLs:    holdURLs,
		holdVolume:  *fHoldVolume,
		holdLoop:    *fHoldLoop,
		record:      *fRecord,
		metricsAddr: *fMetrics,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Webphone finished with error")
	}
}

type options struct {
	cfg         webphone.Config
	dial        string
	holdURLs    []string
	holdVolume  int
	holdLoop    bool
	record      string
	metricsAddr string
}

func start(ctx context.Context, o options) error {
	clientOpts := []webphone.Option{
		webphone.WithErrorHandler(func(err error) {
			var resErr interface{ StatusCode() int }
			if errors.As(err, &resErr) {
				log.Warn().Int("code", resErr.StatusCode()).Msg("Request rejected")
			}
		}),
	}

	if mediastream.DefaultDevices() == nil {
		log.Warn().Msg("No capture backend in this build, microphone is replaced with silence")
		clientOpts = append(clientOpts, webphone.WithMediaDevices(mediastream.DevicesFunc(silentMicrophone)))
	}

	if o.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		clientOpts = append(clientOpts, webphone.WithMetrics(reg))
		go serveMetrics(o.metricsAddr, reg)
	}

	phone, err := webphone.New(o.cfg, clientOpts...)
	if err != nil {
		return err
	}

	media := &callMedia{
		ctx:        ctx,
		holdURLs:   o.holdURLs,
		holdVolume: o.holdVolume,
		holdLoop:   o.holdLoop,
		record:     o.record,
	}
	unsubscribe := phone.Subscribe(media)
	defer unsubscribe()

	if err := phone.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Initial connect failed, reconnecting in background")
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := phone.Stop(stopCtx); err != nil {
			log.Error().Err(err).Msg("Failed to stop phone")
		}
	}()

	if o.dial == "" {
		log.Info().Msg("Waiting, press Ctrl+C to exit")
		<-ctx.Done()
		return nil
	}

	inv, err := phone.MakeInviter(o.dial)
	if err != nil {
		return err
	}

	log.Info().Str("target", inv.Target().String()).Msg("Dialing")
	if err := inv.Invite(ctx); err != nil {
		return fmt.Errorf("call failed: %w", err)
	}
	log.Info().Str("callid", inv.CallID()).Msg("Call established")
	defer log.Info().Str("callid", inv.CallID()).Msg("Call finished")

	select {
	case <-ctx.Done():
		hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return inv.Hangup(hctx)
	case <-inv.Context().Done():
		return nil
	}
}

func silentMicrophone(ctx context.Context, c mediastream.Constraints) (*mediastream.Stream, error) {
	return mediastream.NewSilentStream()
}

// callMedia plays hold playlist into first audio sender and records remote track
type callMedia struct {
	ctx        context.Context
	holdURLs   []string
	holdVolume int
	holdLoop   bool
	record     string

	mu      sync.Mutex
	tracks  map[*webrtc.TrackRemote]bool
	senders map[*webrtc.RTPSender]bool
}

// first reports whether track or sender is seen first time. Observer is notified on every remote track
func (m *callMedia) first(track *webrtc.TrackRemote, sender *webrtc.RTPSender) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tracks == nil {
		m.tracks = make(map[*webrtc.TrackRemote]bool)
		m.senders = make(map[*webrtc.RTPSender]bool)
	}
	if track != nil {
		if m.tracks[track] {
			return false
		}
		m.tracks[track] = true
	}
	if sender != nil {
		if m.senders[sender] {
			return false
		}
		m.senders[sender] = true
	}
	return true
}

func (m *callMedia) OnTrack(track *webrtc.TrackRemote) {
	if m.record == "" || !m.first(track, nil) {
		return
	}

	go func() {
		f, err := os.Create(m.record)
		if err != nil {
			log.Error().Err(err).Msg("Failed to create recording")
			return
		}
		defer f.Close()

		n, err := audio.RecordTrack(m.ctx, track, f)
		if err != nil {
			log.Error().Err(err).Msg("Recording failed")
		}
		log.Info().Int64("bytes", n).Str("file", m.record).Msg("Recording finished")
	}()
}

func (m *callMedia) OnSender(sender *webrtc.RTPSender) {
	if len(m.holdURLs) == 0 || !m.first(nil, sender) {
		return
	}

	opts := []audio.PlayerOption{
		audio.WithVolume(m.holdVolume),
		audio.WithOnEnd(func() { log.Info().Msg("Hold playlist finished") }),
	}
	if m.holdLoop {
		opts = append(opts, audio.WithLoop())
	}

	stream, err := audio.PlayAudioFromURLs(m.ctx, m.holdURLs, opts...)
	if err != nil {
		log.Error().Err(err).Msg("Failed to start hold playlist")
		return
	}

	if err := sender.ReplaceTrack(stream.AudioTracks()[0]); err != nil {
		log.Error().Err(err).Msg("Failed to replace sender track")
		stream.Stop()
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Info().Str("addr", addr).Msg("Serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("Metrics server stopped")
	}
}
