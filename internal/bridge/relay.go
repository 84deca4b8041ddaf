package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/realtime/openai"
	"github.com/MrWong99/callbridge/pkg/telephony/teler"
)

// Relay directions, used as log and metric attributes.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// RelayConfig tunes one relay direction.
type RelayConfig struct {
	// TelephonyRate and RealtimeRate are the sample rates of the two legs.
	TelephonyRate int
	RealtimeRate  int

	// ChunkBlocks is how many converted frames make one outgoing message.
	ChunkBlocks int

	// MaxChunkBytes also emits a chunk once this many bytes are pending.
	// Zero disables the byte limit.
	MaxChunkBytes int

	// FirstChunkID is the chunk_id of the first telephony audio message.
	// Only the outbound relay numbers its chunks.
	FirstChunkID int

	// FlushTimeout bounds the final flush after cancellation.
	FlushTimeout time.Duration
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.TelephonyRate <= 0 {
		c.TelephonyRate = audio.RateTelephony
	}
	if c.RealtimeRate <= 0 {
		c.RealtimeRate = audio.RateRealtime
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 2 * time.Second
	}
	return c
}

// RelayStats is a snapshot of one relay's counters.
type RelayStats struct {
	Frames       int64
	Chunks       int64
	DecodeErrors int64
	BargeIns     int64
}

type relayCounters struct {
	frames       atomic.Int64
	chunks       atomic.Int64
	decodeErrors atomic.Int64
	bargeIns     atomic.Int64
}

func (c *relayCounters) snapshot() RelayStats {
	return RelayStats{
		Frames:       c.frames.Load(),
		Chunks:       c.chunks.Load(),
		DecodeErrors: c.decodeErrors.Load(),
		BargeIns:     c.bargeIns.Load(),
	}
}

// pump is the loop shared by both relays. It reads from src and hands every
// message to handle until src ends or ctx is cancelled, then calls flush.
//
// A clean end of src and a cancelled ctx both return nil after the flush;
// cancellation flushes on a detached context bounded by flushTimeout. Peers
// keep their connection open when a read is cancelled, so the flush still
// reaches the destination. A destination that has gone away ends the relay
// without flushing.
func pump(
	ctx context.Context,
	log *slog.Logger,
	src Peer,
	flushTimeout time.Duration,
	handle func(context.Context, []byte) error,
	flush func(context.Context) error,
) error {
	for {
		data, err := src.Read(ctx)
		if err == nil {
			err = handle(ctx, data)
			switch {
			case err == nil:
				continue
			case errors.Is(err, io.EOF):
				log.Debug("destination closed")
				return nil
			case ctx.Err() == nil:
				return err
			}
			log.Debug("relay cancelled during write, flushing", "err", err)
		} else {
			switch {
			case errors.Is(err, io.EOF):
				log.Debug("source closed, flushing")
			case ctx.Err() != nil:
				log.Debug("relay cancelled, flushing")
			default:
				return err
			}
		}

		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
		defer cancel()
		if err := flush(fctx); err != nil && !errors.Is(err, io.EOF) {
			log.Warn("final flush failed", "err", err)
		}
		return nil
	}
}

// InboundRelay forwards caller audio from the telephony peer to the realtime
// peer: Teler frames are decoded, upsampled to the realtime rate, batched and
// sent as input_audio_buffer.append.
type InboundRelay struct {
	telephony Peer
	realtime  Peer
	cfg       RelayConfig
	metrics   *observe.Metrics

	conv  *audio.FormatConverter
	acc   *audio.ChunkAccumulator
	stats relayCounters
}

// NewInboundRelay creates the caller-to-AI relay. A nil metrics uses
// [observe.DefaultMetrics].
func NewInboundRelay(telephony, realtime Peer, cfg RelayConfig, metrics *observe.Metrics) *InboundRelay {
	cfg = cfg.withDefaults()
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &InboundRelay{
		telephony: telephony,
		realtime:  realtime,
		cfg:       cfg,
		metrics:   metrics,
		conv:      audio.NewFormatConverter(cfg.RealtimeRate),
		acc:       audio.NewChunkAccumulator(cfg.ChunkBlocks, cfg.MaxChunkBytes),
	}
}

// Run relays until the telephony peer hangs up or ctx is cancelled.
func (r *InboundRelay) Run(ctx context.Context) error {
	log := observe.CallLogger(ctx).With("direction", DirectionInbound)
	return pump(ctx, log, r.telephony, r.cfg.FlushTimeout,
		func(ctx context.Context, data []byte) error { return r.handle(ctx, log, data) },
		r.flush,
	)
}

// Stats returns the relay's counters.
func (r *InboundRelay) Stats() RelayStats { return r.stats.snapshot() }

func (r *InboundRelay) handle(ctx context.Context, log *slog.Logger, data []byte) error {
	msg, err := teler.Decode(data)
	if err != nil {
		log.Warn("dropping undecodable telephony frame", "err", err)
		r.decodeError(ctx)
		return nil
	}

	switch m := msg.(type) {
	case teler.AudioMessage:
		if m.DecodeErr != nil {
			log.Warn("telephony audio payload corrupt", "err", m.DecodeErr)
			r.decodeError(ctx)
		}
		if len(m.PCM) == 0 {
			return nil
		}
		frame := r.conv.Convert(audio.AudioFrame{
			Data:       m.PCM,
			SampleRate: r.cfg.TelephonyRate,
			Origin:     audio.OriginTelephony,
		})
		if frame.Empty() {
			return nil
		}
		r.acc.Append(frame.Data)
		r.stats.frames.Add(1)
		r.metrics.RecordFrame(ctx, DirectionInbound)
		if r.acc.Ready() {
			return r.send(ctx, r.acc.Drain())
		}
	case teler.ControlMessage:
		log.Debug("telephony control message", "type", m.Type)
	}
	return nil
}

func (r *InboundRelay) flush(ctx context.Context) error {
	pcm := r.acc.Flush()
	if len(pcm) == 0 {
		return nil
	}
	return r.send(ctx, pcm)
}

func (r *InboundRelay) send(ctx context.Context, pcm []byte) error {
	msg, err := openai.EncodeAppendAudio(pcm)
	if err != nil {
		return err
	}
	if err := r.realtime.Write(ctx, msg); err != nil {
		return err
	}
	r.stats.chunks.Add(1)
	return nil
}

func (r *InboundRelay) decodeError(ctx context.Context) {
	r.stats.decodeErrors.Add(1)
	r.metrics.RecordDecodeError(ctx, "telephony")
}

// OutboundRelay forwards assistant audio from the realtime peer to the
// telephony peer. Audio deltas are downsampled, batched and sent with
// consecutive chunk ids; when the caller starts speaking the pending audio
// is discarded and the telephony peer is told to clear its playback queue.
// Every other realtime event is logged.
type OutboundRelay struct {
	realtime  Peer
	telephony Peer
	cfg       RelayConfig
	metrics   *observe.Metrics

	conv       *audio.FormatConverter
	acc        *audio.ChunkAccumulator
	nextChunk  int
	transcript strings.Builder
	stats      relayCounters
}

// NewOutboundRelay creates the AI-to-caller relay. A nil metrics uses
// [observe.DefaultMetrics].
func NewOutboundRelay(realtime, telephony Peer, cfg RelayConfig, metrics *observe.Metrics) *OutboundRelay {
	cfg = cfg.withDefaults()
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &OutboundRelay{
		realtime:  realtime,
		telephony: telephony,
		cfg:       cfg,
		metrics:   metrics,
		conv:      audio.NewFormatConverter(cfg.TelephonyRate),
		acc:       audio.NewChunkAccumulator(cfg.ChunkBlocks, cfg.MaxChunkBytes),
		nextChunk: cfg.FirstChunkID,
	}
}

// Run relays until the realtime peer hangs up or ctx is cancelled.
func (r *OutboundRelay) Run(ctx context.Context) error {
	log := observe.CallLogger(ctx).With("direction", DirectionOutbound)
	return pump(ctx, log, r.realtime, r.cfg.FlushTimeout,
		func(ctx context.Context, data []byte) error { return r.handle(ctx, log, data) },
		r.flush,
	)
}

// Stats returns the relay's counters.
func (r *OutboundRelay) Stats() RelayStats { return r.stats.snapshot() }

func (r *OutboundRelay) handle(ctx context.Context, log *slog.Logger, data []byte) error {
	evt, err := openai.Decode(data)
	if err != nil {
		log.Warn("dropping undecodable realtime event", "err", err)
		r.decodeError(ctx)
		return nil
	}

	switch e := evt.(type) {
	case openai.AudioDelta:
		if e.DecodeErr != nil {
			log.Warn("realtime audio delta corrupt", "err", e.DecodeErr)
			r.decodeError(ctx)
		}
		return r.audio(ctx, e.PCM)

	case openai.SpeechStarted:
		dropped := r.acc.Discard()
		r.stats.bargeIns.Add(1)
		r.metrics.BargeIns.Add(ctx, 1)
		log.Debug("caller started speaking, clearing playback", "dropped_bytes", dropped, "audio_start_ms", e.AudioStartMs)
		msg, err := teler.EncodeClear()
		if err != nil {
			return err
		}
		return r.telephony.Write(ctx, msg)

	case openai.SpeechStopped:
		log.Debug("caller stopped speaking", "audio_end_ms", e.AudioEndMs)

	case openai.TranscriptDelta:
		r.transcript.WriteString(e.Text)

	case openai.InputTranscript:
		log.Info("caller said", "text", e.Text)

	case openai.ResponseCompleted:
		text := e.Text
		if text == "" {
			text = r.transcript.String()
		}
		r.transcript.Reset()
		log.Info("assistant response completed", "response_id", e.ID, "status", e.Status, "text", text)

	case openai.ErrorEvent:
		log.Warn("realtime service reported an error", "code", e.Code, "type", e.Type, "message", e.Message)
		r.metrics.RecordRealtimeError(ctx, e.Code)

	case openai.SessionCreated, openai.SessionUpdated:
		log.Debug("realtime session event", "type", evt.EventType())

	default:
		log.Debug("ignoring realtime event", "type", evt.EventType())
	}
	return nil
}

func (r *OutboundRelay) audio(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	frame := r.conv.Convert(audio.AudioFrame{
		Data:       pcm,
		SampleRate: r.cfg.RealtimeRate,
		Origin:     audio.OriginRealtime,
	})
	if frame.Empty() {
		return nil
	}
	r.acc.Append(frame.Data)
	r.stats.frames.Add(1)
	r.metrics.RecordFrame(ctx, DirectionOutbound)
	if r.acc.Ready() {
		return r.send(ctx, r.acc.Drain())
	}
	return nil
}

func (r *OutboundRelay) flush(ctx context.Context) error {
	pcm := r.acc.Flush()
	if len(pcm) == 0 {
		return nil
	}
	return r.send(ctx, pcm)
}

// send writes one audio chunk. The chunk id is consumed only once the write
// succeeds so ids seen by the telephony peer have no gaps.
func (r *OutboundRelay) send(ctx context.Context, pcm []byte) error {
	msg, err := teler.EncodeAudio(pcm, r.nextChunk)
	if err != nil {
		return err
	}
	if err := r.telephony.Write(ctx, msg); err != nil {
		return err
	}
	r.nextChunk++
	r.stats.chunks.Add(1)
	r.metrics.ChunksSent.Add(ctx, 1)
	return nil
}

func (r *OutboundRelay) decodeError(ctx context.Context) {
	r.stats.decodeErrors.Add(1)
	r.metrics.RecordDecodeError(ctx, "realtime")
}
