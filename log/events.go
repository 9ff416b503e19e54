package log

import "time"

func SessionStart(device, provider, store string) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().
		Str("device", device).
		Str("provider", provider).
		Str("store", store).
		Msg("session_start")
}

func RecordingStart(generation uint64) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().Uint64("gen", generation).Msg("recording_start")
}

// RecordingStop records how a recording ended. reason is "stop", "toggle"
// or "device_lost".
func RecordingStop(generation uint64, reason string, elapsed time.Duration, pcmBytes, flacBytes int, voice bool) {
	if !logReady.Load() {
		return
	}
	ev := diagLog.Info()
	if reason == "device_lost" {
		ev = diagLog.Warn()
	}
	ev.Uint64("gen", generation).
		Str("reason", reason).
		Float64("elapsed_s", elapsed.Seconds()).
		Float64("raw_kb", float64(pcmBytes)/1024).
		Float64("flac_kb", float64(flacBytes)/1024).
		Bool("voice", voice).
		Msg("recording_stop")
}

func NoteSaved(id string, durationS float64, audioBytes int, hasTranscript bool) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().
		Str("id", id).
		Float64("duration_s", durationS).
		Int("audio_bytes", audioBytes).
		Bool("transcript", hasTranscript).
		Msg("note_saved")
}

func NoteDiscarded(durationS float64) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().Float64("duration_s", durationS).Msg("note_discarded")
}

func NoteRemoved(id string) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().Str("id", id).Msg("note_removed")
}

func ChatExchange(model string, turnsSent int, latency time.Duration, err error) {
	if !logReady.Load() {
		return
	}
	ev := diagLog.Info()
	if err != nil {
		ev = diagLog.Error().Err(err)
	}
	ev.Str("model", model).
		Int("turns", turnsSent).
		Float64("latency_ms", float64(latency.Milliseconds())).
		Msg("chat_exchange")
}

type StreamMetricsData struct {
	Provider     string
	ConnectMs    float64
	FinalizeMs   float64
	TotalMs      float64
	AudioS       float64
	SentChunks   int
	SentKB       float64
	RecvMessages int
	RecvFinal    int
	Redials      int
}

func StreamMetrics(m StreamMetricsData) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().
		Str("provider", m.Provider).
		Float64("connect_ms", m.ConnectMs).
		Float64("finalize_ms", m.FinalizeMs).
		Float64("total_ms", m.TotalMs).
		Float64("audio_s", m.AudioS).
		Int("sent_chunks", m.SentChunks).
		Float64("sent_kb", m.SentKB).
		Int("recv_messages", m.RecvMessages).
		Int("recv_final", m.RecvFinal).
		Int("redials", m.Redials).
		Msg("stream_transcription")
}
