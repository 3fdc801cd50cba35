package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	diagLog        zerolog.Logger
	diagWriter     io.WriteCloser
	transcriptFile *os.File
	logMu          sync.Mutex
	logReady       bool
	pid            int
	dir            string
)

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		return absPath(flagPath)
	}

	// Priority 2: VOXREC_LOG_PATH environment variable
	if envPath := os.Getenv("VOXREC_LOG_PATH"); envPath != "" {
		return absPath(envPath)
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func absPath(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, p), nil
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error
	transcriptFile, err = os.OpenFile(filepath.Join(dir, "transcript_log.txt"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	diagWriter = &lumberjack.Logger{
		Filename:   filepath.Join(dir, "diagnostics_log.txt"),
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     30, // days
	}
	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagWriter,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()

	logReady = true
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagWriter != nil {
		diagWriter.Close()
		diagWriter = nil
	}
	if transcriptFile != nil {
		transcriptFile.Close()
		transcriptFile = nil
	}
	logReady = false
}

func Info(msg string) {
	if logReady {
		diagLog.Info().Msg(msg)
	}
}

func Infof(format string, args ...any) {
	if logReady {
		diagLog.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(msg string) {
	if logReady {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

// Transcript appends a final voice transcript to transcript_log.txt.
func Transcript(kind, remoteID, text string) {
	logMu.Lock()
	defer logMu.Unlock()
	if !logReady || transcriptFile == nil {
		return
	}
	line := fmt.Sprintf("%s\t[%d]\t%s/%s\t%s\n", time.Now().Format("2006-01-02 15:04:05"), pid, kind, remoteID, text)
	transcriptFile.WriteString(line)
}

type SessionMetrics struct {
	ConnectMs    float64
	FinalizeMs   float64
	TotalMs      float64
	AudioS       float64
	SentChunks   int
	SendFailures int
	SentKB       float64
	RecvMessages int
	Renewals     int
}

func SessionStart(session, kind, remoteID string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", session).
		Str("kind", kind).
		Str("record", remoteID).
		Msg("session_start")
}

func SessionEnd(session, outcome string, m SessionMetrics) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", session).
		Str("outcome", outcome).
		Float64("connect_ms", m.ConnectMs).
		Float64("finalize_ms", m.FinalizeMs).
		Float64("total_ms", m.TotalMs).
		Float64("audio_s", m.AudioS).
		Int("sent_chunks", m.SentChunks).
		Int("send_failures", m.SendFailures).
		Float64("sent_kb", m.SentKB).
		Int("recv_messages", m.RecvMessages).
		Int("renewals", m.Renewals).
		Msg("session_end")
}

func SaveResult(kind, recordID string, fields []string, err error) {
	if !logReady {
		return
	}
	ev := diagLog.Info()
	if err != nil {
		ev = diagLog.Warn().Err(err)
	}
	ev.Str("kind", kind).
		Str("record", recordID).
		Strs("fields", fields).
		Msg("save")
}

type APIMetrics struct {
	DNSTimeMs   float64
	TLSTimeMs   float64
	TTFBMs      float64
	TotalTimeMs float64
	ConnReused  bool
	TLSProto    string
}

func APICall(method, path string, status int, m APIMetrics) {
	if !logReady {
		return
	}
	connStatus := "new"
	if m.ConnReused {
		connStatus = "reused"
	}
	ev := diagLog.Info().
		Str("method", method).
		Str("path", path).
		Int("status", status).
		Str("conn", connStatus)
	if m.TLSProto != "" {
		ev = ev.Str("tls_proto", m.TLSProto)
	}
	ev.Float64("dns_ms", m.DNSTimeMs).
		Float64("tls_ms", m.TLSTimeMs).
		Float64("ttfb_ms", m.TTFBMs).
		Float64("total_ms", m.TotalTimeMs).
		Msg("api_call")
}
