package logger

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"example.com/servedir/v2/internal/config"
)

// LogFields carries structured key/value pairs attached to a log entry.
type LogFields map[string]interface{}

const timeFormat = "2006-01-02T15:04:05.000Z"

// parsedProxiesContainer holds pre-parsed trusted proxy IP addresses and CIDR blocks.
type parsedProxiesContainer struct {
	cidrs []*net.IPNet
	ips   []net.IP
}

// reopenableWriter is an io.Writer whose underlying target can be swapped
// while writers are in flight, used for SIGHUP log rotation.
type reopenableWriter struct {
	mu     sync.Mutex
	target string
	out    io.Writer
	file   *os.File
}

func openTarget(target string) (*reopenableWriter, error) {
	w := &reopenableWriter{target: target}
	switch target {
	case "stdout":
		w.out = os.Stdout
	case "stderr":
		w.out = os.Stderr
	default:
		f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", target, err)
		}
		w.out = f
		w.file = f
	}
	return w, nil
}

func (w *reopenableWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.out.Write(p)
}

func (w *reopenableWriter) reopen() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	_ = w.file.Close()
	f, err := os.OpenFile(w.target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		w.file = nil
		w.out = os.Stderr
		return fmt.Errorf("failed to reopen log file %s: %w", w.target, err)
	}
	w.file = f
	w.out = f
	return nil
}

func (w *reopenableWriter) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.out = io.Discard
	return err
}

// AccessLogger writes one JSON line per completed request.
type AccessLogger struct {
	zl            zerolog.Logger
	config        config.AccessLogConfig
	output        *reopenableWriter
	parsedProxies parsedProxiesContainer
}

// ErrorLogger writes leveled diagnostic entries.
type ErrorLogger struct {
	zl     zerolog.Logger
	output *reopenableWriter
}

// Logger is a general logger that contains specific loggers for access and errors.
type Logger struct {
	accessLog *AccessLogger
	errorLog  *ErrorLogger
}

func zerologLevel(level config.LogLevel) zerolog.Level {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func newZerolog(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func init() {
	zerolog.TimeFieldFormat = timeFormat
	zerolog.TimestampFieldName = "ts"
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
}

// NewLogger creates and configures a new Logger instance.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}

	errorTarget := "stderr"
	if cfg.ErrorLog != nil && cfg.ErrorLog.Target != nil {
		errorTarget = *cfg.ErrorLog.Target
	}
	errorOut, err := openTarget(errorTarget)
	if err != nil {
		return nil, fmt.Errorf("error log: %w", err)
	}
	l := &Logger{
		errorLog: &ErrorLogger{
			zl:     newZerolog(errorOut, zerologLevel(cfg.LogLevel)),
			output: errorOut,
		},
	}

	if cfg.AccessLog != nil && (cfg.AccessLog.Enabled == nil || *cfg.AccessLog.Enabled) {
		parsedProxies, err := preParseTrustedProxies(cfg.AccessLog.TrustedProxies)
		if err != nil {
			_ = errorOut.close()
			return nil, fmt.Errorf("failed to parse trusted proxies for access log: %w", err)
		}
		accessTarget := "stdout"
		if cfg.AccessLog.Target != nil {
			accessTarget = *cfg.AccessLog.Target
		}
		accessOut, err := openTarget(accessTarget)
		if err != nil {
			_ = errorOut.close()
			return nil, fmt.Errorf("access log: %w", err)
		}
		l.accessLog = &AccessLogger{
			zl:            zerolog.New(accessOut),
			config:        *cfg.AccessLog,
			output:        accessOut,
			parsedProxies: parsedProxies,
		}
	}

	return l, nil
}

// NewDiscardLogger returns a logger that drops everything.
func NewDiscardLogger() *Logger {
	return &Logger{
		errorLog: &ErrorLogger{
			zl:     zerolog.Nop(),
			output: &reopenableWriter{out: io.Discard},
		},
	}
}

// NewWriterLogger returns a logger that writes error entries at the given
// level and access entries (when access is non-nil) to the given writers.
func NewWriterLogger(errOut io.Writer, level config.LogLevel, access io.Writer) *Logger {
	l := &Logger{
		errorLog: &ErrorLogger{
			zl:     newZerolog(errOut, zerologLevel(level)),
			output: &reopenableWriter{out: errOut},
		},
	}
	if access != nil {
		l.accessLog = &AccessLogger{
			zl:     zerolog.New(access),
			config: config.AccessLogConfig{Format: "json"},
			output: &reopenableWriter{out: access},
		}
	}
	return l
}

// preParseTrustedProxies converts string representations of IPs and CIDRs
// into net.IP and *net.IPNet objects for efficient checking.
func preParseTrustedProxies(proxyStrings []string) (parsedProxiesContainer, error) {
	var container parsedProxiesContainer
	for _, pStr := range proxyStrings {
		pStr = strings.TrimSpace(pStr)
		if pStr == "" {
			continue
		}
		if strings.Contains(pStr, "/") {
			_, ipNet, err := net.ParseCIDR(pStr)
			if err != nil {
				return parsedProxiesContainer{}, fmt.Errorf("invalid CIDR string in trusted_proxies '%s': %w", pStr, err)
			}
			container.cidrs = append(container.cidrs, ipNet)
		} else {
			ip := net.ParseIP(pStr)
			if ip == nil {
				return parsedProxiesContainer{}, fmt.Errorf("invalid IP string in trusted_proxies '%s'", pStr)
			}
			container.ips = append(container.ips, ip)
		}
	}
	return container, nil
}

func isIPTrusted(ip net.IP, trustedProxies parsedProxiesContainer) bool {
	if ip == nil {
		return false
	}
	for _, trustedCIDR := range trustedProxies.cidrs {
		if trustedCIDR.Contains(ip) {
			return true
		}
	}
	for _, trustedIP := range trustedProxies.ips {
		if trustedIP.Equal(ip) {
			return true
		}
	}
	return false
}

// getRealClientIP determines the client's address. Without a configured
// header the direct peer is used; otherwise the header is walked right to
// left and the first untrusted entry wins. A malformed entry falls back to
// the direct peer.
func getRealClientIP(remoteAddr string, headers http.Header, realIPHeaderName string, trustedProxies parsedProxiesContainer) string {
	directPeer := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		directPeer = host
	} else if ip := net.ParseIP(remoteAddr); ip != nil {
		directPeer = ip.String()
	}

	if realIPHeaderName == "" {
		return directPeer
	}
	headerValue := headers.Get(realIPHeaderName)
	if headerValue == "" {
		return directPeer
	}

	ipsInHeader := strings.Split(headerValue, ",")
	for i := len(ipsInHeader) - 1; i >= 0; i-- {
		ipStr := strings.TrimSpace(ipsInHeader[i])
		if ipStr == "" {
			continue
		}
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return directPeer
		}
		if !isIPTrusted(ip, trustedProxies) {
			return ipStr
		}
	}
	return directPeer
}

// LogAccess writes an access log entry for a completed request.
func (al *AccessLogger) LogAccess(req *http.Request, status int, responseBytes int64, duration time.Duration) {
	if al == nil {
		return
	}

	_, clientPort, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		clientPort = "0"
	}
	realIPHeaderName := ""
	if al.config.RealIPHeader != nil {
		realIPHeaderName = *al.config.RealIPHeader
	}

	ev := al.zl.Log().
		Str("ts", time.Now().UTC().Format(timeFormat)).
		Str("remote_addr", getRealClientIP(req.RemoteAddr, req.Header, realIPHeaderName, al.parsedProxies)).
		Str("remote_port", clientPort).
		Str("protocol", req.Proto).
		Str("method", req.Method).
		Str("uri", req.RequestURI).
		Int("status", status).
		Int64("resp_bytes", responseBytes).
		Int64("duration_ms", duration.Milliseconds())
	if ua := req.UserAgent(); ua != "" {
		ev = ev.Str("user_agent", ua)
	}
	if ref := req.Referer(); ref != "" {
		ev = ev.Str("referer", ref)
	}
	ev.Send()
}

func (el *ErrorLogger) log(level zerolog.Level, msg string, fields []LogFields) {
	if el == nil {
		return
	}
	ev := el.zl.WithLevel(level)
	if ev == nil {
		return
	}
	for _, f := range fields {
		for k, v := range f {
			if err, ok := v.(error); ok {
				ev = ev.AnErr(k, err)
				continue
			}
			ev = ev.Interface(k, v)
		}
	}
	ev.Msg(msg)
}

func (l *Logger) Debug(msg string, fields ...LogFields) {
	l.errorLog.log(zerolog.DebugLevel, msg, fields)
}

func (l *Logger) Info(msg string, fields ...LogFields) {
	l.errorLog.log(zerolog.InfoLevel, msg, fields)
}

func (l *Logger) Warn(msg string, fields ...LogFields) {
	l.errorLog.log(zerolog.WarnLevel, msg, fields)
}

func (l *Logger) Error(msg string, fields ...LogFields) {
	l.errorLog.log(zerolog.ErrorLevel, msg, fields)
}

// Access records a completed request in the access log, if enabled.
func (l *Logger) Access(req *http.Request, status int, responseBytes int64, duration time.Duration) {
	if l.accessLog != nil {
		l.accessLog.LogAccess(req, status, responseBytes, duration)
	}
}

// CloseLogFiles closes any open log files.
func (l *Logger) CloseLogFiles() error {
	var firstErr error
	if l.accessLog != nil {
		firstErr = l.accessLog.output.close()
	}
	if l.errorLog != nil {
		if err := l.errorLog.output.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReopenLogFiles closes and reopens file-based log targets. Standard
// streams are left untouched. A target that fails to reopen falls back to
// stderr.
func (l *Logger) ReopenLogFiles() error {
	var firstErr error
	if l.errorLog != nil {
		firstErr = l.errorLog.output.reopen()
	}
	if l.accessLog != nil {
		if err := l.accessLog.output.reopen(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
