package constants

import "time"

// Control Port timing, ported from connector.ProcessorReaderThread.
const (
	// ControlAuthTimeout bounds how long a newly-accepted control-port
	// connection has to send its password line before being dropped.
	ControlAuthTimeout = 3 * time.Second

	// ControlLineMaxLength bounds a single control-port line (64 KiB), well
	// above the line-length bound used for IRC lines themselves
	// (lineio.DefaultMaxLength).
	ControlLineMaxLength = 1 << 16
)

// Connection manager timing.
const (
	// DialTimeout bounds how long a single server-connect attempt may take
	// before it is treated as a failure and the reconnect controller
	// advances to the next server.
	DialTimeout = 15 * time.Second

	// QuitLingerDelay is how long Disconnect waits after sending QUIT
	// before forcing the socket closed, per spec.md 4.5's graceful
	// disconnect sequence.
	QuitLingerDelay = 1 * time.Second

	// NamesRefreshInterval is the period of the daily NAMES-refresh sweep
	// (spec.md section 10 supplemented feature), ported from
	// MamircProcessor's 86400000ms TimerTask.
	NamesRefreshInterval = 24 * time.Hour
)

// IRC line throttling (golang.org/x/time/rate governed), grounded on the
// send-throttle pattern used by senpai and ircdiscord in the retrieval
// pack.
const (
	// SendRateLimit is the steady-state outbound line rate.
	SendRateLimit = 1.0 / 2.0 // one line every two seconds

	// SendBurst is the number of lines that may be sent back-to-back
	// before throttling kicks in.
	SendBurst = 5
)

// HTTP API timing.
const (
	// MaxLongPollWait bounds get-updates.json's maxWaitMs, so a client
	// cannot tie up a server goroutine indefinitely.
	MaxLongPollWait = 60 * time.Second

	// CSRFTokenLength is the byte length of a generated CSRF token before
	// hex-encoding.
	CSRFTokenLength = 32
)
