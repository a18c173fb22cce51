package rt

import (
	"fmt"
	"time"
)

// State enumerates the session lifecycle. The machine value owns it; the
// I/O layer only feeds events in and executes the returned commands.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConfigSent
	StateConfigAcknowledged
	StateStreaming
	StateRetrying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConfigSent:
		return "config_sent"
	case StateConfigAcknowledged:
		return "config_acknowledged"
	case StateStreaming:
		return "streaming"
	case StateRetrying:
		return "retrying"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RetryPolicy bounds reconnection. Delays double from Base up to Max; the
// attempt counter resets whenever the relay acknowledges a session.
type RetryPolicy struct {
	Base       time.Duration
	Max        time.Duration
	MaxRetries int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: time.Second, Max: 30 * time.Second, MaxRetries: 5}
}

// Delay returns the backoff for a given attempt, counted from zero.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// machine is the pure session state. transition is the only place it
// changes, which keeps every ordering rule in one testable function.
type machine struct {
	state      State
	retries    int
	configSent bool
	policy     RetryPolicy
}

func newMachine(policy RetryPolicy) machine {
	return machine{state: StateDisconnected, policy: policy}
}

// Events fed into the machine by the I/O layer.

type event interface{ isEvent() }

type evConnectRequested struct{}

// evChannelOpened carries the freshly dialed connection so ownership moves
// into the run loop; transition itself never touches it.
type evChannelOpened struct{ conn connHandle }
type evServerEvent struct{ ev ServerEvent }
type evChannelClosed struct{ reason string }
type evAudioStarted struct{}
type evAudioFrame struct{ data []byte }
type evRetryElapsed struct{}
type evCloseRequested struct{}

func (evConnectRequested) isEvent() {}
func (evChannelOpened) isEvent()    {}
func (evServerEvent) isEvent()      {}
func (evChannelClosed) isEvent()    {}
func (evAudioStarted) isEvent()     {}
func (evAudioFrame) isEvent()       {}
func (evRetryElapsed) isEvent()     {}
func (evCloseRequested) isEvent()   {}

// Commands returned by transition for the I/O layer to execute, in order.

type command interface{ isCommand() }

type cmdDial struct{}
type cmdSendConfig struct{}
type cmdStartAudio struct{}
type cmdStopAudio struct{}
type cmdCloseConn struct{}
type cmdSendAudio struct{ data []byte }
type cmdScheduleRetry struct {
	delay   time.Duration
	attempt int
}
type cmdEmitTranscript struct {
	text  string
	final bool
}
type cmdFatal struct{ err error }

func (cmdDial) isCommand()           {}
func (cmdSendConfig) isCommand()     {}
func (cmdStartAudio) isCommand()     {}
func (cmdStopAudio) isCommand()      {}
func (cmdCloseConn) isCommand()      {}
func (cmdSendAudio) isCommand()      {}
func (cmdScheduleRetry) isCommand()  {}
func (cmdEmitTranscript) isCommand() {}
func (cmdFatal) isCommand()          {}

// connHandle keeps the machine free of websocket types; the client's
// concrete connection satisfies it.
type connHandle interface {
	Close() error
}

// transition applies one event and returns the successor machine plus the
// side effects it requires. It never performs I/O itself.
func transition(m machine, e event) (machine, []command) {
	switch e := e.(type) {
	case evConnectRequested:
		if m.state != StateDisconnected {
			return m, nil
		}
		m.state = StateConnecting
		m.configSent = false
		return m, []command{cmdDial{}}

	case evChannelOpened:
		if m.state != StateConnecting {
			return m, nil
		}
		// The configuration message goes out exactly once per attempt.
		if m.configSent {
			return m, nil
		}
		m.state = StateConfigSent
		m.configSent = true
		return m, []command{cmdSendConfig{}}

	case evServerEvent:
		return handleServerEvent(m, e.ev)

	case evAudioStarted:
		if m.state != StateConfigAcknowledged {
			return m, nil
		}
		m.state = StateStreaming
		return m, nil

	case evAudioFrame:
		// Ordering rule: frames flow only while streaming. Anything that
		// arrives earlier or during teardown is dropped.
		if m.state != StateStreaming {
			return m, nil
		}
		return m, []command{cmdSendAudio{data: e.data}}

	case evChannelClosed:
		if m.state == StateClosed || m.state == StateRetrying ||
			m.state == StateDisconnected {
			return m, nil
		}
		if RetryableClose(e.reason) {
			return retry(m, fmt.Errorf("channel closed: %s", e.reason))
		}
		m.state = StateDisconnected
		return m, []command{cmdStopAudio{}}

	case evRetryElapsed:
		if m.state != StateRetrying {
			return m, nil
		}
		m.state = StateConnecting
		m.configSent = false
		return m, []command{cmdDial{}}

	case evCloseRequested:
		if m.state == StateClosed {
			return m, nil
		}
		m.state = StateClosed
		return m, []command{cmdStopAudio{}, cmdCloseConn{}}
	}
	return m, nil
}

func handleServerEvent(m machine, ev ServerEvent) (machine, []command) {
	switch m.state {
	case StateConnecting, StateConfigSent, StateConfigAcknowledged, StateStreaming:
	default:
		// Stragglers from a dead connection; the session is already
		// closed, retrying, or terminally failed.
		return m, nil
	}

	switch {
	case IsAck(ev.Type):
		if m.state != StateConfigSent {
			return m, nil
		}
		m.state = StateConfigAcknowledged
		m.retries = 0
		return m, []command{cmdStartAudio{}}

	case IsDelta(ev.Type):
		if ev.Delta == "" {
			return m, nil
		}
		return m, []command{cmdEmitTranscript{text: ev.Delta, final: false}}

	case IsFinal(ev.Type):
		text := ev.Transcript
		if text == "" {
			text = ev.Delta
		}
		return m, []command{cmdEmitTranscript{text: text, final: true}}

	case ev.Type == "error":
		if RetryableError(ev.Error) {
			return retry(m, serverErr(ev.Error))
		}
		m.state = StateDisconnected
		return m, []command{
			cmdStopAudio{},
			cmdCloseConn{},
			cmdFatal{err: serverErr(ev.Error)},
		}
	}

	// Unrecognized types are the caller's to log; no transition.
	return m, nil
}

// retry moves the machine toward reconnection, or surfaces a single fatal
// error once the policy is exhausted.
func retry(m machine, cause error) (machine, []command) {
	if m.retries >= m.policy.MaxRetries {
		m.state = StateDisconnected
		return m, []command{
			cmdStopAudio{},
			cmdCloseConn{},
			cmdFatal{err: fmt.Errorf(
				"giving up after %d attempts: %w", m.policy.MaxRetries, cause,
			)},
		}
	}
	delay := m.policy.Delay(m.retries)
	m.retries++
	m.state = StateRetrying
	return m, []command{
		cmdStopAudio{},
		cmdCloseConn{},
		cmdScheduleRetry{delay: delay, attempt: m.retries},
	}
}

func serverErr(se *ServerError) error {
	if se == nil {
		return fmt.Errorf("unspecified server error")
	}
	return fmt.Errorf("server error (%s): %s", se.Type, se.Message)
}
