/*
Package idea drives a Haydon-Kerk IDEA stepper motor controller over a
virtual serial port.

The controller is configured with a motion Profile on reset, then polled for
its position, which is reported to observers as a single analog channel.
Requests to set the channel become absolute move commands.

A Session is not safe for concurrent use.  Mainloop and the message handlers
it registers must be called from one goroutine; analog.Hub.Pump does this
for inbound messages when called from the same loop as Mainloop.
*/
package idea

import (
	"log"
	"math"
	"os"
	"time"

	"github.com/nasa-jpl/ideactl/analog"
	"golang.org/x/time/rate"
)

const (
	// DefaultTolerance is the smallest position change that is reported
	DefaultTolerance = 1e-6

	// DefaultRetryInterval is the minimum time between reset attempts
	DefaultRetryInterval = time.Second

	// DefaultQueryTimeout is how long to wait for a report before asking again
	DefaultQueryTimeout = 500 * time.Millisecond

	numChannels = 1
)

// Phase is the lifecycle state of a Session
type Phase int

const (
	// Uninitialized sessions have not tried to configure the controller
	Uninitialized Phase = iota

	// Resetting sessions are sending the configuration sequence
	Resetting

	// Operational sessions poll for reports and accept moves
	Operational

	// Failed sessions lost the transport and wait to be reset
	Failed
)

func (p Phase) String() string {
	switch p {
	case Uninitialized:
		return "uninitialized"
	case Resetting:
		return "resetting"
	case Operational:
		return "operational"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transport is a byte stream to the controller.  ReadAvailable must return
// promptly with whatever bytes have arrived, possibly none.
type Transport interface {
	Open() error
	Write([]byte) error
	ReadAvailable() ([]byte, error)
	Close() error
}

// Connection is the notification sink and request source for the session
type Connection interface {
	Register(analog.MessageType, analog.Handler)
	Deliver(analog.Report) error
}

// Stats counts recoverable protocol faults
type Stats struct {
	Reports     int
	ParseErrors int
	Resyncs     int
	Resets      int
}

// Option configures a Session
type Option func(*Session)

// WithTolerance sets the smallest position change that triggers a report
func WithTolerance(tol float64) Option {
	return func(s *Session) { s.tolerance = tol }
}

// WithRetryInterval sets the minimum time between reset attempts
func WithRetryInterval(d time.Duration) Option {
	return func(s *Session) { s.retry = rate.NewLimiter(rate.Every(d), 1) }
}

// WithQueryTimeout sets how long an unanswered position query is outstanding
func WithQueryTimeout(d time.Duration) Option {
	return func(s *Session) { s.queryTimeout = d }
}

// WithReportInterval makes the session report an unchanged position at least
// this often.  Zero disables periodic reports.
func WithReportInterval(d time.Duration) Option {
	return func(s *Session) { s.reportInterval = d }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithSleep replaces time.Sleep for the inter-command delay
func WithSleep(sleep func(time.Duration)) Option {
	return func(s *Session) { s.sleep = sleep }
}

// WithLogger sets the logger
func WithLogger(l *log.Logger) Option {
	return func(s *Session) { s.log = l }
}

// Session owns a controller: its transport, its report buffer, and its
// position state
type Session struct {
	t       Transport
	conn    Connection
	profile Profile

	phase  Phase
	opened bool
	buf    *reportBuffer

	current    float64
	reported   float64
	lastReport time.Time
	lastEmit   time.Time

	awaiting  bool
	querySent time.Time

	tolerance      float64
	queryTimeout   time.Duration
	reportInterval time.Duration
	retry          *rate.Limiter
	now            func() time.Time
	sleep          func(time.Duration)
	log            *log.Logger

	stats Stats
}

// NewSession creates a session and registers its handlers with the connection.
// The transport is opened on the first Mainloop call.
func NewSession(t Transport, c Connection, p Profile, opts ...Option) (*Session, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		t:            t,
		conn:         c,
		profile:      p,
		buf:          newReportBuffer(reportBufferSize),
		tolerance:    DefaultTolerance,
		queryTimeout: DefaultQueryTimeout,
		retry:        rate.NewLimiter(rate.Every(DefaultRetryInterval), 1),
		now:          time.Now,
		sleep:        time.Sleep,
		log:          log.New(os.Stderr, "[idea] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(s)
	}
	c.Register(analog.MsgRequest, s.handleRequest)
	c.Register(analog.MsgRequestChannels, s.handleRequestChannels)
	c.Register(analog.MsgConnect, s.handleConnect)
	return s, nil
}

// Phase returns the lifecycle state
func (s *Session) Phase() Phase {
	return s.phase
}

// Position returns the most recently reported position in real units
func (s *Session) Position() float64 {
	return s.current
}

// LastReport returns the time of the last successfully parsed report, or the
// zero time if none has arrived since the last reset
func (s *Session) LastReport() time.Time {
	return s.lastReport
}

// Profile returns the motion profile
func (s *Session) Profile() Profile {
	return s.profile
}

// Stats returns the fault counters
func (s *Session) Stats() Stats {
	return s.stats
}

// NumChannels returns the number of analog channels, one per axis
func (s *Session) NumChannels() int {
	return numChannels
}

// Mainloop does one cycle of work and never blocks on the controller.  It
// resets the controller if needed, otherwise reads reports and notifies
// observers of changes.  A returned error is a TransportError; the session
// has already moved to Failed and will retry the reset on a later call.
func (s *Session) Mainloop() error {
	switch s.phase {
	case Uninitialized, Failed:
		if !s.retry.AllowN(s.now(), 1) {
			return nil
		}
		return s.reset()
	case Operational:
		if err := s.getReport(); err != nil {
			return err
		}
		s.reportChanges(analog.Reliable)
		if s.reportInterval > 0 && s.now().Sub(s.lastEmit) >= s.reportInterval {
			s.report(analog.LowLatency)
		}
	}
	return nil
}

// Close releases the transport.  The next Mainloop call resets the controller.
func (s *Session) Close() error {
	s.phase = Uninitialized
	s.buf.Reset()
	if !s.opened {
		return nil
	}
	s.opened = false
	return s.t.Close()
}

// reset sends the motion profile to the controller, one setting per command
func (s *Session) reset() error {
	s.phase = Resetting
	s.stats.Resets++
	cmds, err := ResetCommands(s.profile)
	if err != nil {
		s.phase = Failed
		return err
	}
	if !s.opened {
		if err := s.t.Open(); err != nil {
			return s.fail("open", err)
		}
		s.opened = true
	}
	delay := time.Duration(s.profile.Delay) * time.Millisecond
	for i, cmd := range cmds {
		if i > 0 {
			s.sleep(delay)
		}
		if err := s.t.Write(cmd); err != nil {
			return s.fail("write", err)
		}
	}
	s.buf.Reset()
	s.lastReport = time.Time{}
	s.awaiting = false
	s.phase = Operational
	s.log.Printf("controller configured, %d commands sent", len(cmds))
	return nil
}

// fail closes the transport and moves to Failed
func (s *Session) fail(op string, err error) error {
	if s.opened {
		s.t.Close()
		s.opened = false
	}
	s.buf.Reset()
	s.awaiting = false
	s.phase = Failed
	return &TransportError{Op: op, Err: err}
}

// getReport reads whatever bytes are available and parses every complete
// report among them, then asks for the next report if none is outstanding
func (s *Session) getReport() error {
	data, err := s.t.ReadAvailable()
	if err != nil {
		return s.fail("read", err)
	}
	for {
		n := s.buf.Append(data)
		data = data[n:]
		for {
			line, ok := s.buf.NextLine(Terminator)
			if !ok {
				break
			}
			s.parse(line)
		}
		if s.buf.Full() {
			s.log.Printf("no terminator in %d bytes, resynchronizing", s.buf.Len())
			s.buf.Reset()
			s.stats.Resyncs++
		}
		if len(data) == 0 {
			break
		}
	}

	now := s.now()
	if !s.awaiting || now.Sub(s.querySent) >= s.queryTimeout {
		if err := s.t.Write(EncodeQuery()); err != nil {
			return s.fail("write", err)
		}
		s.awaiting = true
		s.querySent = now
	}
	return nil
}

// parse decodes one line; a bad line is dropped and leaves the position alone
func (s *Session) parse(line []byte) {
	v, err := DecodeReport(line, s.profile)
	if err != nil {
		s.stats.ParseErrors++
		s.log.Println(err)
		return
	}
	s.current = v
	s.lastReport = s.now()
	s.awaiting = false
	s.stats.Reports++
}

// reportChanges reports the position if it moved more than the tolerance
// since it was last reported
func (s *Session) reportChanges(cos analog.ClassOfService) {
	if math.Abs(s.current-s.reported) > s.tolerance {
		s.report(cos)
	}
}

// report sends the position whether or not it changed
func (s *Session) report(cos analog.ClassOfService) {
	stamp := s.lastReport
	if stamp.IsZero() {
		stamp = s.now()
	}
	r := analog.Report{Values: []float64{s.current}, Class: cos, Stamp: stamp}
	if err := s.conn.Deliver(r); err != nil {
		s.log.Printf("report not delivered: %v", err)
	}
	s.reported = s.current
	s.lastEmit = s.now()
}

// handleRequest moves the axis addressed by a single channel request
func (s *Session) handleRequest(msg analog.Message) error {
	if msg.Channel < 0 || msg.Channel >= s.NumChannels() {
		return &RequestError{Channel: msg.Channel, NumChannels: s.NumChannels()}
	}
	return s.move(msg.Value)
}

// handleRequestChannels moves every axis addressed by a multi channel request
func (s *Session) handleRequestChannels(msg analog.Message) error {
	if len(msg.Values) == 0 || len(msg.Values) > s.NumChannels() {
		return &RequestError{Channel: len(msg.Values) - 1, NumChannels: s.NumChannels()}
	}
	return s.move(msg.Values[0])
}

// handleConnect brings a new peer up to date
func (s *Session) handleConnect(analog.Message) error {
	s.report(analog.Reliable)
	return nil
}

func (s *Session) move(pos float64) error {
	cmd, err := EncodeMove(pos, s.profile)
	if err != nil {
		return err
	}
	if s.phase != Operational {
		return ErrNotOperational
	}
	if err := s.t.Write(cmd); err != nil {
		err = s.fail("write", err)
		s.log.Printf("move to %g failed: %v", pos, err)
		return err
	}
	return nil
}
