/*
Package comm provides the byte transport to lab hardware on a serial line.

A SerialPort is opened once, written in whole lines, and polled with
ReadAvailable, which returns whatever bytes have arrived without waiting for
a terminator.  Framing is left to the caller.

Three drivers are available:

	bugst  go.bug.st/serial, the default; reads return within ReadTimeout
	tarm   github.com/tarm/serial; reads return within 100ms
	tcp    a serial-over-ethernet terminal server at host:port

A minimal example polling a device that answers "l" with its position:

	sp := comm.NewSerialPort("/dev/ttyUSB0", 57600, comm.DriverBugst)
	if err := sp.Open(); err != nil {
		return err
	}
	defer sp.Close()
	if err := sp.Write([]byte("l\r")); err != nil {
		return err
	}
	b, err := sp.ReadAvailable()
*/
package comm

import (
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	pkgerrors "github.com/pkg/errors"
	tarmserial "github.com/tarm/serial"
	bugserial "go.bug.st/serial"
)

const (
	// DriverBugst uses go.bug.st/serial
	DriverBugst = "bugst"

	// DriverTarm uses github.com/tarm/serial
	DriverTarm = "tarm"

	// DriverTCP dials Addr as host:port
	DriverTCP = "tcp"

	// DefaultReadTimeout bounds how long ReadAvailable waits for the first byte
	DefaultReadTimeout = time.Millisecond

	// DefaultOpenTimeout bounds how long Open retries a busy device
	DefaultOpenTimeout = 3 * time.Second

	// tarm expresses timeouts in deciseconds and treats zero as blocking
	tarmMinTimeout = 100 * time.Millisecond

	readBufferSize = 256
)

var (
	// ErrNotConnected is generated when .Conn is nil and Write or ReadAvailable is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrUnknownDriver is generated when Driver is not one of the Driver constants
	ErrUnknownDriver = errors.New("unknown serial driver")
)

// CreationFunc is a function that returns a new connection
type CreationFunc func() (io.ReadWriteCloser, error)

// deadliner is satisfied by connections that bound reads with a deadline
type deadliner interface {
	SetReadDeadline(time.Time) error
}

// SerialPort is a line to a device.  It is not safe for concurrent use.
type SerialPort struct {
	// Addr is the device path, or host:port for the tcp driver
	Addr string

	// Baud is the line rate, 8N1 is always used
	Baud int

	// Driver selects the serial library
	Driver string

	// ReadTimeout bounds ReadAvailable when no bytes are waiting
	ReadTimeout time.Duration

	// OpenTimeout bounds how long Open retries a busy device
	OpenTimeout time.Duration

	// Conn is the open connection, nil when closed
	Conn io.ReadWriteCloser

	maker CreationFunc
	buf   []byte
}

// NewSerialPort returns a closed SerialPort
func NewSerialPort(addr string, baud int, driver string) *SerialPort {
	if driver == "" {
		driver = DriverBugst
	}
	sp := &SerialPort{
		Addr:        addr,
		Baud:        baud,
		Driver:      driver,
		ReadTimeout: DefaultReadTimeout,
		OpenTimeout: DefaultOpenTimeout,
		buf:         make([]byte, readBufferSize)}
	sp.maker = sp.dial
	return sp
}

// NewWithCreationFunc returns a closed SerialPort that opens with maker
func NewWithCreationFunc(maker CreationFunc) *SerialPort {
	return &SerialPort{
		Driver:      "custom",
		ReadTimeout: DefaultReadTimeout,
		OpenTimeout: DefaultOpenTimeout,
		maker:       maker,
		buf:         make([]byte, readBufferSize)}
}

// makeBugstMode converts the baud rate into a go.bug.st serial mode
func makeBugstMode(baud int) *bugserial.Mode {
	return &bugserial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   bugserial.NoParity,
		StopBits: bugserial.OneStopBit,
	}
}

// makeTarmConf converts the address and baud rate into a tarm serial config
func makeTarmConf(addr string, baud int, timeout time.Duration) *tarmserial.Config {
	if timeout < tarmMinTimeout {
		timeout = tarmMinTimeout
	}
	return &tarmserial.Config{
		Name:        addr,
		Baud:        baud,
		Size:        8,
		Parity:      tarmserial.ParityNone,
		StopBits:    tarmserial.Stop1,
		ReadTimeout: timeout}
}

func (sp *SerialPort) dial() (io.ReadWriteCloser, error) {
	switch sp.Driver {
	case DriverBugst:
		port, err := bugserial.Open(sp.Addr, makeBugstMode(sp.Baud))
		if err != nil {
			return nil, err
		}
		if err := port.SetReadTimeout(sp.ReadTimeout); err != nil {
			port.Close()
			return nil, err
		}
		return port, nil
	case DriverTarm:
		return tarmserial.OpenPort(makeTarmConf(sp.Addr, sp.Baud, sp.ReadTimeout))
	case DriverTCP:
		return net.DialTimeout("tcp", sp.Addr, 3*time.Second)
	default:
		return nil, backoff.Permanent(pkgerrors.Wrapf(ErrUnknownDriver, "driver %q", sp.Driver))
	}
}

// transient reports whether an open error is worth retrying.  USB serial
// adapters are briefly busy after a previous close.
func transient(err error) bool {
	s := strings.ToLower(err.Error())
	for _, sub := range []string{"busy", "temporarily unavailable", "timeout", "timed out"} {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Open the connection, setting the Conn variable.  A port that is already
// open is left alone.
func (sp *SerialPort) Open() error {
	if sp.Conn != nil {
		return nil
	}
	op := func() error {
		conn, err := sp.maker()
		if err != nil {
			if _, ok := err.(*backoff.PermanentError); !ok && !transient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		sp.Conn = conn
		return nil
	}

	// the backoff ceases after OpenTimeout so a busy
	// device does not hang the caller
	timeout := sp.OpenTimeout
	if timeout <= 0 {
		timeout = DefaultOpenTimeout
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      timeout,
		Clock:               backoff.SystemClock})
	if err != nil {
		if perm, ok := err.(*backoff.PermanentError); ok {
			err = perm.Err
		}
		return pkgerrors.Wrapf(err, "opening %s", sp.Addr)
	}
	return nil
}

// Close the connection, nil-ing the Conn variable
func (sp *SerialPort) Close() error {
	if sp.Conn == nil {
		return nil
	}
	err := sp.Conn.Close()
	sp.Conn = nil
	return err
}

// Write sends b in full
func (sp *SerialPort) Write(b []byte) error {
	if sp.Conn == nil {
		return ErrNotConnected
	}
	n, err := sp.Conn.Write(b)
	if err != nil {
		return pkgerrors.Wrapf(err, "writing to %s", sp.Addr)
	}
	if n != len(b) {
		return pkgerrors.Wrapf(io.ErrShortWrite, "wrote %d of %d bytes to %s", n, len(b), sp.Addr)
	}
	return nil
}

// ReadAvailable returns the bytes that have arrived, possibly none.  It waits
// at most ReadTimeout for the first byte.
func (sp *SerialPort) ReadAvailable() ([]byte, error) {
	if sp.Conn == nil {
		return nil, ErrNotConnected
	}
	if d, ok := sp.Conn.(deadliner); ok {
		d.SetReadDeadline(time.Now().Add(sp.ReadTimeout))
	}
	n, err := sp.Conn.Read(sp.buf)
	if err != nil {
		// tarm reports an expired read timeout as EOF
		if err == io.EOF && sp.Driver == DriverTarm {
			err = nil
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			err = nil
		}
	}
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "reading from %s", sp.Addr)
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, n)
	copy(out, sp.buf[:n])
	return out, nil
}
