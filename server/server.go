// Package server runs an IDEA controller session and exposes it over HTTP and
// websockets.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/pkg/errors"

	"github.com/nasa-jpl/ideactl/analog"
	"github.com/nasa-jpl/ideactl/generichttp"
	"github.com/nasa-jpl/ideactl/generichttp/motion"
	"github.com/nasa-jpl/ideactl/idea"
	"github.com/nasa-jpl/ideactl/server/middleware/locker"
	"github.com/nasa-jpl/ideactl/util"
)

const (
	// DefaultTick is the period of the session main loop
	DefaultTick = 10 * time.Millisecond

	// DefaultRequestTimeout bounds how long an HTTP request waits for the loop
	DefaultRequestTimeout = 5 * time.Second
)

var errLocked = errors.New("locked")

// statusError carries an HTTP status code alongside an error
type statusError struct {
	error
	code int
}

func (e statusError) StatusCode() int {
	return e.code
}

// httpError attaches a status code to a session error.  Malformed or out of
// range requests are the client's fault, everything else is ours.
func httpError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(generichttp.StatusCoder); ok {
		return err
	}
	var (
		reqErr *idea.RequestError
		encErr *idea.EncodingError
	)
	switch {
	case errors.As(err, &reqErr), errors.As(err, &encErr):
		return statusError{err, http.StatusBadRequest}
	case err == idea.ErrNotOperational:
		return statusError{err, http.StatusServiceUnavailable}
	default:
		return statusError{err, http.StatusInternalServerError}
	}
}

// Status is a snapshot of the session
type Status struct {
	Phase      string       `json:"phase"`
	Position   float64      `json:"position"`
	LastReport time.Time    `json:"lastReport"`
	Peers      int          `json:"peers"`
	Locked     bool         `json:"locked"`
	Stats      idea.Stats   `json:"stats"`
	Profile    idea.Profile `json:"profile"`
}

// Server owns a session.  Run is the only goroutine that touches it; HTTP
// and websocket requests reach it through the hub.
type Server struct {
	Session *idea.Session
	Hub     *analog.Hub

	// Tick is the period of the main loop
	Tick time.Duration

	// Limits are software limits per axis, keyed by the axis number as a string
	Limits map[string]util.Limiter

	// RequestTimeout bounds how long an HTTP request waits for the main loop
	RequestTimeout time.Duration

	Locker *locker.Locker
}

// New returns a server with default timing.  The lock and the limits are
// applied to every request on the hub, from HTTP or a websocket peer.
func New(sess *idea.Session, hub *analog.Hub, limits map[string]util.Limiter) *Server {
	s := &Server{
		Session:        sess,
		Hub:            hub,
		Tick:           DefaultTick,
		Limits:         limits,
		RequestTimeout: DefaultRequestTimeout,
		Locker:         locker.New()}
	hub.Use(s.guard)
	return s
}

// guard refuses requests while the server is locked and requests for a
// position outside the software limits of their axis
func (s *Server) guard(msg analog.Message) error {
	var targets map[int]float64
	switch msg.Type {
	case analog.MsgRequest:
		targets = map[int]float64{msg.Channel: msg.Value}
	case analog.MsgRequestChannels:
		targets = make(map[int]float64, len(msg.Values))
		for ch, v := range msg.Values {
			targets[ch] = v
		}
	default:
		return nil
	}
	if s.Locker.Locked() {
		return statusError{errLocked, http.StatusLocked}
	}
	for ch, v := range targets {
		if err := s.checkLimit(ch, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) checkLimit(ch int, pos float64) error {
	lim, ok := s.Limits[strconv.Itoa(ch)]
	if !ok || lim.Check(pos) {
		return nil
	}
	err := fmt.Errorf("requested position %g violates software limits [%g, %g] on axis %d, aborted",
		pos, lim.Min, lim.Max, ch)
	return statusError{err, http.StatusBadRequest}
}

// Run pumps inbound requests and calls the session main loop every Tick until
// ctx is cancelled, then closes the hub and the session
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Tick)
	defer ticker.Stop()
	var (
		lastErr   string
		lastPhase = s.Session.Phase()
	)
	for {
		select {
		case <-ctx.Done():
			s.Hub.Close()
			return s.Session.Close()
		case <-ticker.C:
			s.Hub.Pump()
			err := s.Session.Mainloop()
			if err != nil && err.Error() != lastErr {
				log.Println(err)
			}
			if err != nil {
				lastErr = err.Error()
			} else if s.Session.Phase() == idea.Operational {
				lastErr = ""
			}
			if p := s.Session.Phase(); p != lastPhase {
				log.Printf("controller %s -> %s", lastPhase, p)
				lastPhase = p
			}
		}
	}
}

func (s *Server) channel(axis string) (int, error) {
	ch, err := strconv.Atoi(axis)
	if err != nil {
		return 0, statusError{fmt.Errorf("axis %q is not a channel number", axis), http.StatusBadRequest}
	}
	return ch, nil
}

func (s *Server) reqContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.RequestTimeout)
}

// GetPos returns the last reported position of an axis
func (s *Server) GetPos(axis string) (float64, error) {
	ch, err := s.channel(axis)
	if err != nil {
		return 0, err
	}
	ctx, cancel := s.reqContext()
	defer cancel()
	var (
		pos float64
		n   int
	)
	err = s.Hub.Do(ctx, func() {
		pos = s.Session.Position()
		n = s.Session.NumChannels()
	})
	if err != nil {
		return 0, err
	}
	if ch < 0 || ch >= n {
		return 0, httpError(&idea.RequestError{Channel: ch, NumChannels: n})
	}
	return pos, nil
}

// MoveAbs moves an axis to an absolute position
func (s *Server) MoveAbs(axis string, pos float64) error {
	ch, err := s.channel(axis)
	if err != nil {
		return err
	}
	ctx, cancel := s.reqContext()
	defer cancel()
	err = s.Hub.Submit(ctx, analog.Message{Type: analog.MsgRequest, Channel: ch, Value: pos})
	return httpError(err)
}

// MoveRel moves an axis relative to its last reported position
func (s *Server) MoveRel(axis string, delta float64) error {
	pos, err := s.GetPos(axis)
	if err != nil {
		return err
	}
	return s.MoveAbs(axis, pos+delta)
}

// status reads a snapshot on the main loop and writes it as JSON
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.reqContext()
	defer cancel()
	st := Status{Peers: s.Hub.Peers(), Locked: s.Locker.Locked()}
	err := s.Hub.Do(ctx, func() {
		st.Phase = s.Session.Phase().String()
		st.Position = s.Session.Position()
		st.LastReport = s.Session.LastReport()
		st.Stats = s.Session.Stats()
		st.Profile = s.Session.Profile()
	})
	if err != nil {
		generichttp.Error(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	err = json.NewEncoder(w).Encode(st)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// phase returns the lifecycle state of the session
func (s *Server) phase() (string, error) {
	ctx, cancel := s.reqContext()
	defer cancel()
	var p idea.Phase
	err := s.Hub.Do(ctx, func() { p = s.Session.Phase() })
	return p.String(), err
}

// channels returns the number of axes
func (s *Server) channels() (int, error) {
	ctx, cancel := s.reqContext()
	defer cancel()
	var n int
	err := s.Hub.Do(ctx, func() { n = s.Session.NumChannels() })
	return n, err
}

// cmdList writes the controller command table as JSON
func cmdList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(idea.Commands())
	if err != nil {
		fstr := fmt.Sprintf("json encoding error %q", err)
		http.Error(w, fstr, http.StatusInternalServerError)
	}
}

// cmdLookup writes one command, found by mnemonic or alias, as JSON
func cmdLookup(w http.ResponseWriter, r *http.Request) {
	c, err := idea.CommandFromCmdOrAlias(chi.URLParam(r, "cmd"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	err = json.NewEncoder(w).Encode(c)
	if err != nil {
		fstr := fmt.Sprintf("json encoding error %q", err)
		http.Error(w, fstr, http.StatusInternalServerError)
	}
}

// RT builds the route table of the server
func (s *Server) RT() generichttp.RouteTable {
	ctl := motion.NewHTTPMotionController(s)
	lm := &motion.LimitMiddleware{Limits: s.Limits, Mov: s}
	lm.Inject(ctl)
	locker.Inject(ctl, s.Locker)
	rt := ctl.RT()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/status"}] = s.status
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/phase"}] = generichttp.GetString(s.phase)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/channels"}] = generichttp.GetInt(s.channels)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/commands"}] = cmdList
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/commands/{cmd}"}] = cmdLookup
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/ws"}] = s.Hub.ServeHTTP
	return rt
}

// Router returns a chi router serving every route of the server, mounted
// under endpoint if it is not empty
func (s *Server) Router(endpoint string) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(s.Locker.Check)
	if endpoint == "" || endpoint == "/" {
		s.RT().Bind(r)
		return r
	}
	r.Route(endpoint, func(r chi.Router) {
		s.RT().Bind(r)
	})
	return r
}
