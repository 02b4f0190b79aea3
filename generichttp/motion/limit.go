package motion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/nasa-jpl/ideactl/generichttp"
	"github.com/nasa-jpl/ideactl/util"
)

// LimitMiddleware imposes axis-specific software limits on motion.  A move
// that would end outside the limits is refused with StatusBadRequest before
// it reaches the controller.
type LimitMiddleware struct {
	// Limits contains the server imposed limits on the controller
	Limits map[string]util.Limiter

	// Mov is a reference to the mover, used to query axis positions
	Mov Mover
}

// Check verifies if a motion would violate the axis limit, if it exists,
// and if it does, responds with StatusBadRequest
// otherwise, flows control to the next handler.
// It must wrap a route with an {axis} parameter.
func (l *LimitMiddleware) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// get the axis to move, and if the motion is relative
		axis, relative, err := popAxisRelative(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// bail as early as possible if we don't have a limit for this axis
		limiter, ok := l.Limits[axis]
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		// downstream functions want the body,
		// read it all here, then "paste" it back
		bodyContent, err := ioutil.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		r.Body = ioutil.NopCloser(bytes.NewReader(bodyContent))
		f := generichttp.FloatT{}
		err = json.Unmarshal(bodyContent, &f)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		cmd := f.F64
		if relative {
			// in the relative case, shift the command by currPos
			currPos, err := l.Mov.GetPos(axis)
			if err != nil {
				generichttp.Error(w, err)
				return
			}
			cmd += currPos
		}
		if !limiter.Check(cmd) {
			fstr := fmt.Sprintf("requested position %g violates software limits [%g, %g] on axis %s, aborted",
				cmd, limiter.Min, limiter.Max, axis)
			http.Error(w, fstr, http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Inject places a GET /axis/{axis}/limits route on the table of the HTTPer
// and wraps its POST /axis/{axis}/pos route with Check
func (l *LimitMiddleware) Inject(h generichttp.HTTPer) {
	rt := h.RT()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}/limits"}] = Limits(l)
	setpos := generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/pos"}
	if fcn, ok := rt[setpos]; ok {
		rt[setpos] = l.Check(fcn).ServeHTTP
	}
}

// Limits returns an HTTP handler func that returns the limits for an axis,
// or null if the axis has none
func Limits(l *LimitMiddleware) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := chi.URLParam(r, "axis")
		var v interface{}
		if lim, ok := l.Limits[axis]; ok {
			v = lim
		}
		w.Header().Set("Content-Type", "application/json")
		err := json.NewEncoder(w).Encode(v)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}
