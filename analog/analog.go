/*
Package analog provides the connection layer between an analog device and
its remote peers.

A device registers Handlers for the inbound message types it understands and
Delivers Reports of its channel values.  The Hub serializes inbound messages
onto the goroutine that calls Pump, so the device is only ever touched from
that goroutine, and fans Reports out to websocket peers.
*/
package analog

import (
	"fmt"
	"time"
)

// ClassOfService is a delivery hint attached to a Report
type ClassOfService int

const (
	// Reliable reports are delivered to every peer; a peer that cannot keep
	// up is disconnected
	Reliable ClassOfService = iota

	// LowLatency reports are skipped for peers that are behind
	LowLatency
)

func (c ClassOfService) String() string {
	switch c {
	case Reliable:
		return "reliable"
	case LowLatency:
		return "low-latency"
	default:
		return fmt.Sprintf("ClassOfService(%d)", int(c))
	}
}

// MessageType names an inbound message
type MessageType string

const (
	// MsgRequest asks for one channel to be set to a value
	MsgRequest MessageType = "request"

	// MsgRequestChannels asks for channels 0..len(Values)-1 to be set
	MsgRequestChannels MessageType = "request_channels"

	// MsgConnect is generated by the hub when a peer connects
	MsgConnect MessageType = "connect"
)

// Message is an inbound message from a peer
type Message struct {
	Type    MessageType `json:"type"`
	Channel int         `json:"channel"`
	Value   float64     `json:"value"`
	Values  []float64   `json:"values,omitempty"`
}

// Handler processes one inbound message.  A non-nil error is returned to the
// requesting peer only.
type Handler func(Message) error

// Report is an outbound notification of channel values
type Report struct {
	Values []float64
	Class  ClassOfService
	Stamp  time.Time
}

// frame is the JSON representation of outbound traffic on the websocket
type frame struct {
	Type   string    `json:"type"`
	Values []float64 `json:"values,omitempty"`
	Class  string    `json:"class,omitempty"`
	Stamp  int64     `json:"stamp,omitempty"`
	Error  string    `json:"error,omitempty"`
}

func reportFrame(r Report) frame {
	return frame{
		Type:   "report",
		Values: r.Values,
		Class:  r.Class.String(),
		Stamp:  r.Stamp.UnixNano() / int64(time.Millisecond)}
}

func errorFrame(err error) frame {
	return frame{Type: "error", Error: err.Error()}
}
