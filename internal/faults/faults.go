// Package faults classifies fetch errors into coarse categories for
// logging and operator triage. Classification is advisory: retry decisions
// are made by the circuit breaker, not by the classifier.
package faults

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
)

// Kind is the category of a fault.
type Kind int

const (
	// Unknown is anything that fits no other category.
	Unknown Kind = iota
	// Network is a transport-level connection fault (refused, reset, DNS).
	Network
	// Timeout is a deadline or I/O timeout fault.
	Timeout
	// Server is an HTTP response with a 5xx status.
	Server
	// Client is an HTTP response with a 4xx status.
	Client
	// Data is a payload decoding or shape-validation fault.
	Data
)

// String returns the string representation of a kind.
func (k Kind) String() string {
	switch k {
	case Network:
		return "network"
	case Timeout:
		return "timeout"
	case Server:
		return "server"
	case Client:
		return "client"
	case Data:
		return "data"
	default:
		return "unknown"
	}
}

// statusCoder is implemented by HTTP-response faults (odata.StatusError).
type statusCoder interface {
	StatusCode() int
}

// decodeFault is implemented by payload faults (odata.DecodeError).
type decodeFault interface {
	DecodeFault()
}

// Classify maps err to a Kind. It is total: nil and unrecognized errors
// both come back as Unknown rather than failing.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}

	// Deadline and I/O timeouts first: a timed-out dial is a timeout,
	// not a connection fault.
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return Timeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}

	// Transport-level connection faults.
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Network
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Network
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return Network
	}

	// HTTP response faults, split by status range.
	var sc statusCoder
	if errors.As(err, &sc) {
		status := sc.StatusCode()
		switch {
		case status >= 400 && status < 500:
			return Client
		case status >= 500 && status < 600:
			return Server
		default:
			return Unknown
		}
	}

	// Payload faults: malformed JSON, unexpected shape, unparseable count.
	var df decodeFault
	if errors.As(err, &df) {
		return Data
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return Data
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return Data
	}
	var numErr *strconv.NumError
	if errors.As(err, &numErr) {
		return Data
	}

	return Unknown
}
