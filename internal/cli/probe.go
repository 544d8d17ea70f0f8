package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/studiowebux/stompload/internal/client"
	"github.com/studiowebux/stompload/internal/frame"
	"github.com/studiowebux/stompload/internal/types"
	"go.uber.org/zap"
)

const probeReceiptID = "probe-receipt"

// ProbeOptions configures a single-session round trip
type ProbeOptions struct {
	URL             string
	Destination     string
	SendDestination string // Defaults to Destination
	Payload         string
	Converter       string
	Headers         map[string]string
	TLS             *types.TLSConfig
	Timeout         time.Duration // Per step (default: 10s)
}

// ProbeResult reports the timings of a probe
type ProbeResult struct {
	URL         string            `json:"url" yaml:"url"`
	Destination string            `json:"destination" yaml:"destination"`
	ConnectMs   int64             `json:"connectMs" yaml:"connectMs"`
	SubscribeMs int64             `json:"subscribeMs" yaml:"subscribeMs"`
	RoundTripMs int64             `json:"roundTripMs" yaml:"roundTripMs"`
	Headers     map[string]string `json:"headers" yaml:"headers"`
	Body        string            `json:"body" yaml:"body"`
	Dropped     int64             `json:"dropped,omitempty" yaml:"dropped,omitempty"` // Frames on Destination that overflowed the recorder
}

// Probe connects one session, subscribes to Destination, sends Payload and
// waits for its own message to come back.
func Probe(ctx context.Context, opts ProbeOptions, logger *zap.Logger) (*ProbeResult, error) {
	if opts.URL == "" || opts.Destination == "" {
		return nil, errors.New("url and destination are required")
	}
	if opts.SendDestination == "" {
		opts.SendDestination = opts.Destination
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	converter, err := client.ConverterByName(opts.Converter)
	if err != nil {
		return nil, err
	}

	dialer := client.NewWebSocketDialer(logger)
	dialer.TLS = opts.TLS
	if len(opts.Headers) > 0 {
		dialer.Header = http.Header{}
		for k, v := range opts.Headers {
			dialer.Header.Set(k, v)
		}
	}
	c := client.New(opts.URL, dialer, logger)
	c.Converter = converter

	connected := make(chan struct{}, 1)
	receipts := make(chan string, 1)
	failures := make(chan error, 1)
	report := func(err error) {
		select {
		case failures <- err:
		default:
		}
	}

	h := &client.HandlerFuncs{
		OnConnected: func(*client.Session, frame.Header) { connected <- struct{}{} },
		OnReceipt:   func(_ *client.Session, id string) { receipts <- id },
		OnError: func(_ *client.Session, f *frame.Frame) {
			report(fmt.Errorf("broker error: %s", f.Header.Get(frame.Message)))
		},
		OnTransportError: func(_ *client.Session, err error) { report(err) },
	}

	result := &ProbeResult{URL: opts.URL, Destination: opts.Destination}

	start := time.Now()
	s, err := c.Connect(ctx, h)
	if err != nil {
		return nil, err
	}
	defer s.Disconnect()

	if err := waitFor(ctx, connected, failures, opts.Timeout, "CONNECTED"); err != nil {
		return nil, err
	}
	result.ConnectMs = time.Since(start).Milliseconds()

	rec := client.NewRecorder(1, true).Include(opts.Destination)
	start = time.Now()
	if _, err := s.SubscribeFunc(opts.Destination, probeReceiptID, rec.HandleMessage); err != nil {
		return nil, err
	}
	if err := waitFor(ctx, receipts, failures, opts.Timeout, "subscription receipt"); err != nil {
		return nil, err
	}
	result.SubscribeMs = time.Since(start).Milliseconds()

	start = time.Now()
	if err := s.Send(opts.SendDestination, opts.Payload); err != nil {
		return nil, err
	}
	f, ok := rec.Await(opts.Timeout)
	if !ok {
		select {
		case err := <-failures:
			return nil, err
		default:
		}
		return nil, fmt.Errorf("no message on %s within %s", opts.Destination, opts.Timeout)
	}
	result.RoundTripMs = time.Since(start).Milliseconds()

	result.Headers = make(map[string]string, f.Header.Len())
	for i := 0; i < f.Header.Len(); i++ {
		k, v := f.Header.GetAt(i)
		if _, seen := result.Headers[k]; !seen {
			result.Headers[k] = v
		}
	}
	result.Body = string(f.Body)
	result.Dropped = rec.Dropped()

	return result, nil
}

func waitFor[T any](ctx context.Context, ch <-chan T, failures <-chan error, timeout time.Duration, what string) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case err := <-failures:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timed out after %s waiting for %s", timeout, what)
	}
}

// FormatProbe renders a probe result as text, json or yaml
func FormatProbe(result *ProbeResult, format string) (string, error) {
	switch format {
	case "json", "yaml":
		return marshal(result, format)
	}

	out := fmt.Sprintf("%s %s\nConnect: %dms | Subscribe: %dms | Round trip: %dms\nmessage-id: %s\n%s\n",
		styleSuccess.Render("OK"),
		result.Destination,
		result.ConnectMs, result.SubscribeMs, result.RoundTripMs,
		result.Headers[frame.MessageID],
		result.Body)
	if result.Dropped > 0 {
		out += styleWarning.Render(fmt.Sprintf("dropped: %d other frame(s) on %s", result.Dropped, result.Destination)) + "\n"
	}
	return out, nil
}
