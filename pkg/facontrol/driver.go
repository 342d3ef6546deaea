package facontrol

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// driverState tracks one call through the driver
type driverState int32

const (
	stateConnecting driverState = iota
	stateReady
	stateRequestInFlight
	stateCompleted
	stateFailed
)

func (s driverState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateReady:
		return "ready"
	case stateRequestInFlight:
		return "request_in_flight"
	case stateCompleted:
		return "completed"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// driver turns the audio service's connection setup and request round trips into blocking calls
// with bounded waits. It keeps no state between calls
type driver struct {
	logger  *zap.SugaredLogger
	config  *CanonicalConfig
	connect connector

	calls uint64
}

// outcome carries a result out of the goroutine doing the blocking work
type outcome[T any] struct {
	value T
	err   error
}

// call is a single pass through the state machine
type call struct {
	logger *zap.SugaredLogger
	state  driverState
}

func newDriver(logger *zap.SugaredLogger, config *CanonicalConfig, connect connector) *driver {
	return &driver{
		logger:  logger.Named("driver"),
		config:  config,
		connect: connect,
	}
}

func (d *driver) newCall() *call {
	id := atomic.AddUint64(&d.calls, 1)

	return &call{
		logger: d.logger.With("call", id),
		state:  stateConnecting,
	}
}

func (c *call) transition(to driverState) {
	c.logger.Debugw("Driver state changed", "from", c.state, "to", to)
	c.state = to
}

// perform connects, runs op against the connection within timeout and releases the connection on every path
func perform[T any](d *driver, timeout time.Duration, op func(conn serviceConn) (T, error)) (T, error) {
	var zero T

	c := d.newCall()

	conn, err := d.connectAndWait(c)
	if err != nil {
		c.transition(stateFailed)
		return zero, err
	}

	defer d.release(c, conn)

	c.transition(stateReady)

	value, err := submitAndAwait(c, conn, timeout, op)
	if err != nil {
		c.transition(stateFailed)
		return zero, err
	}

	c.transition(stateCompleted)

	return value, nil
}

// connectAndWait blocks until the connector produced a ready connection or the connect timeout elapsed
func (d *driver) connectAndWait(c *call) (serviceConn, error) {
	timeout := d.config.Current().ConnectTimeout

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	results := make(chan outcome[serviceConn], 1)

	go func() {
		conn, err := d.connect(ctx)
		results <- outcome[serviceConn]{value: conn, err: err}
	}()

	select {
	case res := <-results:
		return connectResult(c, res)

	case <-ctx.Done():

		// the connection may have landed right at the deadline
		select {
		case res := <-results:
			return connectResult(c, res)
		default:
		}

		// a connection that shows up late must not outlive this call
		go func() {
			if res := <-results; res.err == nil && res.value != nil {
				res.value.Close()
			}
		}()

		c.logger.Warnw("Timed out connecting to audio service", "timeout", timeout)
		return nil, ConnectionError.New("connect to audio service: no answer within %s", timeout)
	}
}

func connectResult(c *call, res outcome[serviceConn]) (serviceConn, error) {
	if res.err != nil {
		c.logger.Warnw("Failed to connect to audio service", "error", res.err)

		if isOwnError(res.err) {
			return nil, res.err
		}

		return nil, ConnectionError.Wrap(res.err, "connect to audio service")
	}

	if res.value == nil {
		return nil, ConnectionError.New("connect to audio service: no connection")
	}

	return res.value, nil
}

// submitAndAwait runs op on its own goroutine and waits for its single result.
// At the deadline it drains the result channel once before declaring a timeout since results and deadlines can race
func submitAndAwait[T any](c *call, conn serviceConn, timeout time.Duration, op func(conn serviceConn) (T, error)) (T, error) {
	var zero T

	c.transition(stateRequestInFlight)

	results := make(chan outcome[T], 1)

	go func() {
		value, err := op(conn)
		results <- outcome[T]{value: value, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-results:
		return requestResult(res)

	case <-timer.C:
		select {
		case res := <-results:
			return requestResult(res)
		default:
		}

		c.logger.Warnw("Timed out waiting for audio service", "timeout", timeout)
		return zero, Timeout.New("no answer from audio service within %s", timeout)
	}
}

func requestResult[T any](res outcome[T]) (T, error) {
	if res.err == nil {
		return res.value, nil
	}

	var zero T

	if isOwnError(res.err) {
		return zero, res.err
	}

	return zero, ConnectionError.Wrap(res.err, "audio service request failed")
}

func (d *driver) release(c *call, conn serviceConn) {
	if err := conn.Close(); err != nil {
		c.logger.Debugw("Failed to close audio service connection", "error", err)
	}
}
