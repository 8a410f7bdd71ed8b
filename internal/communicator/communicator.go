package communicator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/hive-exec/internal/log"
	"github.com/ChuLiYu/hive-exec/pkg/types"
)

// Handler receives the completion of every asynchronous call.
// Methods are invoked from the goroutine that ran the call.
type Handler interface {
	LoginCompleted(err error)
	JobPulled(job *types.Job, err error)
	ResultSent(report types.JobReport, err error)
	HeartbeatCompleted(actions []types.Action, err error)
}

// Config controls timeouts and retry
type Config struct {
	CallTimeout  time.Duration // per attempt
	MaxRetries   int           // attempts after the first one
	RetryBackoff time.Duration // first delay, doubled per retry
	MaxBackoff   time.Duration
}

// DefaultConfig returns the defaults used when fields are zero
func DefaultConfig() Config {
	return Config{
		CallTimeout:  5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 200 * time.Millisecond,
		MaxBackoff:   5 * time.Second,
	}
}

// Communicator is the asynchronous client used by the worker
type Communicator struct {
	client  Client
	handler Handler
	config  Config
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a communicator; zero config fields take their defaults
func New(client Client, handler Handler, config Config) *Communicator {
	def := DefaultConfig()
	if config.CallTimeout <= 0 {
		config.CallTimeout = def.CallTimeout
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = def.RetryBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Communicator{
		client:  client,
		handler: handler,
		config:  config,
		logger:  log.WithComponent("communicator"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// LoginAsync registers the worker
func (c *Communicator) LoginAsync(info types.WorkerInfo) {
	c.spawn(func() {
		err := c.call("Login", func(ctx context.Context) error {
			return c.client.Login(ctx, info)
		})
		c.handler.LoginCompleted(err)
	})
}

// PullJobAsync asks for the next job; each request carries a fresh request id
func (c *Communicator) PullJobAsync(workerID string) {
	requestID := uuid.NewString()
	c.spawn(func() {
		var job *types.Job
		err := c.call("PullJob", func(ctx context.Context) error {
			j, err := c.client.PullJob(ctx, workerID, requestID)
			job = j
			return err
		})
		c.handler.JobPulled(job, err)
	})
}

// SendResultAsync delivers a report
func (c *Communicator) SendResultAsync(report types.JobReport) {
	c.spawn(func() {
		err := c.call("SendResult", func(ctx context.Context) error {
			return c.client.SendResult(ctx, report)
		})
		c.handler.ResultSent(report, err)
	})
}

// HeartbeatAsync signals liveness. Heartbeats are not retried; the next
// interval sends a fresh one.
func (c *Communicator) HeartbeatAsync(hb types.Heartbeat) {
	c.spawn(func() {
		var actions []types.Action
		err := c.attempt(func(ctx context.Context) error {
			a, err := c.client.Heartbeat(ctx, hb)
			actions = a
			return err
		})
		if err != nil {
			err = &CallError{Op: "Heartbeat", Attempts: 1, Err: err}
		}
		c.handler.HeartbeatCompleted(actions, err)
	})
}

// Close cancels calls in flight and waits for their handlers to return
func (c *Communicator) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Communicator) spawn(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// call runs op with bounded exponential backoff
func (c *Communicator) call(name string, op func(ctx context.Context) error) error {
	backoff := c.config.RetryBackoff
	var err error

	for attempt := 1; ; attempt++ {
		err = c.attempt(op)
		if err == nil {
			return nil
		}
		if !retryable(err) || attempt > c.config.MaxRetries {
			c.logger.Warn().Str("op", name).Int("attempts", attempt).Err(err).Msg("Call failed")
			return &CallError{Op: name, Attempts: attempt, Err: err}
		}

		c.logger.Debug().Str("op", name).Int("attempt", attempt).Dur("backoff", backoff).Err(err).Msg("Retrying call")
		select {
		case <-time.After(backoff):
		case <-c.ctx.Done():
			return &CallError{Op: name, Attempts: attempt, Err: ErrClosed}
		}
		backoff *= 2
		if backoff > c.config.MaxBackoff {
			backoff = c.config.MaxBackoff
		}
	}
}

func (c *Communicator) attempt(op func(ctx context.Context) error) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.config.CallTimeout)
	defer cancel()
	return op(ctx)
}

func retryable(err error) bool {
	return !errors.Is(err, ErrRejected) && !errors.Is(err, ErrClosed) && !errors.Is(err, context.Canceled)
}
