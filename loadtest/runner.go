package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"matchchat/client/connection"
	"matchchat/client/dispatch"
	"matchchat/client/metrics"
	"matchchat/logging"
	"matchchat/model"
)

// Latency series recorded by the runner, on top of the connection
// manager's own.
const (
	SeriesPingRTT     = "ping_rtt"
	SeriesTypingRelay = "typing_relay"
)

type Options struct {
	// URL is the relay socket endpoint, RelayHTTP its HTTP base.
	URL         string
	RelayHTTP   string
	InternalKey string
	Tokens      []string

	// FramesPerSecond and FrameBurst pace the frames each socket sends.
	// They must stay within the relay's server.frames_per_second and
	// server.frame_burst or the relay drops frames and rounds time out.
	FramesPerSecond float64
	FrameBurst      int

	Rounds           int
	StopChance       float64
	ConversationBase int64
	Timeout          time.Duration
	Seed             int64

	Logger *zap.Logger
}

type Report struct {
	Users      int
	Elapsed    time.Duration
	Operations int
	// Throughput is operations per second (λ).
	Throughput float64
	// MeanLatency is the mean round trip of every operation (W).
	MeanLatency time.Duration
	// Concurrency is λ·W, the average number of operations in flight (L).
	Concurrency float64
}

// Default pacing, under the relay's default of 10 frames per second.
const (
	DefaultFramesPerSecond = 8
	DefaultFrameBurst      = 1
)

// user is one simulated participant.
type user struct {
	mgr *connection.Manager
	// shared by the ping and typing loops of this socket
	limiter *rate.Limiter
	pongs   chan struct{}
	typing  chan model.Typing
}

// send waits for the socket's frame budget, then sends f. It returns the
// time the frame left so waiting on the limiter is not counted as latency.
func (u *user) send(ctx context.Context, f model.Outbound) (time.Time, error) {
	if err := u.limiter.Wait(ctx); err != nil {
		return time.Time{}, err
	}
	start := time.Now()
	return start, u.mgr.Send(f)
}

// Run connects every token, pairs consecutive users into conversations and
// drives ping and typing rounds across all of them concurrently.
func Run(ctx context.Context, opts Options, collector *metrics.Collector) (Report, error) {
	if len(opts.Tokens) < 2 {
		return Report{}, errors.New("at least two tokens are required")
	}
	if opts.Rounds <= 0 {
		opts.Rounds = 10
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.FramesPerSecond <= 0 {
		opts.FramesPerSecond = DefaultFramesPerSecond
	}
	if opts.FrameBurst <= 0 {
		opts.FrameBurst = DefaultFrameBurst
	}
	if opts.ConversationBase == 0 {
		opts.ConversationBase = 1_000_000
	}
	logger := logging.OrNop(opts.Logger).Named("loadtest")

	users := make([]*user, len(opts.Tokens))
	defer func() {
		for _, u := range users {
			if u != nil {
				u.mgr.Close()
			}
		}
	}()

	g, gCtx := errgroup.WithContext(ctx)
	for i, token := range opts.Tokens {
		i, token := i, token
		g.Go(func() error {
			u, err := connectUser(gCtx, opts, token, collector, logger)
			if err != nil {
				return fmt.Errorf("user %d: %w", i, err)
			}
			users[i] = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}
	logger.Info("All users connected", zap.Int("users", len(users)))

	pairs := len(users) / 2
	for p := 0; p < pairs; p++ {
		a, b := users[2*p], users[2*p+1]
		members := []int64{a.mgr.UserID(), b.mgr.UserID()}
		if err := setMembers(ctx, opts, opts.ConversationBase+int64(p), members); err != nil {
			return Report{}, err
		}
	}

	rnd := rand.New(rand.NewSource(opts.Seed))
	plans := make([][]bool, pairs)
	for p := range plans {
		plans[p] = typingPlan(opts.Rounds, opts.StopChance, rnd)
	}

	var (
		mu        sync.Mutex
		ops       int
		totalWait time.Duration
	)
	record := func(series string, d time.Duration) {
		collector.Observe(series, d)
		mu.Lock()
		ops++
		totalWait += d
		mu.Unlock()
	}

	start := time.Now()
	g, gCtx = errgroup.WithContext(ctx)
	for _, u := range users {
		u := u
		g.Go(func() error { return pingRounds(gCtx, u, opts, record) })
	}
	for p := 0; p < pairs; p++ {
		p := p
		conversationID := opts.ConversationBase + int64(p)
		g.Go(func() error {
			return typingRounds(gCtx, users[2*p], users[2*p+1], conversationID, plans[p], opts, record)
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}
	elapsed := time.Since(start)

	report := Report{Users: len(users), Elapsed: elapsed, Operations: ops}
	if ops > 0 {
		report.Throughput = float64(ops) / elapsed.Seconds()
		report.MeanLatency = totalWait / time.Duration(ops)
		report.Concurrency = report.Throughput * report.MeanLatency.Seconds()
	}
	return report, nil
}

func connectUser(ctx context.Context, opts Options, token string, collector *metrics.Collector, logger *zap.Logger) (*user, error) {
	disp := dispatch.New(logger, collector)
	u := &user{
		limiter: rate.NewLimiter(rate.Limit(opts.FramesPerSecond), opts.FrameBurst),
		pongs:   make(chan struct{}, 1),
		typing:  make(chan model.Typing, 16),
	}
	acked := make(chan struct{}, 1)
	disp.Subscribe(model.KindConnectionAck, func(model.InboundEvent) {
		select {
		case acked <- struct{}{}:
		default:
		}
	})
	disp.Subscribe(model.KindPong, func(model.InboundEvent) {
		select {
		case u.pongs <- struct{}{}:
		default:
		}
	})
	disp.Subscribe(model.KindTyping, func(ev model.InboundEvent) {
		select {
		case u.typing <- ev.(model.Typing):
		default:
		}
	})

	mgr, err := connection.New(connection.Config{URL: opts.URL}, connection.WebsocketDialer{}, disp,
		connection.WithLogger(logger), connection.WithMetrics(collector))
	if err != nil {
		return nil, err
	}
	u.mgr = mgr
	if err := mgr.Connect(token); err != nil {
		mgr.Close()
		return nil, err
	}

	select {
	case <-acked:
		return u, nil
	case <-time.After(opts.Timeout):
		mgr.Close()
		return nil, errors.New("timed out waiting for connection acknowledgement")
	case <-ctx.Done():
		mgr.Close()
		return nil, ctx.Err()
	}
}

func pingRounds(ctx context.Context, u *user, opts Options, record func(string, time.Duration)) error {
	for i := 0; i < opts.Rounds; i++ {
		start, err := u.send(ctx, model.Ping())
		if err != nil {
			return err
		}
		select {
		case <-u.pongs:
			record(SeriesPingRTT, time.Since(start))
		case <-time.After(opts.Timeout):
			return fmt.Errorf("user %d: pong timeout", u.mgr.UserID())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// typingRounds sends each planned typing signal from a and times its
// arrival at b.
func typingRounds(ctx context.Context, a, b *user, conversationID int64, plan []bool, opts Options, record func(string, time.Duration)) error {
	for _, isTyping := range plan {
		start, err := a.send(ctx, model.TypingSignal(conversationID, isTyping))
		if err != nil {
			return err
		}

		timeout := time.After(opts.Timeout)
	wait:
		for {
			select {
			case ev := <-b.typing:
				if ev.ConversationID == conversationID && ev.SenderID == a.mgr.UserID() {
					record(SeriesTypingRelay, time.Since(start))
					break wait
				}
			case <-timeout:
				return fmt.Errorf("conversation %d: typing relay timeout", conversationID)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

func setMembers(ctx context.Context, opts Options, conversationID int64, members []int64) error {
	body, err := json.Marshal(map[string][]int64{"member_ids": members})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/internal/conversations/%d/members", strings.TrimSuffix(opts.RelayHTTP, "/"), conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if opts.InternalKey != "" {
		req.Header.Set("X-Internal-Key", opts.InternalKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("set members of %d: %w", conversationID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("set members of %d: relay returned %d", conversationID, resp.StatusCode)
	}
	return nil
}
