// rtmp-push publishes a synthetic H.264 stream to an RTMP relay and can
// attach players to the same key to exercise fan-out.
//
// Usage:
//
//	go run ./test/tools/rtmp-push -key cam1 -players 8
//	go run ./test/tools/rtmp-push -addr relay:1935 -fps 60 -bitrate 6000 -duration 30s
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/rtmp-relay/internal/amf"
	"github.com/zsiec/rtmp-relay/internal/logging"
	"github.com/zsiec/rtmp-relay/internal/rtmp"
)

const (
	reconnectDelay = time.Second
	logInterval    = 10 * time.Second
)

type options struct {
	addr     string
	app      string
	key      string
	fps      int
	bitrate  int
	players  int
	duration time.Duration
	complex  bool
}

func main() {
	var opts options
	flag.StringVar(&opts.addr, "addr", "127.0.0.1:1935", "RTMP server address")
	flag.StringVar(&opts.app, "app", "live", "application name")
	flag.StringVar(&opts.key, "key", "test", "stream name")
	flag.IntVar(&opts.fps, "fps", 30, "video frames per second")
	flag.IntVar(&opts.bitrate, "bitrate", 2000, "video bitrate in kbit/s")
	flag.IntVar(&opts.players, "players", 0, "players to attach to the stream")
	flag.DurationVar(&opts.duration, "duration", 0, "stop publishing after this long (0 runs until interrupted)")
	flag.BoolVar(&opts.complex, "complex", true, "use the digest handshake")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if opts.fps <= 0 || opts.bitrate <= 0 {
		fmt.Fprintln(os.Stderr, "rtmp-push: -fps and -bitrate must be positive")
		os.Exit(2)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(logging.NewConsoleHandler(os.Stderr, level))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var st stats
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return retry(ctx, log.With("role", "publisher"), func() error {
			return publish(ctx, opts, &st)
		})
	})
	for i := range opts.players {
		plog := log.With("role", "player", "player", i)
		g.Go(func() error {
			return retry(ctx, plog, func() error {
				return play(ctx, opts, &st)
			})
		})
	}
	g.Go(func() error {
		report(ctx, log, &st)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("rtmp-push failed", "error", err)
		os.Exit(1)
	}
	log.Info("done", "frames_sent", st.framesSent.Load(), "bytes_received", st.bytesReceived.Load())
}

// retry runs fn until it succeeds or ctx ends, pausing between attempts.
func retry(ctx context.Context, log *slog.Logger, fn func() error) error {
	for {
		err := fn()
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}
		log.Warn("connection lost, reconnecting", "error", err, "retry_in", reconnectDelay)
		select {
		case <-time.After(reconnectDelay):
		case <-ctx.Done():
			return nil
		}
	}
}

type stats struct {
	framesSent    atomic.Int64
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
	playersActive atomic.Int64
}

func report(ctx context.Context, log *slog.Logger, st *stats) {
	start := time.Now()
	ticker := time.NewTicker(logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			elapsed := time.Since(start).Seconds()
			log.Info("progress",
				"elapsed", time.Since(start).Truncate(time.Second),
				"frames_sent", st.framesSent.Load(),
				"send_kbps", int(float64(st.bytesSent.Load())*8/1000/elapsed),
				"players", st.playersActive.Load(),
				"recv_mb", fmt.Sprintf("%.1f", float64(st.bytesReceived.Load())/(1024*1024)),
			)
		}
	}
}

func publish(ctx context.Context, opts options, st *stats) error {
	c, err := dial(ctx, opts)
	if err != nil {
		return err
	}
	defer c.close()

	id, err := c.createStream()
	if err != nil {
		return err
	}
	if err := c.w.Send(rtmp.NewCommand(id, "publish", 0.0, nil, opts.key, "live")); err != nil {
		return err
	}
	if err := c.awaitStatus(rtmp.CodePublishStart); err != nil {
		return err
	}

	// Server replies are not needed after this point but must be consumed.
	go c.discard(nil)

	header := []*rtmp.Message{
		{
			Type:     rtmp.TypeAMF0Data,
			StreamID: id,
			Payload: amf.MustEncode("@setDataFrame", "onMetaData", amf.ECMAArray{
				"videocodecid":  7.0,
				"framerate":     float64(opts.fps),
				"videodatarate": float64(opts.bitrate),
				"encoder":       "rtmp-push",
			}),
		},
		{
			Type:     rtmp.TypeVideo,
			StreamID: id,
			Payload:  []byte{0x17, 0x00, 0, 0, 0, 0x01, 0x64, 0x00, 0x1f, 0xff, 0xe1},
		},
	}
	if err := c.w.Send(header...); err != nil {
		return err
	}

	size := frameSize(opts.bitrate, opts.fps)
	gop := opts.fps * 2
	start := time.Now()
	for n := 0; ; n++ {
		offset := frameOffset(n, opts.fps)
		if opts.duration > 0 && offset >= opts.duration {
			return c.w.Send(rtmp.NewCommand(id, "deleteStream", 0.0, nil, float64(id)))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Until(start.Add(offset))):
		}

		m := &rtmp.Message{
			Type:      rtmp.TypeVideo,
			StreamID:  id,
			Timestamp: uint32(offset.Milliseconds()),
			Payload:   videoFrame(n, gop, size),
		}
		if err := c.w.Send(m); err != nil {
			return err
		}
		st.framesSent.Add(1)
		st.bytesSent.Add(int64(len(m.Payload)))
	}
}

func play(ctx context.Context, opts options, st *stats) error {
	c, err := dial(ctx, opts)
	if err != nil {
		return err
	}
	defer c.close()

	id, err := c.createStream()
	if err != nil {
		return err
	}
	if err := c.w.Send(rtmp.NewCommand(id, "play", 0.0, nil, opts.key)); err != nil {
		return err
	}
	if err := c.awaitStatus(rtmp.CodePlayStart); err != nil {
		return err
	}

	st.playersActive.Add(1)
	defer st.playersActive.Add(-1)
	return c.discard(func(m *rtmp.Message) {
		if k := m.Kind(); k == rtmp.KindData || k.IsMedia() {
			st.bytesReceived.Add(int64(len(m.Payload)))
		}
	})
}

// frameOffset is the presentation time of frame n at fps.
func frameOffset(n, fps int) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(fps)
}

// frameSize is the payload length that yields bitrate kbit/s at fps.
func frameSize(bitrate, fps int) int {
	return max(bitrate*1000/8/fps, 16)
}

// videoFrame builds an AVC NALU tag body of size bytes; every gop'th frame
// is a keyframe.
func videoFrame(n, gop, size int) []byte {
	b := make([]byte, size)
	b[0] = 0x27
	if gop > 0 && n%gop == 0 {
		b[0] = 0x17
	}
	b[1] = 0x01
	for i := 5; i < size; i++ {
		b[i] = byte(n + i)
	}
	return b
}

type client struct {
	conn net.Conn
	r    *rtmp.Reader
	w    *rtmp.Writer
	tid  float64
	stop func() bool
}

func dial(ctx context.Context, opts options) (*client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", opts.addr)
	if err != nil {
		return nil, err
	}
	hsCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rtmp.ClientHandshake(hsCtx, conn, opts.complex); err != nil {
		conn.Close()
		return nil, err
	}

	c := &client{
		conn: conn,
		r:    rtmp.NewReader(conn),
		w:    rtmp.NewWriter(conn),
		stop: context.AfterFunc(ctx, func() { conn.Close() }),
	}
	_, err = c.call("connect", amf.Object{
		"app":            opts.app,
		"type":           "nonprivate",
		"flashVer":       "FMLE/3.0 (compatible; rtmp-push)",
		"tcUrl":          "rtmp://" + opts.addr + "/" + opts.app,
		"objectEncoding": 0.0,
	})
	if err != nil {
		c.close()
		return nil, err
	}
	return c, nil
}

func (c *client) close() {
	c.stop()
	c.conn.Close()
}

func (c *client) createStream() (uint32, error) {
	res, err := c.call("createStream", nil)
	if err != nil {
		return 0, err
	}
	id, ok := res.Arg(0).(float64)
	if !ok || id <= 0 {
		return 0, fmt.Errorf("createStream returned %v", res.Arg(0))
	}
	return uint32(id), nil
}

// call sends a command on stream 0 and waits for its _result.
func (c *client) call(name string, object any, args ...any) (*rtmp.Command, error) {
	c.tid++
	tid := c.tid
	vals := append([]any{name, tid, object}, args...)
	if err := c.w.Send(rtmp.NewCommand(0, vals...)); err != nil {
		return nil, err
	}
	for {
		cmd, err := c.nextCommand()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if cmd.TransactionID != tid {
			continue
		}
		switch cmd.Name {
		case "_result":
			return cmd, nil
		case "_error":
			code, _ := amf.StringProp(cmd.Arg(0), "code")
			return nil, fmt.Errorf("%s rejected: %s", name, code)
		}
	}
}

// awaitStatus waits for an onStatus with code, failing on any error status.
func (c *client) awaitStatus(code string) error {
	for {
		cmd, err := c.nextCommand()
		if err != nil {
			return fmt.Errorf("waiting for %s: %w", code, err)
		}
		if cmd.Name != "onStatus" {
			continue
		}
		got, _ := amf.StringProp(cmd.Arg(0), "code")
		level, _ := amf.StringProp(cmd.Arg(0), "level")
		switch {
		case got == code:
			return nil
		case level == rtmp.LevelError:
			desc, _ := amf.StringProp(cmd.Arg(0), "description")
			return fmt.Errorf("%s: %s", got, desc)
		}
	}
}

func (c *client) nextCommand() (*rtmp.Command, error) {
	for {
		m, err := c.r.ReadMessage()
		if err != nil {
			return nil, err
		}
		if m.Kind() != rtmp.KindCommand {
			continue
		}
		cmd, err := rtmp.ParseCommand(m)
		if err != nil {
			return nil, err
		}
		return cmd, nil
	}
}

// discard reads until the connection fails, passing each message to fn.
func (c *client) discard(fn func(*rtmp.Message)) error {
	for {
		m, err := c.r.ReadMessage()
		if err != nil {
			return err
		}
		if fn != nil {
			fn(m)
		}
	}
}
