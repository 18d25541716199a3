package termination

import (
    "bufio"
    "context"
    "fmt"
    "net"
    "strings"
    "sync"
    "sync/atomic"
    "time"

    "github.com/hamzaKhattat/voip-billing-engine/pkg/errors"
    "github.com/hamzaKhattat/voip-billing-engine/pkg/logger"
)

// Channel is the command link to the call control switch, used to tear
// down calls the engine decides to end (timeout, depleted balance).
// Commands are fire and forget: a lost command is retried when the
// call is flagged again, never queued here.
type Channel struct {
    config Config

    mu        sync.Mutex
    conn      net.Conn
    reader    *bufio.Reader
    writer    *bufio.Writer
    connected bool

    shutdown      chan struct{}
    reconnectChan chan struct{}
    wg            sync.WaitGroup

    totalCommands  uint64
    failedCommands uint64
}

type Config struct {
    Host              string
    Port              int
    Password          string
    ConnectTimeout    time.Duration
    CommandTimeout    time.Duration
    ReconnectInterval time.Duration
}

func NewChannel(config Config) *Channel {
    if config.Port == 0 {
        config.Port = 5039
    }
    if config.ConnectTimeout == 0 {
        config.ConnectTimeout = 10 * time.Second
    }
    if config.CommandTimeout == 0 {
        config.CommandTimeout = 5 * time.Second
    }
    if config.ReconnectInterval == 0 {
        config.ReconnectInterval = 5 * time.Second
    }

    return &Channel{
        config:        config,
        shutdown:      make(chan struct{}),
        reconnectChan: make(chan struct{}, 1),
    }
}

// Connect dials the switch control port and authenticates.
func (c *Channel) Connect(ctx context.Context) error {
    c.mu.Lock()
    defer c.mu.Unlock()

    if c.connected {
        return nil
    }

    addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)
    logger.Info("Connecting to switch control port", "addr", addr)

    dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
    conn, err := dialer.DialContext(ctx, "tcp", addr)
    if err != nil {
        return errors.Wrap(err, errors.ErrSignalingConnection, "failed to connect to switch")
    }

    c.conn = conn
    c.reader = bufio.NewReader(conn)
    c.writer = bufio.NewWriter(conn)

    if c.config.Password != "" {
        if err := c.authenticate(); err != nil {
            conn.Close()
            return err
        }
    }

    c.connected = true
    logger.Info("Switch control channel connected")
    return nil
}

func (c *Channel) authenticate() error {
    c.conn.SetDeadline(time.Now().Add(c.config.CommandTimeout))
    defer c.conn.SetDeadline(time.Time{})

    if _, err := c.writer.WriteString("auth " + c.config.Password + "\n"); err != nil {
        return errors.Wrap(err, errors.ErrSignalingConnection, "failed to send auth")
    }
    if err := c.writer.Flush(); err != nil {
        return errors.Wrap(err, errors.ErrSignalingConnection, "failed to flush auth")
    }

    line, err := c.reader.ReadString('\n')
    if err != nil {
        return errors.Wrap(err, errors.ErrSignalingConnection, "failed to read auth response")
    }
    if !strings.HasPrefix(strings.TrimSpace(line), "+OK") {
        return errors.New(errors.ErrAuthFailed, "switch rejected auth")
    }
    return nil
}

// Start keeps the channel connected until the context is canceled.
func (c *Channel) Start(ctx context.Context) {
    c.wg.Add(1)
    go func() {
        defer c.wg.Done()
        for {
            select {
            case <-ctx.Done():
                return
            case <-c.shutdown:
                return
            case <-c.reconnectChan:
                c.mu.Lock()
                c.connected = false
                if c.conn != nil {
                    c.conn.Close()
                }
                c.mu.Unlock()

                time.Sleep(c.config.ReconnectInterval)
                if err := c.Connect(ctx); err != nil {
                    logger.Warn("Switch reconnection failed", "error", err.Error())
                    c.triggerReconnect()
                }
            }
        }
    }()
}

// Close shuts the channel down.
func (c *Channel) Close() {
    c.mu.Lock()
    if c.conn != nil {
        c.conn.Close()
    }
    c.connected = false
    c.mu.Unlock()

    close(c.shutdown)
    c.wg.Wait()
    logger.Info("Switch control channel closed")
}

// Kill asks the switch to tear down one call. Write failures trigger a
// reconnect; the caller does not wait for a switch side confirmation.
func (c *Channel) Kill(ctx context.Context, callID string) error {
    c.mu.Lock()
    defer c.mu.Unlock()

    if !c.connected {
        c.triggerReconnect()
        return errors.New(errors.ErrSignalingConnection, "switch channel not connected")
    }

    atomic.AddUint64(&c.totalCommands, 1)

    deadline := time.Now().Add(c.config.CommandTimeout)
    if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
        deadline = d
    }
    c.conn.SetWriteDeadline(deadline)

    if _, err := c.writer.WriteString("uuid_kill " + callID + "\n"); err != nil {
        atomic.AddUint64(&c.failedCommands, 1)
        c.connected = false
        c.triggerReconnect()
        return errors.Wrap(err, errors.ErrSignalingConnection, "kill command write failed")
    }
    if err := c.writer.Flush(); err != nil {
        atomic.AddUint64(&c.failedCommands, 1)
        c.connected = false
        c.triggerReconnect()
        return errors.Wrap(err, errors.ErrSignalingConnection, "kill command flush failed")
    }

    logger.WithField("call_id", callID).Debug("Kill command sent")
    return nil
}

func (c *Channel) triggerReconnect() {
    select {
    case c.reconnectChan <- struct{}{}:
    default:
    }
}

// IsConnected reports the channel state.
func (c *Channel) IsConnected() bool {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.connected
}

// Stats returns command counters for the stats API.
func (c *Channel) Stats() map[string]interface{} {
    return map[string]interface{}{
        "total_commands":  atomic.LoadUint64(&c.totalCommands),
        "failed_commands": atomic.LoadUint64(&c.failedCommands),
        "connected":       c.IsConnected(),
    }
}
