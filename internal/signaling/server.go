package signaling

import (
    "bufio"
    "context"
    "fmt"
    "io"
    "net"
    "strconv"
    "strings"
    "sync"
    "sync/atomic"
    "time"

    "github.com/hamzaKhattat/voip-billing-engine/internal/pipeline"
    "github.com/hamzaKhattat/voip-billing-engine/pkg/errors"
    "github.com/hamzaKhattat/voip-billing-engine/pkg/logger"
)

// Server accepts signaling connections from the call control switch.
// Each connection carries one event as "key: value" header lines
// terminated by an empty line; the response uses the same framing.
type Server struct {
    engine *pipeline.Engine
    config Config

    listener     net.Listener
    connections  sync.WaitGroup
    shutdown     chan struct{}
    shuttingDown atomic.Bool

    mu          sync.RWMutex
    activeConns map[string]*Session
    connCount   atomic.Int64

    metrics MetricsInterface
}

type Config struct {
    ListenAddress   string
    Port            int
    MaxConnections  int
    ReadTimeout     time.Duration
    WriteTimeout    time.Duration
    IdleTimeout     time.Duration
    ShutdownTimeout time.Duration
}

type MetricsInterface interface {
    IncrementCounter(name string, labels map[string]string)
    ObserveHistogram(name string, value float64, labels map[string]string)
    SetGauge(name string, value float64, labels map[string]string)
}

type Session struct {
    id         string
    conn       net.Conn
    reader     *bufio.Reader
    writer     *bufio.Writer
    headers    map[string]string
    server     *Server
    startTime  time.Time
    lastActive time.Time
    ctx        context.Context
    cancel     context.CancelFunc
}

func NewServer(engine *pipeline.Engine, config Config, metrics MetricsInterface) *Server {
    return &Server{
        engine:      engine,
        config:      config,
        shutdown:    make(chan struct{}),
        activeConns: make(map[string]*Session),
        metrics:     metrics,
    }
}

func (s *Server) Start() error {
    addr := fmt.Sprintf("%s:%d", s.config.ListenAddress, s.config.Port)

    listener, err := net.Listen("tcp", addr)
    if err != nil {
        return errors.Wrap(err, errors.ErrInternal, "failed to start signaling server")
    }

    s.listener = listener
    logger.Info("Signaling server started", "address", addr)

    go s.connectionMonitor()

    for {
        select {
        case <-s.shutdown:
            return nil
        default:
            // Accept with a deadline so shutdown is noticed promptly.
            if tcpListener, ok := listener.(*net.TCPListener); ok {
                tcpListener.SetDeadline(time.Now().Add(1 * time.Second))
            }

            conn, err := listener.Accept()
            if err != nil {
                if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
                    continue
                }
                if s.shuttingDown.Load() {
                    return nil
                }
                logger.Warn("Failed to accept connection", "error", err.Error())
                continue
            }

            if s.config.MaxConnections > 0 && int(s.connCount.Load()) >= s.config.MaxConnections {
                logger.Warn("Connection limit reached, rejecting connection")
                conn.Close()
                s.metrics.IncrementCounter("signaling_connections_rejected", map[string]string{
                    "reason": "limit_exceeded",
                })
                continue
            }

            s.connections.Add(1)
            s.connCount.Add(1)
            go s.handleConnection(conn)
        }
    }
}

func (s *Server) Stop() error {
    s.shuttingDown.Store(true)
    close(s.shutdown)

    if s.listener != nil {
        s.listener.Close()
    }

    done := make(chan struct{})
    go func() {
        s.connections.Wait()
        close(done)
    }()

    select {
    case <-done:
        logger.Info("Signaling server stopped gracefully")
    case <-time.After(s.config.ShutdownTimeout):
        logger.Warn("Signaling server shutdown timeout, forcing close")
        s.forceCloseConnections()
    }

    return nil
}

func (s *Server) handleConnection(conn net.Conn) {
    defer func() {
        s.connections.Done()
        s.connCount.Add(-1)
        conn.Close()
    }()

    ctx, cancel := context.WithCancel(context.Background())
    session := &Session{
        id:         fmt.Sprintf("%s-%d", conn.RemoteAddr().String(), time.Now().UnixNano()),
        conn:       conn,
        reader:     bufio.NewReader(conn),
        writer:     bufio.NewWriter(conn),
        headers:    make(map[string]string),
        server:     s,
        startTime:  time.Now(),
        lastActive: time.Now(),
        ctx:        ctx,
        cancel:     cancel,
    }

    s.mu.Lock()
    s.activeConns[session.id] = session
    s.mu.Unlock()

    defer func() {
        s.mu.Lock()
        delete(s.activeConns, session.id)
        s.mu.Unlock()
        cancel()
    }()

    conn.SetDeadline(time.Now().Add(s.config.ReadTimeout))

    logger.Debug("New signaling connection",
        "session_id", session.id,
        "remote_addr", conn.RemoteAddr().String())

    s.metrics.IncrementCounter("signaling_connections_total", nil)
    s.metrics.SetGauge("signaling_connections_active", float64(s.connCount.Load()), nil)

    if err := session.handle(); err != nil {
        if err != io.EOF && !strings.Contains(err.Error(), "use of closed network connection") {
            logger.Warn("Session error", "session_id", session.id, "error", err.Error())
        }
    }

    duration := time.Since(session.startTime)
    s.metrics.ObserveHistogram("signaling_session_duration", duration.Seconds(), nil)
}

func (session *Session) handle() error {
    if err := session.readHeaders(); err != nil {
        return errors.Wrap(err, errors.ErrSignalingConnection, "failed to read headers")
    }

    event := session.headers["event"]
    if event == "" {
        return errors.New(errors.ErrSignalingInvalidCmd, "no event header found")
    }

    session.ctx = context.WithValue(session.ctx, "call_id", session.headers["call_id"])
    session.ctx = context.WithValue(session.ctx, "request_id", session.id)

    log := logger.WithContext(session.ctx)
    log.Debug("Processing signaling event", "event", event)

    began := time.Now()
    var err error
    switch event {
    case "start":
        err = session.handleStart()
    case "answer":
        err = session.handleAnswer()
    case "retry":
        err = session.handleRetry()
    case "hangup":
        err = session.handleHangup()
    default:
        log.Warn("Unknown signaling event", "event", event)
        err = session.respond(map[string]string{"status": "error", "reason": "unknown event"})
    }

    session.server.metrics.ObserveHistogram("signaling_processing_time",
        time.Since(began).Seconds(), map[string]string{"event": event})
    return err
}

func (session *Session) readHeaders() error {
    session.updateActivity()

    for {
        line, err := session.reader.ReadString('\n')
        if err != nil {
            return err
        }

        line = strings.TrimSpace(line)
        if line == "" {
            break
        }

        parts := strings.SplitN(line, ":", 2)
        if len(parts) == 2 {
            session.headers[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
        }
    }

    return nil
}

func (session *Session) handleStart() error {
    req := pipeline.StartRequest{
        CallID:     session.headers["call_id"],
        Host:       session.headers["host"],
        Port:       session.intHeader("port"),
        TechPrefix: session.headers["tech_prefix"],
        Src:        session.headers["src"],
        Dst:        session.headers["dst"],
    }
    if codecs := session.headers["codecs"]; codecs != "" {
        req.Codecs = strings.Split(codecs, ",")
    }
    if req.Host == "" {
        // Fall back to the connection source when the switch does not
        // pass the originator address explicitly.
        if host, _, err := net.SplitHostPort(session.conn.RemoteAddr().String()); err == nil {
            req.Host = host
        }
    }

    decision := session.server.engine.ProcessStart(session.ctx, req)
    if !decision.Admitted {
        return session.respond(map[string]string{
            "status":     "rejected",
            "cause":      strconv.Itoa(decision.Cause),
            "cause_text": decision.CauseText,
        })
    }

    response := map[string]string{
        "status":  "allowed",
        "timeout": strconv.Itoa(decision.Timeout),
        "routes":  strconv.Itoa(len(decision.Routes)),
    }
    for i, step := range decision.Routes {
        response[fmt.Sprintf("route_%d", i+1)] = formatRoute(step)
    }
    return session.respond(response)
}

func (session *Session) handleAnswer() error {
    err := session.server.engine.ProcessAnswer(session.ctx, session.headers["call_id"])
    if err != nil {
        return session.respond(map[string]string{"status": "error", "reason": err.Error()})
    }
    return session.respond(map[string]string{"status": "ok"})
}

func (session *Session) handleRetry() error {
    next, err := session.server.engine.ProcessLegFailure(session.ctx,
        session.headers["call_id"], session.intHeader("cause"))
    if err != nil {
        return session.respond(map[string]string{"status": "error", "reason": err.Error()})
    }
    if next == nil {
        return session.respond(map[string]string{"status": "exhausted"})
    }
    return session.respond(map[string]string{
        "status": "ok",
        "route":  formatRoute(*next),
    })
}

func (session *Session) handleHangup() error {
    err := session.server.engine.ProcessHangup(session.ctx,
        session.headers["call_id"],
        session.intHeader("duration"),
        session.intHeader("billsec"),
        session.intHeader("cause"))
    if err != nil {
        logger.WithContext(session.ctx).WithError(err).Warn("Hangup processing failed")
        return session.respond(map[string]string{"status": "error", "reason": err.Error()})
    }
    return session.respond(map[string]string{"status": "ok"})
}

func (session *Session) respond(fields map[string]string) error {
    session.updateActivity()
    session.conn.SetWriteDeadline(time.Now().Add(session.server.config.WriteTimeout))

    // status first, then stable ordering for the rest.
    if v, ok := fields["status"]; ok {
        if _, err := session.writer.WriteString("status: " + v + "\n"); err != nil {
            return err
        }
    }
    for _, key := range sortedKeys(fields) {
        if key == "status" {
            continue
        }
        if _, err := session.writer.WriteString(key + ": " + fields[key] + "\n"); err != nil {
            return err
        }
    }
    if _, err := session.writer.WriteString("\n"); err != nil {
        return err
    }
    return session.writer.Flush()
}

func (session *Session) intHeader(name string) int {
    v, err := strconv.Atoi(session.headers[name])
    if err != nil {
        return 0
    }
    return v
}

func formatRoute(step pipeline.RouteStep) string {
    return fmt.Sprintf("%d %s %d %s", step.DeviceID, step.Host, step.Port, step.TechPrefix)
}

func sortedKeys(m map[string]string) []string {
    keys := make([]string, 0, len(m))
    for k := range m {
        keys = append(keys, k)
    }
    for i := 1; i < len(keys); i++ {
        for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
            keys[j], keys[j-1] = keys[j-1], keys[j]
        }
    }
    return keys
}

func (session *Session) updateActivity() {
    session.lastActive = time.Now()
}

func (s *Server) connectionMonitor() {
    ticker := time.NewTicker(30 * time.Second)
    defer ticker.Stop()

    for {
        select {
        case <-s.shutdown:
            return
        case <-ticker.C:
            s.checkIdleConnections()
        }
    }
}

func (s *Server) checkIdleConnections() {
    s.mu.Lock()
    defer s.mu.Unlock()

    now := time.Now()
    for id, session := range s.activeConns {
        if now.Sub(session.lastActive) > s.config.IdleTimeout {
            logger.Info("Closing idle connection", "session_id", id)
            session.conn.Close()
            session.cancel()
        }
    }
}

func (s *Server) forceCloseConnections() {
    s.mu.Lock()
    defer s.mu.Unlock()

    for id, session := range s.activeConns {
        logger.Info("Force closing connection", "session_id", id)
        session.conn.Close()
        session.cancel()
    }
}
