package signaling

import (
    "bufio"
    "io"
    "net"
    "strings"
    "testing"
    "time"

    "github.com/hamzaKhattat/voip-billing-engine/internal/pipeline"
)

func TestReadHeaders(t *testing.T) {
    wire := "event: start\ncall_id: abc-123\nhost: 10.0.0.1\nport: 5060\n\n"
    session := &Session{
        reader:  bufio.NewReader(strings.NewReader(wire)),
        headers: make(map[string]string),
    }

    if err := session.readHeaders(); err != nil {
        t.Fatalf("readHeaders failed: %v", err)
    }

    want := map[string]string{
        "event":   "start",
        "call_id": "abc-123",
        "host":    "10.0.0.1",
        "port":    "5060",
    }
    for k, v := range want {
        if session.headers[k] != v {
            t.Errorf("headers[%q] = %q, want %q", k, session.headers[k], v)
        }
    }
    if session.intHeader("port") != 5060 {
        t.Errorf("intHeader(port) = %d, want 5060", session.intHeader("port"))
    }
    if session.intHeader("missing") != 0 {
        t.Error("missing header should parse as 0")
    }
}

func TestReadHeadersSkipsMalformedLines(t *testing.T) {
    wire := "event: hangup\nnot-a-header\ncause: 16\n\n"
    session := &Session{
        reader:  bufio.NewReader(strings.NewReader(wire)),
        headers: make(map[string]string),
    }

    if err := session.readHeaders(); err != nil {
        t.Fatalf("readHeaders failed: %v", err)
    }
    if session.headers["event"] != "hangup" || session.headers["cause"] != "16" {
        t.Fatalf("headers = %v", session.headers)
    }
    if _, ok := session.headers["not-a-header"]; ok {
        t.Fatal("malformed line should be dropped")
    }
}

func TestRespondFraming(t *testing.T) {
    client, server := net.Pipe()
    defer client.Close()
    defer server.Close()

    session := &Session{
        conn:   server,
        writer: bufio.NewWriter(server),
        server: &Server{config: Config{WriteTimeout: time.Second}},
    }

    received := make(chan string, 1)
    go func() {
        data, _ := io.ReadAll(client)
        received <- string(data)
    }()

    err := session.respond(map[string]string{
        "status":  "allowed",
        "timeout": "300",
        "routes":  "1",
        "route_1": "7 10.0.0.2 5060 99",
    })
    if err != nil {
        t.Fatalf("respond failed: %v", err)
    }
    server.Close()

    got := <-received
    want := "status: allowed\n" +
        "route_1: 7 10.0.0.2 5060 99\n" +
        "routes: 1\n" +
        "timeout: 300\n" +
        "\n"
    if got != want {
        t.Fatalf("response framing:\ngot  %q\nwant %q", got, want)
    }
}

func TestFormatRoute(t *testing.T) {
    step := pipeline.RouteStep{DeviceID: 7, Host: "10.0.0.2", Port: 5061, TechPrefix: "99"}
    if got := formatRoute(step); got != "7 10.0.0.2 5061 99" {
        t.Fatalf("formatRoute = %q", got)
    }
}

func TestSortedKeys(t *testing.T) {
    keys := sortedKeys(map[string]string{"c": "", "a": "", "b": ""})
    if len(keys) != 3 || keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
        t.Fatalf("sortedKeys = %v", keys)
    }
}
