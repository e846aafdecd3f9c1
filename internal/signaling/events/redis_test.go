package events

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// respServer speaks just enough RESP2 to accept PUBLISH.
type respServer struct {
	ln net.Listener

	mu        sync.Mutex
	published []publishedMsg
}

type publishedMsg struct {
	channel string
	payload string
}

func startRESPServer(t *testing.T) *respServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &respServer{ln: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *respServer) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		var reply string
		switch strings.ToUpper(args[0]) {
		case "HELLO":
			reply = "-ERR unknown command 'HELLO'\r\n"
		case "PING":
			reply = "+PONG\r\n"
		case "PUBLISH":
			s.mu.Lock()
			s.published = append(s.published, publishedMsg{channel: args[1], payload: args[2]})
			s.mu.Unlock()
			reply = ":1\r\n"
		default:
			reply = "+OK\r\n"
		}
		if _, err := io.WriteString(conn, reply); err != nil {
			return
		}
	}
}

func (s *respServer) messages() []publishedMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]publishedMsg(nil), s.published...)
}

func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "*") {
		return nil, fmt.Errorf("unexpected %q", line)
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil || n < 1 {
		return nil, fmt.Errorf("bad array header %q", line)
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		hdr, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(strings.TrimRight(hdr, "\r\n")[1:])
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func TestRedisPublisherPublishesToSubjectChannel(t *testing.T) {
	srv := startRESPServer(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.ln.Addr().String(), Protocol: 2})
	defer rdb.Close()

	pub := NewRedisPublisher(rdb, RedisConfig{PublishTimeout: time.Second})
	builder := NewBuilder("node-1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ended := builder.CallEnded("sess-1", "sip-1").Reason(EndReasonBusy, "486").Build()
	if err := pub.Publish(ctx, ended); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	for i := 0; i < 3; i++ {
		pub.PublishAsync(builder.CampaignCall("camp-1", fmt.Sprintf("cc-%d", i)).Result("no_answer", "pending", 1).Build())
	}
	if err := pub.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	msgs := srv.messages()
	if len(msgs) != 4 {
		t.Fatalf("published %d messages, want 4", len(msgs))
	}
	if msgs[0].channel != "callpilot.calls.sess-1.failed" {
		t.Errorf("channel = %q, want callpilot.calls.sess-1.failed", msgs[0].channel)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(msgs[0].payload), &body); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if body["end_reason"] != "busy" || body["node_id"] != "node-1" {
		t.Errorf("payload = %v", body)
	}
	for i, m := range msgs[1:] {
		if m.channel != "callpilot.campaigns.camp-1.call_result" {
			t.Errorf("async message %d channel = %q", i, m.channel)
		}
	}

	published, errs, dropped := pub.Stats()
	if published != 4 || errs != 0 || dropped != 0 {
		t.Errorf("Stats = %d/%d/%d, want 4/0/0", published, errs, dropped)
	}

	// Closed publishers drop silently
	pub.PublishAsync(ended)
	if err := pub.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestRedisPublisherReportsTransportErrors(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	rdb := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	defer rdb.Close()
	pub := NewRedisPublisher(rdb, RedisConfig{PublishTimeout: 300 * time.Millisecond})
	defer pub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := pub.Publish(ctx, NewBuilder("n").CallConnected("sess-1", "sip").Build()); err == nil {
		t.Fatal("Publish to a dead server succeeded")
	}
	if _, errs, _ := pub.Stats(); errs != 1 {
		t.Errorf("errors = %d, want 1", errs)
	}
}
